package anchor

import "errors"

var (
	// ErrSigningFailed wraps an Elder Quorum signing failure; the anchor is
	// not submitted and the index row remains without block_* fields.
	ErrSigningFailed = errors.New("anchor: elder signing failed")
	// ErrSubmissionFailed is returned after the ledger submit retry budget
	// is exhausted.
	ErrSubmissionFailed = errors.New("anchor: ledger submission failed")
	// ErrAnchorNotFound is returned by VerifyCIDAnchor when the ledger has
	// no commitment for the given CID.
	ErrAnchorNotFound = errors.New("anchor: no commitment found for cid")
)
