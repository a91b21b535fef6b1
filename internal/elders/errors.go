package elders

import "errors"

var (
	// ErrInsufficientElders is returned when fewer than t effective Elders
	// are available to satisfy sign_payload.
	ErrInsufficientElders = errors.New("elders: insufficient effective elders for quorum")
	// ErrUnknownElder is returned for an elder_id not present in the set.
	ErrUnknownElder = errors.New("elders: unknown elder")
	// ErrRevokedElder is returned when an operation targets a revoked elder.
	ErrRevokedElder = errors.New("elders: elder is revoked")
	// ErrBadSignature names a malformed signature. VerifyPayload does not
	// return it: malformed or non-verifying signatures are skipped and their
	// weight is not counted.
	ErrBadSignature = errors.New("elders: malformed signature")
	// ErrAlreadyBootstrapped is returned by Bootstrap when a key file
	// already exists.
	ErrAlreadyBootstrapped = errors.New("elders: already bootstrapped")
)
