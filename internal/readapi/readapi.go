// Package readapi implements the Read API (C11): lookups by CID, by user,
// and by block, plus on-chain anchor verification. It never returns
// plaintext sensitive fields — decryption is out of scope of this
// untrusted-caller read path.
//
// Grounded on core/storage.go's Retrieve: a narrow, read-only accessor
// layered over the storage/index packages; the anchor-verification fold is
// new to this domain and composes internal/index with internal/anchor
// directly.
package readapi

import (
	"context"
	"errors"
	"fmt"

	"github.com/drp-network/gateway/internal/anchor"
	"github.com/drp-network/gateway/internal/index"
)

// ErrNotFound is returned when no metadata row exists for a lookup key.
var ErrNotFound = errors.New("readapi: not found")

// ProofView is the public, redacted projection of a Metadata Row plus its
// on-chain verification status.
type ProofView struct {
	CID          string  `json:"cid"`
	ProofType    string  `json:"proof_type"`
	UserHash     string  `json:"user_hash"`
	BlockHeight  *uint64 `json:"block_height,omitempty"`
	Timestamp    int64   `json:"timestamp"`
	MetadataHash string  `json:"metadata_hash"`
	IsVerified   bool    `json:"is_verified"`
}

// API is the Read API.
type API struct {
	idx    index.Index
	anchor *anchor.Service
}

// New constructs a Read API over idx and anchorSvc.
func New(idx index.Index, anchorSvc *anchor.Service) *API {
	return &API{idx: idx, anchor: anchorSvc}
}

func (a *API) toView(ctx context.Context, r index.Row) ProofView {
	v := ProofView{
		CID:          r.CID,
		ProofType:    r.ProofType,
		UserHash:     r.UserHash,
		BlockHeight:  r.BlockHeight,
		Timestamp:    r.Timestamp,
		MetadataHash: r.MetadataHash,
	}
	if r.HasBlock() {
		ok, err := a.anchor.VerifyCIDAnchor(ctx, r.CID)
		v.IsVerified = err == nil && ok
	}
	return v
}

// ByCID looks up a proof by content address and folds in its verification
// status.
func (a *API) ByCID(ctx context.Context, cid string) (ProofView, error) {
	r, err := a.idx.ByCID(cid)
	if err != nil {
		if errors.Is(err, index.ErrNotFound) {
			return ProofView{}, ErrNotFound
		}
		return ProofView{}, fmt.Errorf("readapi: by_cid: %w", err)
	}
	return a.toView(ctx, r), nil
}

// ByUser lists a user's proofs, most recent first.
func (a *API) ByUser(ctx context.Context, userHash string, limit int) ([]ProofView, error) {
	rows, err := a.idx.ByUser(userHash, limit)
	if err != nil {
		return nil, fmt.Errorf("readapi: by_user: %w", err)
	}
	out := make([]ProofView, len(rows))
	for i, r := range rows {
		out[i] = a.toView(ctx, r)
	}
	return out, nil
}

// ByBlock lists the proofs anchored in a given block.
func (a *API) ByBlock(ctx context.Context, blockHeight uint64) ([]ProofView, error) {
	rows, err := a.idx.ByBlock(blockHeight)
	if err != nil {
		return nil, fmt.Errorf("readapi: by_block: %w", err)
	}
	out := make([]ProofView, len(rows))
	for i, r := range rows {
		out[i] = a.toView(ctx, r)
	}
	return out, nil
}

// Stats exposes the index's aggregate counters for the /stats surface.
func (a *API) Stats() (index.Stats, error) {
	return a.idx.Stats()
}
