package readapi

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/drp-network/gateway/internal/anchor"
	"github.com/drp-network/gateway/internal/elders"
	"github.com/drp-network/gateway/internal/index"
)

func newTestAPI(t *testing.T) (*API, index.Index, *anchor.Service) {
	t.Helper()
	dir := t.TempDir()
	q, err := elders.New(filepath.Join(dir, "elder_keys.json"), 3, 2, logrus.New())
	if err != nil {
		t.Fatal(err)
	}
	idx := index.NewMemory()
	anchorSvc := anchor.New(q, idx, anchor.NewDigestLedger(), logrus.New())
	return New(idx, anchorSvc), idx, anchorSvc
}

func TestByCIDUnanchoredIsNotVerified(t *testing.T) {
	api, idx, _ := newTestAPI(t)
	_ = idx.Insert(index.Row{ProofID: "p1", UserHash: "alice", CID: "bafy1", ProofType: "PoST", Timestamp: 100})

	v, err := api.ByCID(context.Background(), "bafy1")
	if err != nil {
		t.Fatal(err)
	}
	if v.IsVerified {
		t.Fatal("expected unanchored proof to be unverified")
	}
	if v.BlockHeight != nil {
		t.Fatal("expected no block height before anchoring")
	}
}

func TestByCIDAnchoredIsVerified(t *testing.T) {
	api, idx, anchorSvc := newTestAPI(t)
	_ = idx.Insert(index.Row{ProofID: "p1", UserHash: "alice", CID: "bafy1", ProofType: "PoST", Timestamp: 100})

	if _, _, err := anchorSvc.AnchorCID(context.Background(), "p1", "bafy1", "metahash", 100); err != nil {
		t.Fatal(err)
	}

	v, err := api.ByCID(context.Background(), "bafy1")
	if err != nil {
		t.Fatal(err)
	}
	if !v.IsVerified {
		t.Fatal("expected anchored proof to verify")
	}
	if v.BlockHeight == nil {
		t.Fatal("expected block height to be populated")
	}
}

func TestByCIDUnknownFails(t *testing.T) {
	api, _, _ := newTestAPI(t)
	if _, err := api.ByCID(context.Background(), "unknown"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestByUserAndByBlock(t *testing.T) {
	api, idx, anchorSvc := newTestAPI(t)
	_ = idx.Insert(index.Row{ProofID: "p1", UserHash: "alice", CID: "bafy1", Timestamp: 100})
	_ = idx.Insert(index.Row{ProofID: "p2", UserHash: "alice", CID: "bafy2", Timestamp: 200})
	if _, _, err := anchorSvc.AnchorCID(context.Background(), "p2", "bafy2", "metahash", 200); err != nil {
		t.Fatal(err)
	}

	users, err := api.ByUser(context.Background(), "alice", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 2 {
		t.Fatalf("expected 2 proofs for alice, got %d", len(users))
	}

	blocked, err := api.ByBlock(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(blocked) != 1 || blocked[0].CID != "bafy2" {
		t.Fatalf("expected bafy2 anchored at block 1, got %+v", blocked)
	}
}

func TestStats(t *testing.T) {
	api, idx, _ := newTestAPI(t)
	_ = idx.Insert(index.Row{ProofID: "p1", UserHash: "alice", CID: "bafy1"})
	stats, err := api.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalProofs != 1 {
		t.Fatalf("expected 1 proof, got %d", stats.TotalProofs)
	}
}
