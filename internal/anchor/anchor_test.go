package anchor

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/drp-network/gateway/internal/elders"
	"github.com/drp-network/gateway/internal/index"
)

func newTestService(t *testing.T) (*Service, index.Index) {
	t.Helper()
	dir := t.TempDir()
	q, err := elders.New(filepath.Join(dir, "elder_keys.json"), 5, 3, logrus.New())
	if err != nil {
		t.Fatal(err)
	}
	idx := index.NewMemory()
	s := New(q, idx, NewDigestLedger(), logrus.New())
	return s, idx
}

func TestAnchorCIDEndToEnd(t *testing.T) {
	s, idx := newTestService(t)
	_ = idx.Insert(index.Row{ProofID: "p1", UserHash: "alice", CID: "bafy1", Timestamp: 100})

	blockHash, blockHeight, err := s.AnchorCID(context.Background(), "p1", "bafy1", "metahash", 100)
	if err != nil {
		t.Fatal(err)
	}
	if blockHash == "" || blockHeight == 0 {
		t.Fatalf("expected non-empty commitment, got %q %d", blockHash, blockHeight)
	}

	row, err := idx.ByCID("bafy1")
	if err != nil {
		t.Fatal(err)
	}
	if !row.HasBlock() || *row.BlockHash != blockHash || *row.BlockHeight != blockHeight {
		t.Fatalf("expected index row updated with commitment, got %+v", row)
	}

	ok, err := s.VerifyCIDAnchor(context.Background(), "bafy1")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected anchor to verify")
	}
}

func TestAnchorCIDIsIdempotent(t *testing.T) {
	s, idx := newTestService(t)
	_ = idx.Insert(index.Row{ProofID: "p1", UserHash: "alice", CID: "bafy1", Timestamp: 100})

	h1, b1, err := s.AnchorCID(context.Background(), "p1", "bafy1", "metahash", 100)
	if err != nil {
		t.Fatal(err)
	}
	h2, b2, err := s.AnchorCID(context.Background(), "p1", "bafy1", "metahash", 100)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 || b1 != b2 {
		t.Fatalf("expected idempotent resubmission to return the same commitment, got (%s,%d) vs (%s,%d)", h1, b1, h2, b2)
	}
}

func TestVerifyUnknownCIDFails(t *testing.T) {
	s, _ := newTestService(t)
	_, err := s.VerifyCIDAnchor(context.Background(), "never-anchored")
	if !errors.Is(err, ErrAnchorNotFound) {
		t.Fatalf("expected ErrAnchorNotFound, got %v", err)
	}
}

type flakyLedger struct {
	failuresLeft int
	inner        *DigestLedger
}

func (f *flakyLedger) Submit(ctx context.Context, tx Transaction) (string, uint64, error) {
	if f.failuresLeft > 0 {
		f.failuresLeft--
		return "", 0, errors.New("transient rpc error")
	}
	return f.inner.Submit(ctx, tx)
}

func (f *flakyLedger) FindByCID(ctx context.Context, cid string) (Transaction, bool, error) {
	return f.inner.FindByCID(ctx, cid)
}

func TestSubmitRetriesThenSucceeds(t *testing.T) {
	dir := t.TempDir()
	q, err := elders.New(filepath.Join(dir, "elder_keys.json"), 5, 3, logrus.New())
	if err != nil {
		t.Fatal(err)
	}
	idx := index.NewMemory()
	_ = idx.Insert(index.Row{ProofID: "p1", UserHash: "alice", CID: "bafy1"})

	ledger := &flakyLedger{failuresLeft: 2, inner: NewDigestLedger()}
	s := New(q, idx, ledger, logrus.New(), WithRetry(3, time.Millisecond))

	_, _, err = s.AnchorCID(context.Background(), "p1", "bafy1", "metahash", 1)
	if err != nil {
		t.Fatalf("expected eventual success after transient failures, got %v", err)
	}
}

func TestSubmitExhaustsRetries(t *testing.T) {
	dir := t.TempDir()
	q, err := elders.New(filepath.Join(dir, "elder_keys.json"), 5, 3, logrus.New())
	if err != nil {
		t.Fatal(err)
	}
	idx := index.NewMemory()
	_ = idx.Insert(index.Row{ProofID: "p1", UserHash: "alice", CID: "bafy1"})

	ledger := &flakyLedger{failuresLeft: 10, inner: NewDigestLedger()}
	s := New(q, idx, ledger, logrus.New(), WithRetry(3, time.Millisecond))

	_, _, err = s.AnchorCID(context.Background(), "p1", "bafy1", "metahash", 1)
	if !errors.Is(err, ErrSubmissionFailed) {
		t.Fatalf("expected ErrSubmissionFailed, got %v", err)
	}
}
