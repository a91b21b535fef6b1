// Package anchor implements the Anchor Service (C7): builds anchor
// payloads, collects an Elder Quorum signature, submits the composite
// transaction to a pluggable ledger, and verifies existing anchors.
//
// Grounded on core/consensus.go's submit-with-retry pattern (bounded
// exponential backoff around an external confirmation call) and
// core/ipfs.go's style of wrapping an external endpoint behind a narrow
// Go interface so the production backend (here, go-ethereum's ethclient)
// and a deterministic local fake share one contract.
package anchor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/drp-network/gateway/internal/canon"
	"github.com/drp-network/gateway/internal/elders"
	"github.com/drp-network/gateway/internal/index"
	"github.com/drp-network/gateway/internal/metrics"
)

// Payload is the anchor commitment input to Elder signatures.
type Payload struct {
	ProofID      string `json:"proof_id"`
	CID          string `json:"cid"`
	MetadataHash string `json:"metadata_hash"`
	Timestamp    int64  `json:"timestamp"`
}

// Transaction is what actually gets submitted to the ledger: the payload
// plus its quorum signature set.
type Transaction struct {
	AnchorPayload    Payload            `json:"anchor_payload"`
	ElderSignatures  []elders.Signature `json:"elder_signatures"`
}

// BlockHash computes SHA-256(canonical(tx)) step 3.
func (tx Transaction) BlockHash() (string, error) {
	b, err := canon.Encode(tx)
	if err != nil {
		return "", fmt.Errorf("anchor: canonicalize transaction: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Ledger is the pluggable blockchain backend. Submit reports where tx
// landed: DigestLedger returns the deterministic Transaction.BlockHash,
// EthereumLedger returns the hash of the block that mined the transaction.
type Ledger interface {
	Submit(ctx context.Context, tx Transaction) (blockHash string, blockHeight uint64, err error)
	// FindByCID returns the most recent commitment covering cid, if any.
	FindByCID(ctx context.Context, cid string) (Transaction, bool, error)
}

// Service is the Anchor Service.
type Service struct {
	quorum  *elders.Quorum
	idx     index.Index
	ledger  Ledger
	log     *logrus.Logger
	metrics *metrics.Collector

	retryAttempts int
	retryBaseWait time.Duration
}

// Option configures a Service beyond its required collaborators.
type Option func(*Service)

// WithRetry overrides the default (3 attempts, 500ms doubling) ledger
// submission backoff.
func WithRetry(attempts int, baseWait time.Duration) Option {
	return func(s *Service) {
		s.retryAttempts = attempts
		s.retryBaseWait = baseWait
	}
}

// WithMetrics attaches a Collector that AnchorCID and submitWithRetry
// report counters to. Nil (the default) disables reporting.
func WithMetrics(m *metrics.Collector) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// New constructs an Anchor Service.
func New(quorum *elders.Quorum, idx index.Index, ledger Ledger, log *logrus.Logger, opts ...Option) *Service {
	if log == nil {
		log = logrus.New()
	}
	s := &Service{
		quorum:        quorum,
		idx:           idx,
		ledger:        ledger,
		log:           log,
		retryAttempts: 3,
		retryBaseWait: 500 * time.Millisecond,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// AnchorCID runs the full anchor flow for (proofID, cid, metadataHash,
// timestamp): build payload, quorum-sign, submit with retry, and notify the
// index. If the index row for cid already carries a block_height, that
// existing commitment is returned without re-signing or re-submitting.
func (s *Service) AnchorCID(ctx context.Context, proofID, cid, metadataHash string, timestamp int64) (blockHash string, blockHeight uint64, err error) {
	if existing, err := s.idx.ByCID(cid); err == nil && existing.HasBlock() {
		s.log.WithFields(logrus.Fields{"proof_id": proofID, "cid": cid}).Info("anchor: proof already anchored, returning existing commitment")
		return *existing.BlockHash, *existing.BlockHeight, nil
	}

	payload := Payload{ProofID: proofID, CID: cid, MetadataHash: metadataHash, Timestamp: timestamp}

	sigs, err := s.quorum.SignPayload(payload)
	if err != nil {
		s.log.WithError(err).WithField("proof_id", proofID).Error("anchor: elder signing failed")
		return "", 0, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}

	tx := Transaction{AnchorPayload: payload, ElderSignatures: sigs}

	blockHash, blockHeight, err = s.submitWithRetry(ctx, tx)
	if err != nil {
		s.log.WithError(err).WithField("proof_id", proofID).Error("anchor: ledger submission failed")
		if s.metrics != nil {
			s.metrics.RecordAnchorError()
		}
		return "", 0, err
	}

	if err := s.idx.UpdateBlock(proofID, blockHash, blockHeight); err != nil {
		return "", 0, fmt.Errorf("anchor: notify index: %w", err)
	}
	if s.metrics != nil {
		s.metrics.RecordAnchor()
	}
	s.log.WithFields(logrus.Fields{"proof_id": proofID, "block_hash": blockHash, "block_height": blockHeight}).Info("anchor: proof anchored")
	return blockHash, blockHeight, nil
}

func (s *Service) submitWithRetry(ctx context.Context, tx Transaction) (string, uint64, error) {
	wait := s.retryBaseWait
	var lastErr error
	for attempt := 1; attempt <= s.retryAttempts; attempt++ {
		blockHash, blockHeight, err := s.ledger.Submit(ctx, tx)
		if err == nil {
			return blockHash, blockHeight, nil
		}
		lastErr = err
		s.log.WithError(err).WithField("attempt", attempt).Warn("anchor: ledger submit attempt failed")
		if attempt == s.retryAttempts {
			break
		}
		if s.metrics != nil {
			s.metrics.RecordAnchorRetry()
		}
		select {
		case <-ctx.Done():
			return "", 0, ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
	return "", 0, fmt.Errorf("%w: %v", ErrSubmissionFailed, lastErr)
}

// VerifyCIDAnchor queries the ledger for the commitment covering cid and
// reports whether its payload carries a valid Elder quorum signature. It does
// not recompute or compare a block hash.
func (s *Service) VerifyCIDAnchor(ctx context.Context, cid string) (bool, error) {
	tx, found, err := s.ledger.FindByCID(ctx, cid)
	if err != nil {
		return false, fmt.Errorf("anchor: query ledger: %w", err)
	}
	if !found {
		return false, ErrAnchorNotFound
	}
	ok, err := s.quorum.VerifyPayload(tx.AnchorPayload, tx.ElderSignatures)
	if err != nil {
		return false, fmt.Errorf("anchor: verify quorum signature: %w", err)
	}
	return ok, nil
}

// -----------------------------------------------------------------------
// DigestLedger: default deterministic ledger, no external chain required.
// -----------------------------------------------------------------------

// DigestLedger is the default Ledger: it assigns an incrementing block
// height locally and derives the block hash purely from Transaction.BlockHash,
// requiring no external chain connection.
type DigestLedger struct {
	mu       sync.Mutex
	height   uint64
	byCID    map[string]Transaction
	byHash   map[string]uint64
}

// NewDigestLedger constructs an empty DigestLedger.
func NewDigestLedger() *DigestLedger {
	return &DigestLedger{byCID: make(map[string]Transaction), byHash: make(map[string]uint64)}
}

func (l *DigestLedger) Submit(_ context.Context, tx Transaction) (string, uint64, error) {
	hash, err := tx.BlockHash()
	if err != nil {
		return "", 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.height++
	l.byCID[tx.AnchorPayload.CID] = tx
	l.byHash[hash] = l.height
	return hash, l.height, nil
}

func (l *DigestLedger) FindByCID(_ context.Context, cid string) (Transaction, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tx, ok := l.byCID[cid]
	return tx, ok, nil
}
