// Package pipeline implements the Submission Pipeline (C9): the end-to-end
// orchestration of a proof submission, wiring together consent validation,
// per-user envelope encryption, content addressing, metadata indexing, and
// deferred anchoring.
//
// Grounded on core/storage.go's Pin/Retrieve staged-orchestration style
// (named steps, each wrapped with its own error context, background work
// split out via goroutine rather than inline) and original_source's
// submission flow for step ordering.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/drp-network/gateway/internal/anchor"
	"github.com/drp-network/gateway/internal/audit"
	"github.com/drp-network/gateway/internal/canon"
	"github.com/drp-network/gateway/internal/consent"
	"github.com/drp-network/gateway/internal/contentstore"
	"github.com/drp-network/gateway/internal/index"
	"github.com/drp-network/gateway/internal/keyvault"
	"github.com/drp-network/gateway/internal/metrics"
	"github.com/drp-network/gateway/internal/types"
)

// EncryptionAlgorithm names the scheme recorded in every Stored Proof
// Object's encryption_metadata header.
const EncryptionAlgorithm = "xchacha20poly1305"

// ProofInput is the client-visible Proof Document.
type ProofInput struct {
	ProofType      string
	UserID         string
	ActivityData   types.Map
	Metadata       types.Map
	ConsentTokenID string
	Timestamp      int64 // zero selects the pipeline's clock
}

// StoredProof is what the content store actually holds.
type StoredProof struct {
	ProofID            string                       `json:"proof_id"`
	ProofType          string                       `json:"proof_type"`
	UserHash           string                       `json:"user_hash"`
	EncryptedData      types.Map                    `json:"encrypted_data"`
	EncryptionMetadata keyvault.EncryptionMetadata  `json:"encryption_metadata"`
	Metadata           types.Map                    `json:"metadata"`
	Timestamp          int64                        `json:"timestamp"`
	ConsentTokenID     string                       `json:"consent_token_id"`
}

// Result is returned to the caller of Submit.
type Result struct {
	ProofID string `json:"proof_id"`
	CID     string `json:"cid"`
	Status  string `json:"status"`
}

// Pipeline wires together every collaborator the submission flow needs.
type Pipeline struct {
	consent *consent.Service
	vault   *keyvault.KeyVault
	store   contentstore.Store
	idx     index.Index
	anchor  *anchor.Service
	audit   *audit.Log
	log     *logrus.Logger
	metrics *metrics.Collector

	now           func() time.Time
	anchorTimeout time.Duration
}

// New constructs a Pipeline. anchorTimeout bounds the background anchoring
// goroutine; zero selects 2 minutes. m may be nil to disable metrics
// reporting.
func New(consentSvc *consent.Service, vault *keyvault.KeyVault, store contentstore.Store, idx index.Index, anchorSvc *anchor.Service, auditLog *audit.Log, log *logrus.Logger, anchorTimeout time.Duration, m *metrics.Collector) *Pipeline {
	if log == nil {
		log = logrus.New()
	}
	if anchorTimeout <= 0 {
		anchorTimeout = 2 * time.Minute
	}
	return &Pipeline{
		consent:       consentSvc,
		vault:         vault,
		store:         store,
		idx:           idx,
		anchor:        anchorSvc,
		audit:         auditLog,
		log:           log,
		metrics:       m,
		now:           time.Now,
		anchorTimeout: anchorTimeout,
	}
}

// Submit runs the twelve-step submission algorithm. On failure in steps
// 3-9, already-performed steps are not compensated: the content store may
// retain an unreferenced blob, which is acceptable and garbage-collectable
// out of band.
func (p *Pipeline) Submit(ctx context.Context, in ProofInput) (Result, error) {
	start := p.now()

	// Step 1: allocate proof_id.
	proofID := uuid.New().String()

	// Step 2: log PROOF_SUBMISSION.
	p.logEvent(audit.EventProofSubmission, in.UserID, fmt.Sprintf("submission started for proof_type=%s", in.ProofType), map[string]interface{}{"proof_id": proofID})

	// Step 3: validate consent.
	if err := p.consent.Validate(in.ConsentTokenID, in.UserID); err != nil {
		p.logError(proofID, in.UserID, fmt.Errorf("consent validation failed: %w", err))
		return Result{}, fmt.Errorf("%w: %v", ErrConsentDenied, err)
	}
	p.logEvent(audit.EventConsentValidated, in.UserID, "consent token validated", map[string]interface{}{"proof_id": proofID, "consent_token_id": in.ConsentTokenID})

	// Step 4: user_hash.
	userHash := sha256Hex(in.UserID)

	// Step 5: derive user key, encrypt sensitive fields.
	userKey, err := p.vault.DeriveUserKey(userHash)
	if err != nil {
		p.logError(proofID, in.UserID, fmt.Errorf("derive user key: %w", err))
		return Result{}, err
	}
	encrypted, err := p.vault.EncryptSensitiveFields(userKey, in.ActivityData)
	if err != nil {
		p.logError(proofID, in.UserID, fmt.Errorf("encrypt sensitive fields: %w", err))
		return Result{}, err
	}

	ts := in.Timestamp
	if ts == 0 {
		ts = start.Unix()
	}

	// Step 6: assemble Stored Proof Object.
	stored := StoredProof{
		ProofID:       proofID,
		ProofType:     in.ProofType,
		UserHash:      userHash,
		EncryptedData: encrypted,
		EncryptionMetadata: keyvault.EncryptionMetadata{
			Algorithm: EncryptionAlgorithm,
			UserHash:  userHash,
			Timestamp: ts,
			Version:   1,
		},
		Metadata:       in.Metadata,
		Timestamp:      ts,
		ConsentTokenID: in.ConsentTokenID,
	}

	// Step 7: upload, get CID.
	canonicalProof, err := canon.Encode(stored)
	if err != nil {
		p.logError(proofID, in.UserID, fmt.Errorf("canonicalize stored proof: %w", err))
		return Result{}, err
	}
	cid, err := p.store.Put(ctx, canonicalProof)
	if err != nil {
		p.logError(proofID, in.UserID, fmt.Errorf("content store put: %w", err))
		return Result{}, err
	}

	// Step 8: metadata_hash.
	metadataHash, err := canon.HashHex(in.Metadata)
	if err != nil {
		p.logError(proofID, in.UserID, fmt.Errorf("hash metadata: %w", err))
		return Result{}, err
	}

	// Step 9: write metadata index.
	if err := p.idx.Insert(index.Row{
		ProofID:      proofID,
		UserHash:     userHash,
		CID:          cid,
		ProofType:    in.ProofType,
		MetadataHash: metadataHash,
		Timestamp:    ts,
	}); err != nil {
		p.logError(proofID, in.UserID, fmt.Errorf("index insert: %w", err))
		return Result{}, err
	}

	// Step 10: schedule background anchoring.
	p.scheduleAnchor(proofID, cid, metadataHash, ts)

	// Step 11: log PROOF_UPLOAD with duration.
	p.logEvent(audit.EventProofUpload, in.UserID, "proof uploaded", map[string]interface{}{
		"proof_id":    proofID,
		"cid":         cid,
		"duration_ms": time.Since(start).Milliseconds(),
	})

	// Step 12: return.
	if p.metrics != nil {
		p.metrics.RecordSubmission()
	}
	return Result{ProofID: proofID, CID: cid, Status: "submitted"}, nil
}

func (p *Pipeline) scheduleAnchor(proofID, cid, metadataHash string, ts int64) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.anchorTimeout)
		defer cancel()

		blockHash, blockHeight, err := p.anchor.AnchorCID(ctx, proofID, cid, metadataHash, ts)
		if err != nil {
			p.logEventLevel(audit.EventAnchorError, "ERROR", "", "background anchoring failed", map[string]interface{}{
				"proof_id": proofID, "cid": cid, "error": err.Error(),
			})
			return
		}
		p.logEvent(audit.EventProofAnchor, "", "proof anchored", map[string]interface{}{
			"proof_id": proofID, "cid": cid, "block_hash": blockHash, "block_height": blockHeight,
		})
	}()
}

func (p *Pipeline) logEvent(evtType audit.EventType, userID, message string, data map[string]interface{}) {
	p.logEventLevel(evtType, "INFO", userID, message, data)
}

func (p *Pipeline) logEventLevel(evtType audit.EventType, level, userID, message string, data map[string]interface{}) {
	if p.audit == nil {
		return
	}
	if err := p.audit.Append(audit.Event{EventType: evtType, Level: level, UserID: userID, Message: message, Data: data}); err != nil {
		p.log.WithError(err).Warn("pipeline: failed to append audit event")
	}
}

func (p *Pipeline) logError(proofID, userID string, cause error) {
	p.log.WithError(cause).WithField("proof_id", proofID).Error("pipeline: submission failed")
	if p.metrics != nil {
		p.metrics.RecordSubmissionError()
	}
	p.logEventLevel(audit.EventProofError, "ERROR", userID, cause.Error(), map[string]interface{}{"proof_id": proofID})
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
