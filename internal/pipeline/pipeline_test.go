package pipeline

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/drp-network/gateway/internal/anchor"
	"github.com/drp-network/gateway/internal/audit"
	"github.com/drp-network/gateway/internal/consent"
	"github.com/drp-network/gateway/internal/contentstore"
	"github.com/drp-network/gateway/internal/elders"
	"github.com/drp-network/gateway/internal/index"
	"github.com/drp-network/gateway/internal/keyvault"
	"github.com/drp-network/gateway/internal/types"
)

type harness struct {
	pipeline *Pipeline
	consent  *consent.Service
	store    *contentstore.Memory
	idx      index.Index
	audit    *audit.Log
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	consentSvc, err := consent.New(filepath.Join(dir, "tokens.json"), filepath.Join(dir, "consent.key"), time.Hour, log)
	if err != nil {
		t.Fatal(err)
	}
	vault, err := keyvault.New(filepath.Join(dir, "master.key"), log)
	if err != nil {
		t.Fatal(err)
	}
	store := contentstore.NewMemory()
	idx := index.NewMemory()
	q, err := elders.New(filepath.Join(dir, "elder_keys.json"), 3, 2, log)
	if err != nil {
		t.Fatal(err)
	}
	anchorSvc := anchor.New(q, idx, anchor.NewDigestLedger(), log)
	auditLog, err := audit.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = auditLog.Close() })

	p := New(consentSvc, vault, store, idx, anchorSvc, auditLog, log, 5*time.Second, nil)
	return &harness{pipeline: p, consent: consentSvc, store: store, idx: idx, audit: auditLog}
}

func TestSubmitEndToEnd(t *testing.T) {
	h := newHarness(t)
	tok, err := h.consent.Create("alice", []string{"post_submission"}, 0)
	if err != nil {
		t.Fatal(err)
	}

	in := ProofInput{
		ProofType:      "PoST",
		UserID:         "alice",
		ActivityData:   types.Map{"personal_data": types.String("secret"), "note": types.String("public")},
		Metadata:       types.Map{"source": types.String("mobile")},
		ConsentTokenID: tok,
	}
	res, err := h.pipeline.Submit(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if res.ProofID == "" || res.CID == "" || res.Status != "submitted" {
		t.Fatalf("unexpected result: %+v", res)
	}

	row, err := h.idx.ByCID(res.CID)
	if err != nil {
		t.Fatal(err)
	}
	if row.ProofID != res.ProofID {
		t.Fatalf("expected index row for proof, got %+v", row)
	}

	events := h.audit.Query(audit.Filter{EventType: audit.EventProofUpload})
	if len(events) != 1 {
		t.Fatalf("expected 1 proof_upload event, got %d", len(events))
	}
}

func TestSubmitEncryptsSensitiveFields(t *testing.T) {
	h := newHarness(t)
	tok, err := h.consent.Create("bob", []string{"x"}, 0)
	if err != nil {
		t.Fatal(err)
	}

	in := ProofInput{
		ProofType:      "PoAT",
		UserID:         "bob",
		ActivityData:   types.Map{"medical_data": types.String("top-secret"), "tag": types.String("plain")},
		Metadata:       types.Map{},
		ConsentTokenID: tok,
	}
	res, err := h.pipeline.Submit(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}

	blob, err := h.store.Get(context.Background(), res.CID)
	if err != nil {
		t.Fatal(err)
	}
	var stored map[string]interface{}
	if err := json.Unmarshal(blob, &stored); err != nil {
		t.Fatal(err)
	}
	encrypted, ok := stored["encrypted_data"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected encrypted_data object, got %T", stored["encrypted_data"])
	}
	if _, present := encrypted["medical_data"]; present {
		t.Fatal("expected plaintext medical_data to be absent from stored proof")
	}
	if _, present := encrypted["medical_data_encrypted"]; !present {
		t.Fatal("expected medical_data_encrypted ciphertext field")
	}
	if encrypted["tag"] != "plain" {
		t.Fatalf("expected non-sensitive field to pass through, got %v", encrypted["tag"])
	}
}

func TestSubmitConsentDeniedFails(t *testing.T) {
	h := newHarness(t)
	in := ProofInput{
		ProofType:      "PoST",
		UserID:         "carol",
		ActivityData:   types.Map{},
		Metadata:       types.Map{},
		ConsentTokenID: "never-issued",
	}
	if _, err := h.pipeline.Submit(context.Background(), in); err == nil {
		t.Fatal("expected submission to fail without valid consent")
	}

	events := h.audit.Query(audit.Filter{EventType: audit.EventProofError})
	if len(events) != 1 {
		t.Fatalf("expected 1 proof_error event logged, got %d", len(events))
	}
}

func TestSubmitSchedulesBackgroundAnchor(t *testing.T) {
	h := newHarness(t)
	tok, err := h.consent.Create("dave", []string{"x"}, 0)
	if err != nil {
		t.Fatal(err)
	}
	in := ProofInput{
		ProofType:      "PoST",
		UserID:         "dave",
		ActivityData:   types.Map{},
		Metadata:       types.Map{},
		ConsentTokenID: tok,
	}
	res, err := h.pipeline.Submit(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		row, err := h.idx.ByCID(res.CID)
		if err == nil && row.HasBlock() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected background anchoring to populate block_height within timeout")
}
