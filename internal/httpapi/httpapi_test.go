package httpapi

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
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
	"github.com/drp-network/gateway/internal/metrics"
	"github.com/drp-network/gateway/internal/pipeline"
	"github.com/drp-network/gateway/internal/readapi"
)

type harness struct {
	api     *API
	consent *consent.Service
	idx     index.Index
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

	collector := metrics.New()
	pipe := pipeline.New(consentSvc, vault, store, idx, anchorSvc, auditLog, log, 5*time.Second, collector)
	read := readapi.New(idx, anchorSvc)
	api := New(pipe, read, store, anchorSvc, q, collector, log)
	return &harness{api: api, consent: consentSvc, idx: idx}
}

func (h *harness) token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := h.consent.Create(userID, []string{"post_submission"}, 0)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func TestHandleHealth(t *testing.T) {
	h := newHarness(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.api.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status == "" {
		t.Fatal("expected a non-empty status")
	}
}

func TestHandleSubmitProofEndToEnd(t *testing.T) {
	h := newHarness(t)
	tok := h.token(t, "alice")

	body, _ := json.Marshal(submitProofRequest{
		ProofType:    "PoST",
		UserID:       "alice",
		ActivityData: map[string]interface{}{"minutes": float64(30)},
		ConsentToken: tok,
	})
	req := httptest.NewRequest(http.MethodPost, "/submit-proof", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.api.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp submitProofResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.ProofID == "" || resp.CID == "" || resp.Status != "submitted" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestHandleSubmitProofMissingFields(t *testing.T) {
	h := newHarness(t)
	body, _ := json.Marshal(submitProofRequest{ProofType: "PoST"})
	req := httptest.NewRequest(http.MethodPost, "/submit-proof", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.api.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleSubmitProofConsentDenied(t *testing.T) {
	h := newHarness(t)
	body, _ := json.Marshal(submitProofRequest{
		ProofType:    "PoST",
		UserID:       "alice",
		ActivityData: map[string]interface{}{"minutes": float64(30)},
		ConsentToken: "not-a-real-token",
	})
	req := httptest.NewRequest(http.MethodPost, "/submit-proof", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.api.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleExplorerByCIDNotFound(t *testing.T) {
	h := newHarness(t)
	req := httptest.NewRequest(http.MethodGet, "/explorer/unknown-cid", nil)
	rec := httptest.NewRecorder()
	h.api.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleExplorerByUserAndStats(t *testing.T) {
	h := newHarness(t)
	tok := h.token(t, "alice")
	body, _ := json.Marshal(submitProofRequest{
		ProofType:    "PoST",
		UserID:       "alice",
		ActivityData: map[string]interface{}{"minutes": float64(30)},
		ConsentToken: tok,
	})
	req := httptest.NewRequest(http.MethodPost, "/submit-proof", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.api.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("submit failed: %d %s", rec.Code, rec.Body.String())
	}

	sum := sha256.Sum256([]byte("alice"))
	req = httptest.NewRequest(http.MethodGet, "/explorer/user/"+hex.EncodeToString(sum[:]), nil)
	rec = httptest.NewRecorder()
	h.api.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var users userProofsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &users); err != nil {
		t.Fatal(err)
	}
	if users.Count != 1 {
		t.Fatalf("expected 1 proof for alice, got %d", users.Count)
	}

	req = httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec = httptest.NewRecorder()
	h.api.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var stats statsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
	if stats.TotalProofs != 1 {
		t.Fatalf("expected 1 total proof, got %d", stats.TotalProofs)
	}
}
