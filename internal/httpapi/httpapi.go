// Package httpapi exposes the gateway's HTTP surface: the write path
// (POST /submit-proof), the read/explorer paths, a health check, and
// aggregate stats. It is a thin layer over internal/pipeline and
// internal/readapi — no business logic lives here.
//
// Grounded on core/api_node.go's handler style (explicit method checks,
// a shared writeJSON helper, MaxBytesReader + DisallowUnknownFields on
// decode) generalized from net/http's ServeMux to chi for path parameters,
// since the teacher's own go.mod carries go-chi/chi/v5 as a direct
// dependency it never wires into a handler.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/drp-network/gateway/internal/anchor"
	"github.com/drp-network/gateway/internal/contentstore"
	"github.com/drp-network/gateway/internal/elders"
	"github.com/drp-network/gateway/internal/metrics"
	"github.com/drp-network/gateway/internal/pipeline"
	"github.com/drp-network/gateway/internal/readapi"
	"github.com/drp-network/gateway/internal/types"
)

// maxSubmitBody bounds the size of a POST /submit-proof body.
const maxSubmitBody = 5 << 20 // 5MB

// API wires the HTTP surface over the gateway's services.
type API struct {
	pipeline *pipeline.Pipeline
	read     *readapi.API
	store    contentstore.Store
	anchor   *anchor.Service
	quorum   *elders.Quorum
	metrics  *metrics.Collector
	log      *logrus.Logger
	now      func() time.Time
}

// New constructs the HTTP API. metrics may be nil to disable /metrics.
func New(p *pipeline.Pipeline, read *readapi.API, store contentstore.Store, anchorSvc *anchor.Service, quorum *elders.Quorum, m *metrics.Collector, log *logrus.Logger) *API {
	if log == nil {
		log = logrus.New()
	}
	return &API{pipeline: p, read: read, store: store, anchor: anchorSvc, quorum: quorum, metrics: m, log: log, now: time.Now}
}

// Router builds the chi router exposing every endpoint in spec section 6.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/health", a.handleHealth)
	r.Post("/submit-proof", a.handleSubmitProof)
	r.Get("/explorer/{cid}", a.handleExplorerByCID)
	r.Get("/explorer/user/{userHash}", a.handleExplorerByUser)
	r.Get("/explorer/block/{height}", a.handleExplorerByBlock)
	r.Get("/stats", a.handleStats)
	if a.metrics != nil {
		r.Handle("/metrics", a.metrics.Handler())
	}
	return r
}

// -----------------------------------------------------------------------
// GET /health
// -----------------------------------------------------------------------

type healthResponse struct {
	Status    string          `json:"status"`
	Timestamp int64           `json:"timestamp"`
	Services  map[string]bool `json:"services"`
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	services := map[string]bool{
		"content_store": a.checkContentStore(ctx),
		"index":         a.checkIndex(),
		"ledger":        a.anchor != nil,
		"elders":        a.checkElders(),
	}
	status := "healthy"
	for _, ok := range services {
		if !ok {
			status = "degraded"
			break
		}
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: status, Timestamp: a.now().Unix(), Services: services})
}

func (a *API) checkContentStore(ctx context.Context) bool {
	if a.store == nil {
		return false
	}
	_, err := a.store.NodeInfo(ctx)
	return err == nil
}

func (a *API) checkIndex() bool {
	if a.read == nil {
		return false
	}
	_, err := a.read.Stats()
	return err == nil
}

func (a *API) checkElders() bool {
	if a.quorum == nil {
		return false
	}
	active := 0
	for _, e := range a.quorum.StatusSnapshot() {
		if e.Status == elders.StatusActive {
			active++
		}
	}
	return active >= a.quorum.CountThreshold()
}

// -----------------------------------------------------------------------
// POST /submit-proof
// -----------------------------------------------------------------------

type submitProofRequest struct {
	ProofType    string                 `json:"proof_type"`
	UserID       string                 `json:"user_id"`
	ActivityData map[string]interface{} `json:"activity_data"`
	ConsentToken string                 `json:"consent_token"`
	Timestamp    int64                  `json:"timestamp,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

type submitProofResponse struct {
	ProofID   string `json:"proof_id"`
	CID       string `json:"cid"`
	Status    string `json:"status"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

func (a *API) handleSubmitProof(w http.ResponseWriter, r *http.Request) {
	if ct := r.Header.Get("Content-Type"); ct != "" && ct != "application/json" {
		writeError(w, http.StatusUnsupportedMediaType, "content type must be application/json")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxSubmitBody)
	defer r.Body.Close()

	var req submitProofRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ProofType == "" || req.UserID == "" || req.ConsentToken == "" {
		writeError(w, http.StatusBadRequest, "proof_type, user_id, and consent_token are required")
		return
	}

	in := pipeline.ProofInput{
		ProofType:      req.ProofType,
		UserID:         req.UserID,
		ActivityData:   toMap(req.ActivityData),
		Metadata:       toMap(req.Metadata),
		ConsentTokenID: req.ConsentToken,
		Timestamp:      req.Timestamp,
	}

	res, err := a.pipeline.Submit(r.Context(), in)
	if err != nil {
		if errors.Is(err, pipeline.ErrConsentDenied) {
			writeError(w, http.StatusForbidden, "consent denied")
			return
		}
		a.log.WithError(err).Error("httpapi: submit-proof failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, submitProofResponse{
		ProofID:   res.ProofID,
		CID:       res.CID,
		Status:    res.Status,
		Message:   "proof accepted",
		Timestamp: a.now().Unix(),
	})
}

func toMap(m map[string]interface{}) types.Map {
	if m == nil {
		return types.Map{}
	}
	v := types.FromAny(m)
	out, _ := v.AsMap()
	return out
}

// -----------------------------------------------------------------------
// GET /explorer/{cid}
// -----------------------------------------------------------------------

func (a *API) handleExplorerByCID(w http.ResponseWriter, r *http.Request) {
	cid := chi.URLParam(r, "cid")
	view, err := a.read.ByCID(r.Context(), cid)
	if err != nil {
		if errors.Is(err, readapi.ErrNotFound) {
			writeError(w, http.StatusNotFound, "proof not found")
			return
		}
		a.log.WithError(err).Error("httpapi: explorer by_cid failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// -----------------------------------------------------------------------
// GET /explorer/user/{user_hash}
// -----------------------------------------------------------------------

type proofListResponse struct {
	Proofs []readapi.ProofView `json:"proofs"`
	Count  int                 `json:"count"`
}

type userProofsResponse struct {
	UserHash string              `json:"user_hash"`
	Proofs   []readapi.ProofView `json:"proofs"`
	Count    int                 `json:"count"`
}

func (a *API) handleExplorerByUser(w http.ResponseWriter, r *http.Request) {
	userHash := chi.URLParam(r, "userHash")
	limit := parseLimit(r.URL.Query().Get("limit"))

	views, err := a.read.ByUser(r.Context(), userHash, limit)
	if err != nil {
		a.log.WithError(err).Error("httpapi: explorer by_user failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, userProofsResponse{UserHash: userHash, Proofs: views, Count: len(views)})
}

// -----------------------------------------------------------------------
// GET /explorer/block/{height}
// -----------------------------------------------------------------------

type blockProofsResponse struct {
	BlockHeight uint64              `json:"block_height"`
	Proofs      []readapi.ProofView `json:"proofs"`
	Count       int                 `json:"count"`
}

func (a *API) handleExplorerByBlock(w http.ResponseWriter, r *http.Request) {
	heightStr := chi.URLParam(r, "height")
	height, err := strconv.ParseUint(heightStr, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid block height")
		return
	}

	views, err := a.read.ByBlock(r.Context(), height)
	if err != nil {
		a.log.WithError(err).Error("httpapi: explorer by_block failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, blockProofsResponse{BlockHeight: height, Proofs: views, Count: len(views)})
}

// -----------------------------------------------------------------------
// GET /stats
// -----------------------------------------------------------------------

type systemHealth struct {
	ContentStoreOK bool `json:"content_store_ok"`
	LedgerOK       bool `json:"ledger_ok"`
	EldersOK       bool `json:"elders_ok"`
}

type statsResponse struct {
	TotalProofs  int          `json:"total_proofs"`
	TotalUsers   int          `json:"total_users"`
	LatestBlock  uint64       `json:"latest_block"`
	SystemHealth systemHealth `json:"system_health"`
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.read.Stats()
	if err != nil {
		a.log.WithError(err).Error("httpapi: stats failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if a.metrics != nil {
		a.metrics.SetIndexStats(stats.TotalProofs, stats.LatestBlock)
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	writeJSON(w, http.StatusOK, statsResponse{
		TotalProofs: stats.TotalProofs,
		TotalUsers:  stats.TotalUsers,
		LatestBlock: stats.LatestBlock,
		SystemHealth: systemHealth{
			ContentStoreOK: a.checkContentStore(ctx),
			LedgerOK:       a.anchor != nil,
			EldersOK:       a.checkElders(),
		},
	})
}

// -----------------------------------------------------------------------
// helpers
// -----------------------------------------------------------------------

func parseLimit(s string) int {
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}
