package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/audit"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/screening"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// defaultScoreTTL applies to PUT /scores without ttlSeconds.
const defaultScoreTTL = 24 * time.Hour

// Deps are the components the API serves. Everything except Screener may be
// nil; the routes that need a missing component answer 503.
type Deps struct {
	Screener   *screening.Screener
	Registry   *rules.Registry
	Compiler   *rules.Compiler
	Repository domain.Repository
	Cache      domain.Cache
	Bus        domain.EventBus
	Audit      *audit.Reader
	Scores     *scoring.CacheProvider
	Metrics    *metrics.Collector
	Version    string
}

// Handler holds dependencies for API handlers.
type Handler struct {
	Deps
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps) *Handler {
	return &Handler{Deps: deps}
}

// EvaluateResponse is the response for POST /evaluate.
type EvaluateResponse struct {
	*domain.RuleEvaluationResult
	Metadata ResponseMetadata `json:"metadata"`
}

// ResponseMetadata is attached to every evaluation response.
type ResponseMetadata struct {
	TraceID string `json:"traceId"`
	TotalMs int64  `json:"totalMs"`
	Version string `json:"version"`
}

// Evaluate handles POST /evaluate. With ?async=true the transaction is
// published to the bus for the worker and 202 is returned.
func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req domain.TransactionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if msg := validateTransaction(&req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	tx := req.ToTransaction(tenantID)

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		h.enqueue(w, r, tx, req.MLScore)
		return
	}

	result := h.Screener.Evaluate(ctx, screening.Request{
		Transaction: tx,
		MLScore:     req.MLScore,
	})

	writeJSON(w, http.StatusOK, EvaluateResponse{
		RuleEvaluationResult: result,
		Metadata: ResponseMetadata{
			TraceID: GetTraceID(ctx),
			TotalMs: time.Since(start).Milliseconds(),
			Version: h.Version,
		},
	})
}

// EvaluateFeaturesRequest is the request body for POST /evaluate/features.
type EvaluateFeaturesRequest struct {
	TransactionID string          `json:"transactionId"`
	Features      domain.Features `json:"features"`
	MLScore       *float64        `json:"mlScore,omitempty"`
}

// EvaluateFeatures handles POST /evaluate/features: a precomputed feature set
// is screened as-is. The tenant header wins over any tenant_id feature.
func (h *Handler) EvaluateFeatures(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	var req EvaluateFeaturesRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.MLScore != nil && !validScore(*req.MLScore) {
		writeError(w, http.StatusBadRequest, "mlScore must be between 0 and 100")
		return
	}
	if req.Features == nil {
		req.Features = domain.Features{}
	}
	req.Features[domain.FeatureTenantID] = GetTenantID(ctx)

	result := h.Screener.EvaluateFeatures(ctx, req.TransactionID, req.Features, req.MLScore)

	writeJSON(w, http.StatusOK, EvaluateResponse{
		RuleEvaluationResult: result,
		Metadata: ResponseMetadata{
			TraceID: GetTraceID(ctx),
			TotalMs: time.Since(start).Milliseconds(),
			Version: h.Version,
		},
	})
}

func (h *Handler) enqueue(w http.ResponseWriter, r *http.Request, tx *domain.Transaction, mlScore *float64) {
	if h.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not available")
		return
	}
	err := bus.PublishJSON(r.Context(), h.Bus, tx.TenantID, domain.TopicTransactionIngested, domain.TransactionMessage{
		Transaction: tx,
		MLScore:     mlScore,
	})
	if err != nil {
		slog.Error("failed to enqueue transaction", "tx_id", tx.ID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "failed to enqueue transaction")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"transactionId": tx.ID,
		"status":        "queued",
	})
}

func validateTransaction(req *domain.TransactionRequest) string {
	switch {
	case req.AmountMinor < 0:
		return "amountMinor must not be negative"
	case req.MLScore != nil && !validScore(*req.MLScore):
		return "mlScore must be between 0 and 100"
	case len(req.Currency) != 0 && len(req.Currency) != 3:
		return "currency must be an ISO 4217 code"
	case len(req.CountryCode) != 0 && len(req.CountryCode) != 2:
		return "countryCode must be an ISO 3166 alpha-2 code"
	}
	return ""
}

// validScore accepts [0,1] and percentages up to 100.
func validScore(v float64) bool {
	_, err := domain.NormalizeScore(v)
	return err == nil
}

// GetEvaluation returns the audit record for a transaction.
func (h *Handler) GetEvaluation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	txID := chi.URLParam(r, "txId")

	if h.Audit == nil {
		writeError(w, http.StatusServiceUnavailable, "audit trail not available")
		return
	}

	rec, err := h.Audit.Get(ctx, tenantID, txID)
	if errors.Is(err, audit.ErrNotFound) {
		writeError(w, http.StatusNotFound, "evaluation not found")
		return
	}
	if err != nil {
		slog.Error("failed to get evaluation", "tx_id", txID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read evaluation")
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// PutScoreRequest is the request body for PUT /scores/{txId}.
type PutScoreRequest struct {
	Score      float64 `json:"score"`
	TTLSeconds int     `json:"ttlSeconds,omitempty"`
}

// PutScore publishes a model score ahead of the transaction's evaluation.
func (h *Handler) PutScore(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	txID := chi.URLParam(r, "txId")

	if h.Scores == nil {
		writeError(w, http.StatusServiceUnavailable, "scoring not enabled")
		return
	}

	var req PutScoreRequest
	if !decodeBody(w, r, &req) {
		return
	}
	score, err := domain.NormalizeScore(req.Score)
	if err != nil {
		writeError(w, http.StatusBadRequest, "score must be between 0 and 100")
		return
	}
	ttl := defaultScoreTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}

	if err := h.Scores.Put(ctx, GetTenantID(ctx), txID, score, ttl); err != nil {
		slog.Error("failed to store score", "tx_id", txID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to store score")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Health reports the state of the backing stores.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	checks := map[string]string{}
	status := "healthy"

	check := func(name string, ping func() error) {
		if err := ping(); err != nil {
			checks[name] = err.Error()
			status = "degraded"
			return
		}
		checks[name] = "ok"
	}
	if h.Repository != nil {
		check("repository", func() error { return h.Repository.Ping(ctx) })
	}
	if h.Cache != nil {
		check("cache", func() error { return h.Cache.Ping(ctx) })
	}
	if h.Bus != nil {
		check("bus", func() error { return h.Bus.Ping(ctx) })
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": h.Version,
		"checks":  checks,
	})
}

// Ready reports whether a rule set is active. The fallback tier works
// without one, so this only gates traffic when rules are expected.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	var version int64
	if h.Registry != nil {
		version = h.Registry.Status().Version
	}
	status := http.StatusOK
	if h.Registry != nil && version == 0 {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"ready":          status == http.StatusOK,
		"ruleSetVersion": version,
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Debug("failed to write response", "error", err)
	}
}
