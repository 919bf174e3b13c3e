package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/jcmexdev/canteen-integration/internal/coordinator"
	"github.com/jcmexdev/canteen-integration/internal/coordinator/breaker"
	"github.com/jcmexdev/canteen-integration/internal/coordinator/retry"
	"github.com/jcmexdev/canteen-integration/internal/pkg/interceptors"
)

// Engine is the orchestrator surface the gateway needs.
type Engine interface {
	SubmitSaga(ctx context.Context, sub coordinator.Submission) coordinator.Result
	GetSagaStatus(sagaID string) (coordinator.SagaTransaction, error)
	ListActiveSagas() []coordinator.SagaTransaction
	GetSagaResult(ctx context.Context, sagaID string) (coordinator.Result, error)
	GetEpicHealth(domain string) coordinator.EpicHealth
	GetPerformanceMetrics() coordinator.PerformanceMetrics
	UpdateRetryPolicy(domain string, u retry.Update) (retry.Policy, error)
	RetryPolicies() map[string]retry.Policy
	ForceOpenBreaker(domain string) breaker.State
	ResetBreaker(domain string) breaker.State
	Breakers() []breaker.State
}

var _ Engine = (*coordinator.Engine)(nil)

// Handler serves the orchestrator operations as JSON.
type Handler struct {
	engine Engine
	logger *slog.Logger
}

func NewHandler(engine Engine, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{engine: engine, logger: logger}
}

// SubmitSaga runs a saga and answers with its flat result: 200 on success,
// 422 when the saga failed and was compensated, 400 when it was rejected.
func (h *Handler) SubmitSaga(w http.ResponseWriter, r *http.Request) {
	var req SubmitSagaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	sub, err := req.toSubmission()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_timeout", err.Error())
		return
	}
	if key := interceptors.IdempotencyKey(r.Context()); key != "" {
		if sub.Metadata == nil {
			sub.Metadata = make(map[string]string, 1)
		}
		if _, set := sub.Metadata[coordinator.MetadataIdempotencyKey]; !set {
			sub.Metadata[coordinator.MetadataIdempotencyKey] = key
		}
	}

	h.logger.InfoContext(r.Context(), "submitting saga",
		"request_id", interceptors.RequestID(r.Context()),
		"type", sub.Type,
		"steps", len(sub.Steps),
	)

	// A client hanging up must not abandon a saga halfway; the submission
	// timeout bounds it instead.
	res := h.engine.SubmitSaga(context.WithoutCancel(r.Context()), sub)

	switch {
	case res.Success:
		writeJSON(w, http.StatusOK, res)
	case res.SagaID == "":
		writeError(w, http.StatusBadRequest, "invalid_saga", res.Error)
	default:
		writeJSON(w, http.StatusUnprocessableEntity, res)
	}
}

func (h *Handler) ListSagas(w http.ResponseWriter, r *http.Request) {
	sagas := h.engine.ListActiveSagas()
	out := make([]SagaResponse, len(sagas))
	for i, tx := range sagas {
		out[i] = mapSaga(tx)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) GetSaga(w http.ResponseWriter, r *http.Request) {
	tx, err := h.engine.GetSagaStatus(chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSaga(tx))
}

func (h *Handler) GetSagaResult(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.GetSagaResult(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) GetEpicHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.GetEpicHealth(chi.URLParam(r, "domain")))
}

func (h *Handler) GetPerformanceMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.GetPerformanceMetrics())
}

func (h *Handler) ListRetryPolicies(w http.ResponseWriter, r *http.Request) {
	policies := h.engine.RetryPolicies()
	out := make([]RetryPolicyResponse, 0, len(policies))
	for d, p := range policies {
		out = append(out, mapPolicy(d, p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) UpdateRetryPolicy(w http.ResponseWriter, r *http.Request) {
	domain := chi.URLParam(r, "domain")
	var patch RetryPolicyPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	u, err := patch.toUpdate()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_duration", err.Error())
		return
	}
	p, err := h.engine.UpdateRetryPolicy(domain, u)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mapPolicy(domain, p))
}

func (h *Handler) ListBreakers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Breakers())
}

func (h *Handler) OpenBreaker(w http.ResponseWriter, r *http.Request) {
	domain := chi.URLParam(r, "domain")
	h.logger.WarnContext(r.Context(), "breaker forced open", "domain", domain)
	writeJSON(w, http.StatusOK, h.engine.ForceOpenBreaker(domain))
}

func (h *Handler) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	domain := chi.URLParam(r, "domain")
	h.logger.InfoContext(r.Context(), "breaker reset", "domain", domain)
	writeJSON(w, http.StatusOK, h.engine.ResetBreaker(domain))
}

func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, coordinator.ErrSagaNotFound):
		writeError(w, http.StatusNotFound, "saga_not_found", err.Error())
	case errors.Is(err, retry.ErrInvalidPolicy):
		writeError(w, http.StatusBadRequest, "invalid_policy", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{
		Error:   code,
		Message: msg,
	})
}
