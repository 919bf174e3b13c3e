package httpx

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jcmexdev/canteen-integration/internal/gateway/httpx/middlewares"
)

// NewRouter mounts the orchestrator routes. metrics, when non-nil, is served
// at /metrics.
func NewRouter(handler *Handler, metrics http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middlewares.AttachTracingMetadata)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/sagas", func(r chi.Router) {
		r.Post("/", handler.SubmitSaga)
		r.Get("/", handler.ListSagas)
		r.Get("/{id}", handler.GetSaga)
		r.Get("/{id}/result", handler.GetSagaResult)
	})

	r.Route("/epics/{domain}", func(r chi.Router) {
		r.Get("/health", handler.GetEpicHealth)
		r.Post("/breaker/open", handler.OpenBreaker)
		r.Post("/breaker/reset", handler.ResetBreaker)
	})
	r.Get("/breakers", handler.ListBreakers)

	r.Get("/retry-policies", handler.ListRetryPolicies)
	r.Patch("/retry-policies/{domain}", handler.UpdateRetryPolicy)

	r.Get("/metrics/performance", handler.GetPerformanceMetrics)
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}
	return r
}
