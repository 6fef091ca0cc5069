package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/davidahmann/steward/internal/logger"
)

// NewRouter wires the operator and agent endpoints.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(h.requireAuth)

		r.Post("/v1/actions", h.EvaluateAction)
		r.Post("/v1/outcomes", h.RecordOutcome)
		r.Post("/v1/approvals/{id}/resolve", h.ResolveApproval)

		r.Route("/v1/tenants/{tenant}", func(r chi.Router) {
			r.Use(h.requireTenant)
			r.Post("/capabilities/filter", h.FilterCapabilities)
			r.Get("/approvals", h.ListApprovals)
			r.Get("/approvals/{id}", h.GetApproval)
			r.Get("/ledger", h.QueryLedger)
			r.Get("/cost", h.CostSummary)
		})

		r.Group(func(r chi.Router) {
			r.Use(requireAdmin)
			r.Put("/v1/capabilities/{name}/weight", h.SetWeight)
			r.Post("/v1/ledger/reconcile", h.Reconcile)
			r.Post("/v1/approvals/sweep", h.SweepApprovals)
		})
	})
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logger.Logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}
