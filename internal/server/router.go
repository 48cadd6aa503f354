package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/realport/feedsync/internal/api"
)

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// NewRouter assembles the HTTP surface: operator API, health, and metrics.
func NewRouter(operator http.Handler, checks map[string]HealthCheck) chi.Router {
	r := chi.NewRouter()
	r.Use(api.RequestID)
	r.Use(api.RequestLogger)
	r.Use(api.LimitBody)
	r.Use(api.ValidateContentType)

	r.Get("/healthz", healthHandler(checks))
	r.Handle("/metrics", promhttp.Handler())
	r.Mount("/feedsync/v1", operator)
	return r
}

func healthHandler(checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		failed := map[string]string{}
		for name, check := range checks {
			if err := check(ctx); err != nil {
				failed[name] = err.Error()
			}
		}
		if len(failed) > 0 {
			api.WriteJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "degraded",
				"failed": failed,
			})
			return
		}
		api.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	}
}
