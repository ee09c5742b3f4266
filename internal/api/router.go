// Package api exposes the document pipeline and search over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/docuglot/docuglot/internal/observability"
)

// Pinger verifies database connectivity for readiness checks.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// NewRouter creates the API router with all routes configured.
func NewRouter(h *Handler, pinger Pinger, logger *observability.Logger, requestTimeout time.Duration) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	if requestTimeout > 0 {
		r.Use(chimiddleware.Timeout(requestTimeout))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"healthy","service":"docuglot"}`))
	})

	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := pinger.PingContext(ctx); err != nil {
			logger.Warn().Err(err).Msg("readiness check failed")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unavailable"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ready"}`))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/documents", func(r chi.Router) {
			r.Post("/", h.UploadDocument)
			r.Get("/", h.ListDocuments)
			r.Route("/{documentID}", func(r chi.Router) {
				r.Get("/", h.GetDocument)
				r.Delete("/", h.DeleteDocument)
				r.Post("/reprocess", h.ReprocessDocument)
			})
		})
		r.Get("/search", h.Search)
	})

	return r
}
