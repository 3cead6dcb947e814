/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests from the admin front-end

ROUTE GROUPS:
  /healthz              Liveness
  /metrics              Prometheus exposition (when configured)
  /api/jobs/*           Batch job triggers
  /api/reminders/*      Manual reminders
  /api/associations/*   Association reads
  /api/outbox/*         Outbox inspection

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig holds router options.
type RouterConfig struct {
	AllowedOrigins []string
	Metrics        http.Handler // mounted at /metrics when set
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/reconcile", h.RunReconcile)
			r.Post("/reminders", h.RunReminders)
		})

		r.Post("/reminders/send", h.SendReminders)

		r.Route("/associations/{id}", func(r chi.Router) {
			r.Get("/charges", h.ListCharges)
			r.Get("/lapsed", h.ListLapsed)
			r.Get("/audit", h.ListAudit)
		})

		r.Get("/outbox/stats", h.OutboxStats)
	})

	return r
}
