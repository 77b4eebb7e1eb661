/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route
  definitions. This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. RequestID:   Unique ID per request for tracing
  2. Recoverer:   Panic recovery (500 instead of crash)
  3. requestLog:  Structured request logging (zerolog) + metrics
  4. CORS:        Cross-origin requests for the frontend

ROUTE GROUPS:
  /api/profiles/*    Balance, consumption, history, packs, subscription
  /api/plans         Plan catalog
  /api/packs         Pack catalog
  /api/operations    Operation cost table
  /api/admin/*       Manual allocation and forfeiture
  /api/webhooks/*    Payment provider notifications
  /metrics           Prometheus scrape endpoint

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLog(h.Log, h.Metrics))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Route("/profiles/{id}", func(r chi.Router) {
			r.Put("/", h.PutProfile)

			r.Route("/credits", func(r chi.Router) {
				r.Get("/balance", h.GetBalance)
				r.Post("/consume", h.Consume)
				r.Get("/affordability", h.CanAfford)
				r.Get("/history", h.GetHistory)
				r.Get("/access", h.GetAccess)
				r.Post("/packs/{packId}/purchase", h.PurchasePack)
			})

			r.Route("/subscription", func(r chi.Router) {
				r.Get("/", h.GetSubscription)
				r.Post("/cancel", h.CancelSubscription)
			})
		})

		// Catalog routes
		r.Get("/plans", h.ListPlans)
		r.Get("/packs", h.ListPacks)
		r.Get("/operations", h.ListOperations)

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/profiles/{id}/allocate", h.Allocate)
			r.Post("/profiles/{id}/forfeit", h.Forfeit)
		})

		// Webhook routes
		r.Post("/webhooks/{provider}", h.Webhook)
	})

	// Prometheus scrape endpoint
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// requestLog emits one structured line per request and feeds the request
// metrics. The route pattern (not the raw path) labels the metrics to
// keep cardinality bounded.
func requestLog(log zerolog.Logger, metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			route := chi.RouteContext(r.Context()).RoutePattern()
			elapsed := time.Since(start)

			if metrics != nil {
				metrics.RequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(ww.Status())).Inc()
				metrics.RequestDuration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())
			}

			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", elapsed).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("request")
		})
	}
}
