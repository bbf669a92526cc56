/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/users/*          Per-user balance, history, vouchers
  /api/balance/*        Balance writes (apply, reverse)
  /api/entries/*        Ledger entry lookup
  /api/vouchers/*       Voucher lifecycle
  /api/reports/*        Missing-points reports
  /api/admin/*          Operator adjustments, drift audit, sweep
  /metrics              Prometheus scrape endpoint
  /healthz              Liveness probe

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates a new router with all routes configured.
// allowedOrigins lists the CORS origins; empty means localhost defaults.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// User routes
		r.Route("/users", func(r chi.Router) {
			r.Get("/{id}/balance", h.GetBalance)
			r.Get("/{id}/history", h.GetHistory)
			r.Get("/{id}/vouchers", h.ListUserVouchers)
		})

		// Balance routes
		r.Route("/balance", func(r chi.Router) {
			r.Post("/apply", h.ApplyDelta)
			r.Post("/reverse", h.ReverseEntry)
		})

		// Ledger entry routes
		r.Route("/entries", func(r chi.Router) {
			r.Get("/{id}", h.GetEntry)
		})

		// Voucher routes
		r.Route("/vouchers", func(r chi.Router) {
			r.Post("/", h.IssueVoucher)
			r.Post("/{code}/redeem", h.RedeemVoucher)
			r.Post("/{id}/cancel", h.CancelVoucher)
		})

		// Report routes
		r.Route("/reports", func(r chi.Router) {
			r.Get("/", h.ListReports)
			r.Post("/", h.FileReport)
			r.Get("/{id}", h.GetReport)
			r.Post("/{id}/investigate", h.InvestigateReport)
			r.Post("/{id}/resolve", h.ResolveReport)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/adjustments", h.CreateAdjustment)
			r.Get("/drift/{id}", h.CheckDrift)
			r.Post("/vouchers/sweep", h.SweepVouchers)
		})
	})

	// Operational endpoints
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", h.Healthz)

	return r
}
