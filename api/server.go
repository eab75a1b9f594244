/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:     Unique ID per request, echoed in access logs
  2. RequestLogger: slog access log
  3. Recoverer:     Panic recovery (500 instead of crash)
  4. CORS:          Cross-origin requests for the dashboard
  5. Authenticate:  Bearer JWT -> points.Actor (only under /api)

ROUTE GROUPS:
  /health               Liveness, no auth
  /metrics              Prometheus scrape endpoint, no auth
  /api/accounts/*       Account creation, lookup and recharge
  /api/managers         Manager creation
  /api/masters/*        Reverse transfers
  /api/subscribers/*    Subscription window adjustment
  /api/refunds/*        Refund workflow and statistics
  /api/transactions/*   Ledger listing
  /api/plans            Plan catalogue
  /api/scenarios/*      Demo data (Admin only)

SEE ALSO:
  - handlers.go: Handler implementations
  - middleware.go: Authentication
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig holds the settings NewRouter needs beyond the handler.
type RouterConfig struct {
	JWTSecret      []byte
	AllowedOrigins []string
	// Gatherer backs /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(h.Log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(Authenticate(cfg.JWTSecret))

		r.Route("/accounts", func(r chi.Router) {
			r.Post("/", h.CreateAccount)
			r.Get("/{id}", h.GetAccount)
			r.Post("/{id}/recharge", h.Recharge)
		})
		r.Post("/managers", h.CreateManager)
		r.Post("/masters/{id}/reverse", h.ReverseTransfer)
		r.Post("/subscribers/{id}/adjust", h.AdjustWindow)

		r.Route("/refunds", func(r chi.Router) {
			r.Post("/filter", h.ListRefunds)
			r.Get("/history/{parentId}", h.RefundHistory)
			r.Post("/{id}", h.RequestRefund) // id is the subscriber
			r.Post("/{id}/accept", h.AcceptRefund)
			r.Post("/{id}/reject", h.RejectRefund)
		})

		r.Post("/transactions/filter", h.ListTransactions)

		r.Route("/plans", func(r chi.Router) {
			r.Get("/", h.ListPlans)
			r.Post("/", h.SavePlan)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}
