/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:      Unique ID per request for tracing
  2. RequestLogger:  Structured access log (zap)
  3. Recoverer:      Panic recovery (500 instead of crash)
  4. CORS:           Cross-origin requests for the frontend

ROUTE GROUPS:
  /healthz                      Liveness + database ping
  /api/workspaces/{ws}/*        Allocation views and overrides
  /api/scenarios/*              Demo scenarios and reset (dev only)

SECURITY NOTE:
  No authentication middleware. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - logging/logging.go: RequestLogger
  - cmd/allocator/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/warp/allocation-engine/logging"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(logging.RequestLogger(h.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Healthz)

	r.Route("/api", func(r chi.Router) {
		r.Route("/workspaces/{ws}", func(r chi.Router) {
			r.Get("/funds", h.ListFunds)
			r.Delete("/funds/{fundID}", h.DeactivateFund)
			r.Get("/allocation", h.GetAllocation)
			r.Get("/fund-tracker", h.GetFundTracker)
			r.Get("/monthly-dashboard", h.GetMonthlyDashboard)

			r.Route("/overrides", func(r chi.Router) {
				r.Get("/", h.ListOverrides)
				r.Post("/", h.UpsertOverride)
				r.Delete("/{fundID}/{year}/{month}", h.DeleteOverride)
			})
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	return r
}
