package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"lmsbridge/internal/config"
	"lmsbridge/internal/middleware"
	"lmsbridge/internal/websocket"
)

// RouterDeps collects everything the admin router serves.
type RouterDeps struct {
	Bridge     *BridgeHandler
	Health     *HealthHandler
	Hub        *websocket.Hub
	Metrics    http.Handler // Prometheus exposition endpoint
	RateLimit  config.RateLimitConfig
	Logger     *slog.Logger
}

// NewRouter assembles the admin API router with the full middleware chain.
func NewRouter(deps RouterDeps) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.StructuredLogger(deps.Logger))
	r.Use(middleware.Recoverer(deps.Logger))
	r.Use(middleware.RateLimit(deps.RateLimit))

	if deps.Health != nil {
		r.Get("/healthz", deps.Health.Health)
		r.Get("/readyz", deps.Health.Ready)
	}
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics)
	}

	r.Route("/api/v1", func(api chi.Router) {
		deps.Bridge.Routes(api)
	})

	if deps.Hub != nil {
		r.Get("/ws", func(w http.ResponseWriter, req *http.Request) {
			websocket.ServeWS(deps.Hub, w, req)
		})
	}

	return r
}
