// Package routes exposes the lending protocol over HTTP.
package routes

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cmevawala/compound-clone/core"
	"github.com/cmevawala/compound-clone/gateway/middleware"
)

// Config wires the router to the node and its middleware stack.
type Config struct {
	Node        *core.Node
	Logger      *slog.Logger
	RateLimiter *middleware.RateLimiter
}

// New builds the gateway HTTP handler: health and metrics endpoints plus the
// versioned lending API.
func New(cfg Config) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Metrics(logger))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	lr := &lendingRoutes{node: cfg.Node, logger: logger}
	r.Route("/v1/lending", func(sr chi.Router) {
		if cfg.RateLimiter != nil {
			sr.Use(cfg.RateLimiter.Middleware)
		}
		lr.mount(sr)
	})
	return r
}
