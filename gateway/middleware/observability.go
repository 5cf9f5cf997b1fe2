package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/cmevawala/compound-clone/observability"
)

// Metrics records request counts and latencies into the shared HTTP registry
// and logs each served request with its correlation ID. The route label is
// the chi pattern, so path parameters do not explode label cardinality.
func Metrics(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			pattern := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if p := rctx.RoutePattern(); p != "" {
					pattern = p
				}
			}
			duration := time.Since(start)
			observability.HTTP().Observe(pattern, r.Method, ww.Status(), duration)
			logger.Info("request served",
				slog.String("route", pattern),
				slog.String("method", r.Method),
				slog.Int("status", ww.Status()),
				slog.String("request_id", RequestIDFromContext(r.Context())),
				slog.Duration("duration", duration))
		})
	}
}
