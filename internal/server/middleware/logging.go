package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/markbook/markbook/internal/metrics"
)

// AccessLog logs one line per request and feeds the request metrics. 4xx
// responses are logged at warn, 5xx at error. m may be nil.
func AccessLog(logger *slog.Logger, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			elapsed := time.Since(start)

			level := slog.LevelInfo
			if status >= 500 {
				level = slog.LevelError
			} else if status >= 400 {
				level = slog.LevelWarn
			}
			logger.Log(r.Context(), level, "request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"duration_ms", float64(elapsed.Microseconds())/1000.0,
				"bytes", ww.BytesWritten(),
				"request_id", GetRequestID(r.Context()),
				"remote_addr", r.RemoteAddr,
			)

			m.ObserveRequest(r.Method, routePattern(r), status, elapsed)
		})
	}
}

// routePattern returns the matched chi pattern, keeping path parameters
// such as account IDs out of metric labels.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		return rctx.RoutePattern()
	}
	return ""
}
