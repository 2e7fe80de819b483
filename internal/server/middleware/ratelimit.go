package middleware

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/httprate"

	"github.com/markbook/markbook/internal/apperr"
	"github.com/markbook/markbook/internal/metrics"
	"github.com/markbook/markbook/internal/ratelimit"
)

const rateLimitedMessage = "too many requests, please try again later"

// RateLimit throttles requests per client address with l. The client key
// is the first of True-Client-IP, X-Real-IP, X-Forwarded-For and the
// connection address.
func RateLimit(l *ratelimit.Limiter, m *metrics.Metrics, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, err := httprate.KeyByRealIP(r)
			if err != nil {
				writeError(w, apperr.Internal(err))
				return
			}

			d := l.Allow(key)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(l.Limit()))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			if !d.Allowed {
				m.RateLimited()
				if logger != nil {
					logger.Warn("rate limited", "client", key, "path", r.URL.Path)
				}
				w.Header().Set("Retry-After", retryAfterSeconds(d.RetryAfter))
				writeError(w, apperr.New(apperr.ErrRateLimited, rateLimitedMessage))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func retryAfterSeconds(d time.Duration) string {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// GlobalThrottle is a coarse per-IP ceiling over every route, on top of
// the credential-route limiter.
func GlobalThrottle(requestsPerMinute int, m *metrics.Metrics) func(http.Handler) http.Handler {
	return httprate.Limit(
		requestsPerMinute,
		time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			m.RateLimited()
			writeError(w, apperr.New(apperr.ErrRateLimited, rateLimitedMessage))
		}),
	)
}
