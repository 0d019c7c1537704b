package middleware

import (
	"net/http"

	"github.com/resolvehq/resolve/pkg/auth"
	"github.com/resolvehq/resolve/pkg/httputil"
	"github.com/resolvehq/resolve/pkg/observability"
)

// LoginRateLimiter throttles credential-guessing surfaces per source IP.
// It shares the Redis fixed-window counter used for API keys.
type LoginRateLimiter struct {
	limiter *auth.KeyRateLimiter
	limit   int
	metrics *observability.Metrics
	logger  *observability.Logger
}

func NewLoginRateLimiter(limiter *auth.KeyRateLimiter, limit int, metrics *observability.Metrics, logger *observability.Logger) *LoginRateLimiter {
	return &LoginRateLimiter{
		limiter: limiter,
		limit:   limit,
		metrics: metrics,
		logger:  logger,
	}
}

// Handler wraps login-like endpoints with the per-IP window.
func (l *LoginRateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.limit <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		ip := httputil.ClientIP(r)
		allowed, retryAfter, err := l.limiter.Allow(r.Context(), "login:"+ip, l.limit)
		if err != nil {
			l.logger.WithError(err).Warn("login rate limiter unavailable, allowing request")
		}
		if !allowed {
			l.metrics.RateLimitedTotal.WithLabelValues("login").Inc()
			httputil.WriteRateLimited(w, retryAfter, "too many login attempts")
			return
		}
		next.ServeHTTP(w, r)
	})
}
