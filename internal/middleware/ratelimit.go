package middleware

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/fechatter/gateway/internal/audit"
	"github.com/fechatter/gateway/internal/observability"
	"github.com/fechatter/gateway/internal/ratelimit"
	"github.com/fechatter/gateway/internal/util"
)

// RateLimit admits requests through l. Denied requests get 429 with
// Retry-After; every limited response carries X-RateLimit-Limit and
// X-RateLimit-Remaining. A nil or unconfigured limiter disables the
// stage.
func RateLimit(l *ratelimit.Limiter, al audit.Logger, logger observability.Logger) Middleware {
	if l == nil || !l.Enabled() {
		return passthrough
	}
	if al == nil {
		al = audit.NewNoopLogger()
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			req := ratelimit.Request{
				ClientIP: util.ClientIP(r),
				User:     util.UserFromContext(r.Context()),
				Method:   r.Method,
				Path:     r.URL.Path,
				Host:     r.Host,
				Header:   r.Header,
			}
			if m := RouteFromContext(r.Context()); m != nil {
				req.Rule = m.Route.Config.RateLimit
			}

			d := l.Admit(r.Context(), req)
			if d.Limit > 0 {
				w.Header().Set(HeaderRateLimitLimit, strconv.FormatInt(d.Limit, 10))
				w.Header().Set(HeaderRateLimitRemaining, strconv.FormatInt(d.Remaining, 10))
			}
			if d.Allowed {
				next.ServeHTTP(w, r)
				return
			}

			requestID := observability.RequestIDFromContext(r.Context())
			logger.Warn("rate limit exceeded",
				observability.String("scope", d.Scope),
				observability.String("client_ip", req.ClientIP),
				observability.String("path", r.URL.Path),
				observability.String("request_id", requestID),
			)
			al.Log(r.Context(), audit.RateLimitExceeded(auditInfo(r), d.Scope, d.Limit, d.RetryAfter))

			err := util.NewRateLimitedError(d.Scope, d.Limit, d.RetryAfter)
			w.Header().Set(HeaderRetryAfter, strconv.FormatInt(retryAfterSeconds(d.RetryAfter), 10))
			util.WriteError(w, err, requestID)
		})
	}
}

// retryAfterSeconds rounds up so clients never retry early.
func retryAfterSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 1
	}
	return int64(math.Ceil(d.Seconds()))
}
