package middleware

import (
	"net/http"
	"sync/atomic"

	"github.com/fechatter/gateway/internal/observability"
	"github.com/fechatter/gateway/internal/util"
)

// ConnectionLimiter bounds the number of requests in flight.
type ConnectionLimiter struct {
	slots    chan struct{}
	inFlight atomic.Int64
	rejected atomic.Int64
	logger   observability.Logger
}

// NewConnectionLimiter returns a limiter admitting at most limit
// concurrent requests. A non-positive limit admits everything.
func NewConnectionLimiter(limit int, logger observability.Logger) *ConnectionLimiter {
	if logger == nil {
		logger = observability.NopLogger()
	}
	l := &ConnectionLimiter{logger: logger}
	if limit > 0 {
		l.slots = make(chan struct{}, limit)
	}
	return l
}

// TryAcquire takes a slot without waiting.
func (l *ConnectionLimiter) TryAcquire() bool {
	if l.slots == nil {
		l.inFlight.Add(1)
		return true
	}
	select {
	case l.slots <- struct{}{}:
		l.inFlight.Add(1)
		return true
	default:
		l.rejected.Add(1)
		return false
	}
}

// Release returns a slot taken by TryAcquire.
func (l *ConnectionLimiter) Release() {
	l.inFlight.Add(-1)
	if l.slots != nil {
		<-l.slots
	}
}

// InFlight is the number of requests currently holding a slot.
func (l *ConnectionLimiter) InFlight() int64 { return l.inFlight.Load() }

// Rejected is the number of requests turned away so far.
func (l *ConnectionLimiter) Rejected() int64 { return l.rejected.Load() }

// Middleware answers 503 when every slot is taken. Long-lived streams
// hold their slot until they end.
func (l *ConnectionLimiter) Middleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.TryAcquire() {
				l.logger.Warn("connection limit reached",
					observability.String("path", r.URL.Path),
					observability.Int64("rejected_total", l.rejected.Load()),
				)
				util.WriteJSONError(w, http.StatusServiceUnavailable, "too many concurrent requests",
					observability.RequestIDFromContext(r.Context()))
				return
			}
			defer l.Release()
			next.ServeHTTP(w, r)
		})
	}
}

// MaxConnections is shorthand for NewConnectionLimiter(limit, logger).Middleware().
func MaxConnections(limit int, logger observability.Logger) Middleware {
	return NewConnectionLimiter(limit, logger).Middleware()
}
