package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fechatter/gateway/internal/audit"
	"github.com/fechatter/gateway/internal/config"
	"github.com/fechatter/gateway/internal/ratelimit"
	"github.com/fechatter/gateway/internal/ratelimit/store"
)

func newLimiter(t *testing.T, cfg config.RateLimitConfig) *ratelimit.Limiter {
	t.Helper()
	l, err := ratelimit.New(cfg, store.NewMemoryStore(store.WithSweepInterval(0)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestRateLimit_PerIP(t *testing.T) {
	t.Parallel()

	l := newLimiter(t, config.RateLimitConfig{
		Enabled: true,
		PerIP:   &config.RateLimitScope{Requests: 2, Window: config.Duration(time.Minute)},
	})
	routes := []config.RouteConfig{{Name: "api", Path: "/api/*", Upstream: "chat"}}
	spy := &auditSpy{}
	h := routed(t, routes, RateLimit(l, spy, nil), okHandler("ok"))

	send := func(ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/chats", nil)
		req.RemoteAddr = ip + ":5555"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	for i := 1; i <= 2; i++ {
		rec := send("198.51.100.1")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "2", rec.Header().Get(HeaderRateLimitLimit))
		assert.Equal(t, strconv.Itoa(2-i), rec.Header().Get(HeaderRateLimitRemaining))
	}

	rec := send("198.51.100.1")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	retryAfter, err := strconv.Atoi(rec.Header().Get(HeaderRetryAfter))
	require.NoError(t, err)
	assert.True(t, retryAfter >= 1 && retryAfter <= 60, "retry after %d", retryAfter)
	assert.Equal(t, []audit.EventType{audit.EventRateLimitExceeded}, spy.types())

	assert.Equal(t, http.StatusOK, send("198.51.100.2").Code)
}

func TestRateLimit_NamedRouteRule(t *testing.T) {
	t.Parallel()

	l := newLimiter(t, config.RateLimitConfig{
		Enabled: true,
		Custom: []config.CustomRateLimit{{
			Name:           "uploads",
			RateLimitScope: config.RateLimitScope{Requests: 1, Window: config.Duration(time.Minute)},
		}},
	})
	routes := []config.RouteConfig{
		{Name: "upload", Path: "/api/v1/upload", Upstream: "file", RateLimit: "uploads"},
		{Name: "api", Path: "/api/*", Upstream: "chat"},
	}
	h := routed(t, routes, RateLimit(l, nil, nil), okHandler("ok"))

	do := func(path string) int {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, do("/api/v1/upload"))
	assert.Equal(t, http.StatusTooManyRequests, do("/api/v1/upload"))
	assert.Equal(t, http.StatusOK, do("/api/v1/chats"), "other routes are not bound to the rule")
}

func TestRetryAfterSeconds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   time.Duration
		want int64
	}{
		{in: 0, want: 1},
		{in: 300 * time.Millisecond, want: 1},
		{in: time.Second, want: 1},
		{in: 1500 * time.Millisecond, want: 2},
		{in: 59 * time.Second, want: 59},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, retryAfterSeconds(tt.in), tt.in.String())
	}
}
