package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/fechatter/gateway/internal/audit"
	"github.com/fechatter/gateway/internal/config"
	"github.com/fechatter/gateway/internal/health"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type auditSpy struct {
	mu     sync.Mutex
	events []audit.EventType
	closed bool
}

func (s *auditSpy) Log(_ context.Context, e *audit.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e.Type)
}

func (s *auditSpy) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *auditSpy) count(t audit.EventType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e == t {
			n++
		}
	}
	return n
}

func loadConfig(t *testing.T, doc string) *config.GatewayConfig {
	t.Helper()
	cfg, err := config.LoadConfigFromReader(strings.NewReader(doc))
	require.NoError(t, err)
	return cfg
}

func newGateway(t *testing.T, cfg *config.GatewayConfig, spy *auditSpy) *Gateway {
	t.Helper()
	gw, err := New(context.Background(), cfg, WithAuditLogger(spy), WithVersion("1.0.0-test"))
	require.NoError(t, err)
	return gw
}

func countingServer(t *testing.T, status int, hits *atomic.Int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = fmt.Fprintf(w, `{"path":%q}`, r.URL.Path)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = "198.51.100.7:40000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestGateway_FailedServerIsSkipped(t *testing.T) {
	t.Parallel()

	var goodHits, badHits atomic.Int64
	good := countingServer(t, http.StatusOK, &goodHits)
	bad := countingServer(t, http.StatusServiceUnavailable, &badHits)

	cfg := loadConfig(t, fmt.Sprintf(`
upstreams:
  chat:
    servers:
      - address: %s
      - address: %s
        max_fails: 5
        fail_timeout: 30s
    circuit_breaker:
      failure_threshold: 5
    retry:
      max_attempts: 2
      backoff: 1ms
routes:
  - name: api
    path: /api/*
    upstream: chat
`, good.URL, bad.URL))

	spy := &auditSpy{}
	gw := newGateway(t, cfg, spy)
	t.Cleanup(gw.release)
	h := gw.Handler()

	for i := 0; i < 30; i++ {
		rec := get(t, h, fmt.Sprintf("/api/messages/%d", i))
		require.Equal(t, http.StatusOK, rec.Code, "request %d: %s", i, rec.Body.String())
		assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	}

	assert.Equal(t, int64(5), badHits.Load(), "failed server is skipped after max_fails")
	assert.Equal(t, int64(30), goodHits.Load())
	assert.Equal(t, 1, spy.count(audit.EventCircuitStateChange))

	rec := get(t, h, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	var body health.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, health.StatusDegraded, body.Status)
	assert.Equal(t, "1.0.0-test", body.Version)
	require.Len(t, body.Upstreams, 1)
	assert.Equal(t, 1, body.Upstreams[0].Healthy)
	assert.Equal(t, 1, body.Upstreams[0].Unhealthy)

	assert.Equal(t, http.StatusOK, get(t, h, "/health/ready").Code)
	assert.Equal(t, http.StatusNotFound, get(t, h, "/unrouted").Code)
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestGateway_FailedServerReturnsAfterHealthCheck(t *testing.T) {
	t.Parallel()

	var survivorHits, recoveredHits, checkHits atomic.Int64
	survivor := countingServer(t, http.StatusOK, &survivorHits)
	recovered := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			checkHits.Add(1)
		} else {
			recoveredHits.Add(1)
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(recovered.Close)

	cfg := loadConfig(t, fmt.Sprintf(`
server:
  listen: 127.0.0.1:0
upstreams:
  chat:
    servers:
      - address: %s
        max_fails: 3
        fail_timeout: 10s
      - address: %s
        max_fails: 3
        fail_timeout: 10s
    health_check:
      interval: 1h
      timeout: 1s
      path: /healthz
    circuit_breaker:
      failure_threshold: 10
routes:
  - path: /api/*
    upstream: chat
`, survivor.URL, recovered.URL))

	clock := &manualClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	gw, err := New(context.Background(), cfg, WithAuditLogger(&auditSpy{}), WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(gw.release)
	h := gw.Handler()

	s, ok := gw.Registry().Server("chat", recovered.URL)
	require.True(t, ok)
	for i := 0; i < 5; i++ {
		s.ReportFailure()
	}

	send := func(n int) {
		for i := 0; i < n; i++ {
			require.Equal(t, http.StatusOK, get(t, h, "/api/messages").Code)
		}
	}

	send(20)
	assert.Equal(t, int64(20), survivorHits.Load())
	assert.Zero(t, recoveredHits.Load(), "all traffic goes to the survivor")

	clock.Advance(11 * time.Second)
	send(20)
	assert.Zero(t, recoveredHits.Load(), "elapsed fail_timeout alone does not readmit")

	require.NoError(t, gw.Start(context.Background()))
	t.Cleanup(func() { _ = gw.Stop(context.Background(), "test") })
	require.Eventually(t, func() bool { return checkHits.Load() >= 1 && s.Eligible(clock.Now()) },
		2*time.Second, 10*time.Millisecond)

	send(20)
	assert.Equal(t, int64(10), recoveredHits.Load(), "readmitted after a passing health check")
}

func TestGateway_ReadyRequiresEveryGroup(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	down := countingServer(t, http.StatusBadGateway, &hits)

	cfg := loadConfig(t, fmt.Sprintf(`
upstreams:
  files:
    servers:
      - address: %s
        max_fails: 1
routes:
  - path: /files/*
    upstream: files
`, down.URL))

	gw := newGateway(t, cfg, &auditSpy{})
	t.Cleanup(gw.release)
	h := gw.Handler()

	assert.Equal(t, http.StatusOK, get(t, h, "/health/ready").Code)
	assert.Equal(t, http.StatusBadGateway, get(t, h, "/files/a.png").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, h, "/health/ready").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, h, "/files/a.png").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/health/live").Code)
}

func TestGateway_SharedRedisStores(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	mr.RequireAuth("s3cret")
	secretFile := filepath.Join(t.TempDir(), "redis-password")
	require.NoError(t, os.WriteFile(secretFile, []byte("s3cret\n"), 0o600))

	var hits atomic.Int64
	up := countingServer(t, http.StatusOK, &hits)

	cfg := loadConfig(t, fmt.Sprintf(`
upstreams:
  chat:
    servers:
      - address: %[1]s
routes:
  - name: workspaces
    path: /api/workspaces/*
    upstream: chat
    cache:
      ttl: 30s
middleware:
  rate_limit:
    enabled: true
    per_ip:
      requests: 3
      window: 1m
store:
  address: %[2]s
  password_ref: file:%[3]s
  prefix: "rl:"
cache:
  enabled: true
  backend: redis
  redis:
    address: %[2]s
    password_ref: file:%[3]s
`, up.URL, mr.Addr(), secretFile))

	spy := &auditSpy{}
	gw := newGateway(t, cfg, spy)
	t.Cleanup(gw.release)
	h := gw.Handler()

	first := get(t, h, "/api/workspaces/1")
	require.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "MISS", first.Header().Get("X-Cache"))
	assert.Equal(t, "3", first.Header().Get("X-RateLimit-Limit"))

	second := get(t, h, "/api/workspaces/1")
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "HIT", second.Header().Get("X-Cache"))
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, int64(1), hits.Load())

	// Cached reads still consume quota.
	get(t, h, "/api/workspaces/1")
	denied := get(t, h, "/api/workspaces/1")
	assert.Equal(t, http.StatusTooManyRequests, denied.Code)
	assert.NotEmpty(t, denied.Header().Get("Retry-After"))
	assert.Equal(t, 1, spy.count(audit.EventRateLimitExceeded))

	var rlKeys, cacheKeys int
	for _, k := range mr.Keys() {
		switch {
		case strings.HasPrefix(k, "rl:"):
			rlKeys++
		case strings.HasPrefix(k, config.DefaultCacheKeyPrefix+":"):
			cacheKeys++
		}
	}
	assert.Positive(t, rlKeys)
	assert.Positive(t, cacheKeys)

	rec := get(t, h, "/health")
	var body health.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, health.StatusHealthy, body.Status)
	assert.Equal(t, health.StatusHealthy, body.Dependencies[rateLimitStoreName].Status)
	assert.Equal(t, health.StatusHealthy, body.Dependencies[cacheStoreName].Status)
}

func TestGateway_Lifecycle(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	up := countingServer(t, http.StatusOK, &hits)

	cfg := loadConfig(t, fmt.Sprintf(`
server:
  listen: 127.0.0.1:0
upstreams:
  chat:
    servers:
      - address: %s
routes:
  - path: /api/*
    upstream: chat
observability:
  metrics:
    enabled: true
    listen: 127.0.0.1:0
`, up.URL))
	hash, err := bcrypt.GenerateFromPassword([]byte("scrape"), bcrypt.MinCost)
	require.NoError(t, err)
	cfg.Observability.Metrics.BasicAuth = &config.BasicAuthConfig{Username: "prom", PasswordHash: string(hash)}

	spy := &auditSpy{}
	gw := newGateway(t, cfg, spy)
	assert.Equal(t, StateStopped, gw.State())

	require.NoError(t, gw.Start(context.Background()))
	assert.Equal(t, StateRunning, gw.State())
	assert.ErrorIs(t, gw.Start(context.Background()), ErrGatewayNotStopped)
	assert.Equal(t, 1, spy.count(audit.EventGatewayStartup))

	resp, err := http.Get("http://" + gw.Addr() + "/api/ping")
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	metricsURL := "http://" + gw.AdminAddr() + "/metrics"
	resp, err = http.Get(metricsURL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, basicAuthRealm, resp.Header.Get("WWW-Authenticate"))

	req, err := http.NewRequest(http.MethodGet, metricsURL, nil)
	require.NoError(t, err)
	req.SetBasicAuth("prom", "scrape")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	scrape, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(scrape), `gateway_build_info{version="1.0.0-test"} 1`)
	assert.Contains(t, string(scrape), `gateway_requests_total{method="GET",route="api",status="200"} 1`)

	resp, err = http.Get("http://" + gw.AdminAddr() + "/health/live")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, gw.Stop(ctx, "test"))
	assert.Equal(t, StateStopped, gw.State())
	assert.ErrorIs(t, gw.Stop(ctx, "again"), ErrGatewayNotRunning)
	assert.Equal(t, 1, spy.count(audit.EventGatewayShutdown))
	assert.True(t, spy.closed)

	_, err = http.Get("http://" + gw.Addr() + "/api/ping")
	assert.Error(t, err)
}

func TestNew_Errors(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNilConfig)

	cfg := loadConfig(t, `
upstreams:
  chat:
    servers:
      - address: http://127.0.0.1:1
routes:
  - path: /api/*
    upstream: chat
`)
	cfg.Middleware.Auth = config.AuthConfig{
		Enabled:   true,
		SecretRef: "file:" + filepath.Join(t.TempDir(), "missing"),
	}
	spy := &auditSpy{}
	_, err = New(context.Background(), cfg, WithAuditLogger(spy))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth")
	assert.True(t, spy.closed, "partially built gateway releases its resources")
}

func TestIsAdminPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path        string
		metricsPath string
		want        bool
	}{
		{"/health", "/metrics", true},
		{"/health/ready", "/metrics", true},
		{"/health/live", "", true},
		{"/healthz", "/metrics", false},
		{"/metrics", "/metrics", true},
		{"/metrics", "", false},
		{"/api/health", "/metrics", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, isAdminPath(tt.path, tt.metricsPath), tt.path)
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "starting", StateStarting.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "stopping", StateStopping.String())
	assert.Equal(t, "unknown", State(42).String())
}
