package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fechatter/gateway/internal/backend"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type staticUpstreams []backend.GroupStatus

func (s staticUpstreams) Status() []backend.GroupStatus { return s }

func group(name string, healthy, degraded, unhealthy int) backend.GroupStatus {
	return backend.GroupStatus{Name: name, Healthy: healthy, Degraded: degraded, Unhealthy: unhealthy}
}

func serve(t *testing.T, c *Checker, path string) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	engine := gin.New()
	c.Register(engine)

	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var body Response
	if path != "/health/live" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestHealth_Status(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		upstreams staticUpstreams
		check     error
		want      Status
	}{
		{name: "all healthy", upstreams: staticUpstreams{group("chat", 2, 0, 0)}, want: StatusHealthy},
		{name: "no groups", upstreams: staticUpstreams{}, want: StatusHealthy},
		{name: "one server down", upstreams: staticUpstreams{group("chat", 1, 0, 1)}, want: StatusDegraded},
		{name: "half open", upstreams: staticUpstreams{group("chat", 0, 1, 0)}, want: StatusDegraded},
		{
			name:      "group without servers",
			upstreams: staticUpstreams{group("chat", 2, 0, 0), group("files", 0, 0, 2)},
			want:      StatusUnhealthy,
		},
		{
			name:      "failing dependency",
			upstreams: staticUpstreams{group("chat", 1, 0, 0)},
			check:     errors.New("connection refused"),
			want:      StatusDegraded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := NewChecker("1.2.3", tt.upstreams)
			c.AddCheck(CheckFunc("redis", func(context.Context) error { return tt.check }))

			rec, body := serve(t, c, "/health")
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, tt.want, body.Status)
			assert.Equal(t, "1.2.3", body.Version)
			assert.Len(t, body.Upstreams, len(tt.upstreams))
			if tt.check != nil {
				assert.Equal(t, StatusUnhealthy, body.Dependencies["redis"].Status)
				assert.Equal(t, "connection refused", body.Dependencies["redis"].Error)
			}
		})
	}
}

func TestHealth_Uptime(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewChecker("dev", nil, WithClock(func() time.Time { return now }))
	now = now.Add(90 * time.Second)

	_, body := serve(t, c, "/health")
	assert.Equal(t, "1m30s", body.Uptime)
}

func TestReady(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		upstreams staticUpstreams
		want      int
	}{
		{name: "ready", upstreams: staticUpstreams{group("chat", 1, 0, 1)}, want: http.StatusOK},
		{name: "degraded only", upstreams: staticUpstreams{group("chat", 0, 1, 1)}, want: http.StatusOK},
		{name: "group down", upstreams: staticUpstreams{group("chat", 1, 0, 0), group("files", 0, 0, 1)}, want: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := NewChecker("dev", tt.upstreams)
			c.AddCheck(CheckFunc("redis", func(context.Context) error { return errors.New("down") }))

			rec, body := serve(t, c, "/health/ready")
			assert.Equal(t, tt.want, rec.Code)
			assert.Nil(t, body.Dependencies, "store checks never gate readiness")
		})
	}
}

func TestLive(t *testing.T) {
	t.Parallel()

	c := NewChecker("dev", staticUpstreams{group("chat", 0, 0, 3)})
	rec, _ := serve(t, c, "/health/live")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestHealth_CheckTimeout(t *testing.T) {
	t.Parallel()

	c := NewChecker("dev", nil, WithCheckTimeout(20*time.Millisecond))
	c.AddCheck(CheckFunc("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	resp := c.Health(context.Background())
	assert.Equal(t, StatusDegraded, resp.Status)
	assert.Contains(t, resp.Dependencies["slow"].Error, "deadline exceeded")
}

func TestRedisCheck(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	check := RedisCheck("ratelimit_store", client)
	assert.Equal(t, "ratelimit_store", check.Name())
	require.NoError(t, check.Check(context.Background()))

	mr.Close()
	err := check.Check(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis ping failed")

	assert.Error(t, RedisCheck("nil", nil).Check(context.Background()))
}

func TestMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := NewMetrics("gateway", reg)
	c := NewChecker("dev", staticUpstreams{group("chat", 0, 0, 1)}, WithMetrics(m))
	c.AddCheck(CheckFunc("cache_store", func(context.Context) error { return nil }))

	serve(t, c, "/health")
	serve(t, c, "/health/ready")
	serve(t, c, "/health/ready")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues("health")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues("ready")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues("live")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.checkStatus.WithLabelValues("cache_store")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.checkStatus.WithLabelValues("readiness")))
}
