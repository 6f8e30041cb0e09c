package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()

	assert.Equal(t, DefaultListen, cfg.Server.Listen)
	assert.Equal(t, DefaultRequestTimeout, cfg.Server.RequestTimeout.Duration())
	assert.Equal(t, DefaultRequestHeader, cfg.Middleware.RequestID.Header)
	assert.Equal(t, CacheBackendMemory, cfg.Cache.Backend)
	assert.Equal(t, DefaultCacheTTL, cfg.Cache.DefaultTTL.Duration())
	assert.Equal(t, "info", cfg.Observability.Logging.Level)
	assert.Equal(t, DefaultMetricsPath, cfg.Observability.Metrics.Path)
	assert.NotNil(t, cfg.Upstreams)
}

func TestApplyDefaults_Upstream(t *testing.T) {
	t.Parallel()

	cfg := &GatewayConfig{
		Upstreams: map[string]UpstreamConfig{
			"chat": {
				Servers:     []ServerEntry{{Address: "http://a:1/"}, {Address: "http://b:1", Weight: 3, MaxFails: 7}},
				HealthCheck: &HealthCheckConfig{},
				Retry:       &RetryPolicy{MaxAttempts: 3},
			},
		},
	}
	cfg.ApplyDefaults()

	up := cfg.Upstreams["chat"]
	assert.Equal(t, "http://a:1", up.Servers[0].Address)
	assert.Equal(t, DefaultWeight, up.Servers[0].Weight)
	assert.Equal(t, DefaultMaxFails, up.Servers[0].MaxFails)
	assert.Equal(t, DefaultFailTimeout, up.Servers[0].FailTimeout.Duration())
	assert.Equal(t, 3, up.Servers[1].Weight)
	assert.Equal(t, 7, up.Servers[1].MaxFails)

	assert.Equal(t, DefaultHealthInterval, up.HealthCheck.Interval.Duration())
	assert.Equal(t, DefaultHealthPath, up.HealthCheck.Path)

	assert.Equal(t, DefaultFailureThreshold, up.CircuitBreaker.FailureThreshold)
	assert.Equal(t, DefaultHalfOpenMaxRequests, up.CircuitBreaker.HalfOpenMaxRequests)

	assert.Equal(t, BackoffLinear, up.Retry.BackoffStrategy)
	assert.Equal(t, DefaultRetryBackoff, up.Retry.Backoff.Duration())
	assert.Equal(t, DefaultRetryOnStatus, up.Retry.RetryOnStatus)
}

func TestApplyDefaults_RouteCacheRule(t *testing.T) {
	t.Parallel()

	cfg := &GatewayConfig{
		Routes: []RouteConfig{
			{Path: "/api/v1/messages/{chat_id}", Methods: []string{"get"}, Cache: &CacheRule{Rule: "messages"}},
			{Path: "/", Cache: &CacheRule{TTL: Duration(time.Second)}},
		},
		Cache: CacheConfig{Rules: []CacheRule{
			{Name: "messages", TTL: Duration(30 * time.Second), KeyParams: []string{"chat_id"}},
		}},
	}
	cfg.ApplyDefaults()

	r := cfg.Routes[0]
	assert.Equal(t, "api_v1_messages_{chat_id}", r.Name)
	assert.Equal(t, []string{"GET"}, r.Methods)
	assert.Equal(t, RouteKindHTTP, r.Kind)
	require.NotNil(t, r.Cache)
	assert.Equal(t, "messages", r.Cache.Name)
	assert.Equal(t, "messages", r.Cache.Rule)
	assert.Equal(t, []string{"chat_id"}, r.Cache.KeyParams)

	assert.Equal(t, "root", cfg.Routes[1].Name)
	assert.Equal(t, time.Second, cfg.Routes[1].Cache.TTL.Duration())
}

func TestApplyDefaults_Idempotent(t *testing.T) {
	t.Parallel()

	once := validConfig()
	twice := validConfig()
	twice.ApplyDefaults()
	assert.Equal(t, once, twice)
}

func TestRetryPolicyFor(t *testing.T) {
	t.Parallel()

	group := &RetryPolicy{MaxAttempts: 3}
	override := &RetryPolicy{MaxAttempts: 5}
	cfg := &GatewayConfig{Upstreams: map[string]UpstreamConfig{
		"chat": {Retry: group},
		"bare": {},
	}}

	assert.Equal(t, 5, cfg.RetryPolicyFor(&RouteConfig{Upstream: "chat", Retry: override}).MaxAttempts)
	assert.Equal(t, 3, cfg.RetryPolicyFor(&RouteConfig{Upstream: "chat"}).MaxAttempts)
	assert.Equal(t, 1, cfg.RetryPolicyFor(&RouteConfig{Upstream: "bare"}).MaxAttempts)
}
