package config

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fechatter/gateway/internal/util"
)

// validConfig returns a minimal configuration that passes validation.
func validConfig() *GatewayConfig {
	cfg := &GatewayConfig{
		Upstreams: map[string]UpstreamConfig{
			"chat": {Servers: []ServerEntry{{Address: "http://127.0.0.1:6688"}}},
		},
		Routes: []RouteConfig{
			{Name: "chats", Path: "/api/v1/chats", Upstream: "chat"},
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestValidationError_Error(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "routes[0].path: bad", (&ValidationError{Path: "routes[0].path", Message: "bad"}).Error())
	assert.Equal(t, "bad", (&ValidationError{Message: "bad"}).Error())
}

func TestValidationErrors_Error(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "no validation errors", ValidationErrors{}.Error())
	assert.Equal(t, "a: one", ValidationErrors{{Path: "a", Message: "one"}}.Error())

	multi := ValidationErrors{{Path: "a", Message: "one"}, {Path: "b", Message: "two"}}.Error()
	assert.Contains(t, multi, "2 validation errors")
	assert.Contains(t, multi, "1. a: one")
	assert.Contains(t, multi, "2. b: two")
}

func TestValidateConfig_Valid(t *testing.T) {
	t.Parallel()

	require.NoError(t, ValidateConfig(validConfig()))
}

func TestValidateConfig_Nil(t *testing.T) {
	t.Parallel()

	err := ValidateConfig(nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, util.ErrConfigInvalid))
}

func TestValidator_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		mutate   func(*GatewayConfig)
		wantPath string
	}{
		{
			name:     "no upstreams",
			mutate:   func(c *GatewayConfig) { c.Upstreams = nil; c.Routes = nil },
			wantPath: "upstreams",
		},
		{
			name: "empty group",
			mutate: func(c *GatewayConfig) {
				c.Upstreams["chat"] = UpstreamConfig{CircuitBreaker: c.Upstreams["chat"].CircuitBreaker}
			},
			wantPath: "upstreams.chat.servers",
		},
		{
			name: "zero weight",
			mutate: func(c *GatewayConfig) {
				up := c.Upstreams["chat"]
				up.Servers[0].Weight = 0
				c.Upstreams["chat"] = up
			},
			wantPath: "upstreams.chat.servers[0].weight",
		},
		{
			name: "bad server url",
			mutate: func(c *GatewayConfig) {
				up := c.Upstreams["chat"]
				up.Servers[0].Address = "10.0.0.1:6688"
				c.Upstreams["chat"] = up
			},
			wantPath: "upstreams.chat.servers[0].address",
		},
		{
			name: "duplicate server",
			mutate: func(c *GatewayConfig) {
				up := c.Upstreams["chat"]
				up.Servers = append(up.Servers, up.Servers[0])
				c.Upstreams["chat"] = up
			},
			wantPath: "upstreams.chat.servers[1].address",
		},
		{
			name: "retry max attempts",
			mutate: func(c *GatewayConfig) {
				c.Routes[0].Retry = &RetryPolicy{MaxAttempts: 0, BackoffStrategy: BackoffLinear}
			},
			wantPath: "routes[0].retry.max_attempts",
		},
		{
			name: "unknown backoff strategy",
			mutate: func(c *GatewayConfig) {
				c.Routes[0].Retry = &RetryPolicy{MaxAttempts: 2, BackoffStrategy: "fibonacci"}
			},
			wantPath: "routes[0].retry.backoff_strategy",
		},
		{
			name:     "unknown upstream",
			mutate:   func(c *GatewayConfig) { c.Routes[0].Upstream = "files" },
			wantPath: "routes[0].upstream",
		},
		{
			name: "duplicate route name",
			mutate: func(c *GatewayConfig) {
				c.Routes = append(c.Routes, c.Routes[0])
			},
			wantPath: "routes[1].name",
		},
		{
			name:     "bad method",
			mutate:   func(c *GatewayConfig) { c.Routes[0].Methods = []string{"FETCH"} },
			wantPath: "routes[0].methods[0]",
		},
		{
			name:     "bad kind",
			mutate:   func(c *GatewayConfig) { c.Routes[0].Kind = "grpc" },
			wantPath: "routes[0].kind",
		},
		{
			name:     "wildcard not last",
			mutate:   func(c *GatewayConfig) { c.Routes[0].Path = "/api/*/chats" },
			wantPath: "routes[0].path",
		},
		{
			name:     "unbalanced parameter",
			mutate:   func(c *GatewayConfig) { c.Routes[0].Path = "/api/{chat_id" },
			wantPath: "routes[0].path",
		},
		{
			name:     "unknown rate limit rule",
			mutate:   func(c *GatewayConfig) { c.Routes[0].RateLimit = "uploads" },
			wantPath: "routes[0].rate_limit",
		},
		{
			name:     "unknown cache rule",
			mutate:   func(c *GatewayConfig) { c.Routes[0].Cache = &CacheRule{Rule: "missing"} },
			wantPath: "routes[0].cache.rule",
		},
		{
			name: "cache on sse route",
			mutate: func(c *GatewayConfig) {
				c.Routes[0].Kind = RouteKindSSE
				c.Routes[0].Cache = &CacheRule{TTL: Duration(time.Second)}
			},
			wantPath: "routes[0].cache",
		},
		{
			name: "invalid glob",
			mutate: func(c *GatewayConfig) {
				c.Middleware.RateLimit.Custom = []CustomRateLimit{{
					Name: "bad", Path: "/api/[", RateLimitScope: RateLimitScope{Requests: 1, Window: Duration(time.Second)},
				}}
			},
			wantPath: "middleware.rate_limit.custom[0].path",
		},
		{
			name: "condition does not compile",
			mutate: func(c *GatewayConfig) {
				c.Middleware.RateLimit.Custom = []CustomRateLimit{{
					Name: "bad", Path: "/api/*", Condition: "request.method ==",
					RateLimitScope: RateLimitScope{Requests: 1, Window: Duration(time.Second)},
				}}
			},
			wantPath: "middleware.rate_limit.custom[0].condition",
		},
		{
			name: "zero requests",
			mutate: func(c *GatewayConfig) {
				c.Middleware.RateLimit.PerIP = &RateLimitScope{Window: Duration(time.Minute)}
			},
			wantPath: "middleware.rate_limit.per_ip.requests",
		},
		{
			name:     "auth without secret",
			mutate:   func(c *GatewayConfig) { c.Middleware.Auth.Enabled = true },
			wantPath: "middleware.auth",
		},
		{
			name:     "redis backend without settings",
			mutate:   func(c *GatewayConfig) { c.Cache.Backend = CacheBackendRedis },
			wantPath: "cache.redis",
		},
		{
			name:     "store without address",
			mutate:   func(c *GatewayConfig) { c.Store = &RedisConfig{} },
			wantPath: "store.address",
		},
		{
			name: "plaintext basic auth password",
			mutate: func(c *GatewayConfig) {
				c.Observability.Metrics.BasicAuth = &BasicAuthConfig{Username: "ops", PasswordHash: "secret"}
			},
			wantPath: "observability.metrics.basic_auth.password_hash",
		},
		{
			name:     "tracing without endpoint",
			mutate:   func(c *GatewayConfig) { c.Observability.Tracing.Enabled = true },
			wantPath: "observability.tracing.endpoint",
		},
		{
			name: "relative cache path",
			mutate: func(c *GatewayConfig) {
				c.Cache.Rules = []CacheRule{{Name: "messages", Paths: []string{"api/v1/messages/*"}}}
			},
			wantPath: "cache.rules[0].paths[0]",
		},
		{
			name: "inner cache wildcard",
			mutate: func(c *GatewayConfig) {
				c.Cache.Rules = []CacheRule{{Name: "messages", Paths: []string{"/api/v1/messages", "/api/*/messages"}}}
			},
			wantPath: "cache.rules[0].paths[1]",
		},
		{
			name:     "bad log level",
			mutate:   func(c *GatewayConfig) { c.Observability.Logging.Level = "verbose" },
			wantPath: "observability.logging.level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := validConfig()
			tt.mutate(cfg)

			err := ValidateConfig(cfg)
			require.Error(t, err)
			assert.True(t, errors.Is(err, util.ErrConfigInvalid))

			var verrs ValidationErrors
			require.True(t, errors.As(err, &verrs))
			paths := make([]string, 0, len(verrs))
			for _, e := range verrs {
				paths = append(paths, e.Path)
			}
			assert.Contains(t, paths, tt.wantPath)
		})
	}
}

func TestValidatePattern(t *testing.T) {
	t.Parallel()

	tests := []struct {
		pattern string
		wantErr bool
	}{
		{pattern: "/api/v1/health"},
		{pattern: "/api/v1/messages/{chat_id}"},
		{pattern: "/api/v1/files/*"},
		{pattern: "/"},
		{pattern: "/api/{a}/x/{a}", wantErr: true},
		{pattern: "/api/{}", wantErr: true},
		{pattern: "/api/x{y}", wantErr: true},
		{pattern: "/api/*/y", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			t.Parallel()
			err := validatePattern(tt.pattern)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
