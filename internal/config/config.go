package config

import "strings"

// GatewayConfig is the root of the gateway configuration document. It
// is loaded once at startup and treated as immutable afterwards.
type GatewayConfig struct {
	Server        ServerConfig              `yaml:"server" json:"server"`
	Upstreams     map[string]UpstreamConfig `yaml:"upstreams" json:"upstreams"`
	Routes        []RouteConfig             `yaml:"routes" json:"routes"`
	Middleware    MiddlewareConfig          `yaml:"middleware" json:"middleware"`
	Cache         CacheConfig               `yaml:"cache" json:"cache"`
	Store         *RedisConfig              `yaml:"store,omitempty" json:"store,omitempty"`
	Observability ObservabilityConfig       `yaml:"observability" json:"observability"`
	Secrets       SecretsConfig             `yaml:"secrets" json:"secrets"`
}

// ServerConfig configures the main listener.
type ServerConfig struct {
	Listen          string   `yaml:"listen" json:"listen"`
	MaxConnections  int      `yaml:"max_connections" json:"max_connections"`
	ReadTimeout     Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout     Duration `yaml:"idle_timeout" json:"idle_timeout"`
	RequestTimeout  Duration `yaml:"request_timeout" json:"request_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// UpstreamConfig describes one named upstream group.
type UpstreamConfig struct {
	Servers        []ServerEntry        `yaml:"servers" json:"servers"`
	HealthCheck    *HealthCheckConfig   `yaml:"health_check,omitempty" json:"health_check,omitempty"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker"`
	Retry          *RetryPolicy         `yaml:"retry,omitempty" json:"retry,omitempty"`
}

// ServerEntry is a single upstream server. Address is a base URL such
// as http://10.0.0.1:6688.
type ServerEntry struct {
	Address     string   `yaml:"address" json:"address"`
	Weight      int      `yaml:"weight" json:"weight"`
	MaxFails    int      `yaml:"max_fails" json:"max_fails"`
	FailTimeout Duration `yaml:"fail_timeout" json:"fail_timeout"`
}

// HealthCheckConfig configures active probing of an upstream group.
type HealthCheckConfig struct {
	Interval       Duration `yaml:"interval" json:"interval"`
	Timeout        Duration `yaml:"timeout" json:"timeout"`
	Path           string   `yaml:"path" json:"path"`
	ExpectedStatus []int    `yaml:"expected_status" json:"expected_status"`
}

// CircuitBreakerConfig configures the per-server circuit breaker.
type CircuitBreakerConfig struct {
	FailureThreshold    int      `yaml:"failure_threshold" json:"failure_threshold"`
	SuccessThreshold    int      `yaml:"success_threshold" json:"success_threshold"`
	Timeout             Duration `yaml:"timeout" json:"timeout"`
	HalfOpenMaxRequests int      `yaml:"half_open_max_requests" json:"half_open_max_requests"`
}

// Backoff strategies for RetryPolicy.BackoffStrategy.
const (
	BackoffLinear      = "linear"
	BackoffConstant    = "constant"
	BackoffExponential = "exponential"
)

// RetryPolicy configures bounded retries across servers of a group.
type RetryPolicy struct {
	MaxAttempts     int      `yaml:"max_attempts" json:"max_attempts"`
	Backoff         Duration `yaml:"backoff" json:"backoff"`
	BackoffStrategy string   `yaml:"backoff_strategy" json:"backoff_strategy"`
	RetryOnStatus   []int    `yaml:"retry_on_status" json:"retry_on_status"`
}

// Route kinds.
const (
	RouteKindHTTP      = "http"
	RouteKindSSE       = "sse"
	RouteKindWebSocket = "websocket"
)

// RouteConfig is one entry of the route table.
type RouteConfig struct {
	Name        string       `yaml:"name" json:"name"`
	Path        string       `yaml:"path" json:"path"`
	Methods     []string     `yaml:"methods" json:"methods"`
	Upstream    string       `yaml:"upstream" json:"upstream"`
	Priority    int          `yaml:"priority" json:"priority"`
	Kind        string       `yaml:"kind" json:"kind"`
	Timeout     Duration     `yaml:"timeout" json:"timeout"`
	StripPrefix string       `yaml:"strip_prefix" json:"strip_prefix"`
	Retry       *RetryPolicy `yaml:"retry,omitempty" json:"retry,omitempty"`
	RateLimit   string       `yaml:"rate_limit" json:"rate_limit"`
	Cache       *CacheRule   `yaml:"cache,omitempty" json:"cache,omitempty"`
	AuthSkip    bool         `yaml:"auth_skip" json:"auth_skip"`
	CORS        *RouteCORS   `yaml:"cors,omitempty" json:"cors,omitempty"`
}

// RouteCORS overrides CORS behaviour for a single route.
type RouteCORS struct {
	Enabled *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Origins []string `yaml:"origins" json:"origins"`
}

// MiddlewareConfig groups the configuration of the request pipeline.
type MiddlewareConfig struct {
	RequestID   RequestIDConfig   `yaml:"request_id" json:"request_id"`
	Auth        AuthConfig        `yaml:"auth" json:"auth"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit" json:"rate_limit"`
	CORS        CORSConfig        `yaml:"cors" json:"cors"`
	Compression CompressionConfig `yaml:"compression" json:"compression"`
}

// RequestIDConfig configures request ID tagging.
type RequestIDConfig struct {
	Header string `yaml:"header" json:"header"`
}

// AuthConfig configures bearer token validation against a shared
// secret. SecretRef, when set, is resolved through the secrets package
// and takes precedence over Secret.
type AuthConfig struct {
	Enabled   bool     `yaml:"enabled" json:"enabled"`
	Secret    string   `yaml:"secret" json:"-"`
	SecretRef string   `yaml:"secret_ref" json:"secret_ref"`
	Issuer    string   `yaml:"issuer" json:"issuer"`
	Audience  string   `yaml:"audience" json:"audience"`
	SkipPaths []string `yaml:"skip_paths" json:"skip_paths"`
}

// RateLimitConfig configures the rate limit scopes.
type RateLimitConfig struct {
	Enabled bool              `yaml:"enabled" json:"enabled"`
	Global  *RateLimitScope   `yaml:"global,omitempty" json:"global,omitempty"`
	PerIP   *RateLimitScope   `yaml:"per_ip,omitempty" json:"per_ip,omitempty"`
	PerUser *RateLimitScope   `yaml:"per_user,omitempty" json:"per_user,omitempty"`
	Custom  []CustomRateLimit `yaml:"custom" json:"custom"`
}

// RateLimitScope is a fixed window limit with a burst allowance.
type RateLimitScope struct {
	Requests int64    `yaml:"requests" json:"requests"`
	Window   Duration `yaml:"window" json:"window"`
	Burst    int64    `yaml:"burst" json:"burst"`
}

// CustomRateLimit is a named rule matched by path glob and an optional
// CEL condition over the request.
type CustomRateLimit struct {
	Name           string `yaml:"name" json:"name"`
	Path           string `yaml:"path" json:"path"`
	Condition      string `yaml:"condition" json:"condition"`
	RateLimitScope `yaml:",inline" json:",inline"`
}

// CORSConfig configures cross-origin handling.
type CORSConfig struct {
	AllowedOrigins   []string `yaml:"allowed_origins" json:"allowed_origins"`
	AllowedMethods   []string `yaml:"allowed_methods" json:"allowed_methods"`
	AllowedHeaders   []string `yaml:"allowed_headers" json:"allowed_headers"`
	ExposeHeaders    []string `yaml:"expose_headers" json:"expose_headers"`
	AllowCredentials bool     `yaml:"allow_credentials" json:"allow_credentials"`
	MaxAge           int      `yaml:"max_age" json:"max_age"`
}

// CompressionConfig configures gzip compression of responses.
type CompressionConfig struct {
	Enabled      bool     `yaml:"enabled" json:"enabled"`
	MinSize      int      `yaml:"min_size" json:"min_size"`
	Level        int      `yaml:"level" json:"level"`
	ContentTypes []string `yaml:"content_types" json:"content_types"`
}

// Cache backends.
const (
	CacheBackendMemory = "memory"
	CacheBackendRedis  = "redis"
)

// CacheConfig configures the response cache.
type CacheConfig struct {
	Enabled       bool         `yaml:"enabled" json:"enabled"`
	Backend       string       `yaml:"backend" json:"backend"`
	Redis         *RedisConfig `yaml:"redis,omitempty" json:"redis,omitempty"`
	DefaultTTL    Duration     `yaml:"default_ttl" json:"default_ttl"`
	KeyPrefix     string       `yaml:"key_prefix" json:"key_prefix"`
	MaxEntryBytes int64        `yaml:"max_entry_bytes" json:"max_entry_bytes"`
	Rules         []CacheRule  `yaml:"rules" json:"rules"`
}

// CacheRule selects which parts of a request identify a cache entry.
// On a route, a rule with only Rule set refers to a named entry of
// cache.rules. A rule in cache.rules with Paths also applies to requests
// on routes without a cache block whose path it matches.
type CacheRule struct {
	Name        string   `yaml:"name" json:"name"`
	Rule        string   `yaml:"rule,omitempty" json:"rule,omitempty"`
	Paths       []string `yaml:"paths,omitempty" json:"paths,omitempty"`
	TTL         Duration `yaml:"ttl" json:"ttl"`
	KeyParams   []string `yaml:"key_params" json:"key_params"`
	VaryHeaders []string `yaml:"vary_headers" json:"vary_headers"`
	VaryUser    bool     `yaml:"vary_user" json:"vary_user"`
}

// RedisConfig configures a Redis connection shared by gateway
// instances.
type RedisConfig struct {
	Address     string   `yaml:"address" json:"address"`
	Password    string   `yaml:"password" json:"-"`
	PasswordRef string   `yaml:"password_ref" json:"password_ref"`
	DB          int      `yaml:"db" json:"db"`
	Prefix      string   `yaml:"prefix" json:"prefix"`
	PoolSize    int      `yaml:"pool_size" json:"pool_size"`
	DialTimeout Duration `yaml:"dial_timeout" json:"dial_timeout"`
}

// ObservabilityConfig groups logging, metrics, tracing and audit.
type ObservabilityConfig struct {
	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
	Tracing TracingConfig `yaml:"tracing" json:"tracing"`
	Audit   AuditConfig   `yaml:"audit" json:"audit"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output" json:"output"`
}

// MetricsConfig configures the admin listener serving /metrics and
// /health.
type MetricsConfig struct {
	Enabled   bool             `yaml:"enabled" json:"enabled"`
	Listen    string           `yaml:"listen" json:"listen"`
	Path      string           `yaml:"path" json:"path"`
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// BasicAuthConfig gates /metrics. PasswordHash is a bcrypt hash.
type BasicAuthConfig struct {
	Username     string `yaml:"username" json:"username"`
	PasswordHash string `yaml:"password_hash" json:"-"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled" json:"enabled"`
	Endpoint    string  `yaml:"endpoint" json:"endpoint"`
	SampleRate  float64 `yaml:"sample_rate" json:"sample_rate"`
	ServiceName string  `yaml:"service_name" json:"service_name"`
}

// AuditConfig configures the security audit trail.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Output  string `yaml:"output" json:"output"`
}

// SecretsConfig configures secret reference resolution.
type SecretsConfig struct {
	Vault *VaultConfig `yaml:"vault,omitempty" json:"vault,omitempty"`
}

// VaultConfig configures the Vault KV v2 secret source.
type VaultConfig struct {
	Address string `yaml:"address" json:"address"`
	Token   string `yaml:"token" json:"-"`
	Mount   string `yaml:"mount" json:"mount"`
}

// CacheRuleByName returns the named entry of cache.rules.
func (c *GatewayConfig) CacheRuleByName(name string) (CacheRule, bool) {
	for _, r := range c.Cache.Rules {
		if r.Name == name {
			return r, true
		}
	}
	return CacheRule{}, false
}

// MatchesPath reports whether path is covered by one of the rule's
// paths. An entry ending in "/*" matches its prefix on a "/" boundary;
// any other entry must match exactly.
func (r *CacheRule) MatchesPath(path string) bool {
	for _, p := range r.Paths {
		prefix, ok := strings.CutSuffix(p, "/*")
		if !ok {
			if path == p {
				return true
			}
			continue
		}
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return true
		}
	}
	return false
}

// RuleForPath returns the first rule whose paths match path.
func (c *CacheConfig) RuleForPath(path string) (CacheRule, bool) {
	for _, r := range c.Rules {
		if r.MatchesPath(path) {
			return r, true
		}
	}
	return CacheRule{}, false
}

// RetryPolicyFor returns the effective retry policy for a route: the
// route override, else the upstream group default, else a single
// attempt.
func (c *GatewayConfig) RetryPolicyFor(route *RouteConfig) RetryPolicy {
	if route.Retry != nil {
		return *route.Retry
	}
	if up, ok := c.Upstreams[route.Upstream]; ok && up.Retry != nil {
		return *up.Retry
	}
	return RetryPolicy{MaxAttempts: 1}
}
