package config

import (
	"net/http"
	"strings"
	"time"
)

// Default values applied by ApplyDefaults.
const (
	DefaultListen          = "0.0.0.0:8080"
	DefaultMaxConnections  = 10000
	DefaultRequestTimeout  = 30 * time.Second
	DefaultIdleTimeout     = 60 * time.Second
	DefaultShutdownTimeout = 30 * time.Second

	DefaultWeight      = 1
	DefaultMaxFails    = 3
	DefaultFailTimeout = 10 * time.Second

	DefaultHealthInterval = 10 * time.Second
	DefaultHealthTimeout  = 2 * time.Second
	DefaultHealthPath     = "/health"

	DefaultFailureThreshold    = 5
	DefaultSuccessThreshold    = 2
	DefaultBreakerTimeout      = 30 * time.Second
	DefaultHalfOpenMaxRequests = 1

	DefaultRetryBackoff = 100 * time.Millisecond

	DefaultRateLimitWindow = time.Minute

	DefaultCacheTTL       = 5 * time.Minute
	DefaultCacheKeyPrefix = "gateway"
	DefaultMaxEntryBytes  = 10 << 20

	DefaultCompressionMinSize = 1024

	DefaultMetricsListen = "0.0.0.0:9090"
	DefaultMetricsPath   = "/metrics"
	DefaultRequestHeader = "X-Request-ID"
)

// DefaultRetryOnStatus is the retryable status set used when a retry
// policy does not list one.
var DefaultRetryOnStatus = []int{http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout}

// DefaultConfig returns an empty configuration with defaults applied.
func DefaultConfig() *GatewayConfig {
	cfg := &GatewayConfig{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero values with defaults and resolves named
// cache rules referenced by routes. It is idempotent.
func (c *GatewayConfig) ApplyDefaults() {
	c.applyServerDefaults()

	if c.Upstreams == nil {
		c.Upstreams = make(map[string]UpstreamConfig)
	}
	for name, up := range c.Upstreams {
		c.Upstreams[name] = applyUpstreamDefaults(up)
	}

	for i := range c.Routes {
		c.applyRouteDefaults(&c.Routes[i])
	}

	c.applyMiddlewareDefaults()
	c.applyCacheDefaults()
	c.applyObservabilityDefaults()

	if v := c.Secrets.Vault; v != nil && v.Mount == "" {
		v.Mount = "secret"
	}
}

func (c *GatewayConfig) applyServerDefaults() {
	s := &c.Server
	if s.Listen == "" {
		s.Listen = DefaultListen
	}
	if s.MaxConnections == 0 {
		s.MaxConnections = DefaultMaxConnections
	}
	if s.RequestTimeout == 0 {
		s.RequestTimeout = Duration(DefaultRequestTimeout)
	}
	if s.IdleTimeout == 0 {
		s.IdleTimeout = Duration(DefaultIdleTimeout)
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = Duration(DefaultShutdownTimeout)
	}
}

func applyUpstreamDefaults(up UpstreamConfig) UpstreamConfig {
	servers := make([]ServerEntry, len(up.Servers))
	for i, s := range up.Servers {
		if s.Weight == 0 {
			s.Weight = DefaultWeight
		}
		if s.MaxFails == 0 {
			s.MaxFails = DefaultMaxFails
		}
		if s.FailTimeout == 0 {
			s.FailTimeout = Duration(DefaultFailTimeout)
		}
		s.Address = strings.TrimRight(s.Address, "/")
		servers[i] = s
	}
	up.Servers = servers

	if hc := up.HealthCheck; hc != nil {
		hcCopy := *hc
		if hcCopy.Interval == 0 {
			hcCopy.Interval = Duration(DefaultHealthInterval)
		}
		if hcCopy.Timeout == 0 {
			hcCopy.Timeout = Duration(DefaultHealthTimeout)
		}
		if hcCopy.Path == "" {
			hcCopy.Path = DefaultHealthPath
		}
		if len(hcCopy.ExpectedStatus) == 0 {
			hcCopy.ExpectedStatus = []int{http.StatusOK}
		}
		up.HealthCheck = &hcCopy
	}

	cb := &up.CircuitBreaker
	if cb.FailureThreshold == 0 {
		cb.FailureThreshold = DefaultFailureThreshold
	}
	if cb.SuccessThreshold == 0 {
		cb.SuccessThreshold = DefaultSuccessThreshold
	}
	if cb.Timeout == 0 {
		cb.Timeout = Duration(DefaultBreakerTimeout)
	}
	if cb.HalfOpenMaxRequests == 0 {
		cb.HalfOpenMaxRequests = DefaultHalfOpenMaxRequests
	}

	if up.Retry != nil {
		up.Retry = applyRetryDefaults(*up.Retry)
	}
	return up
}

func applyRetryDefaults(p RetryPolicy) *RetryPolicy {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 1
	}
	if p.Backoff == 0 {
		p.Backoff = Duration(DefaultRetryBackoff)
	}
	if p.BackoffStrategy == "" {
		p.BackoffStrategy = BackoffLinear
	}
	if len(p.RetryOnStatus) == 0 {
		p.RetryOnStatus = append([]int(nil), DefaultRetryOnStatus...)
	}
	return &p
}

func (c *GatewayConfig) applyRouteDefaults(r *RouteConfig) {
	if r.Name == "" {
		r.Name = strings.Trim(strings.ReplaceAll(r.Path, "/", "_"), "_*")
		if r.Name == "" {
			r.Name = "root"
		}
	}
	if r.Kind == "" {
		r.Kind = RouteKindHTTP
	}
	if r.Timeout == 0 {
		r.Timeout = c.Server.RequestTimeout
	}
	for i, m := range r.Methods {
		r.Methods[i] = strings.ToUpper(m)
	}
	if r.Retry != nil {
		r.Retry = applyRetryDefaults(*r.Retry)
	}
	if r.Cache != nil && r.Cache.Rule != "" {
		if named, ok := c.CacheRuleByName(r.Cache.Rule); ok {
			named.Rule = r.Cache.Rule
			r.Cache = &named
		}
	}
}

func (c *GatewayConfig) applyMiddlewareDefaults() {
	m := &c.Middleware
	if m.RequestID.Header == "" {
		m.RequestID.Header = DefaultRequestHeader
	}

	rl := &m.RateLimit
	for _, s := range []*RateLimitScope{rl.Global, rl.PerIP, rl.PerUser} {
		if s != nil && s.Window == 0 {
			s.Window = Duration(DefaultRateLimitWindow)
		}
	}
	for i := range rl.Custom {
		if rl.Custom[i].Window == 0 {
			rl.Custom[i].Window = Duration(DefaultRateLimitWindow)
		}
	}

	cors := &m.CORS
	if len(cors.AllowedMethods) == 0 {
		cors.AllowedMethods = []string{
			http.MethodGet, http.MethodPost, http.MethodPut,
			http.MethodDelete, http.MethodPatch, http.MethodOptions,
		}
	}
	if len(cors.AllowedHeaders) == 0 {
		cors.AllowedHeaders = []string{
			"Content-Type", "Authorization", "X-Request-ID", "X-Workspace-ID", "Cache-Control",
		}
	}
	if cors.MaxAge == 0 {
		cors.MaxAge = 86400
	}

	comp := &m.Compression
	if comp.MinSize == 0 {
		comp.MinSize = DefaultCompressionMinSize
	}
	if len(comp.ContentTypes) == 0 {
		comp.ContentTypes = []string{
			"application/json", "text/", "application/javascript", "application/xml",
		}
	}
}

func (c *GatewayConfig) applyCacheDefaults() {
	cc := &c.Cache
	if cc.Backend == "" {
		cc.Backend = CacheBackendMemory
	}
	if cc.DefaultTTL == 0 {
		cc.DefaultTTL = Duration(DefaultCacheTTL)
	}
	if cc.KeyPrefix == "" {
		cc.KeyPrefix = DefaultCacheKeyPrefix
	}
	if cc.MaxEntryBytes == 0 {
		cc.MaxEntryBytes = DefaultMaxEntryBytes
	}
}

func (c *GatewayConfig) applyObservabilityDefaults() {
	o := &c.Observability
	if o.Logging.Level == "" {
		o.Logging.Level = "info"
	}
	if o.Logging.Format == "" {
		o.Logging.Format = "json"
	}
	if o.Metrics.Listen == "" {
		o.Metrics.Listen = DefaultMetricsListen
	}
	if o.Metrics.Path == "" {
		o.Metrics.Path = DefaultMetricsPath
	}
	if o.Tracing.ServiceName == "" {
		o.Tracing.ServiceName = "fechatter-gateway"
	}
}
