package config

import (
	"fmt"
	"path"
	"strings"

	"github.com/fechatter/gateway/internal/ratelimit/condition"
	"github.com/fechatter/gateway/internal/util"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Path    string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, e[i].Error())
	}
	return sb.String()
}

// Is reports ValidationErrors as util.ErrConfigInvalid.
func (e ValidationErrors) Is(target error) bool {
	return target == util.ErrConfigInvalid
}

// HasErrors returns true if there are validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates gateway configuration.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateConfig validates a gateway configuration with defaults applied.
func ValidateConfig(cfg *GatewayConfig) error {
	return NewValidator().Validate(cfg)
}

// Validate validates the configuration and returns ValidationErrors
// when anything is wrong.
func (v *Validator) Validate(cfg *GatewayConfig) error {
	v.errors = nil

	if cfg == nil {
		v.addError("", "configuration is nil")
		return v.errors
	}

	v.validateServer(&cfg.Server)
	v.validateUpstreams(cfg.Upstreams)
	v.validateRoutes(cfg)
	v.validateMiddleware(&cfg.Middleware)
	v.validateCache(&cfg.Cache)
	if cfg.Store != nil {
		v.validateRedis(cfg.Store, "store")
	}
	v.validateObservability(&cfg.Observability)
	if cfg.Secrets.Vault != nil && cfg.Secrets.Vault.Address != "" {
		if err := util.ValidateURL(cfg.Secrets.Vault.Address); err != nil {
			v.addError("secrets.vault.address", err.Error())
		}
	}

	if v.errors.HasErrors() {
		return v.errors
	}
	return nil
}

func (v *Validator) validateServer(s *ServerConfig) {
	if s.MaxConnections < 0 {
		v.addError("server.max_connections", "must not be negative")
	}
	if s.RequestTimeout <= 0 {
		v.addError("server.request_timeout", "must be positive")
	}
}

func (v *Validator) validateUpstreams(upstreams map[string]UpstreamConfig) {
	if len(upstreams) == 0 {
		v.addError("upstreams", "at least one upstream group is required")
	}

	for name, up := range upstreams {
		base := "upstreams." + name
		if len(up.Servers) == 0 {
			v.addError(base+".servers", "at least one server is required")
		}

		seen := make(map[string]bool, len(up.Servers))
		for i, s := range up.Servers {
			p := fmt.Sprintf("%s.servers[%d]", base, i)
			if err := util.ValidateURL(s.Address); err != nil {
				v.addError(p+".address", err.Error())
			} else if seen[s.Address] {
				v.addError(p+".address", fmt.Sprintf("duplicate server address: %s", s.Address))
			}
			seen[s.Address] = true

			if s.Weight < 1 {
				v.addError(p+".weight", "weight must be at least 1")
			}
			if s.MaxFails < 1 {
				v.addError(p+".max_fails", "max_fails must be at least 1")
			}
		}

		if hc := up.HealthCheck; hc != nil {
			if !strings.HasPrefix(hc.Path, "/") {
				v.addError(base+".health_check.path", "path must start with /")
			}
			if hc.Timeout > hc.Interval {
				v.addError(base+".health_check.timeout", "timeout must not exceed interval")
			}
			for i, code := range hc.ExpectedStatus {
				if err := util.ValidateHTTPStatusCode(code); err != nil {
					v.addError(fmt.Sprintf("%s.health_check.expected_status[%d]", base, i), err.Error())
				}
			}
		}

		cb := up.CircuitBreaker
		if cb.FailureThreshold < 1 {
			v.addError(base+".circuit_breaker.failure_threshold", "must be at least 1")
		}
		if cb.SuccessThreshold < 1 {
			v.addError(base+".circuit_breaker.success_threshold", "must be at least 1")
		}
		if cb.HalfOpenMaxRequests < 1 {
			v.addError(base+".circuit_breaker.half_open_max_requests", "must be at least 1")
		}

		if up.Retry != nil {
			v.validateRetry(up.Retry, base+".retry")
		}
	}
}

func (v *Validator) validateRetry(r *RetryPolicy, p string) {
	if r.MaxAttempts < 1 {
		v.addError(p+".max_attempts", "max_attempts must be at least 1")
	}
	switch r.BackoffStrategy {
	case BackoffLinear, BackoffConstant, BackoffExponential:
	default:
		v.addError(p+".backoff_strategy",
			fmt.Sprintf("unknown strategy %q, want linear, constant or exponential", r.BackoffStrategy))
	}
	for i, code := range r.RetryOnStatus {
		if err := util.ValidateHTTPStatusCode(code); err != nil {
			v.addError(fmt.Sprintf("%s.retry_on_status[%d]", p, i), err.Error())
		}
	}
}

func (v *Validator) validateRoutes(cfg *GatewayConfig) {
	names := make(map[string]bool, len(cfg.Routes))
	customRules := make(map[string]bool, len(cfg.Middleware.RateLimit.Custom))
	for _, r := range cfg.Middleware.RateLimit.Custom {
		customRules[r.Name] = true
	}

	for i := range cfg.Routes {
		r := &cfg.Routes[i]
		p := fmt.Sprintf("routes[%d]", i)

		if names[r.Name] {
			v.addError(p+".name", fmt.Sprintf("duplicate route name: %s", r.Name))
		}
		names[r.Name] = true

		if !strings.HasPrefix(r.Path, "/") {
			v.addError(p+".path", "path must start with /")
		}
		if err := validatePattern(r.Path); err != nil {
			v.addError(p+".path", err.Error())
		}

		for j, m := range r.Methods {
			if err := util.ValidateHTTPMethod(m); err != nil {
				v.addError(fmt.Sprintf("%s.methods[%d]", p, j), err.Error())
			}
		}

		if r.Upstream == "" {
			v.addError(p+".upstream", "upstream is required")
		} else if _, ok := cfg.Upstreams[r.Upstream]; !ok {
			v.addError(p+".upstream", fmt.Sprintf("unknown upstream group: %s", r.Upstream))
		}

		switch r.Kind {
		case RouteKindHTTP, RouteKindSSE, RouteKindWebSocket:
		default:
			v.addError(p+".kind", fmt.Sprintf("unknown kind %q, want http, sse or websocket", r.Kind))
		}

		if r.Timeout <= 0 {
			v.addError(p+".timeout", "must be positive")
		}
		if r.StripPrefix != "" && !strings.HasPrefix(r.StripPrefix, "/") {
			v.addError(p+".strip_prefix", "strip_prefix must start with /")
		}
		if r.Retry != nil {
			v.validateRetry(r.Retry, p+".retry")
		}
		if r.RateLimit != "" && !customRules[r.RateLimit] {
			v.addError(p+".rate_limit", fmt.Sprintf("unknown rate limit rule: %s", r.RateLimit))
		}

		if r.Cache != nil {
			if r.Cache.Rule != "" {
				if _, ok := cfg.CacheRuleByName(r.Cache.Rule); !ok {
					v.addError(p+".cache.rule", fmt.Sprintf("unknown cache rule: %s", r.Cache.Rule))
				}
			}
			if r.Kind != RouteKindHTTP {
				v.addError(p+".cache", "only http routes can be cached")
			}
		}
	}
}

// validatePattern rejects route patterns the router cannot compile:
// unbalanced parameter braces, empty parameter names and wildcards
// anywhere but the final segment.
func validatePattern(pattern string) error {
	segments := strings.Split(strings.Trim(pattern, "/"), "/")
	params := make(map[string]bool)
	for i, seg := range segments {
		switch {
		case seg == "*":
			if i != len(segments)-1 {
				return fmt.Errorf("wildcard must be the last segment")
			}
		case strings.HasPrefix(seg, "{") || strings.HasSuffix(seg, "}"):
			if !strings.HasPrefix(seg, "{") || !strings.HasSuffix(seg, "}") || len(seg) < 3 {
				return fmt.Errorf("malformed parameter segment %q", seg)
			}
			name := seg[1 : len(seg)-1]
			if params[name] {
				return fmt.Errorf("duplicate parameter %q", name)
			}
			params[name] = true
		case strings.ContainsAny(seg, "{}*"):
			return fmt.Errorf("malformed segment %q", seg)
		}
	}
	return nil
}

func (v *Validator) validateMiddleware(m *MiddlewareConfig) {
	if err := util.ValidateHeaderName(m.RequestID.Header); err != nil {
		v.addError("middleware.request_id.header", err.Error())
	}

	if m.Auth.Enabled && m.Auth.Secret == "" && m.Auth.SecretRef == "" {
		v.addError("middleware.auth", "secret or secret_ref is required when auth is enabled")
	}

	rl := &m.RateLimit
	scopes := []struct {
		name  string
		scope *RateLimitScope
	}{
		{"global", rl.Global},
		{"per_ip", rl.PerIP},
		{"per_user", rl.PerUser},
	}
	for _, s := range scopes {
		if s.scope != nil {
			v.validateScope(s.scope, "middleware.rate_limit."+s.name)
		}
	}

	names := make(map[string]bool, len(rl.Custom))
	for i := range rl.Custom {
		c := &rl.Custom[i]
		p := fmt.Sprintf("middleware.rate_limit.custom[%d]", i)
		if c.Name == "" {
			v.addError(p+".name", "name is required")
		} else if names[c.Name] {
			v.addError(p+".name", fmt.Sprintf("duplicate rule name: %s", c.Name))
		}
		names[c.Name] = true

		if _, err := path.Match(c.Path, "/"); err != nil {
			v.addError(p+".path", fmt.Sprintf("invalid glob %q: %v", c.Path, err))
		}
		if c.Condition != "" {
			if _, err := condition.Compile(c.Condition); err != nil {
				v.addError(p+".condition", err.Error())
			}
		}
		v.validateScope(&c.RateLimitScope, p)
	}

	for i, h := range m.CORS.AllowedHeaders {
		if err := util.ValidateHeaderName(h); err != nil {
			v.addError(fmt.Sprintf("middleware.cors.allowed_headers[%d]", i), err.Error())
		}
	}
	for i, meth := range m.CORS.AllowedMethods {
		if err := util.ValidateHTTPMethod(meth); err != nil {
			v.addError(fmt.Sprintf("middleware.cors.allowed_methods[%d]", i), err.Error())
		}
	}
	for _, o := range m.CORS.AllowedOrigins {
		if o == "*" && m.CORS.AllowCredentials {
			v.addError("middleware.cors.allowed_origins", "wildcard origin cannot be combined with allow_credentials")
		}
	}

	if lvl := m.Compression.Level; lvl < -1 || lvl > 9 {
		v.addError("middleware.compression.level", "level must be between -1 and 9")
	}
}

func (v *Validator) validateScope(s *RateLimitScope, p string) {
	if s.Requests < 1 {
		v.addError(p+".requests", "requests must be at least 1")
	}
	if s.Burst < 0 {
		v.addError(p+".burst", "burst must not be negative")
	}
	if s.Window <= 0 {
		v.addError(p+".window", "window must be positive")
	}
}

func (v *Validator) validateCache(c *CacheConfig) {
	switch c.Backend {
	case CacheBackendMemory:
	case CacheBackendRedis:
		if c.Redis == nil {
			v.addError("cache.redis", "redis settings are required for the redis backend")
		} else {
			v.validateRedis(c.Redis, "cache.redis")
		}
	default:
		v.addError("cache.backend", fmt.Sprintf("unknown backend %q, want memory or redis", c.Backend))
	}

	names := make(map[string]bool, len(c.Rules))
	for i, r := range c.Rules {
		p := fmt.Sprintf("cache.rules[%d]", i)
		if r.Name == "" {
			v.addError(p+".name", "name is required")
		} else if names[r.Name] {
			v.addError(p+".name", fmt.Sprintf("duplicate rule name: %s", r.Name))
		}
		names[r.Name] = true
		for j, path := range r.Paths {
			if err := validateCachePath(path); err != nil {
				v.addError(fmt.Sprintf("%s.paths[%d]", p, j), err.Error())
			}
		}
		for j, h := range r.VaryHeaders {
			if err := util.ValidateHeaderName(h); err != nil {
				v.addError(fmt.Sprintf("%s.vary_headers[%d]", p, j), err.Error())
			}
		}
	}
}

// validateCachePath accepts an absolute path, optionally ending in "/*".
func validateCachePath(path string) error {
	if !strings.HasPrefix(path, "/") {
		return fmt.Errorf("path %q must start with /", path)
	}
	if strings.Contains(strings.TrimSuffix(path, "/*"), "*") {
		return fmt.Errorf("path %q may only end in /*", path)
	}
	return nil
}

func (v *Validator) validateRedis(r *RedisConfig, p string) {
	if r.Address == "" {
		v.addError(p+".address", "address is required")
	}
	if r.DB < 0 {
		v.addError(p+".db", "db must not be negative")
	}
}

func (v *Validator) validateObservability(o *ObservabilityConfig) {
	switch o.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		v.addError("observability.logging.level", fmt.Sprintf("unknown level %q", o.Logging.Level))
	}
	switch o.Logging.Format {
	case "json", "console":
	default:
		v.addError("observability.logging.format", fmt.Sprintf("unknown format %q", o.Logging.Format))
	}

	if ba := o.Metrics.BasicAuth; ba != nil {
		if ba.Username == "" {
			v.addError("observability.metrics.basic_auth.username", "username is required")
		}
		if !strings.HasPrefix(ba.PasswordHash, "$2") {
			v.addError("observability.metrics.basic_auth.password_hash", "password_hash must be a bcrypt hash")
		}
	}
	if !strings.HasPrefix(o.Metrics.Path, "/") {
		v.addError("observability.metrics.path", "path must start with /")
	}

	if o.Tracing.Enabled && o.Tracing.Endpoint == "" {
		v.addError("observability.tracing.endpoint", "endpoint is required when tracing is enabled")
	}
	if o.Tracing.SampleRate < 0 || o.Tracing.SampleRate > 1 {
		v.addError("observability.tracing.sample_rate", "sample_rate must be between 0 and 1")
	}
}

// addError adds a validation error.
func (v *Validator) addError(p, message string) {
	v.errors = append(v.errors, ValidationError{Path: p, Message: message})
}
