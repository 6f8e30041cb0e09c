// Package ratelimit enforces fixed-window request limits per scope:
// global, per client IP, per authenticated user and named custom rules.
//
// Counters live in a store.Store, normally Redis, so that every gateway
// instance shares the same windows. Store calls go through a circuit
// breaker. While it is open each key is limited by a local token bucket
// with the same rate, and any other store error admits the request.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/fechatter/gateway/internal/config"
	"github.com/fechatter/gateway/internal/observability"
	"github.com/fechatter/gateway/internal/ratelimit/condition"
	"github.com/fechatter/gateway/internal/ratelimit/store"
)

// Scope names.
const (
	ScopeGlobal = "global"
	ScopeIP     = "ip"
	ScopeUser   = "user"
	ScopeRule   = "rule"
)

// Store breaker settings.
const (
	storeBreakerFailures = 5
	storeBreakerTimeout  = 10 * time.Second
	maxFallbackKeys      = 10000
)

// MetricsRecorder receives limiter decisions and store errors.
// *observability.Metrics implements it.
type MetricsRecorder interface {
	RecordRateLimit(scope string, allowed bool)
	RecordStoreError(store, op string)
}

type nopMetrics struct{}

func (nopMetrics) RecordRateLimit(string, bool)   {}
func (nopMetrics) RecordStoreError(string, string) {}

// Request carries the facts the limiter keys on.
type Request struct {
	ClientIP string
	User     string
	Method   string
	Path     string
	Host     string
	Header   http.Header
	// Rule names the custom rule a route is bound to. When set it
	// replaces path glob matching.
	Rule string
}

// Decision is the outcome of Admit. For admitted requests Scope, Limit
// and Remaining describe the scope with the least quota left.
type Decision struct {
	Allowed    bool
	Scope      string
	Limit      int64
	Remaining  int64
	RetryAfter time.Duration
	ResetAfter time.Duration
}

type scope struct {
	name     string
	requests int64
	burst    int64
	window   time.Duration
}

func newScope(name string, s config.RateLimitScope) *scope {
	return &scope{
		name:     name,
		requests: s.Requests,
		burst:    s.Burst,
		window:   s.Window.OrDefault(config.DefaultRateLimitWindow),
	}
}

func (s *scope) limit() int64 {
	return s.requests + s.burst
}

type rule struct {
	*scope
	glob      string
	condition *condition.Condition
}

type fallbackEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter admits or denies requests.
type Limiter struct {
	store   store.Store
	breaker *gobreaker.CircuitBreaker
	logger  observability.Logger
	metrics MetricsRecorder
	now     func() time.Time

	global  *scope
	perIP   *scope
	perUser *scope
	rules   []*rule
	byName  map[string]*rule

	fbMu     sync.Mutex
	fallback map[string]*fallbackEntry
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(l *Limiter) {
		l.logger = logger
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(l *Limiter) {
		l.metrics = m
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// New builds a limiter from the rate_limit config over the given store.
func New(cfg config.RateLimitConfig, st store.Store, opts ...Option) (*Limiter, error) {
	l := &Limiter{
		store:    st,
		logger:   observability.NopLogger(),
		metrics:  nopMetrics{},
		now:      time.Now,
		byName:   make(map[string]*rule, len(cfg.Custom)),
		fallback: make(map[string]*fallbackEntry),
	}
	for _, opt := range opts {
		opt(l)
	}

	if cfg.Global != nil {
		l.global = newScope(ScopeGlobal, *cfg.Global)
	}
	if cfg.PerIP != nil {
		l.perIP = newScope(ScopeIP, *cfg.PerIP)
	}
	if cfg.PerUser != nil {
		l.perUser = newScope(ScopeUser, *cfg.PerUser)
	}
	for _, c := range cfg.Custom {
		r := &rule{scope: newScope(ScopeRule+":"+c.Name, c.RateLimitScope), glob: c.Path}
		if c.Condition != "" {
			cond, err := condition.Compile(c.Condition)
			if err != nil {
				return nil, fmt.Errorf("rate limit rule %s: %w", c.Name, err)
			}
			r.condition = cond
		}
		l.rules = append(l.rules, r)
		l.byName[c.Name] = r
	}

	l.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ratelimit-store",
		MaxRequests: 1,
		Timeout:     storeBreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= storeBreakerFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			l.logger.Warn("rate limit store breaker state change",
				observability.String("name", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)
		},
	})
	return l, nil
}

// Admit evaluates global, per-IP, per-user and custom rule scopes in
// that order and stops at the first denial. Scopes that do not apply
// (no client IP, anonymous user, no matching rule) are skipped.
func (l *Limiter) Admit(ctx context.Context, req Request) Decision {
	best := Decision{Allowed: true}

	check := func(s *scope, key string) bool {
		d := l.check(ctx, s, key)
		l.metrics.RecordRateLimit(scopeLabel(s), d.Allowed)
		if !d.Allowed {
			best = d
			return false
		}
		if best.Limit == 0 || d.Remaining < best.Remaining {
			best = d
		}
		return true
	}

	if l.global != nil && !check(l.global, "global") {
		return best
	}
	if l.perIP != nil && req.ClientIP != "" && !check(l.perIP, "ip:"+req.ClientIP) {
		return best
	}
	if l.perUser != nil && req.User != "" && !check(l.perUser, "user:"+req.User) {
		return best
	}
	if r := l.ruleFor(req); r != nil {
		check(r.scope, r.name+":"+req.ClientIP)
	}
	return best
}

// Enabled reports whether any scope is configured.
func (l *Limiter) Enabled() bool {
	return l.global != nil || l.perIP != nil || l.perUser != nil || len(l.rules) > 0
}

func (l *Limiter) ruleFor(req Request) *rule {
	if req.Rule != "" {
		r, ok := l.byName[req.Rule]
		if !ok || !l.conditionHolds(r, req) {
			return nil
		}
		return r
	}
	for _, r := range l.rules {
		if ok, _ := path.Match(r.glob, req.Path); !ok {
			continue
		}
		if l.conditionHolds(r, req) {
			return r
		}
	}
	return nil
}

func (l *Limiter) conditionHolds(r *rule, req Request) bool {
	if r.condition == nil {
		return true
	}
	ok, err := r.condition.Match(condition.Input{
		Method:  req.Method,
		Path:    req.Path,
		Host:    req.Host,
		IP:      req.ClientIP,
		User:    req.User,
		Headers: req.Header,
	})
	if err != nil {
		l.logger.Debug("rate limit condition evaluation failed",
			observability.String("rule", r.name),
			observability.Error(err),
		)
		return false
	}
	return ok
}

func (l *Limiter) check(ctx context.Context, s *scope, key string) Decision {
	now := l.now()
	window := s.window.Nanoseconds()
	index := now.UnixNano() / window
	untilBoundary := time.Duration((index+1)*window - now.UnixNano())
	limit := s.limit()

	result, err := l.breaker.Execute(func() (interface{}, error) {
		count, ttl, err := l.store.IncrementWindow(ctx, fmt.Sprintf("rl:%s:%d", key, index), s.window)
		if err != nil {
			return nil, err
		}
		return [2]int64{count, int64(ttl)}, nil
	})

	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return l.checkLocal(s, key, now)
	case err != nil:
		l.metrics.RecordStoreError("ratelimit", "increment")
		l.logger.Warn("rate limit store error, admitting request",
			observability.String("key", key),
			observability.Error(err),
		)
		return Decision{Allowed: true, Scope: s.name, Limit: limit, Remaining: limit, ResetAfter: untilBoundary}
	}

	pair := result.([2]int64)
	count, ttl := pair[0], time.Duration(pair[1])
	reset := untilBoundary
	if ttl > 0 && ttl < reset {
		reset = ttl
	}

	d := Decision{
		Allowed:    count <= limit,
		Scope:      s.name,
		Limit:      limit,
		Remaining:  max(limit-count, 0),
		ResetAfter: reset,
	}
	if !d.Allowed {
		d.RetryAfter = reset
	}
	return d
}

// checkLocal applies a per-key token bucket refilling at
// requests/window with a bucket of requests+burst.
func (l *Limiter) checkLocal(s *scope, key string, now time.Time) Decision {
	limit := s.limit()
	every := s.window / time.Duration(max(s.requests, 1))

	l.fbMu.Lock()
	e, ok := l.fallback[key]
	if !ok {
		if len(l.fallback) >= maxFallbackKeys {
			l.pruneFallbackLocked(now, s.window)
		}
		e = &fallbackEntry{limiter: rate.NewLimiter(rate.Every(every), int(limit))}
		l.fallback[key] = e
	}
	e.lastSeen = now
	lim := e.limiter
	l.fbMu.Unlock()

	d := Decision{Scope: s.name, Limit: limit, ResetAfter: every}
	if lim.AllowN(now, 1) {
		d.Allowed = true
		d.Remaining = max(int64(lim.TokensAt(now)), 0)
		return d
	}
	d.RetryAfter = every
	return d
}

func (l *Limiter) pruneFallbackLocked(now time.Time, idle time.Duration) {
	for key, e := range l.fallback {
		if now.Sub(e.lastSeen) > idle {
			delete(l.fallback, key)
		}
	}
}

// StoreState reports the store breaker state: closed, half-open or open.
func (l *Limiter) StoreState() string {
	return l.breaker.State().String()
}

// Close closes the store.
func (l *Limiter) Close() error {
	return l.store.Close()
}

func scopeLabel(s *scope) string {
	if strings.HasPrefix(s.name, ScopeRule+":") {
		return ScopeRule
	}
	return s.name
}
