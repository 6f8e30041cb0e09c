package backend

import (
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/fechatter/gateway/internal/circuitbreaker"
	"github.com/fechatter/gateway/internal/config"
)

// HealthState tracks passive and active failure signals for a server.
// A server is unavailable while it has at least maxFails consecutive
// failures and the last one is younger than failTimeout. Without an
// active health check it is available again once the timeout elapses.
// With one, crossing maxFails also holds it out until a check passes,
// so the elapsed timeout alone does not bring it back.
type HealthState struct {
	maxFails    int
	failTimeout time.Duration
	checked     bool

	mu                  sync.Mutex
	consecutiveFailures int
	lastFailureAt       time.Time
	awaitingCheck       bool
}

// NewHealthState creates a health state that starts available. checked
// reports whether a health checker watches the server.
func NewHealthState(maxFails int, failTimeout time.Duration, checked bool) *HealthState {
	if maxFails < 1 {
		maxFails = config.DefaultMaxFails
	}
	return &HealthState{maxFails: maxFails, failTimeout: failTimeout, checked: checked}
}

// Available reports whether the server may receive traffic at now.
func (h *HealthState) Available(now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.availableLocked(now)
}

func (h *HealthState) availableLocked(now time.Time) bool {
	if h.consecutiveFailures < h.maxFails {
		return true
	}
	if now.Before(h.lastFailureAt.Add(h.failTimeout)) {
		return false
	}
	return !h.awaitingCheck
}

// RecordSuccess resets the failure count after a request succeeded. A
// server that is currently out of rotation stays out; late completions
// of requests admitted earlier do not re-admit it.
func (h *HealthState) RecordSuccess(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.availableLocked(now) {
		h.consecutiveFailures = 0
	}
}

// RecordCheckSuccess lifts the health check hold. The failure count resets once
// the server is available again; before fail_timeout has elapsed the
// server rejoins when it does.
func (h *HealthState) RecordCheckSuccess(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.awaitingCheck = false
	if h.availableLocked(now) {
		h.consecutiveFailures = 0
	}
}

// RecordFailure counts a failure at now and reports whether the server
// is still available afterwards.
func (h *HealthState) RecordFailure(now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.consecutiveFailures++
	h.lastFailureAt = now
	if h.checked && h.consecutiveFailures >= h.maxFails {
		h.awaitingCheck = true
	}
	return h.availableLocked(now)
}

// AwaitingCheck reports whether the server is held out until a health
// check passes.
func (h *HealthState) AwaitingCheck() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.awaitingCheck
}

// Snapshot returns the failure count and time of the last failure.
func (h *HealthState) Snapshot() (consecutiveFailures int, lastFailureAt time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.consecutiveFailures, h.lastFailureAt
}

// Server is one upstream instance. Its identity is its address.
type Server struct {
	Address string
	Weight  int
	URL     *url.URL

	group   string
	health  *HealthState
	breaker *circuitbreaker.CircuitBreaker
	metrics MetricsRecorder
	now     func() time.Time
}

func newServer(group string, entry config.ServerEntry, checked bool, breaker *circuitbreaker.CircuitBreaker,
	metrics MetricsRecorder, now func() time.Time,
) (*Server, error) {
	u, err := url.Parse(entry.Address)
	if err != nil {
		return nil, fmt.Errorf("server %s: %w", entry.Address, err)
	}
	weight := entry.Weight
	if weight < 1 {
		weight = config.DefaultWeight
	}
	s := &Server{
		Address: entry.Address,
		Weight:  weight,
		URL:     u,
		group:   group,
		health:  NewHealthState(entry.MaxFails, entry.FailTimeout.OrDefault(config.DefaultFailTimeout), checked),
		breaker: breaker,
		metrics: metrics,
		now:     now,
	}
	s.metrics.SetBackendHealth(group, s.Address, true)
	return s, nil
}

// Group returns the name of the server's upstream group.
func (s *Server) Group() string {
	return s.group
}

// Health returns the server's health state.
func (s *Server) Health() *HealthState {
	return s.health
}

// Breaker returns the server's circuit breaker.
func (s *Server) Breaker() *circuitbreaker.CircuitBreaker {
	return s.breaker
}

// Eligible reports whether the load balancer may pick the server.
func (s *Server) Eligible(now time.Time) bool {
	return s.health.Available(now) && s.breaker.State() != circuitbreaker.StateOpen
}

// Allow asks the server's breaker to admit one request. The returned
// function reports the outcome to both the breaker and the health
// state, and must be called exactly once.
func (s *Server) Allow() (func(success bool), error) {
	done, err := s.breaker.Allow()
	if err != nil {
		return nil, err
	}
	return func(success bool) {
		done(success)
		s.reportHealth(success)
	}, nil
}

// ReportSuccess records a passing health check. It is the only signal
// that lifts the hold set by crossing max_fails.
func (s *Server) ReportSuccess() {
	s.breaker.RecordSuccess()
	s.health.RecordCheckSuccess(s.now())
	s.metrics.SetBackendHealth(s.group, s.Address, s.health.Available(s.now()))
}

// ReportFailure records a failure that was not admitted through Allow,
// such as a failed probe or a broken stream.
func (s *Server) ReportFailure() {
	s.breaker.RecordFailure()
	s.reportHealth(false)
}

func (s *Server) reportHealth(success bool) {
	now := s.now()
	if success {
		s.health.RecordSuccess(now)
		s.metrics.SetBackendHealth(s.group, s.Address, s.health.Available(now))
		return
	}
	available := s.health.RecordFailure(now)
	s.metrics.SetBackendHealth(s.group, s.Address, available)
}
