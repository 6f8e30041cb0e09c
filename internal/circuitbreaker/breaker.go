package circuitbreaker

import (
	"sync"
	"time"

	"github.com/fechatter/gateway/internal/observability"
	"github.com/fechatter/gateway/internal/util"
)

// State represents the state of a circuit breaker. The numeric values
// are exported as the circuit_breaker_state gauge.
type State int

const (
	// StateClosed admits every request.
	StateClosed State = iota

	// StateHalfOpen admits a bounded number of trial requests.
	StateHalfOpen

	// StateOpen rejects requests until the timeout elapses.
	StateOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// DoneFunc reports the outcome of an admitted request. It must be
// called exactly once.
type DoneFunc func(success bool)

type transition struct {
	from, to State
}

// CircuitBreaker is a three-state breaker guarding one upstream server.
// All state lives under a single mutex.
type CircuitBreaker struct {
	name   string
	config Config
	logger observability.Logger
	now    func() time.Time

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	halfOpenSuccesses   int
	inFlight            int
	openedAt            time.Time
	lastStateChange     time.Time

	// generation changes on every transition. Completions admitted under
	// an older generation are dropped so they cannot count twice or
	// release a slot that no longer exists.
	generation uint64
}

// Option configures a CircuitBreaker.
type Option func(*CircuitBreaker)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(cb *CircuitBreaker) {
		cb.logger = logger
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(cb *CircuitBreaker) {
		cb.now = now
	}
}

// New creates a closed circuit breaker. Invalid config values fall back
// to the defaults.
func New(name string, cfg Config, opts ...Option) *CircuitBreaker {
	def := DefaultConfig()
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold < 1 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.HalfOpenMaxRequests < 1 {
		cfg.HalfOpenMaxRequests = def.HalfOpenMaxRequests
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}

	cb := &CircuitBreaker{
		name:   name,
		config: cfg,
		logger: observability.NopLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(cb)
	}
	cb.lastStateChange = cb.now()
	return cb
}

// Name returns the name of the circuit breaker.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Allow asks for admission. On success the returned DoneFunc must be
// called with the outcome. An open circuit, or a half-open one with all
// trial slots taken, returns util.ErrCircuitOpen.
func (cb *CircuitBreaker) Allow() (DoneFunc, error) {
	cb.mu.Lock()
	changes := cb.expireLocked()

	switch cb.state {
	case StateOpen:
		cb.mu.Unlock()
		cb.notify(changes)
		return nil, util.ErrCircuitOpen
	case StateHalfOpen:
		if cb.inFlight >= cb.config.HalfOpenMaxRequests {
			cb.mu.Unlock()
			cb.notify(changes)
			return nil, util.ErrCircuitOpen
		}
		cb.inFlight++
	}

	gen := cb.generation
	cb.mu.Unlock()
	cb.notify(changes)

	var once sync.Once
	return func(success bool) {
		once.Do(func() { cb.complete(gen, success) })
	}, nil
}

func (cb *CircuitBreaker) complete(gen uint64, success bool) {
	cb.mu.Lock()
	if gen != cb.generation {
		cb.mu.Unlock()
		return
	}
	if cb.state == StateHalfOpen && cb.inFlight > 0 {
		cb.inFlight--
	}
	changes := cb.recordLocked(success)
	cb.mu.Unlock()
	cb.notify(changes)
}

// RecordSuccess reports a success without admission, as health probes
// do. While half-open it counts as a trial success.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.record(true)
}

// RecordFailure reports a failure without admission.
func (cb *CircuitBreaker) RecordFailure() {
	cb.record(false)
}

func (cb *CircuitBreaker) record(success bool) {
	cb.mu.Lock()
	changes := cb.expireLocked()
	changes = append(changes, cb.recordLocked(success)...)
	cb.mu.Unlock()
	cb.notify(changes)
}

// expireLocked moves an open circuit whose timeout has elapsed to
// half-open.
func (cb *CircuitBreaker) expireLocked() []transition {
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.config.Timeout {
		return []transition{cb.transitionLocked(StateHalfOpen)}
	}
	return nil
}

func (cb *CircuitBreaker) recordLocked(success bool) []transition {
	switch cb.state {
	case StateClosed:
		if success {
			cb.consecutiveFailures = 0
			return nil
		}
		cb.consecutiveFailures++
		if cb.consecutiveFailures >= cb.config.FailureThreshold {
			return []transition{cb.transitionLocked(StateOpen)}
		}

	case StateHalfOpen:
		if !success {
			return []transition{cb.transitionLocked(StateOpen)}
		}
		cb.halfOpenSuccesses++
		if cb.halfOpenSuccesses >= cb.config.SuccessThreshold {
			return []transition{cb.transitionLocked(StateClosed)}
		}

	case StateOpen:
		// Outcomes before the timeout do not move an open circuit.
	}
	return nil
}

func (cb *CircuitBreaker) transitionLocked(to State) transition {
	from := cb.state
	now := cb.now()

	cb.state = to
	cb.generation++
	cb.consecutiveFailures = 0
	cb.halfOpenSuccesses = 0
	cb.inFlight = 0
	cb.lastStateChange = now
	if to == StateOpen {
		cb.openedAt = now
	}
	return transition{from: from, to: to}
}

func (cb *CircuitBreaker) notify(changes []transition) {
	for _, c := range changes {
		cb.logger.Info("circuit breaker state changed",
			observability.String("name", cb.name),
			observability.String("from", c.from.String()),
			observability.String("to", c.to.String()),
		)
		if cb.config.OnStateChange != nil {
			cb.config.OnStateChange(cb.name, c.from, c.to)
		}
	}
}

// State returns the current state. An open circuit whose timeout has
// elapsed moves to half-open here, so a server that is out of rotation
// becomes selectable for its trial requests.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	changes := cb.expireLocked()
	state := cb.state
	cb.mu.Unlock()
	cb.notify(changes)
	return state
}

// Stats holds circuit breaker statistics.
type Stats struct {
	State               State
	ConsecutiveFailures int
	HalfOpenSuccesses   int
	InFlight            int
	OpenedAt            time.Time
	LastStateChange     time.Time
}

// Stats returns a snapshot of the breaker counters.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Stats{
		State:               cb.state,
		ConsecutiveFailures: cb.consecutiveFailures,
		HalfOpenSuccesses:   cb.halfOpenSuccesses,
		InFlight:            cb.inFlight,
		OpenedAt:            cb.openedAt,
		LastStateChange:     cb.lastStateChange,
	}
}

// Reset forces the circuit closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	var changes []transition
	if cb.state != StateClosed {
		changes = append(changes, cb.transitionLocked(StateClosed))
	}
	cb.mu.Unlock()
	cb.notify(changes)
}
