package circuitbreaker

import (
	"sort"
	"sync"

	"github.com/fechatter/gateway/internal/observability"
)

// Registry lazily creates breakers by name with a shared config. Names
// are usually "<group>/<server address>".
type Registry struct {
	config Config
	opts   []Option
	logger observability.Logger

	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
}

// NewRegistry creates a new circuit breaker registry. opts are applied
// to every breaker it creates.
func NewRegistry(cfg Config, logger observability.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Registry{
		config:   cfg,
		opts:     append([]Option{WithLogger(logger)}, opts...),
		logger:   logger,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns a circuit breaker by name.
func (r *Registry) Get(name string) (*CircuitBreaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cb, ok := r.breakers[name]
	return cb, ok
}

// GetOrCreate returns the breaker for name, creating it with the
// registry config on first use.
func (r *Registry) GetOrCreate(name string) *CircuitBreaker {
	return r.GetOrCreateWithConfig(name, r.config)
}

// GetOrCreateWithConfig is GetOrCreate with a config override used only
// when the breaker does not exist yet.
func (r *Registry) GetOrCreateWithConfig(name string, cfg Config) *CircuitBreaker {
	if cb, ok := r.Get(name); ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	cb := New(name, cfg, r.opts...)
	r.breakers[name] = cb
	r.logger.Debug("created circuit breaker", observability.String("name", name))
	return cb
}

// Names returns the registered breaker names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Stats returns statistics for all circuit breakers.
func (r *Registry) Stats() map[string]Stats {
	r.mu.RLock()
	breakers := make(map[string]*CircuitBreaker, len(r.breakers))
	for name, cb := range r.breakers {
		breakers[name] = cb
	}
	r.mu.RUnlock()

	stats := make(map[string]Stats, len(breakers))
	for name, cb := range breakers {
		stats[name] = cb.Stats()
	}
	return stats
}

// ResetAll forces every breaker closed.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, cb := range r.breakers {
		cb.Reset()
	}
}
