// Package backend holds the upstream registry: servers with their
// health state and circuit breaker, the groups that load balance over
// them, and the active health checker.
package backend

import (
	"fmt"
	"sort"
	"time"

	"github.com/fechatter/gateway/internal/circuitbreaker"
	"github.com/fechatter/gateway/internal/config"
	"github.com/fechatter/gateway/internal/observability"
	"github.com/fechatter/gateway/internal/util"
)

// MetricsRecorder receives server availability and breaker state
// changes. *observability.Metrics implements it.
type MetricsRecorder interface {
	SetBackendHealth(group, server string, available bool)
	SetCircuitBreakerState(group, server string, state int)
}

type nopMetrics struct{}

func (nopMetrics) SetBackendHealth(string, string, bool)      {}
func (nopMetrics) SetCircuitBreakerState(string, string, int) {}

// StateChangeFunc observes breaker transitions of a server.
type StateChangeFunc func(group, server string, from, to circuitbreaker.State)

// Registry holds every upstream group. It is built once from config and
// its membership never changes.
type Registry struct {
	groups   map[string]*Group
	breakers *circuitbreaker.Registry
	logger   observability.Logger
	metrics  MetricsRecorder
	onChange StateChangeFunc
	now      func() time.Time
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger.
func WithRegistryLogger(logger observability.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) RegistryOption {
	return func(r *Registry) {
		r.metrics = m
	}
}

// WithStateChangeHook registers a callback for breaker transitions.
func WithStateChangeHook(fn StateChangeFunc) RegistryOption {
	return func(r *Registry) {
		r.onChange = fn
	}
}

// WithClock replaces time.Now for health state and breakers, for tests.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		r.now = now
	}
}

// NewRegistry builds the groups, servers and breakers described by the
// upstreams section.
func NewRegistry(upstreams map[string]config.UpstreamConfig, opts ...RegistryOption) (*Registry, error) {
	r := &Registry{
		groups:  make(map[string]*Group, len(upstreams)),
		logger:  observability.NopLogger(),
		metrics: nopMetrics{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.breakers = circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig(), r.logger.Named("breaker"),
		circuitbreaker.WithClock(r.now))

	for name, up := range upstreams {
		if len(up.Servers) == 0 {
			return nil, fmt.Errorf("upstream %s has no servers", name)
		}

		g := &Group{
			Name:        name,
			HealthCheck: up.HealthCheck,
			Retry:       up.Retry,
			reg:         r,
		}

		for _, entry := range up.Servers {
			cbCfg := circuitbreaker.FromConfig(up.CircuitBreaker)
			group, address := name, entry.Address
			cbCfg.OnStateChange = func(_ string, from, to circuitbreaker.State) {
				r.stateChanged(group, address, from, to)
			}
			cb := r.breakers.GetOrCreateWithConfig(BreakerName(name, entry.Address), cbCfg)
			r.metrics.SetCircuitBreakerState(name, entry.Address, int(circuitbreaker.StateClosed))

			s, err := newServer(name, entry, up.HealthCheck != nil, cb, r.metrics, r.now)
			if err != nil {
				return nil, fmt.Errorf("upstream %s: %w", name, err)
			}
			g.servers = append(g.servers, s)
		}
		r.groups[name] = g

		r.logger.Debug("upstream group registered",
			observability.String("group", name),
			observability.Int("servers", len(g.servers)),
		)
	}
	return r, nil
}

// BreakerName is the breaker registry key of a server.
func BreakerName(group, address string) string {
	return group + "/" + address
}

func (r *Registry) stateChanged(group, address string, from, to circuitbreaker.State) {
	r.metrics.SetCircuitBreakerState(group, address, int(to))
	if r.onChange != nil {
		r.onChange(group, address, from, to)
	}
}

// Group returns the named group.
func (r *Registry) Group(name string) (*Group, bool) {
	g, ok := r.groups[name]
	return g, ok
}

// Groups returns all groups sorted by name.
func (r *Registry) Groups() []*Group {
	out := make([]*Group, 0, len(r.groups))
	for _, g := range r.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Server returns one server of a group.
func (r *Registry) Server(group, address string) (*Server, bool) {
	g, ok := r.groups[group]
	if !ok {
		return nil, false
	}
	return g.Server(address)
}

// Select picks the next eligible server of the named group. An unknown
// group has no servers and yields a *util.NoAvailableServerError.
func (r *Registry) Select(group string) (*Server, error) {
	return r.SelectExcluding(group, "")
}

// SelectExcluding is Select with one server left out for this call.
func (r *Registry) SelectExcluding(group, exclude string) (*Server, error) {
	g, ok := r.groups[group]
	if !ok {
		return nil, util.NewNoAvailableServerError(group)
	}
	return g.SelectExcluding(exclude)
}

// Breakers returns the breaker registry backing the servers.
func (r *Registry) Breakers() *circuitbreaker.Registry {
	return r.breakers
}

// ServerStatus is the externally visible state of one server.
type ServerStatus struct {
	Address             string `json:"address"`
	Weight              int    `json:"weight"`
	Available           bool   `json:"available"`
	CircuitState        string `json:"circuit_state"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	AwaitingCheck       bool   `json:"awaiting_health_check,omitempty"`
}

// GroupStatus summarises a group. A server is healthy when available
// with a closed breaker, degraded when available with a half-open one,
// and unhealthy otherwise.
type GroupStatus struct {
	Name      string         `json:"name"`
	Healthy   int            `json:"healthy"`
	Degraded  int            `json:"degraded"`
	Unhealthy int            `json:"unhealthy"`
	Servers   []ServerStatus `json:"servers"`
}

// Ready reports whether the group can serve a request.
func (s GroupStatus) Ready() bool {
	return s.Healthy+s.Degraded > 0
}

// Status returns the status of every group sorted by name.
func (r *Registry) Status() []GroupStatus {
	now := r.now()
	groups := r.Groups()
	out := make([]GroupStatus, 0, len(groups))

	for _, g := range groups {
		gs := GroupStatus{Name: g.Name, Servers: make([]ServerStatus, 0, len(g.servers))}
		for _, s := range g.servers {
			available := s.health.Available(now)
			state := s.breaker.State()
			failures, _ := s.health.Snapshot()

			switch {
			case !available || state == circuitbreaker.StateOpen:
				gs.Unhealthy++
			case state == circuitbreaker.StateHalfOpen:
				gs.Degraded++
			default:
				gs.Healthy++
			}

			gs.Servers = append(gs.Servers, ServerStatus{
				Address:             s.Address,
				Weight:              s.Weight,
				Available:           available,
				CircuitState:        state.String(),
				ConsecutiveFailures: failures,
				AwaitingCheck:       s.health.AwaitingCheck(),
			})
		}
		out = append(out, gs)
	}
	return out
}
