package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/fechatter/gateway/internal/audit"
	"github.com/fechatter/gateway/internal/auth"
	"github.com/fechatter/gateway/internal/backend"
	"github.com/fechatter/gateway/internal/cache"
	"github.com/fechatter/gateway/internal/circuitbreaker"
	"github.com/fechatter/gateway/internal/config"
	"github.com/fechatter/gateway/internal/health"
	"github.com/fechatter/gateway/internal/middleware"
	"github.com/fechatter/gateway/internal/observability"
	"github.com/fechatter/gateway/internal/proxy"
	"github.com/fechatter/gateway/internal/ratelimit"
	"github.com/fechatter/gateway/internal/retry"
	"github.com/fechatter/gateway/internal/router"
	"github.com/fechatter/gateway/internal/secrets"
)

const (
	metricsNamespace     = "gateway"
	adminTimeout         = 10 * time.Second
	defaultShutdownLimit = 30 * time.Second
)

// State represents the gateway state.
type State int32

const (
	// StateStopped indicates the gateway is stopped.
	StateStopped State = iota
	// StateStarting indicates the gateway is starting.
	StateStarting
	// StateRunning indicates the gateway is running.
	StateRunning
	// StateStopping indicates the gateway is stopping.
	StateStopping
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Gateway owns every component built from one configuration.
type Gateway struct {
	cfg      *config.GatewayConfig
	version  string
	logger   observability.Logger
	resolver *secrets.Resolver
	audit    audit.Logger
	now      func() time.Time

	metrics  *observability.Metrics
	tracer   *observability.Tracer
	registry *backend.Registry
	probes   *backend.HealthChecker
	pool     *backend.Pool
	status   *health.Checker
	limiter  *ratelimit.Limiter
	cache    cache.Cache
	conns    *middleware.ConnectionLimiter

	handler http.Handler
	main    *Listener
	admin   *Listener

	// closers release stores and pools, in reverse order, on Stop.
	closers []func() error

	state      atomic.Int32
	cancel     context.CancelFunc
	startedAt  time.Time
	shutdownIn time.Duration
}

// Option is a functional option for configuring the gateway.
type Option func(*Gateway)

// WithLogger sets the logger for the gateway and its components.
func WithLogger(logger observability.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// WithVersion sets the version reported by /health and the audit trail.
func WithVersion(version string) Option {
	return func(g *Gateway) {
		g.version = version
	}
}

// WithResolver sets the resolver for secret references. The default
// resolves env: and file: references only.
func WithResolver(r *secrets.Resolver) Option {
	return func(g *Gateway) {
		g.resolver = r
	}
}

// WithAuditLogger replaces the audit logger built from configuration.
// The gateway closes it on Stop.
func WithAuditLogger(al audit.Logger) Option {
	return func(g *Gateway) {
		g.audit = al
	}
}

// WithClock replaces time.Now for server health and breaker timing.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		g.now = now
	}
}

// New builds the gateway. The configuration must already carry defaults
// and have passed validation.
func New(ctx context.Context, cfg *config.GatewayConfig, opts ...Option) (*Gateway, error) {
	if cfg == nil {
		return nil, ErrNilConfig
	}

	g := &Gateway{
		cfg:        cfg,
		version:    "dev",
		logger:     observability.NopLogger(),
		now:        time.Now,
		shutdownIn: cfg.Server.ShutdownTimeout.OrDefault(defaultShutdownLimit),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.resolver == nil {
		g.resolver = secrets.NewResolver(secrets.WithResolverLogger(g.logger.Named("secrets")))
	}
	g.state.Store(int32(StateStopped))

	if err := g.build(ctx); err != nil {
		g.release()
		return nil, err
	}
	return g, nil
}

func (g *Gateway) build(ctx context.Context) error {
	cfg := g.cfg

	g.metrics = observability.NewMetrics(metricsNamespace)
	g.metrics.SetBuildInfo(g.version)

	if g.audit == nil {
		al, err := audit.NewLogger(cfg.Observability.Audit,
			audit.WithMetrics(audit.NewMetrics(metricsNamespace, g.metrics.Registry())),
			audit.WithErrorLogger(g.logger.Named("audit")),
		)
		if err != nil {
			return fmt.Errorf("audit logger: %w", err)
		}
		g.audit = al
	}

	tracing := cfg.Observability.Tracing
	tracer, err := observability.NewTracer(observability.TracerConfig{
		ServiceName:  tracing.ServiceName,
		OTLPEndpoint: tracing.Endpoint,
		SamplingRate: tracing.SampleRate,
		Enabled:      tracing.Enabled,
		Logger:       g.logger,
	})
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	g.tracer = tracer

	g.registry, err = backend.NewRegistry(cfg.Upstreams,
		backend.WithRegistryLogger(g.logger.Named("backend")),
		backend.WithMetrics(g.metrics),
		backend.WithStateChangeHook(g.breakerChanged),
		backend.WithClock(g.now),
	)
	if err != nil {
		return fmt.Errorf("upstream registry: %w", err)
	}

	g.pool = backend.NewPool(backend.DefaultPoolConfig())
	g.closers = append(g.closers, func() error { g.pool.Close(); return nil })
	g.probes = backend.NewHealthChecker(g.registry,
		backend.WithHealthCheckLogger(g.logger.Named("health")),
		backend.WithHealthCheckClient(g.pool.Client()),
	)

	g.status = health.NewChecker(g.version, g.registry,
		health.WithMetrics(health.NewMetrics(metricsNamespace, g.metrics.Registry())),
	)

	if err := g.buildLimiter(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	if err := g.buildCache(ctx); err != nil {
		return fmt.Errorf("response cache: %w", err)
	}

	validator, err := g.buildValidator(ctx)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	rt, err := router.New(cfg.Routes)
	if err != nil {
		return fmt.Errorf("route table: %w", err)
	}

	engine := retry.NewEngine(g.registry,
		retry.WithLogger(g.logger.Named("retry")),
		retry.WithMetrics(g.metrics),
	)
	dispatcher := proxy.New(g.registry, engine,
		proxy.WithLogger(g.logger.Named("proxy")),
		proxy.WithClient(g.pool.Client()),
		proxy.WithTracer(g.tracer),
		proxy.WithAudit(g.audit),
		proxy.WithMetrics(proxy.NewMetrics(metricsNamespace, g.metrics.Registry())),
	)

	g.conns = middleware.NewConnectionLimiter(cfg.Server.MaxConnections, g.logger)
	pipeline := g.pipeline(rt, validator)(dispatcher)

	metricsPath := ""
	if cfg.Observability.Metrics.Enabled {
		metricsPath = cfg.Observability.Metrics.Path
	}
	admin := newAdminEngine(g.status, g.metrics, cfg.Observability.Metrics, g.logger)
	g.handler = withAdmin(admin, pipeline, metricsPath)

	g.main = NewListener("main", cfg.Server.Listen, g.handler, Timeouts{
		Read:  cfg.Server.ReadTimeout.Duration(),
		Write: cfg.Server.WriteTimeout.Duration(),
		Idle:  cfg.Server.IdleTimeout.Duration(),
	}, g.logger)
	if cfg.Observability.Metrics.Enabled {
		g.admin = NewListener("admin", cfg.Observability.Metrics.Listen, admin, Timeouts{
			Read:  adminTimeout,
			Write: adminTimeout,
			Idle:  adminTimeout,
		}, g.logger)
	}

	g.logger.Info("gateway assembled",
		observability.Int("routes", len(cfg.Routes)),
		observability.Int("upstreams", len(cfg.Upstreams)),
		observability.Bool("rate_limit", g.limiter.Enabled()),
		observability.Bool("cache", g.cache != nil),
		observability.Bool("auth", validator != nil),
	)
	return nil
}

func (g *Gateway) buildValidator(ctx context.Context) (*auth.Validator, error) {
	ac := g.cfg.Middleware.Auth
	if !ac.Enabled {
		return nil, nil
	}
	secret, err := g.resolver.ResolveOr(ctx, ac.SecretRef, ac.Secret)
	if err != nil {
		return nil, err
	}
	var opts []auth.Option
	if ac.Issuer != "" {
		opts = append(opts, auth.WithIssuer(ac.Issuer))
	}
	if ac.Audience != "" {
		opts = append(opts, auth.WithAudience(ac.Audience))
	}
	return auth.NewValidator(secret, opts...)
}

// breakerChanged feeds per-server breaker transitions into the audit
// trail.
func (g *Gateway) breakerChanged(group, server string, from, to circuitbreaker.State) {
	g.audit.Log(context.Background(), audit.CircuitStateChange(group, server, from.String(), to.String()))
}

// Handler returns the main listener's handler: the admin endpoints
// followed by the request pipeline.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// Audit returns the audit logger.
func (g *Gateway) Audit() audit.Logger {
	return g.audit
}

// Registry returns the upstream registry.
func (g *Gateway) Registry() *backend.Registry {
	return g.registry
}

// State returns the lifecycle state.
func (g *Gateway) State() State {
	return State(g.state.Load())
}

// Addr returns the main listener address.
func (g *Gateway) Addr() string {
	return g.main.Addr()
}

// AdminAddr returns the admin listener address, or "" when metrics are
// disabled.
func (g *Gateway) AdminAddr() string {
	if g.admin == nil {
		return ""
	}
	return g.admin.Addr()
}

// Start launches the health probes and both listeners.
func (g *Gateway) Start(ctx context.Context) error {
	if !g.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return ErrGatewayNotStopped
	}

	probeCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g.cancel = cancel
	g.probes.Start(probeCtx)

	for _, l := range g.listeners() {
		if err := l.Start(ctx); err != nil {
			g.stopListeners(ctx)
			g.probes.Stop()
			cancel()
			g.state.Store(int32(StateStopped))
			return fmt.Errorf("failed to start listener %s: %w", l.Name(), err)
		}
	}

	g.startedAt = time.Now()
	g.state.Store(int32(StateRunning))
	g.audit.Log(ctx, audit.GatewayStartup(g.version, g.main.Addr(), len(g.cfg.Routes)))
	g.logger.Info("gateway started",
		observability.String("version", g.version),
		observability.String("listen", g.main.Addr()),
		observability.String("admin", g.AdminAddr()),
	)
	return nil
}

// Stop drains the listeners within the shutdown timeout, stops the
// probes and releases every store. reason is recorded in the audit
// trail.
func (g *Gateway) Stop(ctx context.Context, reason string) error {
	if !g.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		return ErrGatewayNotRunning
	}

	g.logger.Info("stopping gateway", observability.String("reason", reason))
	g.audit.Log(ctx, audit.GatewayShutdown(reason))

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.shutdownIn)
		defer cancel()
	}

	g.stopListeners(ctx)
	g.probes.Stop()
	if g.cancel != nil {
		g.cancel()
	}
	if err := g.tracer.Shutdown(ctx); err != nil {
		g.logger.Warn("failed to shut down tracer", observability.Error(err))
	}
	g.release()

	g.state.Store(int32(StateStopped))
	g.logger.Info("gateway stopped", observability.Duration("uptime", time.Since(g.startedAt)))
	return nil
}

func (g *Gateway) listeners() []*Listener {
	out := []*Listener{g.main}
	if g.admin != nil {
		out = append(out, g.admin)
	}
	return out
}

func (g *Gateway) stopListeners(ctx context.Context) {
	for _, l := range g.listeners() {
		if l == nil {
			continue
		}
		if err := l.Stop(ctx); err != nil {
			g.logger.Error("failed to stop listener",
				observability.String("name", l.Name()),
				observability.Error(err),
			)
		}
	}
}

// release closes stores and pools in reverse creation order, then the
// audit trail.
func (g *Gateway) release() {
	for i := len(g.closers) - 1; i >= 0; i-- {
		if err := g.closers[i](); err != nil {
			g.logger.Warn("failed to release resource", observability.Error(err))
		}
	}
	g.closers = nil

	if g.audit != nil {
		if err := g.audit.Close(); err != nil {
			g.logger.Warn("failed to close audit logger", observability.Error(err))
		}
	}
}
