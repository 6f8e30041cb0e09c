package backend

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fechatter/gateway/internal/config"
	"github.com/fechatter/gateway/internal/observability"
)

// HealthChecker actively probes every group that has a health_check
// block. Each group gets its own loop, which ticks every server on its
// own schedule, so a stalled server only delays its own next probe.
type HealthChecker struct {
	registry *Registry
	client   *http.Client
	logger   observability.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// HealthCheckOption configures a HealthChecker.
type HealthCheckOption func(*HealthChecker)

// WithHealthCheckLogger sets the logger for the health checker.
func WithHealthCheckLogger(logger observability.Logger) HealthCheckOption {
	return func(hc *HealthChecker) {
		hc.logger = logger
	}
}

// WithHealthCheckClient sets the HTTP client used for probes.
func WithHealthCheckClient(client *http.Client) HealthCheckOption {
	return func(hc *HealthChecker) {
		hc.client = client
	}
}

// NewHealthChecker creates a health checker over the registry's groups.
func NewHealthChecker(registry *Registry, opts ...HealthCheckOption) *HealthChecker {
	hc := &HealthChecker{
		registry: registry,
		client:   http.DefaultClient,
		logger:   observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(hc)
	}
	return hc
}

// Start launches one probe loop per checked group. Calling Start on a
// running checker does nothing.
func (hc *HealthChecker) Start(ctx context.Context) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	if hc.running {
		return
	}
	hc.running = true

	ctx, hc.cancel = context.WithCancel(ctx)
	for _, g := range hc.registry.Groups() {
		if g.HealthCheck == nil {
			continue
		}
		hc.wg.Add(1)
		go hc.run(ctx, g)
	}
}

// Stop cancels the loops and waits for them and their in-flight probes
// to return. It is safe to call more than once.
func (hc *HealthChecker) Stop() {
	hc.mu.Lock()
	if !hc.running {
		hc.mu.Unlock()
		return
	}
	hc.running = false
	cancel := hc.cancel
	hc.mu.Unlock()

	cancel()
	hc.wg.Wait()
}

func (hc *HealthChecker) run(ctx context.Context, g *Group) {
	defer hc.wg.Done()

	interval := g.HealthCheck.Interval.OrDefault(config.DefaultHealthInterval)
	hc.logger.Debug("health check loop started",
		observability.String("group", g.Name),
		observability.Duration("interval", interval),
	)

	var wg sync.WaitGroup
	for _, s := range g.servers {
		wg.Add(1)
		go func(s *Server) {
			defer wg.Done()
			hc.watch(ctx, g.HealthCheck, s, interval)
		}(s)
	}
	wg.Wait()
}

// watch probes one server immediately and then on every tick. Ticks
// that arrive while a probe is still running are dropped.
func (hc *HealthChecker) watch(ctx context.Context, cfg *config.HealthCheckConfig, s *Server, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	hc.checkServer(ctx, cfg, s)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hc.checkServer(ctx, cfg, s)
		}
	}
}

func (hc *HealthChecker) checkServer(ctx context.Context, cfg *config.HealthCheckConfig, s *Server) {
	if ctx.Err() != nil {
		return
	}

	err := hc.probe(ctx, cfg, s)
	if ctx.Err() != nil {
		// Shutting down; the outcome says nothing about the server.
		return
	}
	if err != nil {
		s.ReportFailure()
		failures, _ := s.health.Snapshot()
		hc.logger.Warn("health probe failed",
			observability.String("group", s.group),
			observability.String("server", s.Address),
			observability.Int("consecutive_failures", failures),
			observability.Error(err),
		)
		return
	}
	s.ReportSuccess()
}

func (hc *HealthChecker) probe(ctx context.Context, cfg *config.HealthCheckConfig, s *Server) error {
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout.OrDefault(config.DefaultHealthTimeout))
	defer cancel()

	target := strings.TrimRight(s.Address, "/") + cfg.Path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return err
	}

	resp, err := hc.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()

	expected := cfg.ExpectedStatus
	if len(expected) == 0 {
		expected = []int{http.StatusOK}
	}
	if !slices.Contains(expected, resp.StatusCode) {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
