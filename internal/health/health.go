package health

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fechatter/gateway/internal/backend"
)

// DefaultCheckTimeout bounds every dependency check.
const DefaultCheckTimeout = 2 * time.Second

// Status is an overall or per-check health status.
type Status string

// Health statuses.
const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// UpstreamStatus reports the state of every upstream group.
// *backend.Registry implements it.
type UpstreamStatus interface {
	Status() []backend.GroupStatus
}

// CheckResult is the outcome of one dependency check.
type CheckResult struct {
	Status   Status `json:"status"`
	Error    string `json:"error,omitempty"`
	Duration string `json:"duration"`
}

// Response is the body of /health and /health/ready.
type Response struct {
	Status       Status                 `json:"status"`
	Version      string                 `json:"version,omitempty"`
	Uptime       string                 `json:"uptime,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
	Upstreams    []backend.GroupStatus  `json:"upstreams"`
	Dependencies map[string]CheckResult `json:"dependencies,omitempty"`
}

// Checker computes gateway health.
type Checker struct {
	version   string
	upstreams UpstreamStatus
	metrics   *Metrics
	timeout   time.Duration
	now       func() time.Time
	startTime time.Time

	mu     sync.RWMutex
	checks []Check
}

// Option configures a Checker.
type Option func(*Checker)

// WithMetrics records check outcomes.
func WithMetrics(m *Metrics) Option {
	return func(c *Checker) {
		c.metrics = m
	}
}

// WithCheckTimeout overrides DefaultCheckTimeout.
func WithCheckTimeout(d time.Duration) Option {
	return func(c *Checker) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithClock sets the time source used for uptime.
func WithClock(now func() time.Time) Option {
	return func(c *Checker) {
		c.now = now
	}
}

// NewChecker creates a checker over the upstream registry.
func NewChecker(version string, upstreams UpstreamStatus, opts ...Option) *Checker {
	c := &Checker{
		version:   version,
		upstreams: upstreams,
		timeout:   DefaultCheckTimeout,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.startTime = c.now()
	return c
}

// AddCheck registers a dependency check.
func (c *Checker) AddCheck(check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks = append(c.checks, check)
}

// Health reports the full gateway status. Any group without an eligible
// server makes it unhealthy; a partially failed group or a failing
// dependency makes it degraded.
func (c *Checker) Health(ctx context.Context) Response {
	resp := c.upstreamResponse()
	resp.Version = c.version
	resp.Uptime = c.now().Sub(c.startTime).Round(time.Second).String()
	resp.Dependencies = c.runChecks(ctx)

	if resp.Status == StatusHealthy {
		for _, res := range resp.Dependencies {
			if res.Status != StatusHealthy {
				resp.Status = StatusDegraded
				break
			}
		}
	}
	c.metrics.observe("overall", resp.Status == StatusHealthy)
	return resp
}

// Ready reports whether every upstream group can serve a request.
func (c *Checker) Ready() (Response, bool) {
	resp := c.upstreamResponse()
	ready := resp.Status != StatusUnhealthy
	c.metrics.observe("readiness", ready)
	return resp, ready
}

func (c *Checker) upstreamResponse() Response {
	resp := Response{Status: StatusHealthy, Timestamp: c.now()}
	if c.upstreams == nil {
		return resp
	}
	resp.Upstreams = c.upstreams.Status()
	for _, g := range resp.Upstreams {
		switch {
		case !g.Ready():
			resp.Status = StatusUnhealthy
		case (g.Unhealthy > 0 || g.Degraded > 0) && resp.Status == StatusHealthy:
			resp.Status = StatusDegraded
		}
	}
	return resp
}

func (c *Checker) runChecks(ctx context.Context) map[string]CheckResult {
	c.mu.RLock()
	checks := append([]Check(nil), c.checks...)
	c.mu.RUnlock()
	if len(checks) == 0 {
		return nil
	}

	sort.Slice(checks, func(i, j int) bool { return checks[i].Name() < checks[j].Name() })
	out := make(map[string]CheckResult, len(checks))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, check := range checks {
		wg.Add(1)
		go func(check Check) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()

			start := time.Now()
			err := check.Check(cctx)
			res := CheckResult{Status: StatusHealthy, Duration: time.Since(start).String()}
			if err != nil {
				res.Status = StatusUnhealthy
				res.Error = err.Error()
			}
			c.metrics.observe(check.Name(), err == nil)

			mu.Lock()
			out[check.Name()] = res
			mu.Unlock()
		}(check)
	}
	wg.Wait()
	return out
}

// Register mounts /health, /health/live and /health/ready on r.
func (c *Checker) Register(r gin.IRoutes) {
	r.GET("/health", c.healthHandler)
	r.GET("/health/live", c.liveHandler)
	r.GET("/health/ready", c.readyHandler)
}

func (c *Checker) healthHandler(ctx *gin.Context) {
	c.metrics.request("health")
	ctx.JSON(http.StatusOK, c.Health(ctx.Request.Context()))
}

func (c *Checker) liveHandler(ctx *gin.Context) {
	c.metrics.request("live")
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (c *Checker) readyHandler(ctx *gin.Context) {
	c.metrics.request("ready")
	resp, ready := c.Ready()
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	ctx.JSON(status, resp)
}
