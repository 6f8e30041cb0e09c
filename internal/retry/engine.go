package retry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"slices"
	"time"

	"github.com/fechatter/gateway/internal/backend"
	"github.com/fechatter/gateway/internal/config"
	"github.com/fechatter/gateway/internal/observability"
	"github.com/fechatter/gateway/internal/util"
)

// Attempt outcomes reported to the metrics recorder.
const (
	OutcomeSuccess   = "success"
	OutcomeRetryable = "retryable_status"
	OutcomeServerErr = "server_error"
	OutcomeTransport = "transport_error"
)

// AttemptRecorder counts upstream attempts. *observability.Metrics
// implements it.
type AttemptRecorder interface {
	RecordUpstreamAttempt(group, server, outcome string)
}

type nopRecorder struct{}

func (nopRecorder) RecordUpstreamAttempt(string, string, string) {}

// DoFunc performs one attempt against the selected server.
type DoFunc func(ctx context.Context, server *backend.Server) (*http.Response, error)

// Attempt describes a call to run against an upstream group.
type Attempt struct {
	Group  string
	Policy config.RetryPolicy
	Do     DoFunc
}

// Result is a response obtained from an upstream. When Attempts equals
// the policy maximum, Response may carry a retryable status: the last
// one received is handed back rather than replaced by a generic error.
type Result struct {
	Response *http.Response
	Server   *backend.Server
	Attempts int
}

// Engine executes attempts with bounded retries.
type Engine struct {
	registry *backend.Registry
	logger   observability.Logger
	metrics  AttemptRecorder
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithMetrics sets the attempt recorder.
func WithMetrics(m AttemptRecorder) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// NewEngine creates an engine over the registry's groups.
func NewEngine(registry *backend.Registry, opts ...Option) *Engine {
	e := &Engine{
		registry: registry,
		logger:   observability.NopLogger(),
		metrics:  nopRecorder{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs a.Do until it yields a non-retryable response or the
// policy's attempts are used up.
//
// A transport error or a status in retry_on_status counts as a failure
// for the server and triggers another attempt on a different server
// when one is eligible. Any other 5xx is reported as a failure and
// returned at once. No eligible server ends the call immediately with a
// *util.NoAvailableServerError. If the context deadline would expire
// during a backoff wait, Execute gives up with util.ErrUpstreamTimeout.
func (e *Engine) Execute(ctx context.Context, a Attempt) (*Result, error) {
	group, ok := e.registry.Group(a.Group)
	if !ok {
		return nil, fmt.Errorf("unknown upstream group %q: %w", a.Group, util.ErrNoAvailableServer)
	}

	maxAttempts := a.Policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	backoff := BackoffFor(a.Policy)
	retryOn := a.Policy.RetryOnStatus
	logger := e.logger.WithContext(ctx)

	var (
		exclude  string
		lastErr  error
		lastSrv  string
		lastCode int
	)

	for n := 1; n <= maxAttempts; n++ {
		server, done, err := e.admit(group, exclude)
		if err != nil {
			return nil, err
		}
		util.SetServer(ctx, server.Address)

		resp, err := a.Do(ctx, server)
		switch {
		case err != nil:
			done(false)
			e.metrics.RecordUpstreamAttempt(group.Name, server.Address, OutcomeTransport)
			if ctx.Err() != nil {
				return nil, e.timeout(group.Name, server.Address, n, ctx.Err())
			}
			lastErr, lastCode = err, 0

		case slices.Contains(retryOn, resp.StatusCode):
			done(false)
			e.metrics.RecordUpstreamAttempt(group.Name, server.Address, OutcomeRetryable)
			if n == maxAttempts {
				return &Result{Response: resp, Server: server, Attempts: n}, nil
			}
			drain(resp)
			lastErr, lastCode = nil, resp.StatusCode

		case resp.StatusCode >= http.StatusInternalServerError:
			done(false)
			e.metrics.RecordUpstreamAttempt(group.Name, server.Address, OutcomeServerErr)
			return &Result{Response: resp, Server: server, Attempts: n}, nil

		default:
			done(true)
			e.metrics.RecordUpstreamAttempt(group.Name, server.Address, OutcomeSuccess)
			return &Result{Response: resp, Server: server, Attempts: n}, nil
		}

		lastSrv = server.Address
		exclude = server.Address
		if n == maxAttempts {
			break
		}

		wait := backoff.Next(n)
		logger.Debug("retrying upstream request",
			observability.String("group", group.Name),
			observability.String("server", server.Address),
			observability.Int("attempt", n),
			observability.Int("status", lastCode),
			observability.Duration("backoff", wait),
		)
		if err := sleep(ctx, wait); err != nil {
			return nil, e.timeout(group.Name, lastSrv, n, err)
		}
	}

	logger.Warn("upstream attempts exhausted",
		observability.String("group", group.Name),
		observability.String("server", lastSrv),
		observability.Int("attempts", maxAttempts),
		observability.Error(lastErr),
	)
	return nil, &util.UpstreamError{
		Group:      group.Name,
		Server:     lastSrv,
		Attempts:   maxAttempts,
		StatusCode: lastCode,
		Cause:      lastErr,
	}
}

// admit selects a server and obtains breaker admission. A server whose
// breaker refuses (half-open slots taken) is skipped once in favour of
// another eligible server.
func (e *Engine) admit(group *backend.Group, exclude string) (*backend.Server, func(bool), error) {
	server, err := group.SelectExcluding(exclude)
	if err != nil {
		return nil, nil, err
	}
	done, err := server.Allow()
	if err == nil {
		return server, done, nil
	}

	second, err := group.SelectExcluding(server.Address)
	if err != nil {
		return nil, nil, err
	}
	if second != server {
		if done, err := second.Allow(); err == nil {
			return second, done, nil
		}
	}
	return nil, nil, util.NewNoAvailableServerError(group.Name)
}

func (e *Engine) timeout(group, server string, attempts int, cause error) error {
	return &util.UpstreamError{
		Group:    group,
		Server:   server,
		Attempts: attempts,
		Timeout:  true,
		Cause:    cause,
	}
}

// sleep waits for d unless ctx ends first. A wait that cannot finish
// before the context deadline returns immediately.
func sleep(ctx context.Context, d time.Duration) error {
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < d {
		return context.DeadlineExceeded
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}
