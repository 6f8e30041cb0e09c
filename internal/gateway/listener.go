package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/fechatter/gateway/internal/observability"
)

const (
	readHeaderTimeout = 10 * time.Second
	maxHeaderBytes    = 1 << 20
)

// Timeouts are the http.Server timeouts of a listener. Zero means no
// limit, which streaming routes on the main listener rely on for
// WriteTimeout.
type Timeouts struct {
	Read  time.Duration
	Write time.Duration
	Idle  time.Duration
}

// Listener serves one handler on one address.
type Listener struct {
	name     string
	address  string
	timeouts Timeouts
	handler  http.Handler
	logger   observability.Logger

	server  *http.Server
	addr    atomic.Value
	running atomic.Bool
	done    chan struct{}
}

// NewListener creates a stopped listener.
func NewListener(name, address string, handler http.Handler, timeouts Timeouts, logger observability.Logger) *Listener {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Listener{
		name:     name,
		address:  address,
		timeouts: timeouts,
		handler:  handler,
		logger:   logger,
	}
}

// Name returns the listener name.
func (l *Listener) Name() string {
	return l.name
}

// Addr returns the bound address once started, or the configured one.
func (l *Listener) Addr() string {
	if a, ok := l.addr.Load().(string); ok {
		return a
	}
	return l.address
}

// Start binds the address and serves in the background.
func (l *Listener) Start(ctx context.Context) error {
	if l.running.Load() {
		return fmt.Errorf("listener %s is already running", l.name)
	}

	l.server = &http.Server{
		Addr:              l.address,
		Handler:           l.handler,
		ReadTimeout:       l.timeouts.Read,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      l.timeouts.Write,
		IdleTimeout:       l.timeouts.Idle,
		MaxHeaderBytes:    maxHeaderBytes,
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", l.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", l.address, err)
	}
	l.addr.Store(ln.Addr().String())
	l.running.Store(true)
	l.done = make(chan struct{})

	l.logger.Info("listener started",
		observability.String("name", l.name),
		observability.String("address", l.Addr()),
	)

	go l.serve(ln)
	return nil
}

func (l *Listener) serve(ln net.Listener) {
	defer close(l.done)
	if err := l.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		l.logger.Error("listener error",
			observability.String("name", l.name),
			observability.Error(err),
		)
	}
	l.running.Store(false)
}

// Stop drains in-flight requests until ctx expires, then closes the
// remaining connections.
func (l *Listener) Stop(ctx context.Context) error {
	if !l.running.Load() {
		return nil
	}

	l.logger.Info("stopping listener", observability.String("name", l.name))

	if err := l.server.Shutdown(ctx); err != nil {
		if closeErr := l.server.Close(); closeErr != nil {
			return fmt.Errorf("failed to close listener: %w", closeErr)
		}
		return fmt.Errorf("failed to shutdown listener gracefully: %w", err)
	}
	<-l.done

	l.logger.Info("listener stopped", observability.String("name", l.name))
	return nil
}

// IsRunning reports whether the listener is serving.
func (l *Listener) IsRunning() bool {
	return l.running.Load()
}
