package backend

import (
	"net"
	"net/http"
	"time"
)

// PoolConfig tunes the shared upstream connection pool.
type PoolConfig struct {
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
	IdleConnTimeout     time.Duration
	DialTimeout         time.Duration
	// ResponseHeaderTimeout is left at zero for upstream traffic; the
	// route deadline bounds every attempt instead.
	ResponseHeaderTimeout time.Duration
}

// DefaultPoolConfig returns the pool settings used for upstream traffic.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxIdleConns:        512,
		MaxIdleConnsPerHost: 64,
		IdleConnTimeout:     90 * time.Second,
		DialTimeout:         5 * time.Second,
	}
}

// Pool owns the HTTP transport shared by proxied requests and health
// probes. Redirects are never followed and responses are never
// decompressed, so upstream replies reach the client unchanged.
type Pool struct {
	config    PoolConfig
	transport *http.Transport
	client    *http.Client
}

// NewPool creates a connection pool.
func NewPool(cfg PoolConfig) *Pool {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultPoolConfig().DialTimeout
	}

	transport := &http.Transport{
		Proxy: nil,
		DialContext: (&net.Dialer{
			Timeout:   cfg.DialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		ExpectContinueTimeout: time.Second,
		DisableCompression:    true,
	}

	return &Pool{
		config:    cfg,
		transport: transport,
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Client returns the HTTP client backed by the pool.
func (p *Pool) Client() *http.Client {
	return p.client
}

// Transport returns the underlying transport.
func (p *Pool) Transport() *http.Transport {
	return p.transport
}

// Close releases idle connections.
func (p *Pool) Close() {
	p.transport.CloseIdleConnections()
}
