package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fechatter/gateway/internal/config"
	"github.com/fechatter/gateway/internal/observability"
)

// Common cache errors.
var (
	// ErrCacheMiss indicates that the key was not found in the cache.
	ErrCacheMiss = errors.New("cache miss")

	// ErrUnavailable indicates the backend is temporarily not used.
	ErrUnavailable = errors.New("cache backend unavailable")
)

// Cache is a byte store with per-entry TTL.
type Cache interface {
	// Get returns ErrCacheMiss if the key is absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value for ttl. A non-positive ttl stores nothing.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	Delete(ctx context.Context, key string) error

	Close() error
}

// StoreErrorRecorder counts backend failures. *observability.Metrics
// implements it.
type StoreErrorRecorder interface {
	RecordStoreError(store, op string)
}

type nopRecorder struct{}

func (nopRecorder) RecordStoreError(string, string) {}

type options struct {
	logger     observability.Logger
	metrics    StoreErrorRecorder
	now        func() time.Time
	maxEntries int
	janitor    time.Duration
}

// Option configures a cache backend.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMetrics sets the store error recorder.
func WithMetrics(m StoreErrorRecorder) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithClock replaces time.Now for the memory backend, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithMaxEntries bounds the memory backend.
func WithMaxEntries(n int) Option {
	return func(o *options) {
		o.maxEntries = n
	}
}

// WithJanitorInterval sets how often the memory backend drops expired
// entries. Zero disables the janitor; reads still evict lazily.
func WithJanitorInterval(d time.Duration) Option {
	return func(o *options) {
		o.janitor = d
	}
}

func buildOptions(opts []Option) options {
	o := options{
		logger:     observability.NopLogger(),
		metrics:    nopRecorder{},
		now:        time.Now,
		maxEntries: DefaultMaxEntries,
		janitor:    DefaultJanitorInterval,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// New creates the backend named by cfg.Backend. client is required for
// the redis backend and ignored otherwise.
func New(cfg config.CacheConfig, client redis.UniversalClient, opts ...Option) (Cache, error) {
	switch cfg.Backend {
	case config.CacheBackendMemory, "":
		return NewMemory(opts...), nil
	case config.CacheBackendRedis:
		if client == nil {
			return nil, errors.New("redis cache backend requires a redis client")
		}
		return NewRedis(client, cfg.KeyPrefix+":", opts...), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

// Entry is a stored response.
type Entry struct {
	Status    int         `json:"status"`
	Header    http.Header `json:"header"`
	Body      []byte      `json:"body"`
	StoredAt  time.Time   `json:"stored_at"`
	ExpiresAt time.Time   `json:"expires_at"`
}

// Encode serialises the entry.
func (e *Entry) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEntry parses a value written by Entry.Encode.
func DecodeEntry(data []byte) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode cache entry: %w", err)
	}
	return &e, nil
}

// Age returns how long ago the entry was stored.
func (e *Entry) Age(now time.Time) time.Duration {
	if age := now.Sub(e.StoredAt); age > 0 {
		return age
	}
	return 0
}

// TTL returns the time left before expiry.
func (e *Entry) TTL(now time.Time) time.Duration {
	if ttl := e.ExpiresAt.Sub(now); ttl > 0 {
		return ttl
	}
	return 0
}

const tracerName = "fechatter-gateway/cache"

func startSpan(ctx context.Context, op, backend, key string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "cache."+op,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("cache.backend", backend),
			attribute.String("cache.key", key),
		),
	)
}
