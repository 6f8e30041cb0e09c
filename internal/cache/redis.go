package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fechatter/gateway/internal/observability"
)

// Redis breaker settings.
const (
	redisBreakerFailures = 5
	redisBreakerTimeout  = 10 * time.Second
)

// RedisCache stores entries in Redis under a key prefix.
type RedisCache struct {
	client  redis.UniversalClient
	prefix  string
	breaker *gobreaker.CircuitBreaker
	logger  observability.Logger
	metrics StoreErrorRecorder
}

// NewRedis creates a Redis-backed cache on an existing client. The
// client is not closed by Close.
func NewRedis(client redis.UniversalClient, prefix string, opts ...Option) *RedisCache {
	o := buildOptions(opts)
	c := &RedisCache{
		client:  client,
		prefix:  prefix,
		logger:  o.logger,
		metrics: o.metrics,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "cache-redis",
		MaxRequests: 1,
		Timeout:     redisBreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= redisBreakerFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("cache redis breaker state change",
				observability.String("name", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)
		},
	})
	return c
}

// Get implements Cache.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, span := startSpan(ctx, "Get", "redis", key)
	defer span.End()

	v, err := c.breaker.Execute(func() (interface{}, error) {
		return c.client.Get(ctx, c.prefix+key).Bytes()
	})
	switch {
	case errors.Is(err, redis.Nil):
		span.SetAttributes(attribute.Bool("cache.hit", false))
		return nil, ErrCacheMiss
	case err != nil:
		return nil, c.fail(span, "get", err)
	}
	span.SetAttributes(attribute.Bool("cache.hit", true))
	return v.([]byte), nil
}

// Set implements Cache.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, span := startSpan(ctx, "Set", "redis", key)
	defer span.End()

	if ttl <= 0 {
		return nil
	}
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.client.Set(ctx, c.prefix+key, value, ttl).Err()
	})
	if err != nil {
		return c.fail(span, "set", err)
	}
	return nil
}

// Delete implements Cache.
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	ctx, span := startSpan(ctx, "Delete", "redis", key)
	defer span.End()

	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.client.Del(ctx, c.prefix+key).Err()
	})
	if err != nil {
		return c.fail(span, "delete", err)
	}
	return nil
}

// Close implements Cache.
func (c *RedisCache) Close() error {
	return nil
}

func (c *RedisCache) fail(span trace.Span, op string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, op+" failed")
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("cache %s: %w", op, ErrUnavailable)
	}
	c.metrics.RecordStoreError("cache", op)
	return fmt.Errorf("cache %s: %w", op, err)
}
