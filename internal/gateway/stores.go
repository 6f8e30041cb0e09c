package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fechatter/gateway/internal/cache"
	"github.com/fechatter/gateway/internal/config"
	"github.com/fechatter/gateway/internal/health"
	"github.com/fechatter/gateway/internal/observability"
	"github.com/fechatter/gateway/internal/ratelimit"
	"github.com/fechatter/gateway/internal/ratelimit/store"
	"github.com/fechatter/gateway/internal/secrets"
)

const storePingTimeout = 2 * time.Second

// Names of the shared stores in logs, metrics and /health.
const (
	rateLimitStoreName = "ratelimit_store"
	cacheStoreName     = "cache_store"
)

// newRedisClient connects to a shared store. The password is resolved
// through the secrets resolver. An unreachable server is logged but not
// fatal: both stores fail open.
func newRedisClient(ctx context.Context, name string, rc *config.RedisConfig, resolver *secrets.Resolver,
	logger observability.Logger,
) (redis.UniversalClient, error) {
	password, err := resolver.ResolveOr(ctx, rc.PasswordRef, rc.Password)
	if err != nil {
		return nil, fmt.Errorf("%s password: %w", name, err)
	}

	client := redis.NewClient(&redis.Options{
		Addr:        rc.Address,
		Password:    password,
		DB:          rc.DB,
		PoolSize:    rc.PoolSize,
		DialTimeout: rc.DialTimeout.Duration(),
	})

	pingCtx, cancel := context.WithTimeout(ctx, storePingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("shared store unreachable at startup, failing open",
			observability.String("store", name),
			observability.String("address", rc.Address),
			observability.Error(err),
		)
	} else {
		logger.Info("connected to shared store",
			observability.String("store", name),
			observability.String("address", rc.Address),
		)
	}
	return client, nil
}

// buildLimiter creates the rate limiter over Redis when store is
// configured and over process memory otherwise.
func (g *Gateway) buildLimiter(ctx context.Context) error {
	var st store.Store
	if rc := g.cfg.Store; rc != nil {
		client, err := newRedisClient(ctx, rateLimitStoreName, rc, g.resolver, g.logger)
		if err != nil {
			return err
		}
		g.closers = append(g.closers, client.Close)
		g.status.AddCheck(health.RedisCheck(rateLimitStoreName, client))
		st = store.NewRedisStore(client, store.WithPrefix(rc.Prefix))
	} else {
		st = store.NewMemoryStore()
	}

	limiter, err := ratelimit.New(g.cfg.Middleware.RateLimit, st,
		ratelimit.WithLogger(g.logger.Named("ratelimit")),
		ratelimit.WithMetrics(g.metrics),
	)
	if err != nil {
		_ = st.Close()
		return err
	}
	g.limiter = limiter
	g.closers = append(g.closers, limiter.Close)
	return nil
}

// buildCache creates the response cache backend.
func (g *Gateway) buildCache(ctx context.Context) error {
	cc := g.cfg.Cache
	if !cc.Enabled {
		return nil
	}

	var client redis.UniversalClient
	if cc.Backend == config.CacheBackendRedis {
		var err error
		client, err = newRedisClient(ctx, cacheStoreName, cc.Redis, g.resolver, g.logger)
		if err != nil {
			return err
		}
		g.closers = append(g.closers, client.Close)
		g.status.AddCheck(health.RedisCheck(cacheStoreName, client))
	}

	c, err := cache.New(cc, client,
		cache.WithLogger(g.logger.Named("cache")),
		cache.WithMetrics(g.metrics),
	)
	if err != nil {
		return err
	}
	g.cache = c
	g.closers = append(g.closers, c.Close)
	return nil
}
