package gateway

import (
	"github.com/fechatter/gateway/internal/auth"
	"github.com/fechatter/gateway/internal/middleware"
	"github.com/fechatter/gateway/internal/observability"
	"github.com/fechatter/gateway/internal/router"
)

// pipeline builds the request pipeline in its fixed order. The rate
// limiter runs before the cache lookup, so cached reads consume quota.
func (g *Gateway) pipeline(rt *router.Router, validator *auth.Validator) middleware.Middleware {
	mw := g.cfg.Middleware
	return middleware.Chain(
		middleware.Recovery(g.logger),
		middleware.RequestID(mw.RequestID.Header),
		g.conns.Middleware(),
		observability.TracingMiddleware(g.tracer),
		middleware.Logging(g.logger.Named("access")),
		observability.MetricsMiddleware(g.metrics),
		middleware.Compression(mw.Compression),
		middleware.MatchRoute(rt),
		middleware.CORS(mw.CORS, g.cfg.Routes, g.audit),
		middleware.Auth(middleware.AuthOptions{
			Validator: validator,
			SkipPaths: mw.Auth.SkipPaths,
			Audit:     g.audit,
			Logger:    g.logger,
		}),
		middleware.RateLimit(g.limiter, g.audit, g.logger),
		middleware.Cache(middleware.CacheOptions{
			Cache:   g.cache,
			Config:  g.cfg.Cache,
			Metrics: g.metrics,
			Logger:  g.logger,
		}),
	)
}
