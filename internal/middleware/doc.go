// Package middleware holds the request pipeline stages that run in front
// of upstream dispatch.
//
// Each stage is a Middleware, a func(http.Handler) http.Handler. Chain
// composes them with the first argument outermost. The gateway assembles
// the pipeline in this order:
//
//	Recovery, RequestID, MaxConnections, tracing, Logging, metrics,
//	Compression, MatchRoute, CORS, Auth, RateLimit, Cache, dispatch
//
// Stages after MatchRoute read the matched route with RouteFromContext.
// Stages before it see route, upstream server and cache outcome through
// the util.RequestInfo installed by RequestID, which later stages fill in.
package middleware
