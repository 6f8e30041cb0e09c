package middleware

import (
	"context"
	"net/http"

	"github.com/fechatter/gateway/internal/audit"
	"github.com/fechatter/gateway/internal/observability"
	"github.com/fechatter/gateway/internal/router"
	"github.com/fechatter/gateway/internal/util"
)

type routeCtxKey struct{}

// ContextWithRoute stores the matched route.
func ContextWithRoute(ctx context.Context, m *router.MatchResult) context.Context {
	return context.WithValue(ctx, routeCtxKey{}, m)
}

// RouteFromContext returns the matched route, or nil before matching.
func RouteFromContext(ctx context.Context) *router.MatchResult {
	if m, ok := ctx.Value(routeCtxKey{}).(*router.MatchResult); ok {
		return m
	}
	return nil
}

// MatchRoute resolves the request against rt. Unmatched requests get a
// 404 JSON error. A CORS preflight is matched with the method it asks
// about.
func MatchRoute(rt *router.Router) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			method := r.Method
			if isPreflight(r) {
				method = r.Header.Get("Access-Control-Request-Method")
			}

			m, err := rt.MatchPath(method, r.URL.Path)
			if err != nil {
				util.WriteError(w, err, observability.RequestIDFromContext(r.Context()))
				return
			}

			ctx := r.Context()
			util.SetRoute(ctx, m.Route.Name())
			ctx = ContextWithRoute(ctx, m)
			if len(m.PathParams) > 0 {
				ctx = util.ContextWithPathParams(ctx, m.PathParams)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// auditInfo collects the request attributes recorded on audit events.
func auditInfo(r *http.Request) audit.RequestInfo {
	info := audit.RequestInfo{
		RequestID: observability.RequestIDFromContext(r.Context()),
		ClientIP:  util.ClientIP(r),
		Method:    r.Method,
		Path:      r.URL.Path,
		User:      util.UserFromContext(r.Context()),
	}
	if m := RouteFromContext(r.Context()); m != nil {
		info.Route = m.Route.Name()
	}
	return info
}
