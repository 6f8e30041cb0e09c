package util

import (
	"context"
)

// Context keys.
type ctxKey string

const (
	ctxKeyInfo       ctxKey = "request_info"
	ctxKeyUser       ctxKey = "user"
	ctxKeyPathParams ctxKey = "path_params"
)

// RequestInfo records facts learned deep in the handler chain (matched
// route, selected upstream server) so that outer middleware such as the
// access log and metrics can read them after the request completes.
type RequestInfo struct {
	Route  string
	Server string
	Cache  string
}

// ContextWithRequestInfo installs a RequestInfo on the context.
func ContextWithRequestInfo(ctx context.Context, info *RequestInfo) context.Context {
	return context.WithValue(ctx, ctxKeyInfo, info)
}

// RequestInfoFromContext returns the installed RequestInfo, or nil.
func RequestInfoFromContext(ctx context.Context) *RequestInfo {
	if v, ok := ctx.Value(ctxKeyInfo).(*RequestInfo); ok {
		return v
	}
	return nil
}

// SetRoute records the matched route name, if a RequestInfo is installed.
func SetRoute(ctx context.Context, route string) {
	if info := RequestInfoFromContext(ctx); info != nil {
		info.Route = route
	}
}

// SetServer records the selected upstream server, if a RequestInfo is
// installed.
func SetServer(ctx context.Context, address string) {
	if info := RequestInfoFromContext(ctx); info != nil {
		info.Server = address
	}
}

// SetCacheResult records the cache outcome ("HIT" or "MISS").
func SetCacheResult(ctx context.Context, result string) {
	if info := RequestInfoFromContext(ctx); info != nil {
		info.Cache = result
	}
}

// ContextWithUser adds the authenticated user ID (token subject).
func ContextWithUser(ctx context.Context, user string) context.Context {
	return context.WithValue(ctx, ctxKeyUser, user)
}

// UserFromContext extracts the authenticated user ID, or "" for
// anonymous requests.
func UserFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyUser).(string); ok {
		return v
	}
	return ""
}

// ContextWithPathParams adds path parameters to the context.
func ContextWithPathParams(ctx context.Context, params map[string]string) context.Context {
	return context.WithValue(ctx, ctxKeyPathParams, params)
}

// PathParamsFromContext extracts path parameters from context.
func PathParamsFromContext(ctx context.Context) map[string]string {
	if v, ok := ctx.Value(ctxKeyPathParams).(map[string]string); ok {
		return v
	}
	return nil
}
