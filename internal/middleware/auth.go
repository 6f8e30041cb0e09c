package middleware

import (
	"net/http"
	"strings"

	"github.com/fechatter/gateway/internal/audit"
	"github.com/fechatter/gateway/internal/auth"
	"github.com/fechatter/gateway/internal/observability"
	"github.com/fechatter/gateway/internal/util"
)

// AuthOptions configures the Auth middleware.
type AuthOptions struct {
	Validator *auth.Validator
	// SkipPaths are exact paths, or prefixes when they end in "/*".
	SkipPaths []string
	Audit     audit.Logger
	Logger    observability.Logger
}

// Auth requires a valid bearer token unless the path is skipped or the
// matched route has auth_skip. The token subject becomes the request
// user. A nil validator disables the stage.
func Auth(opts AuthOptions) Middleware {
	if opts.Validator == nil {
		return passthrough
	}
	if opts.Audit == nil {
		opts.Audit = audit.NewNoopLogger()
	}
	if opts.Logger == nil {
		opts.Logger = observability.NopLogger()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions || skipAuth(r, opts.SkipPaths) {
				next.ServeHTTP(w, r)
				return
			}

			token, err := auth.BearerToken(r)
			var claims *auth.Claims
			if err == nil {
				claims, err = opts.Validator.Validate(token)
			}
			if err != nil {
				requestID := observability.RequestIDFromContext(r.Context())
				opts.Logger.Debug("bearer token rejected",
					observability.String("path", r.URL.Path),
					observability.String("request_id", requestID),
					observability.Error(err),
				)
				opts.Audit.Log(r.Context(), audit.AuthFailure(auditInfo(r), err.Error()))
				w.Header().Set("WWW-Authenticate", `Bearer realm="fechatter"`)
				util.WriteJSONError(w, http.StatusUnauthorized, util.ErrAuthRejected.Error(), requestID)
				return
			}

			ctx := util.ContextWithUser(r.Context(), claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func skipAuth(r *http.Request, skipPaths []string) bool {
	if m := RouteFromContext(r.Context()); m != nil && m.Route.Config.AuthSkip {
		return true
	}
	path := r.URL.Path
	for _, p := range skipPaths {
		if prefix, ok := strings.CutSuffix(p, "/*"); ok {
			if path == prefix || strings.HasPrefix(path, prefix+"/") {
				return true
			}
			continue
		}
		if path == p {
			return true
		}
	}
	return false
}
