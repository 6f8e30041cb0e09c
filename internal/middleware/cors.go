package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/fechatter/gateway/internal/audit"
	"github.com/fechatter/gateway/internal/config"
	"github.com/fechatter/gateway/internal/observability"
	"github.com/fechatter/gateway/internal/util"
)

// originSet holds an allow list of origins.
type originSet struct {
	exact     map[string]bool
	wildcards []string // "*.example.com"
	any       bool
}

func newOriginSet(origins []string) *originSet {
	s := &originSet{exact: make(map[string]bool)}
	for _, origin := range origins {
		switch {
		case origin == "*":
			s.any = true
		case strings.HasPrefix(origin, "*."):
			s.wildcards = append(s.wildcards, origin)
		default:
			s.exact[origin] = true
		}
	}
	return s
}

func (s *originSet) empty() bool {
	return !s.any && len(s.exact) == 0 && len(s.wildcards) == 0
}

func (s *originSet) allows(origin string) bool {
	if origin == "" {
		return false
	}
	if s.any || s.exact[origin] {
		return true
	}
	for _, pattern := range s.wildcards {
		if matchWildcardOrigin(origin, pattern) {
			return true
		}
	}
	return false
}

// matchWildcardOrigin matches "https://api.example.com:8443" against
// "*.example.com". The bare domain does not match.
func matchWildcardOrigin(origin, pattern string) bool {
	suffix := pattern[1:]
	host := origin
	if idx := strings.Index(host, "://"); idx != -1 {
		host = host[idx+3:]
	}
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		host = host[:idx]
	}
	return len(host) > len(suffix) && strings.HasSuffix(host, suffix)
}

type corsPolicy struct {
	global           *originSet
	perRoute         map[string]*originSet
	disabled         map[string]bool
	allowMethods     string
	allowHeaders     string
	exposeHeaders    string
	maxAge           string
	allowCredentials bool
}

func newCORSPolicy(cfg config.CORSConfig, routes []config.RouteConfig) *corsPolicy {
	p := &corsPolicy{
		global:           newOriginSet(cfg.AllowedOrigins),
		perRoute:         make(map[string]*originSet),
		disabled:         make(map[string]bool),
		allowMethods:     strings.Join(cfg.AllowedMethods, ", "),
		allowHeaders:     strings.Join(cfg.AllowedHeaders, ", "),
		exposeHeaders:    strings.Join(cfg.ExposeHeaders, ", "),
		allowCredentials: cfg.AllowCredentials,
	}
	if cfg.MaxAge > 0 {
		p.maxAge = strconv.Itoa(cfg.MaxAge)
	}
	for _, rc := range routes {
		if rc.CORS == nil {
			continue
		}
		if rc.CORS.Enabled != nil && !*rc.CORS.Enabled {
			p.disabled[rc.Name] = true
			continue
		}
		if len(rc.CORS.Origins) > 0 {
			p.perRoute[rc.Name] = newOriginSet(rc.CORS.Origins)
		}
	}
	return p
}

func (p *corsPolicy) originsFor(route string) *originSet {
	if p.disabled[route] {
		return nil
	}
	if s, ok := p.perRoute[route]; ok {
		return s
	}
	if p.global.empty() {
		return nil
	}
	return p.global
}

func (p *corsPolicy) setHeaders(w http.ResponseWriter, origin string, preflight bool) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", origin)
	h.Add(HeaderVary, HeaderOrigin)
	if p.allowCredentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	}
	if p.exposeHeaders != "" {
		h.Set("Access-Control-Expose-Headers", p.exposeHeaders)
	}
	if !preflight {
		return
	}
	if p.allowMethods != "" {
		h.Set("Access-Control-Allow-Methods", p.allowMethods)
	}
	if p.allowHeaders != "" {
		h.Set("Access-Control-Allow-Headers", p.allowHeaders)
	}
	if p.maxAge != "" {
		h.Set("Access-Control-Max-Age", p.maxAge)
	}
}

func isPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions &&
		r.Header.Get(HeaderOrigin) != "" &&
		r.Header.Get("Access-Control-Request-Method") != ""
}

// CORS applies the cross-origin policy of the matched route. A route's
// own origin list replaces the global one, and a route can switch CORS
// off. Preflights from allowed origins are answered with 204; those
// from other origins get 403 and an audit event. Simple requests from
// other origins are forwarded without CORS headers.
func CORS(cfg config.CORSConfig, routes []config.RouteConfig, al audit.Logger) Middleware {
	policy := newCORSPolicy(cfg, routes)
	if al == nil {
		al = audit.NewNoopLogger()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get(HeaderOrigin)
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			var route string
			if m := RouteFromContext(r.Context()); m != nil {
				route = m.Route.Name()
			}
			origins := policy.originsFor(route)
			if origins == nil {
				next.ServeHTTP(w, r)
				return
			}

			preflight := isPreflight(r)
			if !origins.allows(origin) {
				al.Log(r.Context(), audit.CORSViolation(auditInfo(r), origin))
				if preflight {
					util.WriteJSONError(w, http.StatusForbidden, "origin not allowed",
						observability.RequestIDFromContext(r.Context()))
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			policy.setHeaders(w, origin, preflight)
			if preflight {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
