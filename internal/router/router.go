package router

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/fechatter/gateway/internal/config"
	"github.com/fechatter/gateway/internal/util"
)

// Route is a compiled route rule.
type Route struct {
	Config  config.RouteConfig
	Pattern *Pattern

	methods map[string]bool
	index   int
}

// Name returns the configured route name.
func (r *Route) Name() string { return r.Config.Name }

// AllowsMethod reports whether the route accepts method. A route without
// a method list accepts any method.
func (r *Route) AllowsMethod(method string) bool {
	return len(r.methods) == 0 || r.methods[strings.ToUpper(method)]
}

// IsStream reports whether the route is proxied as a stream.
func (r *Route) IsStream() bool {
	return r.Config.Kind == config.RouteKindSSE || r.Config.Kind == config.RouteKindWebSocket
}

// MatchResult is a matched route with its path parameters.
type MatchResult struct {
	Route      *Route
	PathParams map[string]string
}

// Router matches requests against the route table. It is immutable
// after New returns.
type Router struct {
	routes []*Route
	byName map[string]*Route
}

// New compiles routes and orders them by specificity: more literal
// characters first, then exact patterns before parameterised before
// prefix, then more literal segments, then higher priority, then
// declaration order.
func New(routes []config.RouteConfig) (*Router, error) {
	r := &Router{
		routes: make([]*Route, 0, len(routes)),
		byName: make(map[string]*Route, len(routes)),
	}

	for i, rc := range routes {
		if _, exists := r.byName[rc.Name]; exists {
			return nil, fmt.Errorf("duplicate route name: %s", rc.Name)
		}
		pattern, err := ParsePattern(rc.Path)
		if err != nil {
			return nil, fmt.Errorf("route %s: %w", rc.Name, err)
		}

		route := &Route{Config: rc, Pattern: pattern, index: i}
		if len(rc.Methods) > 0 {
			route.methods = make(map[string]bool, len(rc.Methods))
			for _, m := range rc.Methods {
				route.methods[strings.ToUpper(m)] = true
			}
		}
		r.routes = append(r.routes, route)
		r.byName[rc.Name] = route
	}

	sort.SliceStable(r.routes, func(i, j int) bool {
		a, b := r.routes[i], r.routes[j]
		if less, decided := a.Pattern.moreSpecific(b.Pattern); decided {
			return less
		}
		if a.Config.Priority != b.Config.Priority {
			return a.Config.Priority > b.Config.Priority
		}
		return a.index < b.index
	})

	return r, nil
}

// Match returns the most specific route accepting the request's path
// and method.
func (r *Router) Match(req *http.Request) (*MatchResult, error) {
	return r.MatchPath(req.Method, req.URL.Path)
}

// MatchPath is Match for a bare method and path.
func (r *Router) MatchPath(method, path string) (*MatchResult, error) {
	for _, route := range r.routes {
		if !route.AllowsMethod(method) {
			continue
		}
		if ok, params := route.Pattern.Match(path); ok {
			return &MatchResult{Route: route, PathParams: params}, nil
		}
	}
	return nil, util.NewRouteNotFoundError(method, path)
}

// Route returns a route by name.
func (r *Router) Route(name string) (*Route, bool) {
	route, ok := r.byName[name]
	return route, ok
}

// Routes returns the routes in match order.
func (r *Router) Routes() []*Route {
	out := make([]*Route, len(r.routes))
	copy(out, r.routes)
	return out
}
