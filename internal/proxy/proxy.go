package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fechatter/gateway/internal/audit"
	"github.com/fechatter/gateway/internal/backend"
	"github.com/fechatter/gateway/internal/config"
	"github.com/fechatter/gateway/internal/middleware"
	"github.com/fechatter/gateway/internal/observability"
	"github.com/fechatter/gateway/internal/retry"
	"github.com/fechatter/gateway/internal/router"
	"github.com/fechatter/gateway/internal/util"
)

// maxReplayBody bounds the request body kept in memory so that it can
// be resent on retry. Larger bodies are sent once.
const maxReplayBody = 4 << 20

// hopHeaders are headers that should not be forwarded.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Dispatcher forwards matched requests to their upstream group. HTTP
// routes go through the retry engine; SSE and WebSocket routes use a
// single selection and stream until either side ends.
type Dispatcher struct {
	registry *backend.Registry
	engine   *retry.Engine
	client   *http.Client
	tracer   *observability.Tracer
	audit    audit.Logger
	logger   observability.Logger
	metrics  *Metrics
	ws       *websocketProxy
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithClient sets the HTTP client used for upstream calls.
func WithClient(client *http.Client) Option {
	return func(d *Dispatcher) {
		d.client = client
	}
}

// WithTracer enables a client span per upstream attempt.
func WithTracer(tracer *observability.Tracer) Option {
	return func(d *Dispatcher) {
		d.tracer = tracer
	}
}

// WithAudit sets the audit logger for upstream failures.
func WithAudit(al audit.Logger) Option {
	return func(d *Dispatcher) {
		d.audit = al
	}
}

// WithMetrics sets the stream metrics.
func WithMetrics(m *Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// New creates a dispatcher over the registry's groups.
func New(registry *backend.Registry, engine *retry.Engine, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		engine:   engine,
		logger:   observability.NopLogger(),
		audit:    audit.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.client == nil {
		d.client = backend.NewPool(backend.DefaultPoolConfig()).Client()
	}
	if d.tracer == nil {
		d.tracer, _ = observability.NewTracer(observability.TracerConfig{})
	}
	d.ws = &websocketProxy{d: d}
	return d
}

// ServeHTTP dispatches the request matched by middleware.MatchRoute.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m := middleware.RouteFromContext(r.Context())
	if m == nil {
		util.WriteError(w, util.NewRouteNotFoundError(r.Method, r.URL.Path),
			observability.RequestIDFromContext(r.Context()))
		return
	}

	switch {
	case middleware.IsWebSocketUpgrade(r):
		d.ws.serve(w, r, m.Route)
	case m.Route.Config.Kind == config.RouteKindSSE:
		d.serveStream(w, r, m.Route)
	default:
		d.serveHTTP(w, r, m.Route)
	}
}

func (d *Dispatcher) serveHTTP(w http.ResponseWriter, r *http.Request, route *router.Route) {
	ctx := r.Context()
	if timeout := route.Config.Timeout.Duration(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	policy := d.policyFor(route)
	body, replayable, err := bufferBody(r, policy.MaxAttempts > 1)
	if err != nil {
		util.WriteJSONError(w, http.StatusBadRequest, "failed to read request body",
			observability.RequestIDFromContext(r.Context()))
		return
	}
	if !replayable {
		policy.MaxAttempts = 1
	}

	attempt := 0
	res, err := d.engine.Execute(ctx, retry.Attempt{
		Group:  route.Config.Upstream,
		Policy: policy,
		Do: func(ctx context.Context, server *backend.Server) (*http.Response, error) {
			attempt++
			out := d.outbound(ctx, r, route, server, body())
			span := d.tracer.StartUpstreamSpan(ctx, out, route.Config.Upstream, server.Address, attempt)
			resp, err := d.client.Do(out)
			status := 0
			if resp != nil {
				status = resp.StatusCode
			}
			observability.EndUpstreamSpan(span, status, err)
			return resp, err
		},
	})
	if err != nil {
		d.fail(w, r, route, err)
		return
	}
	defer res.Response.Body.Close()

	if res.Response.StatusCode >= http.StatusInternalServerError {
		d.audit.Log(r.Context(), audit.UpstreamError(auditInfo(r, route), route.Config.Upstream,
			res.Response.StatusCode, nil))
	}

	flush := strings.HasPrefix(res.Response.Header.Get(util.HeaderContentType), "text/event-stream")
	if err := writeResponse(w, res.Response, flush); err != nil && r.Context().Err() == nil {
		d.logger.Warn("upstream response copy failed",
			observability.String("route", route.Name()),
			observability.String("server", res.Server.Address),
			observability.String("request_id", observability.RequestIDFromContext(r.Context())),
			observability.Error(err),
		)
	}
}

// policyFor returns the route's retry policy, else the group's, else a
// single attempt.
func (d *Dispatcher) policyFor(route *router.Route) config.RetryPolicy {
	if route.Config.Retry != nil {
		return *route.Config.Retry
	}
	if g, ok := d.registry.Group(route.Config.Upstream); ok && g.Retry != nil {
		return *g.Retry
	}
	return config.RetryPolicy{MaxAttempts: 1}
}

// outbound builds the request for one attempt against server.
func (d *Dispatcher) outbound(ctx context.Context, in *http.Request, route *router.Route,
	server *backend.Server, body io.Reader,
) *http.Request {
	out := in.Clone(ctx)
	out.RequestURI = ""
	out.URL = targetURL(server.URL, in.URL, route.Config.StripPrefix)
	out.Host = server.URL.Host
	out.Body = io.NopCloser(body)
	if body == http.NoBody {
		out.Body = http.NoBody
	}
	out.GetBody = nil

	removeHopHeaders(out.Header)
	setForwardedHeaders(out, in)
	return out
}

// targetURL joins the server base URL with the inbound path, minus the
// route's strip_prefix.
func targetURL(base, in *url.URL, stripPrefix string) *url.URL {
	path := in.Path
	if stripPrefix != "" && strings.HasPrefix(path, stripPrefix) {
		path = path[len(stripPrefix):]
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
	}
	u := *base
	u.Path = strings.TrimSuffix(base.Path, "/") + path
	u.RawPath = ""
	u.RawQuery = in.RawQuery
	return &u
}

func removeHopHeaders(h http.Header) {
	for _, f := range h.Values("Connection") {
		for _, name := range strings.Split(f, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

func setForwardedHeaders(out, in *http.Request) {
	if ip := util.RemoteIP(in); ip != "" {
		if prior := in.Header.Get(util.HeaderXForwardedFor); prior != "" {
			ip = prior + ", " + ip
		}
		out.Header.Set(util.HeaderXForwardedFor, ip)
	}

	proto := in.Header.Get(util.HeaderXForwardedProto)
	if proto == "" {
		proto = "http"
		if in.TLS != nil {
			proto = "https"
		}
	}
	out.Header.Set(util.HeaderXForwardedProto, proto)

	host := in.Header.Get(util.HeaderXForwardedHost)
	if host == "" {
		host = in.Host
	}
	out.Header.Set(util.HeaderXForwardedHost, host)
}

// bufferBody returns a function yielding the request body for each
// attempt. With replay requested the body is read into memory up to
// maxReplayBody; a larger body is streamed once and reported as not
// replayable.
func bufferBody(r *http.Request, replay bool) (func() io.Reader, bool, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return func() io.Reader { return http.NoBody }, true, nil
	}
	if !replay {
		return func() io.Reader { return r.Body }, false, nil
	}

	buf, err := io.ReadAll(io.LimitReader(r.Body, maxReplayBody+1))
	if err != nil {
		return nil, false, err
	}
	if len(buf) > maxReplayBody {
		rest := io.MultiReader(bytes.NewReader(buf), r.Body)
		return func() io.Reader { return rest }, false, nil
	}
	return func() io.Reader { return bytes.NewReader(buf) }, true, nil
}

// writeResponse copies the upstream response to the client, minus
// hop-by-hop headers. With flush set every chunk is flushed as it
// arrives.
func writeResponse(w http.ResponseWriter, resp *http.Response, flush bool) error {
	h := w.Header()
	for name, values := range resp.Header {
		h[name] = append([]string(nil), values...)
	}
	removeHopHeaders(h)
	w.WriteHeader(resp.StatusCode)

	if !flush {
		_, err := io.Copy(w, resp.Body)
		return err
	}
	return copyFlushing(w, resp.Body)
}

// readError marks a failure reading the upstream body, as opposed to
// writing to the client.
type readError struct {
	err error
}

func (e *readError) Error() string { return "upstream read: " + e.err.Error() }

func (e *readError) Unwrap() error { return e.err }

// copyFlushing copies src to w, flushing after each read. Read failures
// are returned as *readError.
func copyFlushing(w http.ResponseWriter, src io.Reader) error {
	rc := http.NewResponseController(w)
	_ = rc.Flush()
	buf := make([]byte, 32<<10)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			if ferr := rc.Flush(); ferr != nil && !errors.Is(ferr, http.ErrNotSupported) {
				return ferr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return &readError{err: err}
		}
	}
}

// fail writes the JSON error for err and records an upstream_error
// audit event for upstream failures.
func (d *Dispatcher) fail(w http.ResponseWriter, r *http.Request, route *router.Route, err error) {
	requestID := observability.RequestIDFromContext(r.Context())
	status := util.StatusFor(err)
	var upstreamErr *util.UpstreamError
	if errors.As(err, &upstreamErr) || errors.Is(err, util.ErrNoAvailableServer) {
		d.logger.Warn("upstream request failed",
			observability.String("route", route.Name()),
			observability.String("group", route.Config.Upstream),
			observability.Int("status", status),
			observability.String("request_id", requestID),
			observability.Error(err),
		)
		d.audit.Log(r.Context(), audit.UpstreamError(auditInfo(r, route), route.Config.Upstream, status, err))
	}
	util.WriteError(w, err, requestID)
}

// selectServer picks one server for a stream and takes breaker
// admission.
func (d *Dispatcher) selectServer(route *router.Route) (*backend.Server, func(bool), error) {
	g, ok := d.registry.Group(route.Config.Upstream)
	if !ok {
		return nil, nil, util.NewNoAvailableServerError(route.Config.Upstream)
	}
	server, err := g.Select()
	if err != nil {
		return nil, nil, err
	}
	done, err := server.Allow()
	if err != nil {
		return nil, nil, util.NewNoAvailableServerError(route.Config.Upstream)
	}
	return server, done, nil
}

func auditInfo(r *http.Request, route *router.Route) audit.RequestInfo {
	return audit.RequestInfo{
		RequestID: observability.RequestIDFromContext(r.Context()),
		ClientIP:  util.ClientIP(r),
		Method:    r.Method,
		Path:      r.URL.Path,
		Route:     route.Name(),
		User:      util.UserFromContext(r.Context()),
	}
}

func since(start time.Time) float64 {
	return time.Since(start).Seconds()
}
