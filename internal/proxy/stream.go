package proxy

import (
	"errors"
	"net/http"
	"time"

	"github.com/fechatter/gateway/internal/audit"
	"github.com/fechatter/gateway/internal/observability"
	"github.com/fechatter/gateway/internal/router"
	"github.com/fechatter/gateway/internal/util"
)

// serveStream proxies a server-sent event stream. The upstream is
// selected once, nothing is retried and every chunk is flushed as it
// arrives. A read error after the stream started is charged to the
// server that was streaming.
func (d *Dispatcher) serveStream(w http.ResponseWriter, r *http.Request, route *router.Route) {
	server, done, err := d.selectServer(route)
	if err != nil {
		d.fail(w, r, route, err)
		return
	}
	util.SetServer(r.Context(), server.Address)
	group := route.Config.Upstream

	out := d.outbound(r.Context(), r, route, server, r.Body)
	span := d.tracer.StartUpstreamSpan(r.Context(), out, group, server.Address, 1)
	resp, err := d.client.Do(out)
	if err != nil {
		observability.EndUpstreamSpan(span, 0, err)
		done(false)
		d.fail(w, r, route, &util.UpstreamError{Group: group, Server: server.Address, Attempts: 1, Cause: err})
		return
	}
	defer resp.Body.Close()
	observability.EndUpstreamSpan(span, resp.StatusCode, nil)

	if resp.StatusCode >= http.StatusInternalServerError {
		done(false)
		d.audit.Log(r.Context(), audit.UpstreamError(auditInfo(r, route), group, resp.StatusCode, nil))
		_ = writeResponse(w, resp, false)
		return
	}
	done(true)

	start := time.Now()
	d.metrics.streamOpened(group, streamSSE)
	err = writeResponse(w, resp, true)

	// A client that leaves cancels the upstream read too; only failures
	// the client did not cause are charged to the server.
	var rerr *readError
	failed := errors.As(err, &rerr) && r.Context().Err() == nil
	d.metrics.streamClosed(group, streamSSE, since(start), failed)
	if failed {
		server.ReportFailure()
		d.logger.Warn("event stream broke mid-flight",
			observability.String("route", route.Name()),
			observability.String("server", server.Address),
			observability.String("request_id", observability.RequestIDFromContext(r.Context())),
			observability.Error(err),
		)
	}
}
