package proxy

import (
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fechatter/gateway/internal/observability"
	"github.com/fechatter/gateway/internal/router"
	"github.com/fechatter/gateway/internal/util"
)

const (
	wsHandshakeTimeout = 10 * time.Second
	wsCloseGrace       = time.Second
)

// upgrader accepts any origin; the CORS stage has already run.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// websocketProxy relays WebSocket frames between the client and one
// upstream server.
type websocketProxy struct {
	d *Dispatcher
}

// relayEnd reports which side ended the relay and why.
type relayEnd struct {
	fromUpstream bool
	err          error
}

func (wp *websocketProxy) serve(w http.ResponseWriter, r *http.Request, route *router.Route) {
	d := wp.d
	server, done, err := d.selectServer(route)
	if err != nil {
		d.fail(w, r, route, err)
		return
	}
	util.SetServer(r.Context(), server.Address)
	group := route.Config.Upstream

	target := targetURL(server.URL, r.URL, route.Config.StripPrefix)
	switch target.Scheme {
	case "https":
		target.Scheme = "wss"
	default:
		target.Scheme = "ws"
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: wsHandshakeTimeout,
		Subprotocols:     websocket.Subprotocols(r),
	}
	if t, ok := d.client.Transport.(*http.Transport); ok && t.TLSClientConfig != nil {
		dialer.TLSClientConfig = t.TLSClientConfig.Clone()
	}

	upstream, resp, err := dialer.DialContext(r.Context(), target.String(), dialHeaders(r))
	if err != nil {
		wp.dialFailed(w, r, route, resp, err, done)
		return
	}
	defer upstream.Close()
	done(true)

	client, err := upgrader.Upgrade(w, r, upgradeHeaders(resp, upstream.Subprotocol()))
	if err != nil {
		// Upgrade has already written an error response.
		d.logger.Debug("websocket client upgrade failed",
			observability.String("route", route.Name()),
			observability.Error(err),
		)
		return
	}
	defer client.Close()

	start := time.Now()
	d.metrics.streamOpened(group, streamWebSocket)
	end, toClient, toUpstream := relay(client, upstream)
	d.metrics.messagesRelayed(group, toClient, toUpstream)

	failed := end.fromUpstream && abnormalClose(end.err)
	d.metrics.streamClosed(group, streamWebSocket, since(start), failed)
	if failed {
		server.ReportFailure()
		d.logger.Warn("websocket upstream closed abnormally",
			observability.String("route", route.Name()),
			observability.String("server", server.Address),
			observability.String("request_id", observability.RequestIDFromContext(r.Context())),
			observability.Error(end.err),
		)
	}
}

// dialFailed answers a failed upstream handshake. A refusal with a
// status below 500 is the upstream's answer and is passed on; anything
// else counts against the server.
func (wp *websocketProxy) dialFailed(w http.ResponseWriter, r *http.Request, route *router.Route,
	resp *http.Response, err error, done func(bool),
) {
	if resp != nil {
		defer resp.Body.Close()
		done(resp.StatusCode < http.StatusInternalServerError)
		_ = writeResponse(w, resp, false)
		return
	}
	done(false)
	server := ""
	if info := util.RequestInfoFromContext(r.Context()); info != nil {
		server = info.Server
	}
	wp.d.fail(w, r, route, &util.UpstreamError{
		Group:    route.Config.Upstream,
		Server:   server,
		Attempts: 1,
		Cause:    err,
	})
}

// relay copies messages both ways until one side stops. Each connection
// has exactly one reading and one writing goroutine.
func relay(client, upstream *websocket.Conn) (end relayEnd, toClient, toUpstream int64) {
	ends := make(chan relayEnd, 2)
	var sent, received atomic.Int64

	pump := func(src, dst *websocket.Conn, fromUpstream bool, count *atomic.Int64) {
		for {
			msgType, msg, err := src.ReadMessage()
			if err != nil {
				_ = dst.WriteControl(websocket.CloseMessage, closeFrameFor(err), time.Now().Add(wsCloseGrace))
				ends <- relayEnd{fromUpstream: fromUpstream, err: err}
				return
			}
			if err := dst.WriteMessage(msgType, msg); err != nil {
				ends <- relayEnd{fromUpstream: !fromUpstream, err: err}
				return
			}
			count.Add(1)
		}
	}

	go pump(upstream, client, true, &sent)
	go pump(client, upstream, false, &received)

	end = <-ends
	return end, sent.Load(), received.Load()
}

// closeFrameFor forwards the peer's close code, or reports the relay
// going away when the peer vanished without one.
func closeFrameFor(err error) []byte {
	if ce, ok := err.(*websocket.CloseError); ok {
		switch ce.Code {
		case websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure, websocket.CloseTLSHandshake:
		default:
			return websocket.FormatCloseMessage(ce.Code, ce.Text)
		}
	}
	return websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
}

// abnormalClose reports whether err is anything other than an orderly
// close handshake.
func abnormalClose(err error) bool {
	return !websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	)
}

// dialHeaders copies the client request headers the dialer does not
// manage itself.
func dialHeaders(r *http.Request) http.Header {
	header := http.Header{}
	for k, vv := range r.Header {
		switch strings.ToLower(k) {
		case "upgrade", "connection", "sec-websocket-key",
			"sec-websocket-version", "sec-websocket-extensions",
			"sec-websocket-protocol", "host":
			continue
		}
		header[k] = append([]string(nil), vv...)
	}
	setForwardedHeaders(&http.Request{Header: header}, r)
	return header
}

// upgradeHeaders keeps the upstream handshake headers that should reach
// the client, plus the negotiated subprotocol.
func upgradeHeaders(resp *http.Response, subprotocol string) http.Header {
	header := http.Header{}
	if resp != nil {
		for k, vv := range resp.Header {
			switch strings.ToLower(k) {
			case "upgrade", "connection", "sec-websocket-accept",
				"sec-websocket-extensions", "sec-websocket-protocol":
				continue
			}
			header[k] = append([]string(nil), vv...)
		}
	}
	if subprotocol != "" {
		header.Set("Sec-WebSocket-Protocol", subprotocol)
	}
	return header
}
