// Package proxy dispatches matched requests to upstream groups.
//
// The Dispatcher is the last handler of the gateway pipeline. Plain HTTP
// routes run through the retry engine with the route deadline, get
// hop-by-hop headers stripped and X-Forwarded-* set, and have their
// response streamed back. SSE routes take one server and flush each
// chunk. WebSocket upgrades dial the selected server with
// gorilla/websocket and relay frames until either side closes. A stream
// that breaks on the upstream side is charged to that server's breaker
// and health state.
package proxy
