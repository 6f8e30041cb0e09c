package middleware

import (
	"net/http"
	"strings"
)

// Response headers set by the pipeline.
const (
	HeaderRetryAfter         = "Retry-After"
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderXCache             = "X-Cache"
	HeaderXCacheTTL          = "X-Cache-TTL"
	HeaderAge                = "Age"
	HeaderCacheControl       = "Cache-Control"
	HeaderOrigin             = "Origin"
	HeaderVary               = "Vary"
	HeaderAuthorization      = "Authorization"
	HeaderAcceptEncoding     = "Accept-Encoding"
	HeaderContentEncoding    = "Content-Encoding"
	HeaderContentLength      = "Content-Length"
)

// Cache outcomes recorded on the request.
const (
	CacheHit  = "HIT"
	CacheMiss = "MISS"
)

// IsWebSocketUpgrade reports whether r asks to switch to WebSocket.
func IsWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// IsEventStream reports whether r asks for server-sent events.
func IsEventStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}
