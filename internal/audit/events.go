package audit

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies a security-relevant gateway event.
type EventType string

// Event types.
const (
	EventAuthFailure        EventType = "auth_failure"
	EventRateLimitExceeded  EventType = "rate_limit_exceeded"
	EventCORSViolation      EventType = "cors_violation"
	EventUpstreamError      EventType = "upstream_error"
	EventCircuitStateChange EventType = "circuit_state_change"
	EventConfigChange       EventType = "config_change"
	EventGatewayStartup     EventType = "gateway_startup"
	EventGatewayShutdown    EventType = "gateway_shutdown"
)

// EventTypes lists every event type.
var EventTypes = []EventType{
	EventAuthFailure,
	EventRateLimitExceeded,
	EventCORSViolation,
	EventUpstreamError,
	EventCircuitStateChange,
	EventConfigChange,
	EventGatewayStartup,
	EventGatewayShutdown,
}

// Event is a single audit record.
type Event struct {
	// ID is unique per event.
	ID string `json:"id"`

	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`

	// Request context, empty for lifecycle events.
	RequestID string `json:"request_id,omitempty"`
	ClientIP  string `json:"client_ip,omitempty"`
	Method    string `json:"method,omitempty"`
	Path      string `json:"path,omitempty"`
	Route     string `json:"route,omitempty"`
	User      string `json:"user,omitempty"`

	TraceID string `json:"trace_id,omitempty"`
	SpanID  string `json:"span_id,omitempty"`

	// Reason is a short human-readable cause.
	Reason string `json:"reason,omitempty"`

	Details map[string]interface{} `json:"details,omitempty"`
}

// RequestInfo carries the request attributes copied into an event.
type RequestInfo struct {
	RequestID string
	ClientIP  string
	Method    string
	Path      string
	Route     string
	User      string
}

// NewEvent creates an event stamped with a fresh ID and the current time.
func NewEvent(t EventType, reason string) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Type:      t,
		Reason:    reason,
	}
}

// WithRequest copies the request attributes into the event.
func (e *Event) WithRequest(info RequestInfo) *Event {
	e.RequestID = info.RequestID
	e.ClientIP = info.ClientIP
	e.Method = info.Method
	e.Path = info.Path
	e.Route = info.Route
	e.User = info.User
	return e
}

// WithDetail adds a detail field.
func (e *Event) WithDetail(key string, value interface{}) *Event {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// AuthFailure records a rejected bearer token.
func AuthFailure(info RequestInfo, reason string) *Event {
	return NewEvent(EventAuthFailure, reason).WithRequest(info)
}

// RateLimitExceeded records a request denied by the rate limiter.
func RateLimitExceeded(info RequestInfo, scope string, limit int64, retryAfter time.Duration) *Event {
	return NewEvent(EventRateLimitExceeded, "rate limit exceeded").
		WithRequest(info).
		WithDetail("scope", scope).
		WithDetail("limit", limit).
		WithDetail("retry_after_seconds", int64(retryAfter.Round(time.Second)/time.Second))
}

// CORSViolation records a cross-origin request from a disallowed origin.
func CORSViolation(info RequestInfo, origin string) *Event {
	return NewEvent(EventCORSViolation, "origin not allowed").
		WithRequest(info).
		WithDetail("origin", origin)
}

// UpstreamError records a request that failed against its upstream group.
func UpstreamError(info RequestInfo, group string, status int, err error) *Event {
	e := NewEvent(EventUpstreamError, "upstream request failed").
		WithRequest(info).
		WithDetail("group", group).
		WithDetail("status", status)
	if err != nil {
		e.WithDetail("error", err.Error())
	}
	return e
}

// CircuitStateChange records a per-server breaker transition.
func CircuitStateChange(group, server, from, to string) *Event {
	return NewEvent(EventCircuitStateChange, "circuit breaker "+to).
		WithDetail("group", group).
		WithDetail("server", server).
		WithDetail("from", from).
		WithDetail("to", to)
}

// ConfigChange records an edit of the configuration file on disk.
func ConfigChange(path string) *Event {
	return NewEvent(EventConfigChange, "configuration file changed, restart required").
		WithDetail("path", path)
}

// GatewayStartup records the gateway starting to serve.
func GatewayStartup(version, listen string, routes int) *Event {
	return NewEvent(EventGatewayStartup, "gateway started").
		WithDetail("version", version).
		WithDetail("listen", listen).
		WithDetail("routes", routes)
}

// GatewayShutdown records the gateway stopping.
func GatewayShutdown(reason string) *Event {
	return NewEvent(EventGatewayShutdown, reason)
}
