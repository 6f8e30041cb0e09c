// Package util provides shared error types, context helpers and HTTP
// helpers for the gateway.
//
// # Error Conventions
//
// Sentinel errors (errors.New) name the request-path failure classes
// and are checked with errors.Is(). Structured error types carry the
// detail a caller needs to build a response (scope, retry hint,
// attempt count). Each structured type implements Error(), Unwrap()
// when it wraps a cause, and Is() so that errors.Is() against the
// matching sentinel succeeds.
package util

import (
	"errors"
	"fmt"
	"time"
)

// Request-path sentinel errors.
var (
	ErrRouteNotFound     = errors.New("route not found")
	ErrAuthRejected      = errors.New("authentication rejected")
	ErrRateLimited       = errors.New("rate limit exceeded")
	ErrNoAvailableServer = errors.New("no available server")
	ErrUpstreamTimeout   = errors.New("upstream timeout")
	ErrUpstreamError     = errors.New("upstream error")
	ErrConfigInvalid     = errors.New("invalid configuration")

	// ErrCircuitOpen is internal. It narrows the eligible server set and
	// is never written to a client.
	ErrCircuitOpen = errors.New("circuit breaker open")
)

// ConfigError represents a configuration-related error.
type ConfigError struct {
	Field   string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config error at %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("config error: %s", e.Message)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *ConfigError) Is(target error) bool {
	if target == ErrConfigInvalid {
		return true
	}
	_, ok := target.(*ConfigError)
	return ok || errors.Is(e.Cause, target)
}

// NewConfigError creates a new ConfigError.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message}
}

// NewConfigErrorWithCause creates a new ConfigError with a cause.
func NewConfigErrorWithCause(field, message string, cause error) *ConfigError {
	return &ConfigError{Field: field, Message: message, Cause: cause}
}

// RouteNotFoundError represents a request that matched no route.
type RouteNotFoundError struct {
	Path   string
	Method string
}

// Error implements the error interface.
func (e *RouteNotFoundError) Error() string {
	return fmt.Sprintf("no route found for %s %s", e.Method, e.Path)
}

// Is checks if the error matches the target.
func (e *RouteNotFoundError) Is(target error) bool {
	if target == ErrRouteNotFound {
		return true
	}
	_, ok := target.(*RouteNotFoundError)
	return ok
}

// NewRouteNotFoundError creates a new RouteNotFoundError.
func NewRouteNotFoundError(method, path string) *RouteNotFoundError {
	return &RouteNotFoundError{Path: path, Method: method}
}

// RateLimitedError is returned when a rate limit scope denies a request.
type RateLimitedError struct {
	Scope      string
	Limit      int64
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded for scope %s (limit: %d, retry after: %v)",
		e.Scope, e.Limit, e.RetryAfter)
}

// Is checks if the error matches the target.
func (e *RateLimitedError) Is(target error) bool {
	if target == ErrRateLimited {
		return true
	}
	_, ok := target.(*RateLimitedError)
	return ok
}

// NewRateLimitedError creates a new RateLimitedError.
func NewRateLimitedError(scope string, limit int64, retryAfter time.Duration) *RateLimitedError {
	return &RateLimitedError{Scope: scope, Limit: limit, RetryAfter: retryAfter}
}

// NoAvailableServerError is returned when an upstream group has no
// eligible server.
type NoAvailableServerError struct {
	Group string
}

// Error implements the error interface.
func (e *NoAvailableServerError) Error() string {
	return fmt.Sprintf("no available server in upstream group %q", e.Group)
}

// Is checks if the error matches the target.
func (e *NoAvailableServerError) Is(target error) bool {
	if target == ErrNoAvailableServer {
		return true
	}
	_, ok := target.(*NoAvailableServerError)
	return ok
}

// NewNoAvailableServerError creates a new NoAvailableServerError.
func NewNoAvailableServerError(group string) *NoAvailableServerError {
	return &NoAvailableServerError{Group: group}
}

// UpstreamError describes the final failure of a proxied request after
// all attempts were used. Timeout reports whether the overall deadline
// expired.
type UpstreamError struct {
	Group      string
	Server     string
	Attempts   int
	StatusCode int
	Timeout    bool
	Cause      error
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	kind := "error"
	if e.Timeout {
		kind = "timeout"
	}
	msg := fmt.Sprintf("upstream %s for group %q after %d attempt(s)", kind, e.Group, e.Attempts)
	if e.Server != "" {
		msg += fmt.Sprintf(", last server %s", e.Server)
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(", status %d", e.StatusCode)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *UpstreamError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *UpstreamError) Is(target error) bool {
	switch target {
	case ErrUpstreamTimeout:
		return e.Timeout
	case ErrUpstreamError:
		return !e.Timeout
	}
	_, ok := target.(*UpstreamError)
	return ok || errors.Is(e.Cause, target)
}
