// Package circuitbreaker implements the per-server circuit breaker that
// keeps failing upstream servers out of rotation.
package circuitbreaker

import (
	"fmt"
	"time"

	"github.com/fechatter/gateway/internal/config"
)

// Config holds configuration for a circuit breaker.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens
	// a closed circuit.
	FailureThreshold int

	// SuccessThreshold is the number of trial successes that closes a
	// half-open circuit.
	SuccessThreshold int

	// Timeout is how long the circuit stays open before a trial is
	// admitted.
	Timeout time.Duration

	// HalfOpenMaxRequests bounds the trials in flight while half-open.
	HalfOpenMaxRequests int

	// OnStateChange is called after every transition, outside the
	// breaker lock.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:    config.DefaultFailureThreshold,
		SuccessThreshold:    config.DefaultSuccessThreshold,
		Timeout:             config.DefaultBreakerTimeout,
		HalfOpenMaxRequests: config.DefaultHalfOpenMaxRequests,
	}
}

// FromConfig converts the upstream group breaker settings.
func FromConfig(c config.CircuitBreakerConfig) Config {
	return Config{
		FailureThreshold:    c.FailureThreshold,
		SuccessThreshold:    c.SuccessThreshold,
		Timeout:             c.Timeout.Duration(),
		HalfOpenMaxRequests: c.HalfOpenMaxRequests,
	}
}

// Validate validates the configuration.
func (c Config) Validate() error {
	switch {
	case c.FailureThreshold < 1:
		return fmt.Errorf("failure threshold must be at least 1, got %d", c.FailureThreshold)
	case c.SuccessThreshold < 1:
		return fmt.Errorf("success threshold must be at least 1, got %d", c.SuccessThreshold)
	case c.HalfOpenMaxRequests < 1:
		return fmt.Errorf("half-open max requests must be at least 1, got %d", c.HalfOpenMaxRequests)
	case c.Timeout <= 0:
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}
	return nil
}
