package gateway

import "errors"

// Sentinel errors for gateway lifecycle operations.
var (
	// ErrGatewayNotStopped is returned by Start on a gateway that is
	// already starting or running.
	ErrGatewayNotStopped = errors.New("gateway is not in stopped state")

	// ErrGatewayNotRunning is returned by Stop on a gateway that is not
	// running.
	ErrGatewayNotRunning = errors.New("gateway is not running")

	// ErrNilConfig indicates that a nil configuration was provided.
	ErrNilConfig = errors.New("configuration is required")
)
