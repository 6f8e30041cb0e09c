// Package store provides the fixed-window counter stores behind the
// rate limiter: Redis for counters shared by every gateway instance and
// an in-process map for single-instance deployments and tests.
package store

import (
	"context"
	"time"
)

// Store counts requests in fixed windows.
type Store interface {
	// IncrementWindow atomically adds one to the counter at key and
	// returns the new count and the time until the counter expires. A
	// counter created by this call expires after window.
	IncrementWindow(ctx context.Context, key string, window time.Duration) (count int64, ttl time.Duration, err error)

	// Close releases the store's resources.
	Close() error
}
