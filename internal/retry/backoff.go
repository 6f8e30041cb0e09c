package retry

import (
	"time"

	"github.com/fechatter/gateway/internal/config"
)

// MaxBackoff caps a single wait regardless of strategy.
const MaxBackoff = 30 * time.Second

// Backoff returns the wait before the attempt that follows attempt
// number n (1-based).
type Backoff interface {
	Next(n int) time.Duration
}

// LinearBackoff waits base*n.
type LinearBackoff struct {
	Base time.Duration
}

// Next implements Backoff.
func (b LinearBackoff) Next(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	return capped(b.Base * time.Duration(n))
}

// ConstantBackoff always waits base.
type ConstantBackoff struct {
	Base time.Duration
}

// Next implements Backoff.
func (b ConstantBackoff) Next(int) time.Duration {
	return capped(b.Base)
}

// ExponentialBackoff waits base*2^(n-1).
type ExponentialBackoff struct {
	Base time.Duration
}

// Next implements Backoff.
func (b ExponentialBackoff) Next(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	if n > 30 {
		return MaxBackoff
	}
	return capped(b.Base << (n - 1))
}

func capped(d time.Duration) time.Duration {
	if d < 0 || d > MaxBackoff {
		return MaxBackoff
	}
	return d
}

// BackoffFor builds the strategy named by the policy. Unknown or empty
// strategies are linear.
func BackoffFor(p config.RetryPolicy) Backoff {
	base := p.Backoff.OrDefault(config.DefaultRetryBackoff)
	switch p.BackoffStrategy {
	case config.BackoffConstant:
		return ConstantBackoff{Base: base}
	case config.BackoffExponential:
		return ExponentialBackoff{Base: base}
	default:
		return LinearBackoff{Base: base}
	}
}
