package circuitbreaker

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fechatter/gateway/internal/util"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testConfig() Config {
	return Config{
		FailureThreshold:    3,
		SuccessThreshold:    2,
		Timeout:             time.Second,
		HalfOpenMaxRequests: 1,
	}
}

func admit(t *testing.T, cb *CircuitBreaker) DoneFunc {
	t.Helper()
	done, err := cb.Allow()
	require.NoError(t, err)
	return done
}

func TestState_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}

func TestNew_DefaultsInvalidConfig(t *testing.T) {
	t.Parallel()

	cb := New("x", Config{})
	assert.Equal(t, DefaultConfig().FailureThreshold, cb.config.FailureThreshold)
	assert.Equal(t, DefaultConfig().Timeout, cb.config.Timeout)
	assert.Equal(t, StateClosed, cb.State())
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	assert.NoError(t, testConfig().Validate())

	bad := testConfig()
	bad.HalfOpenMaxRequests = 0
	assert.Error(t, bad.Validate())
}

func TestCircuitBreaker_OpensOnceAfterThreshold(t *testing.T) {
	t.Parallel()

	var transitions atomic.Int32
	cfg := testConfig()
	cfg.OnStateChange = func(_ string, from, to State) {
		if from == StateClosed && to == StateOpen {
			transitions.Add(1)
		}
	}
	cb := New("chat/a", cfg, WithClock(newFakeClock().Now))

	for i := 0; i < 2; i++ {
		admit(t, cb)(false)
		assert.Equal(t, StateClosed, cb.State())
	}
	admit(t, cb)(false)
	assert.Equal(t, StateOpen, cb.State())

	// Further failures while open are not admitted and do not re-open.
	_, err := cb.Allow()
	assert.ErrorIs(t, err, util.ErrCircuitOpen)
	cb.RecordFailure()
	assert.Equal(t, int32(1), transitions.Load())
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	t.Parallel()

	cb := New("chat/a", testConfig())

	admit(t, cb)(false)
	admit(t, cb)(false)
	admit(t, cb)(true)
	admit(t, cb)(false)
	admit(t, cb)(false)

	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 2, cb.Stats().ConsecutiveFailures)
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	cb := New("chat/a", testConfig(), WithClock(clock.Now))

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	require.Equal(t, StateOpen, cb.State())

	clock.Advance(999 * time.Millisecond)
	_, err := cb.Allow()
	require.ErrorIs(t, err, util.ErrCircuitOpen)

	clock.Advance(time.Millisecond)
	admit(t, cb)(true)
	assert.Equal(t, StateHalfOpen, cb.State())

	admit(t, cb)(true)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	cb := New("chat/a", testConfig(), WithClock(clock.Now))
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	firstOpen := cb.Stats().OpenedAt

	clock.Advance(2 * time.Second)
	admit(t, cb)(false)

	stats := cb.Stats()
	assert.Equal(t, StateOpen, stats.State)
	assert.True(t, stats.OpenedAt.After(firstOpen))
	assert.Zero(t, stats.InFlight)
}

func TestCircuitBreaker_HalfOpenAdmitsAtMostN(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	cfg := testConfig()
	cfg.HalfOpenMaxRequests = 3
	cfg.SuccessThreshold = 100
	cb := New("chat/a", cfg, WithClock(clock.Now))
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	clock.Advance(time.Second)

	var (
		admitted atomic.Int32
		wg       sync.WaitGroup
		start    = make(chan struct{})
		mu       sync.Mutex
		dones    []DoneFunc
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			done, err := cb.Allow()
			if err != nil {
				assert.True(t, errors.Is(err, util.ErrCircuitOpen))
				return
			}
			admitted.Add(1)
			mu.Lock()
			dones = append(dones, done)
			mu.Unlock()
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(3), admitted.Load())
	assert.Equal(t, 3, cb.Stats().InFlight)

	// Releasing a slot admits exactly one more trial.
	dones[0](true)
	admit(t, cb)
	_, err := cb.Allow()
	assert.ErrorIs(t, err, util.ErrCircuitOpen)
}

func TestCircuitBreaker_StaleCompletionIgnored(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	cfg := testConfig()
	cfg.HalfOpenMaxRequests = 2
	cb := New("chat/a", cfg, WithClock(clock.Now))
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	clock.Advance(time.Second)

	first := admit(t, cb)
	second := admit(t, cb)

	first(false)
	require.Equal(t, StateOpen, cb.State())

	// The second trial finishes after the circuit re-opened; it must not
	// count towards closing or touch the new generation's slots.
	second(true)
	second(true)
	stats := cb.Stats()
	assert.Equal(t, StateOpen, stats.State)
	assert.Zero(t, stats.HalfOpenSuccesses)
	assert.Zero(t, stats.InFlight)
}

func TestCircuitBreaker_DoneIsIdempotent(t *testing.T) {
	t.Parallel()

	cb := New("chat/a", testConfig())
	done := admit(t, cb)
	done(false)
	done(false)
	done(false)
	assert.Equal(t, 1, cb.Stats().ConsecutiveFailures)
}

func TestCircuitBreaker_HealthCheckSuccessCountsAsTrial(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	cb := New("chat/a", testConfig(), WithClock(clock.Now))
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}

	cb.RecordSuccess()
	assert.Equal(t, StateOpen, cb.State(), "success before timeout is ignored")

	clock.Advance(time.Second)
	cb.RecordSuccess()
	cb.RecordSuccess()
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_StateExpiresOpen(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	cb := New("chat/a", testConfig(), WithClock(clock.Now))
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}

	clock.Advance(time.Second)
	assert.Equal(t, StateHalfOpen, cb.State())
}

func TestCircuitBreaker_Reset(t *testing.T) {
	t.Parallel()

	cb := New("chat/a", testConfig())
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
	admit(t, cb)(true)
}
