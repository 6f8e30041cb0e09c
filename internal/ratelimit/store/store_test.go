package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStore(client, WithPrefix("gw:"), WithOwnedClient())
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestRedisStore_IncrementWindow(t *testing.T) {
	t.Parallel()

	s, mr := newRedisStore(t)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		count, ttl, err := s.IncrementWindow(ctx, "rl:ip:10.0.0.1:42", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, i, count)
		assert.Greater(t, ttl, time.Duration(0))
		assert.LessOrEqual(t, ttl, time.Minute)
	}

	assert.True(t, mr.Exists("gw:rl:ip:10.0.0.1:42"))
	assert.Equal(t, time.Minute, mr.TTL("gw:rl:ip:10.0.0.1:42"))

	mr.FastForward(time.Minute)
	count, _, err := s.IncrementWindow(ctx, "rl:ip:10.0.0.1:42", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count, "expired counter starts over")
}

func TestRedisStore_RepairsMissingExpiry(t *testing.T) {
	t.Parallel()

	s, mr := newRedisStore(t)
	require.NoError(t, mr.Set("gw:rl:global:7", "5"))

	count, ttl, err := s.IncrementWindow(context.Background(), "rl:global:7", 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(6), count)
	assert.Equal(t, 10*time.Second, ttl)
	assert.Equal(t, 10*time.Second, mr.TTL("gw:rl:global:7"))
}

func TestRedisStore_Unavailable(t *testing.T) {
	t.Parallel()

	s, mr := newRedisStore(t)
	mr.Close()

	_, _, err := s.IncrementWindow(context.Background(), "rl:global:1", time.Second)
	assert.Error(t, err)
	assert.Error(t, s.Ping(context.Background()))
}

func TestMemoryStore_IncrementWindow(t *testing.T) {
	t.Parallel()

	clock := &manualClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := NewMemoryStore(WithClock(clock.Now), WithSweepInterval(0))
	defer s.Close()
	ctx := context.Background()

	count, ttl, err := s.IncrementWindow(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	assert.Equal(t, time.Minute, ttl)

	clock.Advance(20 * time.Second)
	count, ttl, err = s.IncrementWindow(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
	assert.Equal(t, 40*time.Second, ttl)

	clock.Advance(40 * time.Second)
	count, _, err = s.IncrementWindow(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestMemoryStore_Sweep(t *testing.T) {
	t.Parallel()

	clock := &manualClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := NewMemoryStore(WithClock(clock.Now), WithSweepInterval(0))
	defer s.Close()

	_, _, _ = s.IncrementWindow(context.Background(), "short", time.Second)
	_, _, _ = s.IncrementWindow(context.Background(), "long", time.Hour)
	require.Equal(t, 2, s.Len())

	clock.Advance(time.Second)
	s.Sweep()
	assert.Equal(t, 1, s.Len())
}

func TestMemoryStore_ConcurrentIncrements(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(WithSweepInterval(time.Millisecond))
	defer s.Close()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_, _, err := s.IncrementWindow(context.Background(), "shared", time.Hour)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	count, _, err := s.IncrementWindow(context.Background(), "shared", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1001), count)
}
