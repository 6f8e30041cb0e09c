package store

import (
	"context"
	"sync"
	"time"
)

// DefaultSweepInterval is how often the memory store drops expired
// counters.
const DefaultSweepInterval = time.Minute

type counter struct {
	mu        sync.Mutex
	count     int64
	expiresAt time.Time
	removed   bool
}

// MemoryStore implements Store in process. Counters are guarded by
// their own mutex; the map lock is only held to find or create one.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]*counter
	now      func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*memoryOptions)

type memoryOptions struct {
	now   func() time.Time
	sweep time.Duration
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(o *memoryOptions) {
		o.now = now
	}
}

// WithSweepInterval sets how often expired counters are removed. Zero
// or negative disables the background sweep.
func WithSweepInterval(d time.Duration) MemoryOption {
	return func(o *memoryOptions) {
		o.sweep = d
	}
}

// NewMemoryStore creates an in-process store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	o := memoryOptions{now: time.Now, sweep: DefaultSweepInterval}
	for _, opt := range opts {
		opt(&o)
	}

	s := &MemoryStore{
		counters: make(map[string]*counter),
		now:      o.now,
		stopCh:   make(chan struct{}),
	}
	if o.sweep > 0 {
		s.wg.Add(1)
		go s.sweepLoop(o.sweep)
	}
	return s
}

// IncrementWindow implements Store.
func (s *MemoryStore) IncrementWindow(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	now := s.now()
	for {
		s.mu.Lock()
		c, ok := s.counters[key]
		if !ok {
			c = &counter{}
			s.counters[key] = c
		}
		s.mu.Unlock()

		c.mu.Lock()
		if c.removed {
			// Swept between lookup and lock; look it up again.
			c.mu.Unlock()
			continue
		}
		if !now.Before(c.expiresAt) {
			c.count = 0
			c.expiresAt = now.Add(window)
		}
		c.count++
		count, ttl := c.count, c.expiresAt.Sub(now)
		c.mu.Unlock()
		return count, ttl, nil
	}
}

// Len returns the number of tracked counters.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.counters)
}

// Sweep removes counters that expired before now.
func (s *MemoryStore) Sweep() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, c := range s.counters {
		c.mu.Lock()
		if !now.Before(c.expiresAt) {
			c.removed = true
			delete(s.counters, key)
		}
		c.mu.Unlock()
	}
}

func (s *MemoryStore) sweepLoop(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Close stops the background sweep.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	return nil
}
