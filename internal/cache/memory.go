package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/fechatter/gateway/internal/observability"
)

// Memory backend defaults.
const (
	DefaultMaxEntries      = 10000
	DefaultJanitorInterval = time.Minute
)

type memoryEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

// MemoryCache is an in-process LRU cache with per-entry expiry.
type MemoryCache struct {
	logger     observability.Logger
	now        func() time.Time
	maxEntries int

	mu       sync.Mutex
	items    map[string]*list.Element
	eviction *list.List

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMemory creates a memory cache.
func NewMemory(opts ...Option) *MemoryCache {
	o := buildOptions(opts)
	if o.maxEntries <= 0 {
		o.maxEntries = DefaultMaxEntries
	}

	c := &MemoryCache{
		logger:     o.logger,
		now:        o.now,
		maxEntries: o.maxEntries,
		items:      make(map[string]*list.Element),
		eviction:   list.New(),
		stopCh:     make(chan struct{}),
	}
	if o.janitor > 0 {
		c.wg.Add(1)
		go c.janitor(o.janitor)
	}
	return c
}

// Get implements Cache. Expired entries are removed when read.
func (c *MemoryCache) Get(ctx context.Context, key string) ([]byte, error) {
	_, span := startSpan(ctx, "Get", "memory", key)
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		span.SetAttributes(attribute.Bool("cache.hit", false))
		return nil, ErrCacheMiss
	}
	entry := elem.Value.(*memoryEntry)
	if !c.now().Before(entry.expiresAt) {
		c.removeLocked(elem)
		span.SetAttributes(attribute.Bool("cache.hit", false))
		return nil, ErrCacheMiss
	}

	c.eviction.MoveToFront(elem)
	span.SetAttributes(attribute.Bool("cache.hit", true))
	return entry.value, nil
}

// Set implements Cache.
func (c *MemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, span := startSpan(ctx, "Set", "memory", key)
	defer span.End()

	if ttl <= 0 {
		return nil
	}
	entry := &memoryEntry{key: key, value: value, expiresAt: c.now().Add(ttl)}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		elem.Value = entry
		c.eviction.MoveToFront(elem)
		return nil
	}

	c.items[key] = c.eviction.PushFront(entry)
	for c.eviction.Len() > c.maxEntries {
		c.removeLocked(c.eviction.Back())
	}
	return nil
}

// Delete implements Cache.
func (c *MemoryCache) Delete(ctx context.Context, key string) error {
	_, span := startSpan(ctx, "Delete", "memory", key)
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		c.removeLocked(elem)
	}
	return nil
}

// Len returns the number of stored entries, expired or not.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.eviction.Len()
}

// Close stops the janitor.
func (c *MemoryCache) Close() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	return nil
}

func (c *MemoryCache) removeLocked(elem *list.Element) {
	c.eviction.Remove(elem)
	delete(c.items, elem.Value.(*memoryEntry).key)
}

func (c *MemoryCache) purgeExpired() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for elem := c.eviction.Back(); elem != nil; {
		prev := elem.Prev()
		if !now.Before(elem.Value.(*memoryEntry).expiresAt) {
			c.removeLocked(elem)
			removed++
		}
		elem = prev
	}
	return removed
}

func (c *MemoryCache) janitor(interval time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if n := c.purgeExpired(); n > 0 {
				c.logger.Debug("cache janitor removed expired entries", observability.Int("count", n))
			}
		}
	}
}
