package cache

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fechatter/gateway/internal/config"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type storeErrors struct {
	mu    sync.Mutex
	count int
}

func (s *storeErrors) RecordStoreError(string, string) {
	s.mu.Lock()
	s.count++
	s.mu.Unlock()
}

func (s *storeErrors) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

func TestMemoryCache_SetGetExpire(t *testing.T) {
	t.Parallel()

	clk := newTestClock()
	c := NewMemory(WithClock(clk.Now), WithJanitorInterval(0))
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	clk.Advance(time.Minute)
	_, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)
	assert.Zero(t, c.Len(), "expired entry is evicted on read")
}

func TestMemoryCache_NonPositiveTTLStoresNothing(t *testing.T) {
	t.Parallel()

	c := NewMemory(WithJanitorInterval(0))
	defer c.Close()

	require.NoError(t, c.Set(context.Background(), "k", []byte("v"), 0))
	assert.Zero(t, c.Len())
}

func TestMemoryCache_EvictsLeastRecentlyUsed(t *testing.T) {
	t.Parallel()

	c := NewMemory(WithMaxEntries(2), WithJanitorInterval(0))
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", []byte("1"), time.Minute))
	require.NoError(t, c.Set(ctx, "b", []byte("2"), time.Minute))
	_, err := c.Get(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, c.Set(ctx, "c", []byte("3"), time.Minute))

	_, err = c.Get(ctx, "b")
	assert.ErrorIs(t, err, ErrCacheMiss)
	_, err = c.Get(ctx, "a")
	assert.NoError(t, err)
	_, err = c.Get(ctx, "c")
	assert.NoError(t, err)
}

func TestMemoryCache_PurgeAndDelete(t *testing.T) {
	t.Parallel()

	clk := newTestClock()
	c := NewMemory(WithClock(clk.Now), WithJanitorInterval(0))
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "short", []byte("1"), time.Second))
	require.NoError(t, c.Set(ctx, "long", []byte("2"), time.Hour))
	require.NoError(t, c.Set(ctx, "gone", []byte("3"), time.Hour))
	require.NoError(t, c.Delete(ctx, "gone"))

	clk.Advance(2 * time.Second)
	assert.Equal(t, 1, c.purgeExpired())
	assert.Equal(t, 1, c.Len())
}

func TestMemoryCache_CloseIsIdempotent(t *testing.T) {
	t.Parallel()

	c := NewMemory(WithJanitorInterval(time.Millisecond))
	assert.NoError(t, c.Close())
	assert.NoError(t, c.Close())
}

func TestRedisCache_SetGetExpire(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	c := NewRedis(client, "gw:")
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	assert.True(t, mr.Exists("gw:k"))
	assert.Equal(t, time.Minute, mr.TTL("gw:k"))

	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	mr.FastForward(time.Minute)
	_, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, c.Set(ctx, "d", []byte("v"), time.Minute))
	require.NoError(t, c.Delete(ctx, "d"))
	assert.False(t, mr.Exists("gw:d"))
}

func TestRedisCache_BreakerOpensOnFailures(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	rec := &storeErrors{}
	c := NewRedis(client, "gw:", WithMetrics(rec))
	mr.Close()
	ctx := context.Background()

	for i := 0; i < redisBreakerFailures; i++ {
		_, err := c.Get(ctx, "k")
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrCacheMiss)
	}
	assert.Equal(t, redisBreakerFailures, rec.Count())

	_, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, redisBreakerFailures, rec.Count(), "rejected calls are not store errors")
}

func TestNew_Backends(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	tests := []struct {
		name    string
		cfg     config.CacheConfig
		client  redis.UniversalClient
		want    interface{}
		wantErr bool
	}{
		{name: "default is memory", cfg: config.CacheConfig{}, want: &MemoryCache{}},
		{name: "memory", cfg: config.CacheConfig{Backend: config.CacheBackendMemory}, want: &MemoryCache{}},
		{name: "redis", cfg: config.CacheConfig{Backend: config.CacheBackendRedis, KeyPrefix: "gw"}, client: client, want: &RedisCache{}},
		{name: "redis without client", cfg: config.CacheConfig{Backend: config.CacheBackendRedis}, wantErr: true},
		{name: "unknown", cfg: config.CacheConfig{Backend: "memcached"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c, err := New(tt.cfg, tt.client, WithJanitorInterval(0))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			defer c.Close()
			assert.IsType(t, tt.want, c)
		})
	}
}

func TestEntry_EncodeDecode(t *testing.T) {
	t.Parallel()

	stored := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := &Entry{
		Status:    http.StatusOK,
		Header:    http.Header{"Content-Type": {"application/json"}},
		Body:      []byte(`{"messages":[]}`),
		StoredAt:  stored,
		ExpiresAt: stored.Add(30 * time.Second),
	}
	data, err := e.Encode()
	require.NoError(t, err)

	got, err := DecodeEntry(data)
	require.NoError(t, err)
	assert.Equal(t, e.Body, got.Body)
	assert.Equal(t, "application/json", got.Header.Get("Content-Type"))

	now := stored.Add(10 * time.Second)
	assert.Equal(t, 10*time.Second, got.Age(now))
	assert.Equal(t, 20*time.Second, got.TTL(now))
	assert.Zero(t, got.TTL(stored.Add(time.Hour)))

	_, err = DecodeEntry([]byte("not json"))
	assert.Error(t, err)
}

func TestKeyFor(t *testing.T) {
	t.Parallel()

	rule := config.CacheRule{
		Name:        "messages",
		KeyParams:   []string{"chat_id", "limit", "offset"},
		VaryHeaders: []string{"Accept-Language"},
	}
	params := map[string]string{"chat_id": "42"}
	key := func(target string, header http.Header, p map[string]string, r config.CacheRule, user string) string {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		for k, v := range header {
			req.Header[k] = v
		}
		return KeyFor("messages", r, req, p, user)
	}
	base := key("/api/v1/messages/42?limit=20&offset=0&debug=1", nil, params, rule, "")

	assert.Regexp(t, `^messages:[0-9a-f]{64}$`, base)

	tests := []struct {
		name   string
		target string
		header http.Header
		params map[string]string
		rule   config.CacheRule
		user   string
		same   bool
	}{
		{name: "unlisted query parameter", target: "/api/v1/messages/42?limit=20&offset=0&debug=2", params: params, rule: rule, same: true},
		{name: "parameter order", target: "/api/v1/messages/42?offset=0&limit=20", params: params, rule: rule, same: true},
		{name: "unlisted header", target: "/api/v1/messages/42?limit=20&offset=0", header: http.Header{"X-Debug": {"1"}}, params: params, rule: rule, same: true},
		{name: "listed parameter", target: "/api/v1/messages/42?limit=50&offset=0", params: params, rule: rule},
		{name: "path parameter", target: "/api/v1/messages/42?limit=20&offset=0", params: map[string]string{"chat_id": "43"}, rule: rule},
		{name: "vary header", target: "/api/v1/messages/42?limit=20&offset=0", header: http.Header{"Accept-Language": {"de"}}, params: params, rule: rule},
		{name: "user ignored without vary_user", target: "/api/v1/messages/42?limit=20&offset=0", params: params, rule: rule, user: "alice", same: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := key(tt.target, tt.header, tt.params, tt.rule, tt.user)
			if tt.same {
				assert.Equal(t, base, got)
			} else {
				assert.NotEqual(t, base, got)
			}
		})
	}

	t.Run("vary user", func(t *testing.T) {
		t.Parallel()

		r := rule
		r.VaryUser = true
		alice := key("/api/v1/messages/42", nil, params, r, "alice")
		bob := key("/api/v1/messages/42", nil, params, r, "bob")
		assert.NotEqual(t, alice, bob)
		assert.Equal(t, alice, key("/api/v1/messages/42", nil, params, r, "alice"))
	})
}
