package middleware

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fechatter/gateway/internal/cache"
	"github.com/fechatter/gateway/internal/config"
	"github.com/fechatter/gateway/internal/observability"
	"github.com/fechatter/gateway/internal/router"
	"github.com/fechatter/gateway/internal/util"
)

const cacheStoreTimeout = 2 * time.Second

// CacheRecorder counts cache lookups. *observability.Metrics implements it.
type CacheRecorder interface {
	RecordCache(result string)
}

type nopCacheRecorder struct{}

func (nopCacheRecorder) RecordCache(string) {}

// unstoredHeaders are set by the gateway per request and never replayed
// from a cached entry.
var unstoredHeaders = map[string]bool{
	util.HeaderRequestID:     true,
	HeaderRateLimitLimit:     true,
	HeaderRateLimitRemaining: true,
	HeaderRetryAfter:         true,
	HeaderXCache:             true,
	HeaderXCacheTTL:          true,
	HeaderAge:                true,
	HeaderVary:               true,
	HeaderContentLength:      true,
	"Set-Cookie":             true,
}

// CacheOptions configures the Cache middleware.
type CacheOptions struct {
	Cache   cache.Cache
	Config  config.CacheConfig
	Metrics CacheRecorder
	Logger  observability.Logger
	Now     func() time.Time
}

type responseCache struct {
	CacheOptions
}

// Cache serves GET requests on routes with a cache rule, or whose path a
// cache.rules entry covers, from c, and stores 200 responses that are not marked no-store or private and fit
// in max_entry_bytes. Lookup and store failures degrade to a miss.
func Cache(opts CacheOptions) Middleware {
	if opts.Cache == nil || !opts.Config.Enabled {
		return passthrough
	}
	if opts.Metrics == nil {
		opts.Metrics = nopCacheRecorder{}
	}
	if opts.Logger == nil {
		opts.Logger = observability.NopLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	rc := &responseCache{CacheOptions: opts}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m := RouteFromContext(r.Context())
			if m == nil || m.Route.IsStream() || r.Method != http.MethodGet || IsWebSocketUpgrade(r) {
				next.ServeHTTP(w, r)
				return
			}
			rule, ok := rc.ruleFor(m, r.URL.Path)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			key := cache.KeyFor(m.Route.Name(), rule, r, m.PathParams, util.UserFromContext(r.Context()))

			if rc.serve(w, r, key) {
				return
			}

			util.SetCacheResult(r.Context(), CacheMiss)
			rc.Metrics.RecordCache("miss")
			w.Header().Set(HeaderXCache, CacheMiss)

			rec := &cacheRecorder{ResponseWriter: w, status: http.StatusOK, limit: rc.Config.MaxEntryBytes}
			next.ServeHTTP(rec, r)

			rc.store(r, key, rule.TTL.OrDefault(rc.Config.DefaultTTL.Duration()), rec)
		})
	}
}

// ruleFor prefers the route's own cache block over path rules.
func (rc *responseCache) ruleFor(m *router.MatchResult, path string) (config.CacheRule, bool) {
	if m.Route.Config.Cache != nil {
		return *m.Route.Config.Cache, true
	}
	return rc.Config.RuleForPath(path)
}

func (rc *responseCache) serve(w http.ResponseWriter, r *http.Request, key string) bool {
	data, err := rc.Cache.Get(r.Context(), key)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			rc.Logger.Debug("cache lookup failed, treating as miss",
				observability.String("key", key),
				observability.Error(err),
			)
		}
		return false
	}
	entry, err := cache.DecodeEntry(data)
	if err != nil {
		rc.Logger.Debug("cache entry unreadable, treating as miss",
			observability.String("key", key),
			observability.Error(err),
		)
		return false
	}

	now := rc.Now()
	h := w.Header()
	for name, values := range entry.Header {
		h[name] = append([]string(nil), values...)
	}
	h.Set(HeaderXCache, CacheHit)
	h.Set(HeaderAge, strconv.FormatInt(int64(entry.Age(now)/time.Second), 10))
	h.Set(HeaderXCacheTTL, strconv.FormatInt(int64(entry.TTL(now)/time.Second), 10))
	h.Set(HeaderContentLength, strconv.Itoa(len(entry.Body)))

	util.SetCacheResult(r.Context(), CacheHit)
	rc.Metrics.RecordCache("hit")

	w.WriteHeader(entry.Status)
	_, _ = w.Write(entry.Body)
	return true
}

func (rc *responseCache) store(r *http.Request, key string, ttl time.Duration, rec *cacheRecorder) {
	if rec.status != http.StatusOK || rec.exceeded || rec.hijacked || ttl <= 0 {
		return
	}
	cc := strings.ToLower(rec.Header().Get(HeaderCacheControl))
	if strings.Contains(cc, "no-store") || strings.Contains(cc, "private") {
		return
	}

	header := make(http.Header)
	for name, values := range rec.Header() {
		if unstoredHeaders[name] || strings.HasPrefix(name, "Access-Control-") {
			continue
		}
		header[name] = append([]string(nil), values...)
	}

	now := rc.Now()
	entry := &cache.Entry{
		Status:    rec.status,
		Header:    header,
		Body:      rec.body.Bytes(),
		StoredAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	data, err := entry.Encode()
	if err != nil {
		return
	}

	// The client may already be gone; the entry is still worth keeping.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), cacheStoreTimeout)
	defer cancel()
	if err := rc.Cache.Set(ctx, key, data, ttl); err != nil {
		rc.Logger.Debug("cache store failed",
			observability.String("key", key),
			observability.Error(err),
		)
	}
}

// cacheRecorder tees the response body into a bounded buffer.
type cacheRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        bytes.Buffer
	limit       int64
	exceeded    bool
	hijacked    bool
}

func (r *cacheRecorder) WriteHeader(code int) {
	if r.wroteHeader {
		return
	}
	r.wroteHeader = true
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *cacheRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	if !r.exceeded {
		if r.limit > 0 && int64(r.body.Len()+len(b)) > r.limit {
			r.exceeded = true
			r.body = bytes.Buffer{}
		} else {
			r.body.Write(b)
		}
	}
	return r.ResponseWriter.Write(b)
}

func (r *cacheRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *cacheRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	r.hijacked = true
	return h.Hijack()
}

func (r *cacheRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
