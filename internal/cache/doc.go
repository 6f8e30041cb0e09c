// Package cache stores upstream GET responses for routes that carry a
// cache rule.
//
// Two backends implement Cache:
//
//   - memory: a size-bounded LRU map with per-entry expiry, evicted
//     lazily on read and by a background janitor
//   - redis: shared across gateway instances, written with SET PX and
//     guarded by a circuit breaker so a slow or dead Redis degrades to
//     cache misses
//
// Keys are built by KeyFor from a route's rule: the method, the path,
// the listed parameters, the listed headers and optionally the user.
// Only those inputs affect the key.
//
// # Example Usage
//
//	c, err := cache.New(cfg.Cache, redisClient, cache.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
//
//	key := cache.KeyFor(cfg.Cache.KeyPrefix, rule, r, params, user)
//	if data, err := c.Get(ctx, key); err == nil {
//	    entry, _ := cache.DecodeEntry(data)
//	    ...
//	}
package cache
