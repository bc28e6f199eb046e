// Package cache provides the proxy's bounded in-memory response cache.
//
// The cache is a least-recently-used store with byte-based capacity
// accounting:
//
// - Every entry holds a complete origin response (status line, headers, body)
// - The sum of all entry sizes never exceeds the configured cache size
// - A single entry never exceeds the configured object size
// - Get and Put are serialized by one mutex and both count as a use
// - Get returns a private copy, so eviction cannot affect a reader
//
// # Basic Usage
//
//	lru := cache.NewLRU(cache.DefaultMaxCacheSize, cache.DefaultMaxObjectSize)
//
//	key := cache.CacheKey{Host: "origin.test", Path: "/a.html"}
//
//	data, err := lru.Get(key)
//	if err == cache.ErrCacheMiss {
//		// fetch from origin, then
//		_ = lru.Put(key, response)
//	}
//
// # Cacheability
//
// Whether an object may be stored is decided before it is fetched, from the
// Content-Length of a HEAD probe:
//
//	if size, ok := lru.Cacheable(probeHeader); ok {
//		// size <= max object size
//	}
//
// # Metrics
//
// The cache exports Prometheus metrics:
//
//   - proxy_cache_hits_total - Cache hits
//   - proxy_cache_misses_total - Cache misses
//   - proxy_cache_evictions_total - Entries evicted to make room
//   - proxy_cache_rejected_total - Put calls refused for oversized objects
//   - proxy_cache_size_bytes - Bytes currently held
//   - proxy_cache_entries - Entries currently held
package cache
