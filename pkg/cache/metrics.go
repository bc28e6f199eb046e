package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks cache hits
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "proxy_cache_hits_total",
			Help: "Total number of response cache hits",
		},
	)

	// CacheMisses tracks cache misses
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "proxy_cache_misses_total",
			Help: "Total number of response cache misses",
		},
	)

	// CacheEvictions tracks entries evicted to make room for new ones
	CacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "proxy_cache_evictions_total",
			Help: "Total number of least-recently-used evictions",
		},
	)

	// CacheRejected tracks Put calls refused because the object was too large
	CacheRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "proxy_cache_rejected_total",
			Help: "Total number of objects refused for exceeding the object size limit",
		},
	)

	// CacheSize tracks bytes held by the cache
	CacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "proxy_cache_size_bytes",
			Help: "Current size of the response cache in bytes",
		},
	)

	// CacheEntries tracks the number of resident entries
	CacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "proxy_cache_entries",
			Help: "Current number of entries in the response cache",
		},
	)
)
