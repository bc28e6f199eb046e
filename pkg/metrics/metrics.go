// Package metrics exposes the proxy's Prometheus registry.
// All metrics are defined in their respective packages (cache, origin,
// proxy, blocklist) and registered there via promauto.
//
// This package provides the scrape handler and a catalogue of the metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registerer all proxy metrics are registered with.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the source the scrape handler reads from.
var Gatherer = prometheus.DefaultGatherer

// Handler returns the HTTP handler serving the metrics in the Prometheus
// exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Cache Metrics (pkg/cache):
//   - proxy_cache_hits_total (Counter): Cache lookups that found an entry
//   - proxy_cache_misses_total (Counter): Cache lookups that found nothing
//   - proxy_cache_evictions_total (Counter): Entries evicted to make room
//   - proxy_cache_rejected_total (Counter): Objects refused as too large
//   - proxy_cache_size_bytes (Gauge): Bytes held by resident entries
//   - proxy_cache_entries (Gauge): Number of resident entries
//
// Origin Metrics (pkg/origin):
//   - proxy_origin_dials_total{result} (Counter): Origin connection attempts (ok, error)
//   - proxy_origin_response_bytes_total{mode} (Counter): Bytes received (buffered, relayed)
//
// Request Metrics (pkg/proxy):
//   - proxy_requests_total{outcome} (Counter): Requests by outcome (hit, miss, stream, bypass, error, empty)
//   - proxy_request_duration_seconds{outcome} (Histogram): Request duration by outcome
//   - proxy_errors_total{class} (Counter): Failures by class (protocol, method, blocked, network, timeout, origin, internal, client)
//   - proxy_active_connections (Gauge): Client connections being served
//   - proxy_client_bytes_total (Counter): Bytes written to clients
//   - proxy_admission_waits_total (Counter): Accept loop waits at the connection limit
//
// Blocklist Metrics (pkg/blocklist):
//   - proxy_blocklist_errors_total{operation} (Counter): Store errors (block, unblock, check, list)
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   rate(proxy_cache_hits_total[5m]) /
//   (rate(proxy_cache_hits_total[5m]) + rate(proxy_cache_misses_total[5m]))
//
//   # Cache Fill Level
//   proxy_cache_size_bytes
//
//   # Origin Failure Rate
//   rate(proxy_errors_total{class=~"network|timeout|origin"}[5m])
//
//   # P95 Latency of Cache Misses
//   histogram_quantile(0.95, rate(proxy_request_duration_seconds_bucket{outcome="miss"}[5m]))
