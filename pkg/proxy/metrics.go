package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Request outcomes, used as the "outcome" label.
const (
	outcomeHit    = "hit"    // served from cache
	outcomeMiss   = "miss"   // fetched, cached and served
	outcomeStream = "stream" // relayed from origin without caching
	outcomeBypass = "bypass" // non-GET, never cached
	outcomeError  = "error"
	outcomeEmpty  = "empty" // client closed before sending a request
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proxy_requests_total",
		Help: "Total number of proxied requests by outcome",
	}, []string{"outcome"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "proxy_request_duration_seconds",
		Help:    "Request duration by outcome",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proxy_errors_total",
		Help: "Total number of failed requests by error class",
	}, []string{"class"})

	activeConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "proxy_active_connections",
		Help: "Number of client connections currently being served",
	})

	clientBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proxy_client_bytes_total",
		Help: "Total bytes written to clients",
	})

	admissionWaitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proxy_admission_waits_total",
		Help: "Times the accept loop waited for a free connection slot",
	})
)
