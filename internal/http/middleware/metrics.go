// Prometheus instrumentation.
//
// Metrics() covers the generic HTTP signals (request count, latency,
// in-flight gauge, response size). The path label always holds the
// registered gin route, never the raw URL, so label cardinality stays
// bounded. Alongside those live the counters for the write-protection
// machinery: idempotency claims, replays, conflicts, and rate-limit
// rejections, incremented from their respective middlewares.
package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpReqs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	// Latency omits the status label to keep histogram cardinality down.
	httpLat = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	httpInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_inflight",
			Help: "Current number of in-flight HTTP requests.",
		},
	)

	// Buckets sized for JSON payloads: most responses are a ticket or a page
	// of notifications, a few hundred bytes to a few hundred KiB.
	httpRespSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "http_response_size_bytes",
			Help: "Size of HTTP responses in bytes.",
			Buckets: []float64{
				200, 500, 1 << 10, 2 << 10, 5 << 10,
				10 << 10, 25 << 10, 50 << 10,
				100 << 10, 250 << 10, 500 << 10,
				1 << 20, 2 << 20, 5 << 20,
			},
		},
		[]string{"method", "path"},
	)

	// idemGuarded counts mutating requests that executed under a fresh
	// idempotency claim (i.e., actually ran business logic with capture).
	idemGuarded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "idempotency_guarded_total",
			Help: "Mutating requests executed under an idempotency claim.",
		},
	)

	// idemReplays counts responses served verbatim from a stored record.
	idemReplays = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "idempotency_replays_total",
			Help: "Responses replayed from stored idempotency records.",
		},
	)

	// idemConflicts counts concurrent duplicates rejected with 409.
	idemConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "idempotency_conflicts_total",
			Help: "Duplicate requests rejected while the original was in flight.",
		},
	)

	// rateLimited counts requests rejected by the fixed-window limiter.
	rateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rate_limit_rejections_total",
			Help: "Requests rejected with 429 by the rate limiter.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpReqs, httpLat, httpInflight, httpRespSize,
		idemGuarded, idemReplays, idemConflicts, rateLimited,
	)
}

// Metrics instruments each request. The path label prefers c.FullPath(),
// falling back to the raw URL path only for unmatched routes.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		httpInflight.Inc()
		defer httpInflight.Dec()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		method := c.Request.Method

		httpReqs.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		httpLat.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
		// Size is -1 on hijacked or unwritten responses; skip those.
		if size := c.Writer.Size(); size >= 0 {
			httpRespSize.WithLabelValues(method, path).Observe(float64(size))
		}
	}
}
