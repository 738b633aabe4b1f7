package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP request metrics for the status server
var (
	// HTTPRequestDuration tracks the duration of HTTP requests
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tracebench_http_request_duration_seconds",
			Help:    "Duration of status server HTTP requests by method, path, and status",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestsTotal counts the total number of HTTP requests
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracebench_http_requests_total",
			Help: "Total number of status server HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)
)

// Replay metrics
var (
	// RequestsDispatched counts requests fired at an endpoint
	RequestsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracebench_requests_dispatched_total",
			Help: "Total number of replayed requests sent by role",
		},
		[]string{"role"},
	)

	// RequestsCompleted counts requests that produced an outcome
	RequestsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracebench_requests_completed_total",
			Help: "Total number of replayed requests that streamed to completion by role",
		},
		[]string{"role"},
	)

	// RequestFailures counts requests that produced no outcome
	RequestFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracebench_request_failures_total",
			Help: "Total number of failed replayed requests by role and kind (status, transport)",
		},
		[]string{"role", "kind"},
	)

	// RequestsInFlight tracks requests admitted and not yet finished
	RequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tracebench_requests_in_flight",
			Help: "Number of replayed requests currently in flight",
		},
	)

	// TimeToFirstToken tracks TTFT per completed request
	TimeToFirstToken = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "tracebench_ttft_seconds",
			Help: "Time to first token of completed requests by role",
			// Buckets: 10ms to ~41s
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 13),
		},
		[]string{"role"},
	)

	// InterTokenLatency tracks every gap between consecutive tokens
	InterTokenLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tracebench_inter_token_seconds",
			Help:    "Gap between consecutive streamed tokens by role",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		},
		[]string{"role"},
	)

	// RequestLatency tracks end-to-end latency per completed request
	RequestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tracebench_request_latency_seconds",
			Help:    "End-to-end latency of completed requests by role",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"role"},
	)

	// DispatchLag tracks how late requests fire relative to their schedule
	DispatchLag = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tracebench_dispatch_lag_seconds",
			Help:    "Delay between a request's scheduled offset and its actual send time",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0},
		},
	)
)

// RecordDispatched increments the dispatched counter and the in-flight gauge
func RecordDispatched(role string) {
	RequestsDispatched.WithLabelValues(role).Inc()
	RequestsInFlight.Inc()
}

// RecordDispatchLag records how late a request fired
func RecordDispatchLag(lag time.Duration) {
	if lag < 0 {
		lag = 0
	}
	DispatchLag.Observe(lag.Seconds())
}

// RecordCompleted records the timing of a request that streamed to completion
func RecordCompleted(role string, ttft, latency time.Duration, gaps []time.Duration) {
	RequestsInFlight.Dec()
	RequestsCompleted.WithLabelValues(role).Inc()
	TimeToFirstToken.WithLabelValues(role).Observe(ttft.Seconds())
	RequestLatency.WithLabelValues(role).Observe(latency.Seconds())

	itl := InterTokenLatency.WithLabelValues(role)
	for _, g := range gaps {
		itl.Observe(g.Seconds())
	}
}

// RecordFailure records a request that produced no outcome
func RecordFailure(role, kind string) {
	RequestsInFlight.Dec()
	RequestFailures.WithLabelValues(role, kind).Inc()
}

// RecordHTTPRequest records the duration and increments the counter for an HTTP request
func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
}
