package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookrelay_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hookrelay_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	deliveriesDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookrelay_deliveries_dispatched_total",
			Help: "Deliveries created by event type",
		},
		[]string{"event_type"},
	)

	deliveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookrelay_delivery_attempts_total",
			Help: "Delivery attempts by resulting state",
		},
		[]string{"outcome"},
	)

	attemptDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hookrelay_delivery_attempt_duration_seconds",
			Help:    "Time spent per delivery attempt including the HTTP call",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10, 30},
		},
		[]string{"outcome"},
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hookrelay_work_queue_depth",
			Help: "Delivery IDs waiting in the in-process work queue",
		},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hookrelay_idempotency_hits_total",
			Help: "Event submissions served from the idempotency cache",
		},
	)

	quotaRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookrelay_quota_rejections_total",
			Help: "Dispatches rejected by the hourly delivery quota",
		},
		[]string{"project_id"},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookrelay_rate_limit_rejections_total",
			Help: "API requests rejected by the rate limiter",
		},
		[]string{"project_id"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordDispatched records a delivery created by the dispatcher
func RecordDispatched(eventType string) {
	deliveriesDispatched.WithLabelValues(eventType).Inc()
}

// RecordAttempt records a delivery attempt and the state it produced
func RecordAttempt(outcome string, duration time.Duration) {
	deliveryAttempts.WithLabelValues(outcome).Inc()
	attemptDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// SetQueueDepth sets the current work queue depth
func SetQueueDepth(depth int) {
	queueDepth.Set(float64(depth))
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordQuotaRejection records a dispatch rejected by the hourly quota
func RecordQuotaRejection(projectID string) {
	quotaRejections.WithLabelValues(projectID).Inc()
}

// RecordRateLimitRejection records an API rate limit rejection
func RecordRateLimitRejection(projectID string) {
	rateLimitRejections.WithLabelValues(projectID).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
