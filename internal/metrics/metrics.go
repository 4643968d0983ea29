package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "khidmat_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "khidmat_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	jobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "khidmat_jobs_enqueued_total",
			Help: "Background jobs enqueued by kind and backend",
		},
		[]string{"kind", "backend"},
	)

	jobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "khidmat_jobs_processed_total",
			Help: "Background jobs processed by kind and result",
		},
		[]string{"kind", "result"},
	)

	jobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "khidmat_job_duration_seconds",
			Help:    "Time spent running a background job",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10, 30},
		},
		[]string{"kind"},
	)

	queueFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "khidmat_queue_fallbacks_total",
			Help: "Jobs run outside the primary queue because enqueue failed",
		},
		[]string{"mode"},
	)

	channelSends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "khidmat_channel_sends_total",
			Help: "Provider send attempts by channel and outcome",
		},
		[]string{"channel", "outcome"},
	)

	duplicateDispatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "khidmat_duplicate_dispatches_total",
			Help: "Dispatch triggers dropped because one was already in flight",
		},
		[]string{"kind"},
	)

	sweepRows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "khidmat_sweep_rows_total",
			Help: "Rows visited by periodic sweeps by result",
		},
		[]string{"sweep", "result"},
	)

	cleanupDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "khidmat_cleanup_deleted_total",
			Help: "Terminal rows removed by the nightly cleanup",
		},
		[]string{"table"},
	)

	webhookStatuses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "khidmat_webhook_statuses_total",
			Help: "Delivery status callbacks by status and matched entity",
		},
		[]string{"status", "target"},
	)

	circuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "khidmat_circuit_state",
			Help: "Circuit breaker state per channel (0 closed, 1 half-open, 2 open)",
		},
		[]string{"channel"},
	)

	sqsMessagesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "khidmat_sqs_messages_in_flight",
			Help: "Current messages being processed from SQS",
		},
	)

	rateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "khidmat_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
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

// RecordJobEnqueued records a job handed to a queue backend
func RecordJobEnqueued(kind, backend string) {
	jobsEnqueued.WithLabelValues(kind, backend).Inc()
}

// RecordJobProcessed records the result of one job run
func RecordJobProcessed(kind, result string, duration time.Duration) {
	jobsProcessed.WithLabelValues(kind, result).Inc()
	jobDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordQueueFallback records a degradation to goroutine or sync execution
func RecordQueueFallback(mode string) {
	queueFallbacks.WithLabelValues(mode).Inc()
}

// RecordChannelSend records a provider send outcome
func RecordChannelSend(channel, outcome string) {
	channelSends.WithLabelValues(channel, outcome).Inc()
}

// RecordDuplicateDispatch records a trigger dropped by deduplication
func RecordDuplicateDispatch(kind string) {
	duplicateDispatches.WithLabelValues(kind).Inc()
}

// RecordSweepRow records one row visited by a sweep
func RecordSweepRow(sweep, result string) {
	sweepRows.WithLabelValues(sweep, result).Inc()
}

// RecordCleanup records rows deleted by retention cleanup
func RecordCleanup(table string, n int64) {
	cleanupDeleted.WithLabelValues(table).Add(float64(n))
}

// RecordWebhookStatus records a delivery status callback
func RecordWebhookStatus(status, target string) {
	webhookStatuses.WithLabelValues(status, target).Inc()
}

// SetCircuitState sets the breaker state gauge for a channel
func SetCircuitState(channel string, state int) {
	circuitState.WithLabelValues(channel).Set(float64(state))
}

// SetSQSMessagesInFlight sets the current in-flight message count
func SetSQSMessagesInFlight(count int) {
	sqsMessagesInFlight.Set(float64(count))
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection() {
	rateLimitRejections.Inc()
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

// Middleware returns HTTP middleware that records request metrics. The
// route pattern is used as the path label so IDs do not explode cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		RecordRequest(r.Method, path, wrapped.status, time.Since(start))
	})
}
