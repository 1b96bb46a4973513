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
			Name: "kindful_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kindful_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	schedulingPassResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kindful_scheduling_pass_results_total",
			Help: "Scheduling pass results by disposition (scheduled, skipped, error)",
		},
		[]string{"disposition"},
	)

	suppressionSkips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kindful_suppression_skips_total",
			Help: "Recipients skipped due to channel opt-outs",
		},
		[]string{"channel"},
	)

	sendOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kindful_send_outcomes_total",
			Help: "Terminal delivery outcomes by channel and status",
		},
		[]string{"channel", "status"},
	)

	deliveryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kindful_delivery_latency_seconds",
			Help:    "Time from machine start to terminal outcome",
			Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60, 300},
		},
		[]string{"channel"},
	)

	activeDeliveries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kindful_active_deliveries",
			Help: "Delivery machines currently running",
		},
	)

	retrySweepRequeued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kindful_retry_sweep_requeued_total",
			Help: "Failed sends reset to pending by the retry tracker",
		},
	)

	rateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kindful_rate_limit_rejections_total",
			Help: "Requests rejected by the trigger rate limiter",
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

// RecordSchedulingPass records the counts of one scheduling pass
func RecordSchedulingPass(scheduled, skipped, errors int) {
	schedulingPassResults.WithLabelValues("scheduled").Add(float64(scheduled))
	schedulingPassResults.WithLabelValues("skipped").Add(float64(skipped))
	schedulingPassResults.WithLabelValues("error").Add(float64(errors))
}

// RecordSuppressionSkip records an opted-out recipient being skipped
func RecordSuppressionSkip(channel string) {
	suppressionSkips.WithLabelValues(channel).Inc()
}

// RecordSendOutcome records a terminal delivery outcome
func RecordSendOutcome(channel, status string) {
	sendOutcomes.WithLabelValues(channel, status).Inc()
}

// RecordDeliveryLatency records machine start-to-finish time
func RecordDeliveryLatency(channel string, latency time.Duration) {
	deliveryLatency.WithLabelValues(channel).Observe(latency.Seconds())
}

// SetActiveDeliveries sets the running machine count
func SetActiveDeliveries(count int) {
	activeDeliveries.Set(float64(count))
}

// RecordRetryRequeued records sends reset for retry
func RecordRetryRequeued(count int) {
	retrySweepRequeued.Add(float64(count))
}

// RecordRateLimitRejection records a rejected trigger request
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

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
