// Package metrics exposes Prometheus collectors for the link pipeline service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	linksTotal                 *prometheus.CounterVec
	runsTotal                  *prometheus.CounterVec
	stageDurationSeconds       *prometheus.HistogramVec
	retryAttemptsTotal         *prometheus.CounterVec
	enumFallbacksTotal         *prometheus.CounterVec
	runInProgress              prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		linksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "linkpipeline_links_total",
				Help: "Links leaving a pipeline stage, labeled by stage and outcome.",
			},
			[]string{"stage", "outcome"},
		)

		runsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "linkpipeline_runs_total",
				Help: "Pipeline runs, labeled by result.",
			},
			[]string{"result"},
		)

		stageDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "linkpipeline_stage_duration_seconds",
				Help:    "Wall time spent in each pipeline stage per batch.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"stage"},
		)

		retryAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "linkpipeline_retry_attempts_total",
				Help: "In-stage retry attempts, labeled by operation.",
			},
			[]string{"operation"},
		)

		enumFallbacksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "linkpipeline_enum_fallbacks_total",
				Help: "Extracted enum values replaced by their fallback, labeled by field.",
			},
			[]string{"field"},
		)

		runInProgress = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "linkpipeline_run_in_progress",
				Help: "1 while this instance holds the pipeline run guard.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "linkpipeline_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"key"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveLink counts a link leaving stage with the given outcome (a status or "passed").
func ObserveLink(stage, outcome string) {
	Init()
	linksTotal.WithLabelValues(stage, outcome).Inc()
}

// ObserveRun counts a finished pipeline run.
func ObserveRun(result string) {
	Init()
	runsTotal.WithLabelValues(result).Inc()
}

// ObserveStageDuration records how long a stage took for one batch.
func ObserveStageDuration(stage string, d time.Duration) {
	Init()
	stageDurationSeconds.WithLabelValues(stage).Observe(d.Seconds())
}

// ObserveRetry counts an in-stage retry of operation.
func ObserveRetry(operation string) {
	Init()
	retryAttemptsTotal.WithLabelValues(operation).Inc()
}

// RetryHook returns a retry callback that counts retries of operation.
func RetryHook(operation string) func(attempt int, err error, delay time.Duration) {
	return func(int, error, time.Duration) {
		ObserveRetry(operation)
	}
}

// ObserveEnumFallback counts an extracted field that fell back to its default.
func ObserveEnumFallback(field string) {
	Init()
	enumFallbacksTotal.WithLabelValues(field).Inc()
}

// SetRunInProgress toggles the run guard gauge.
func SetRunInProgress(active bool) {
	Init()
	if active {
		runInProgress.Set(1)
		return
	}
	runInProgress.Set(0)
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(key string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(key).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
