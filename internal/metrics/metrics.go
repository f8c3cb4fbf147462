// Package metrics exposes Prometheus collectors for the crawler service.
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
	admissionsTotal            *prometheus.CounterVec
	eventsPublishedTotal       *prometheus.CounterVec
	tasksTotal                 *prometheus.CounterVec
	taskDurationSeconds        *prometheus.HistogramVec
	taskRetriesTotal           *prometheus.CounterVec
	activeTasks                prometheus.Gauge
	storeWritesTotal           *prometheus.CounterVec
	coversTotal                *prometheus.CounterVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors. It is safe to call multiple times and
// every Observe helper calls it.
func Init() {
	once.Do(func() {
		admissionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_admissions_total",
				Help: "Admission decisions, labeled by event and outcome.",
			},
			[]string{"event", "outcome"},
		)

		eventsPublishedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_events_published_total",
				Help: "Events published to the task queue, labeled by event and mode.",
			},
			[]string{"event", "mode"},
		)

		tasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_tasks_total",
				Help: "Executed tasks, labeled by workflow and result.",
			},
			[]string{"workflow", "result"},
		)

		taskDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_task_duration_seconds",
				Help:    "Histogram of task execution time, labeled by workflow.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"workflow"},
		)

		taskRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_task_retries_total",
				Help: "Task attempts retried after a handler error, labeled by workflow.",
			},
			[]string{"workflow"},
		)

		activeTasks = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_tasks",
				Help: "Number of tasks currently executing.",
			},
		)

		storeWritesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_store_writes_total",
				Help: "Entity store writes, labeled by operation and outcome.",
			},
			[]string{"op", "outcome"},
		)

		coversTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_covers_total",
				Help: "Cover downloads, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"site"},
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

// ObserveAdmission counts one admission decision.
func ObserveAdmission(event string, admitted bool) {
	Init()
	outcome := "rejected"
	if admitted {
		outcome = "admitted"
	}
	admissionsTotal.WithLabelValues(event, outcome).Inc()
}

// ObservePublished counts published events. mode is "single" or "batch".
func ObservePublished(event, mode string, n int) {
	Init()
	eventsPublishedTotal.WithLabelValues(event, mode).Add(float64(n))
}

// ObserveTask records a finished task.
func ObserveTask(workflow, result string, duration time.Duration) {
	Init()
	tasksTotal.WithLabelValues(workflow, result).Inc()
	taskDurationSeconds.WithLabelValues(workflow).Observe(duration.Seconds())
}

// ObserveTaskRetry counts a retried attempt.
func ObserveTaskRetry(workflow string) {
	Init()
	taskRetriesTotal.WithLabelValues(workflow).Inc()
}

// IncActiveTasks increments the active task gauge.
func IncActiveTasks() {
	Init()
	activeTasks.Inc()
}

// DecActiveTasks decrements the active task gauge.
func DecActiveTasks() {
	Init()
	activeTasks.Dec()
}

// ObserveStoreWrite counts an entity store write.
func ObserveStoreWrite(op, outcome string) {
	Init()
	storeWritesTotal.WithLabelValues(op, outcome).Inc()
}

// ObserveCover counts a cover download outcome.
func ObserveCover(outcome string) {
	Init()
	coversTotal.WithLabelValues(outcome).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(site string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(site).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
