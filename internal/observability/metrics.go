package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	TasksEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_enqueued_total",
			Help: "Total number of task envelopes submitted to the broker",
		},
		[]string{"task_name", "queue"},
	)
	TasksProcessing = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tasks_processing",
			Help: "Number of envelopes currently executing in this worker",
		},
	)
	TasksCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_completed_total",
			Help: "Total number of tasks finished with status success",
		},
		[]string{"task_name"},
	)
	TasksFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_failed_total",
			Help: "Total number of task attempts finished with status failure",
		},
		[]string{"task_name", "error_type"},
	)
	TasksRetriedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_retried_total",
			Help: "Total number of failed attempts requeued for retry",
		},
		[]string{"task_name"},
	)
	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "task_duration_seconds",
			Help:    "Handler execution duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 300},
		},
		[]string{"task_name", "status"},
	)

	DLQEntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlq_entries_total",
			Help: "Total number of envelopes dead-lettered after final failure",
		},
		[]string{"task_name"},
	)
	SchedulerFiresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_fires_total",
			Help: "Total number of scheduler fires by outcome (published, skipped, coalesced, error)",
		},
		[]string{"job_id", "outcome"},
	)
)

// InitMetrics registers all collectors with the default registry. Call once
// per process.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(TasksEnqueuedTotal)
	prometheus.MustRegister(TasksProcessing)
	prometheus.MustRegister(TasksCompletedTotal)
	prometheus.MustRegister(TasksFailedTotal)
	prometheus.MustRegister(TasksRetriedTotal)
	prometheus.MustRegister(TaskDuration)
	prometheus.MustRegister(DLQEntriesTotal)
	prometheus.MustRegister(SchedulerFiresTotal)
}

// EnqueueTask records one broker submit.
func EnqueueTask(taskName, queue string) {
	TasksEnqueuedTotal.WithLabelValues(taskName, queue).Inc()
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(dur)
	})
}
