// Package metrics exposes the Prometheus collectors for the pipeline:
// product ingestion, scheduling latency, container outcomes and HTTP
// surface activity. Registration happens at package init so any package
// that imports metrics gets working counters without an explicit setup
// call.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ProductsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qpf_products_ingested_total",
			Help: "Total number of products observed by a directory watcher, by source folder",
		},
		[]string{"source"},
	)

	ProductsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qpf_products_dropped_total",
			Help: "Total number of files dropped for failing to match the product filename grammar",
		},
		[]string{"source"},
	)

	ProductsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qpf_products_dispatched_total",
			Help: "Total number of products dispatched to a node, by destination and outcome",
		},
		[]string{"node", "outcome"},
	)

	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "qpf_scheduling_latency_seconds",
			Help:    "Time taken to schedule a task onto an agent, in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	TasksScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "qpf_tasks_scheduled_total",
			Help: "Total number of tasks created by the task manager",
		},
	)

	TasksFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "qpf_tasks_failed_total",
			Help: "Total number of tasks that ended in FAILED or ABORTED",
		},
	)

	ContainersByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "qpf_containers_by_status",
			Help: "Current count of containers in each normalized task status, by agent",
		},
		[]string{"agent", "status"},
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qpf_http_requests_total",
			Help: "Total number of HTTP requests served, by route and status code",
		},
		[]string{"route", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "qpf_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds, by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	DispatchFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "qpf_dispatch_fallbacks_total",
			Help: "Total number of times the commander fell back to local processing after a failed POST /inbox",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ProductsIngested,
		ProductsDropped,
		ProductsDispatched,
		SchedulingLatency,
		TasksScheduled,
		TasksFailed,
		ContainersByStatus,
		HTTPRequestsTotal,
		HTTPRequestDuration,
		DispatchFallbacks,
	)
}

// Handler returns the Prometheus scrape handler, bound when
// general.metricsPort is set.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures an operation's duration for later observation.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
