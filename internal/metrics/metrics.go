// Package metrics exposes ingestion, worker and churn counters for
// prometheus scraping.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"retailpulse/backend/internal/domain"
)

const namespace = "retailpulse"

type Metrics struct {
	registry *prometheus.Registry

	BatchesTotal   *prometheus.CounterVec
	BatchDuration  *prometheus.HistogramVec
	RowsTotal      *prometheus.CounterVec
	SalesRecorded  *prometheus.CounterVec
	TasksTotal     *prometheus.CounterVec
	TaskWait       *prometheus.HistogramVec
	TaskDuration   *prometheus.HistogramVec
	HookCalls      *prometheus.CounterVec
	HookDuration   *prometheus.HistogramVec
	ChurnRuns      *prometheus.CounterVec
	ChurnCustomers *prometheus.GaugeVec
	ChurnDuration  prometheus.Histogram
	HTTPRequests   *prometheus.CounterVec
	HTTPDuration   *prometheus.HistogramVec
}

// New builds a registry with the Go and process collectors plus every
// pipeline metric.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{registry: registry}

	m.BatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingestion_batches_total",
			Help:      "Ingestion batches finished, by kind and final status",
		},
		[]string{"kind", "status"},
	)
	m.BatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingestion_batch_duration_seconds",
			Help:      "Wall time spent processing one batch",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"kind"},
	)
	m.RowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingestion_rows_total",
			Help:      "Rows seen by ingestion batches, by outcome",
		},
		[]string{"kind", "outcome"},
	)
	m.SalesRecorded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "manual_operations_total",
			Help:      "Manual sales and stock adjustments, by result",
		},
		[]string{"kind", "result"},
	)
	m.TasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_tasks_total",
			Help:      "Background tasks run by the worker pool",
		},
		[]string{"task", "status"},
	)
	m.TaskWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "worker_task_wait_seconds",
			Help:      "Time a task spent queued before a worker picked it up",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"task"},
	)
	m.TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "worker_task_duration_seconds",
			Help:      "Time a task spent running",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"task"},
	)
	m.HookCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downstream_hook_calls_total",
			Help:      "Downstream hook invocations after completed batches",
		},
		[]string{"hook", "status"},
	)
	m.HookDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "downstream_hook_duration_seconds",
			Help:      "Downstream hook latency",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"hook"},
	)
	m.ChurnRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "churn_recalculations_total",
			Help:      "Churn recalculations, by status",
		},
		[]string{"status"},
	)
	m.ChurnCustomers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "churn_scored_customers",
			Help:      "Customers scored by the last successful recalculation",
		},
		[]string{"tenant_id"},
	)
	m.ChurnDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "churn_recalculation_duration_seconds",
			Help:      "Time spent rescoring one tenant",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60},
		},
	)
	m.HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	m.HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	registry.MustRegister(
		m.BatchesTotal, m.BatchDuration, m.RowsTotal, m.SalesRecorded,
		m.TasksTotal, m.TaskWait, m.TaskDuration,
		m.HookCalls, m.HookDuration,
		m.ChurnRuns, m.ChurnCustomers, m.ChurnDuration,
		m.HTTPRequests, m.HTTPDuration,
	)
	return m
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) BatchFinished(batch domain.IngestionBatch, elapsed time.Duration) {
	m.BatchesTotal.WithLabelValues(batch.Kind, batch.Status).Inc()
	m.BatchDuration.WithLabelValues(batch.Kind).Observe(elapsed.Seconds())
	if batch.Status != domain.BatchCompleted {
		return
	}
	m.RowsTotal.WithLabelValues(batch.Kind, "processed").Add(float64(batch.RowsProcessed))
	m.RowsTotal.WithLabelValues(batch.Kind, "failed").Add(float64(batch.RowsFailed))
	m.RowsTotal.WithLabelValues(batch.Kind, "duplicate").Add(float64(batch.SkippedDuplicates))
	m.RowsTotal.WithLabelValues(batch.Kind, "transaction").Add(float64(batch.CreatedTransactions))
}

func (m *Metrics) SaleRecorded(kind string, err error) {
	m.SalesRecorded.WithLabelValues(kind, status(err)).Inc()
}

func (m *Metrics) TaskFinished(name string, wait time.Duration, run time.Duration, err error) {
	m.TasksTotal.WithLabelValues(name, status(err)).Inc()
	m.TaskWait.WithLabelValues(name).Observe(wait.Seconds())
	m.TaskDuration.WithLabelValues(name).Observe(run.Seconds())
}

func (m *Metrics) HookFinished(hook string, elapsed time.Duration, err error) {
	m.HookCalls.WithLabelValues(hook, status(err)).Inc()
	m.HookDuration.WithLabelValues(hook).Observe(elapsed.Seconds())
}

func (m *Metrics) ChurnRecomputed(tenantID string, customers int, elapsed time.Duration, err error) {
	m.ChurnRuns.WithLabelValues(status(err)).Inc()
	m.ChurnDuration.Observe(elapsed.Seconds())
	if err == nil {
		m.ChurnCustomers.WithLabelValues(tenantID).Set(float64(customers))
	}
}

// RequestFinished records one HTTP request. path is the route pattern, not
// the raw URL.
func (m *Metrics) RequestFinished(method string, path string, code int, elapsed time.Duration) {
	m.HTTPRequests.WithLabelValues(method, path, httpStatus(code)).Inc()
	m.HTTPDuration.WithLabelValues(method, path).Observe(elapsed.Seconds())
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func httpStatus(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
