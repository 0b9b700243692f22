package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/3leaps/cycjobs/pkg/jobregistry"
)

// TelemetrySystem and PrometheusExporter are set by InitMetrics.
var (
	TelemetrySystem    *JobMetrics
	PrometheusExporter http.Handler
)

// JobMetrics collects job lifecycle and HTTP metrics. It implements
// jobregistry.Observer so the manager reports through it.
type JobMetrics struct {
	registry *prometheus.Registry
	logger   *zap.Logger

	submitted *prometheus.CounterVec
	started   *prometheus.CounterVec
	finished  *prometheus.CounterVec
	removed   prometheus.Counter
	active    prometheus.Gauge
	duration  *prometheus.HistogramVec

	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec
}

var _ jobregistry.Observer = (*JobMetrics)(nil)

// NewJobMetrics registers every collector on a fresh registry.
func NewJobMetrics(namespace string, logger *zap.Logger) *JobMetrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &JobMetrics{
		registry: prometheus.NewRegistry(),
		logger:   logger,
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Jobs accepted by submit, by script.",
		}, []string{"script"}),
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_started_total",
			Help:      "Jobs whose process was launched, by script.",
		}, []string{"script"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Jobs that reached a terminal status.",
		}, []string{"script", "status"}),
		removed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_removed_total",
			Help:      "Job directories deleted by cleanup.",
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_active",
			Help:      "Jobs submitted by this process that have not finished.",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time from start to terminal status.",
			Buckets:   []float64{1, 10, 60, 300, 600, 1200, 1800, 3600, 5400, 7200},
		}, []string{"script", "status"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"method", "route", "code"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	m.registry.MustRegister(
		m.submitted, m.started, m.finished, m.removed, m.active, m.duration,
		m.httpRequests, m.httpLatency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// InitMetrics creates the process-wide metrics and exporter.
func InitMetrics(namespace string, logger *zap.Logger) *JobMetrics {
	m := NewJobMetrics(namespace, logger)
	TelemetrySystem = m
	PrometheusExporter = m.Handler()
	return m
}

func (m *JobMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *JobMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *JobMetrics) JobSubmitted(rec *jobregistry.JobRecord) {
	m.submitted.WithLabelValues(rec.ScriptName).Inc()
	m.active.Inc()
	m.logger.Info("Job submitted",
		zap.String("job_id", rec.JobID),
		zap.String("job_name", rec.JobName),
		zap.String("script", rec.ScriptName))
}

func (m *JobMetrics) JobStarted(rec *jobregistry.JobRecord) {
	m.started.WithLabelValues(rec.ScriptName).Inc()
	m.logger.Info("Job started",
		zap.String("job_id", rec.JobID),
		zap.Int("pid", rec.PID))
}

func (m *JobMetrics) JobFinished(rec *jobregistry.JobRecord) {
	status := string(rec.Status)
	m.finished.WithLabelValues(rec.ScriptName, status).Inc()
	m.active.Dec()
	if rec.StartedAt != nil && rec.CompletedAt != nil {
		m.duration.WithLabelValues(rec.ScriptName, status).Observe(rec.CompletedAt.Sub(*rec.StartedAt).Seconds())
	}

	fields := []zap.Field{
		zap.String("job_id", rec.JobID),
		zap.String("status", status),
	}
	if rec.ExitCode != nil {
		fields = append(fields, zap.Int("exit_code", *rec.ExitCode))
	}
	if rec.Status == jobregistry.JobStatusFailed {
		m.logger.Warn("Job failed", append(fields, zap.String("error_type", rec.ErrorType), zap.String("error", rec.Error))...)
		return
	}
	m.logger.Info("Job finished", fields...)
}

func (m *JobMetrics) JobsRemoved(n int) {
	if n <= 0 {
		return
	}
	m.removed.Add(float64(n))
	m.logger.Info("Removed old jobs", zap.Int("count", n))
}

// ObserveHTTP records one served request.
func (m *JobMetrics) ObserveHTTP(method, route string, code int, elapsed time.Duration) {
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.httpLatency.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
