package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics — метрики движка.
//
// Все методы безопасны для nil-получателя: компоненты, которым метрики
// не переданы, просто ничего не записывают.
type Metrics struct {
	registry *prometheus.Registry

	instances    *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	submissions  *prometheus.CounterVec
	polls        *prometheus.CounterVec
	retries      *prometheus.CounterVec
	workflows    *prometheus.CounterVec
	inFlightJobs prometheus.Gauge
}

// NewMetrics создаёт метрики в собственном реестре.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		instances: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "batchflow",
			Name:      "instances_total",
			Help:      "Slice instances by terminal status.",
		}, []string{"step", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "batchflow",
			Name:      "instance_duration_seconds",
			Help:      "Wall time from staging to fetch.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
		}, []string{"step"}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "batchflow",
			Name:      "job_submissions_total",
			Help:      "Batch job submissions by executor.",
		}, []string{"executor"}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "batchflow",
			Name:      "job_polls_total",
			Help:      "Batch scheduler status queries by executor.",
		}, []string{"executor"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "batchflow",
			Name:      "retries_total",
			Help:      "Retries by error kind.",
		}, []string{"kind"}),
		workflows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "batchflow",
			Name:      "workflows_total",
			Help:      "Workflows by terminal status.",
		}, []string{"status"}),
		inFlightJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "batchflow",
			Name:      "jobs_in_flight",
			Help:      "Submitted batch jobs not yet terminal.",
		}),
	}

	reg.MustRegister(
		m.instances, m.duration, m.submissions, m.polls,
		m.retries, m.workflows, m.inFlightJobs,
		collectors.NewGoCollector(),
	)

	return m
}

// Handler возвращает HTTP handler для /metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry возвращает реестр метрик (для тестов).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// InstanceFinished учитывает завершённый экземпляр.
func (m *Metrics) InstanceFinished(step, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.instances.WithLabelValues(step, status).Inc()
	if d > 0 {
		m.duration.WithLabelValues(step).Observe(d.Seconds())
	}
}

// JobSubmitted учитывает отправку job.
func (m *Metrics) JobSubmitted(executor string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(executor).Inc()
	m.inFlightJobs.Inc()
}

// JobFinished уменьшает счётчик выполняющихся job.
func (m *Metrics) JobFinished() {
	if m == nil {
		return
	}
	m.inFlightJobs.Dec()
}

// JobPolled учитывает запрос статуса job.
func (m *Metrics) JobPolled(executor string) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(executor).Inc()
}

// Retried учитывает повторную попытку.
func (m *Metrics) Retried(kind string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(kind).Inc()
}

// WorkflowFinished учитывает завершённый workflow.
func (m *Metrics) WorkflowFinished(status string) {
	if m == nil {
		return
	}
	m.workflows.WithLabelValues(status).Inc()
}
