// Package metrics exposes orchestrator measurements in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/cuongbtq/hv-orchestrator/internal/domain"
	"github.com/cuongbtq/hv-orchestrator/internal/pool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hv_orchestrator"

// Metrics holds every collector on a private registry. It implements
// registry.Observer and pool.Observer.
type Metrics struct {
	reg *prometheus.Registry

	jobsSubmitted *prometheus.CounterVec
	jobsFinished  *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	jobsQueued    prometheus.Gauge

	poolTasks    *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec
	poolScale    *prometheus.CounterVec
	poolWorkers  prometheus.Gauge
	poolBusy     prometheus.Gauge
	poolBacklog  prometheus.Gauge

	eventsDropped prometheus.GaugeFunc
}

// New creates and registers the collectors. droppedEvents, when non-nil,
// reports the event bus drop counter.
func New(droppedEvents func() int64) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		jobsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Jobs accepted by the registry",
		}, []string{"type"}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Jobs that reached a terminal status",
		}, []string{"type", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Time from dispatch to terminal status",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"type"}),
		jobsQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_queued",
			Help:      "Jobs waiting for dispatch",
		}),
		poolTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "tasks_total",
			Help:      "Remote calls completed by the task pool",
		}, []string{"class", "code"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "task_duration_seconds",
			Help:      "Duration of remote calls",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"class"}),
		poolScale: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "scale_events_total",
			Help:      "Workers added or retired by the sizing loop, and refused scale-ups",
		}, []string{"direction"}),
		poolWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "workers",
			Help:      "Current worker count",
		}),
		poolBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "busy_workers",
			Help:      "Workers executing a remote call",
		}),
		poolBacklog: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "backlog",
			Help:      "Tasks waiting for a worker",
		}),
	}

	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.jobsSubmitted,
		m.jobsFinished,
		m.jobDuration,
		m.jobsQueued,
		m.poolTasks,
		m.taskDuration,
		m.poolScale,
		m.poolWorkers,
		m.poolBusy,
		m.poolBacklog,
	)

	if droppedEvents != nil {
		m.eventsDropped = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "events_dropped",
			Help:      "Completion events dropped because the event buffer was full",
		}, func() float64 { return float64(droppedEvents()) })
		m.reg.MustRegister(m.eventsDropped)
	}
	return m
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Registry returns the underlying Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// JobSubmitted implements registry.Observer
func (m *Metrics) JobSubmitted(t domain.JobType) {
	m.jobsSubmitted.WithLabelValues(string(t)).Inc()
}

// JobFinished implements registry.Observer
func (m *Metrics) JobFinished(t domain.JobType, status domain.JobStatus, d time.Duration) {
	m.jobsFinished.WithLabelValues(string(t), string(status)).Inc()
	m.jobDuration.WithLabelValues(string(t)).Observe(d.Seconds())
}

// SetQueued implements registry.Observer
func (m *Metrics) SetQueued(n int) {
	m.jobsQueued.Set(float64(n))
}

// ObserveTask implements pool.Observer
func (m *Metrics) ObserveTask(class pool.Class, code string, d time.Duration) {
	m.poolTasks.WithLabelValues(string(class), code).Inc()
	m.taskDuration.WithLabelValues(string(class)).Observe(d.Seconds())
}

// ObserveScale implements pool.Observer
func (m *Metrics) ObserveScale(direction string, n int) {
	if direction == pool.ScaleRefused {
		m.poolScale.WithLabelValues(direction).Inc()
		return
	}
	m.poolScale.WithLabelValues(direction).Add(float64(n))
}

// SetState implements pool.Observer
func (m *Metrics) SetState(current, busy, backlog int) {
	m.poolWorkers.Set(float64(current))
	m.poolBusy.Set(float64(busy))
	m.poolBacklog.Set(float64(backlog))
}
