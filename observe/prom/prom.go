// Package prom implements scope.Observer on top of real Prometheus
// collectors, so a Scope's lifecycle events become exported metrics instead
// of process-local counters.
package prom

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is a scope.Observer backed by Prometheus counters and histograms.
// Register it into any prometheus.Registerer to expose the series it
// collects; it also implements prometheus.Collector directly.
type Metrics struct {
	activeTasks     prometheus.Gauge
	tasksStarted    prometheus.Counter
	tasksFinished   prometheus.Counter
	tasksErrored    prometheus.Counter
	tasksPanicked   prometheus.Counter
	taskDuration    prometheus.Histogram
	scopesCreated   prometheus.Counter
	scopesCancelled prometheus.Counter
	joins           prometheus.Counter
	joinWait        prometheus.Histogram
}

// New returns a Metrics observer with freshly constructed, unregistered
// collectors.
func New() *Metrics {
	return &Metrics{
		activeTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scope_active_tasks",
			Help: "Number of children currently live within a scope.",
		}),
		tasksStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scope_tasks_started_total",
			Help: "Total children forked through a scope.",
		}),
		tasksFinished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scope_tasks_finished_total",
			Help: "Total children that have published an outcome.",
		}),
		tasksErrored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scope_tasks_errored_total",
			Help: "Total children whose outcome was a raised error.",
		}),
		tasksPanicked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scope_tasks_panicked_total",
			Help: "Total children whose action panicked.",
		}),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scope_task_duration_seconds",
			Help:    "Wall-clock duration of a child's action.",
			Buckets: prometheus.DefBuckets,
		}),
		scopesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scope_created_total",
			Help: "Total scopes opened.",
		}),
		scopesCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scope_cancelled_total",
			Help: "Total scopes whose context was cancelled by a propagated failure.",
		}),
		joins: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scope_joins_total",
			Help: "Total times a scope's join fence cleared.",
		}),
		joinWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scope_join_wait_seconds",
			Help:    "Time spent blocked at a scope's join fence during shutdown.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(m, ch)
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.activeTasks.Collect(ch)
	m.tasksStarted.Collect(ch)
	m.tasksFinished.Collect(ch)
	m.tasksErrored.Collect(ch)
	m.tasksPanicked.Collect(ch)
	m.taskDuration.Collect(ch)
	m.scopesCreated.Collect(ch)
	m.scopesCancelled.Collect(ch)
	m.joins.Collect(ch)
	m.joinWait.Collect(ch)
}

// ScopeCreated records scope creation.
func (m *Metrics) ScopeCreated(_ context.Context) {
	m.scopesCreated.Inc()
}

// ScopeCancelled records a scope whose context was cancelled by a
// propagated child failure.
func (m *Metrics) ScopeCancelled(_ context.Context, _ error) {
	m.scopesCancelled.Inc()
}

// ScopeJoined records a cleared join fence and how long it took.
func (m *Metrics) ScopeJoined(_ context.Context, wait time.Duration) {
	m.joins.Inc()
	m.joinWait.Observe(wait.Seconds())
}

// TaskStarted records a child becoming live.
func (m *Metrics) TaskStarted(_ context.Context) {
	m.activeTasks.Inc()
	m.tasksStarted.Inc()
}

// TaskFinished records a child publishing its outcome.
func (m *Metrics) TaskFinished(_ context.Context, dur time.Duration, err error, panicked bool) {
	m.activeTasks.Dec()
	m.tasksFinished.Inc()
	m.taskDuration.Observe(dur.Seconds())
	if err != nil {
		m.tasksErrored.Inc()
	}
	if panicked {
		m.tasksPanicked.Inc()
	}
}
