// Package metrics exposes orchestration counters to Prometheus. A private
// registry keeps tests independent of process-global state.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the instrument set served on /metrics.
type Metrics struct {
	registry *prometheus.Registry

	TasksCreated   prometheus.Counter
	TasksCompleted prometheus.Counter
	TasksFailed    prometheus.Counter
	TokensUsed     *prometheus.CounterVec
	SnapshotsSent  prometheus.Counter
	PendingTasks   prometheus.Gauge
	WorkingAgents  prometheus.Gauge
}

// New builds and registers the instrument set.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		TasksCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conductor_tasks_created_total",
			Help: "Tasks accepted into the queue.",
		}),
		TasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conductor_tasks_completed_total",
			Help: "Tasks finished successfully.",
		}),
		TasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conductor_tasks_failed_total",
			Help: "Tasks that ended in failure.",
		}),
		TokensUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_tokens_used_total",
			Help: "Model tokens consumed, by agent.",
		}, []string{"agent"}),
		SnapshotsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conductor_snapshots_sent_total",
			Help: "State snapshots delivered to clients.",
		}),
		PendingTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "conductor_pending_tasks",
			Help: "Tasks waiting for dispatch.",
		}),
		WorkingAgents: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "conductor_working_agents",
			Help: "Agents currently executing a task.",
		}),
	}
	m.registry.MustRegister(
		m.TasksCreated, m.TasksCompleted, m.TasksFailed,
		m.TokensUsed, m.SnapshotsSent,
		m.PendingTasks, m.WorkingAgents,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
