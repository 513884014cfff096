// Package metrics exposes the platform's Prometheus surface: counters
// and gauges for the Agent Bus, Outbox publisher, Stream Manager,
// Worker Space Registry, and Approval Manager, served over a
// dedicated /metrics endpoint. No file in the example pack wires
// prometheus/client_golang outside its own go.mod declarations, so
// this package follows the library's own canonical
// promauto-against-a-private-registry idiom rather than a pack
// grounding, and otherwise matches this codebase's small
// struct-of-fields-plus-New() constructor style used throughout
// internal/*.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry bundles every metric the running process reports. It owns
// a private *prometheus.Registry rather than using the global default
// so tests can construct an isolated instance without colliding with
// other packages' metrics.
type Registry struct {
	reg *prometheus.Registry

	BusTasksEnqueued  *prometheus.CounterVec
	BusTasksCompleted *prometheus.CounterVec
	BusQueueDepth     *prometheus.GaugeVec
	BusRetries        *prometheus.CounterVec

	OutboxPublished *prometheus.CounterVec
	OutboxFailed    *prometheus.CounterVec
	OutboxPending   prometheus.Gauge

	StreamSubscribers  prometheus.Gauge
	StreamEventsSent   *prometheus.CounterVec
	StreamBufferEvicts *prometheus.CounterVec

	WorkerSpacesActive prometheus.Gauge

	ApprovalsCreated  *prometheus.CounterVec
	ApprovalsResolved *prometheus.CounterVec
	ApprovalsTimedOut prometheus.Counter
}

// New builds a Registry with every metric registered against its own
// private prometheus.Registry.
func New() *Registry {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Registry{
		reg: reg,

		BusTasksEnqueued: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "platform", Subsystem: "bus", Name: "tasks_enqueued_total",
			Help: "Tasks enqueued onto an agent's queue.",
		}, []string{"agent_id"}),
		BusTasksCompleted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "platform", Subsystem: "bus", Name: "tasks_completed_total",
			Help: "Tasks that finished dispatch, labeled by outcome.",
		}, []string{"agent_id", "outcome"}),
		BusQueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "platform", Subsystem: "bus", Name: "queue_depth",
			Help: "Current number of queued tasks per agent.",
		}, []string{"agent_id"}),
		BusRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "platform", Subsystem: "bus", Name: "retries_total",
			Help: "Task dispatch retries, labeled by agent.",
		}, []string{"agent_id"}),

		OutboxPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "platform", Subsystem: "outbox", Name: "published_total",
			Help: "Outbox rows successfully published.",
		}, []string{"event_type"}),
		OutboxFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "platform", Subsystem: "outbox", Name: "failed_total",
			Help: "Outbox publish attempts that failed.",
		}, []string{"event_type"}),
		OutboxPending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "platform", Subsystem: "outbox", Name: "pending",
			Help: "Outbox rows currently pending publish, sampled each claim tick.",
		}),

		StreamSubscribers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "platform", Subsystem: "stream", Name: "subscribers",
			Help: "Currently connected stream subscribers across all sessions.",
		}),
		StreamEventsSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "platform", Subsystem: "stream", Name: "events_sent_total",
			Help: "Events delivered to subscribers, labeled by event type.",
		}, []string{"event_type"}),
		StreamBufferEvicts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "platform", Subsystem: "stream", Name: "buffer_evictions_total",
			Help: "Ring buffer slots overwritten before a resume could read them.",
		}, []string{"session_id"}),

		WorkerSpacesActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "platform", Subsystem: "workerspace", Name: "active",
			Help: "Currently materialized Worker Spaces.",
		}),

		ApprovalsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "platform", Subsystem: "approval", Name: "created_total",
			Help: "Approval requests created, labeled by risk level.",
		}, []string{"risk"}),
		ApprovalsResolved: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "platform", Subsystem: "approval", Name: "resolved_total",
			Help: "Approval requests resolved, labeled by outcome.",
		}, []string{"outcome"}),
		ApprovalsTimedOut: f.NewCounter(prometheus.CounterOpts{
			Namespace: "platform", Subsystem: "approval", Name: "timed_out_total",
			Help: "Approval requests that hit their timeout before resolution.",
		}),
	}
}

// Gatherer exposes the underlying *prometheus.Registry for mounting
// behind promhttp.HandlerFor in internal/httpapi's router.
func (r *Registry) Gatherer() *prometheus.Registry {
	return r.reg
}
