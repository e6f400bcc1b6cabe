// Package metrics exposes Prometheus collectors for the scheduler and its
// worker pools, plus a small health registry. Served on metrics_addr when
// configured.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net/http"
)

var (
	// TasksStarted counts tasks accepted by the scheduler.
	TasksStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "drover",
		Name:      "tasks_started_total",
		Help:      "Number of tasks accepted by the scheduler.",
	})

	// TasksFinished counts tasks by terminal status.
	TasksFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "drover",
		Name:      "tasks_finished_total",
		Help:      "Number of tasks that reached a terminal status.",
	}, []string{"status"})

	// ActiveTasks tracks tasks currently held by the task manager.
	ActiveTasks = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "drover",
		Name:      "active_tasks",
		Help:      "Tasks currently registered with the task manager.",
	})

	// RPCRequests counts requests published per routing key.
	RPCRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "drover",
		Subsystem: "rpc",
		Name:      "requests_total",
		Help:      "RPC requests published, by routing key.",
	}, []string{"routing_key"})

	// RPCReplies counts replies received by status.
	RPCReplies = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "drover",
		Subsystem: "rpc",
		Name:      "replies_total",
		Help:      "RPC replies received, by status.",
	}, []string{"status"})

	// RPCErrors counts reply dispatch failures by kind.
	RPCErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "drover",
		Subsystem: "rpc",
		Name:      "errors_total",
		Help:      "Reply dispatch failures, by kind (decode, validate, unknown_id).",
	}, []string{"kind"})

	// CommandsPublished counts control commands fanned out to workers.
	CommandsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "drover",
		Subsystem: "rpc",
		Name:      "commands_total",
		Help:      "Control commands published, by command name.",
	}, []string{"cmd"})

	// WorkersRunning tracks live worker processes per routing key.
	WorkersRunning = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "drover",
		Subsystem: "pool",
		Name:      "workers_running",
		Help:      "Worker processes currently running, by routing key.",
	}, []string{"routing_key"})

	// WorkerRestarts counts crash restarts per routing key.
	WorkerRestarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "drover",
		Subsystem: "pool",
		Name:      "worker_restarts_total",
		Help:      "Worker processes restarted after a crash, by routing key.",
	}, []string{"routing_key"})

	// HeartbeatTimeouts counts steps failed for missing heartbeats.
	HeartbeatTimeouts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "drover",
		Subsystem: "rpc",
		Name:      "heartbeat_timeouts_total",
		Help:      "Steps failed because a worker stopped reporting, by routing key.",
	}, []string{"routing_key"})

	// LocksAcquired counts edit-lock acquisitions.
	LocksAcquired = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "drover",
		Subsystem: "editlock",
		Name:      "acquired_total",
		Help:      "Edit-lock acquisitions.",
	})

	// LocksReleased counts edit-lock releases by outcome.
	LocksReleased = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "drover",
		Subsystem: "editlock",
		Name:      "released_total",
		Help:      "Edit-lock releases, by outcome (success, failure).",
	}, []string{"outcome"})

	// EventsFlushed counts event rows written to the log store.
	EventsFlushed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "drover",
		Subsystem: "events",
		Name:      "flushed_total",
		Help:      "Completed events flushed to the log store.",
	})

	// EventSubscribers tracks attached observers.
	EventSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "drover",
		Subsystem: "events",
		Name:      "subscribers",
		Help:      "Observers currently subscribed to the event hub.",
	})

	// StepDuration measures leaf step wall time per routing key.
	StepDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "drover",
		Name:      "step_duration_seconds",
		Help:      "Wall time of leaf steps, by routing key.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
	}, []string{"routing_key"})

	// TaskDuration measures whole-task wall time.
	TaskDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "drover",
		Name:      "task_duration_seconds",
		Help:      "Wall time from task start to its final event.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 16),
	})
)

func init() {
	prometheus.MustRegister(
		TasksStarted,
		TasksFinished,
		ActiveTasks,
		RPCRequests,
		RPCReplies,
		RPCErrors,
		CommandsPublished,
		WorkersRunning,
		WorkerRestarts,
		HeartbeatTimeouts,
		LocksAcquired,
		LocksReleased,
		EventsFlushed,
		EventSubscribers,
		StepDuration,
		TaskDuration,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
