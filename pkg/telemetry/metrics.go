// Package telemetry holds the director's Prometheus collectors and tracing
// helpers. Collectors register on the default registry at init.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── Tasks ───────────────────────────────────────────────────────────────────

	TasksEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gofleet",
		Subsystem: "tasks",
		Name:      "enqueued_total",
		Help:      "Total tasks enqueued, labelled by job type and queue.",
	}, []string{"job_type", "queue"})

	TasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gofleet",
		Subsystem: "tasks",
		Name:      "finished_total",
		Help:      "Total tasks that reached a terminal state, labelled by job type and state.",
	}, []string{"job_type", "state"})

	TasksInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gofleet",
		Subsystem: "tasks",
		Name:      "inflight",
		Help:      "Tasks currently processing in this worker.",
	}, []string{"job_type"})

	TaskDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gofleet",
		Subsystem: "tasks",
		Name:      "duration_seconds",
		Help:      "Task execution time in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
	}, []string{"job_type"})

	TasksRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gofleet",
		Subsystem: "tasks",
		Name:      "rejected_deliveries_total",
		Help:      "Deliveries dropped because the task was no longer queued.",
	})

	// ─── Locks ───────────────────────────────────────────────────────────────────

	LockWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gofleet",
		Subsystem: "locks",
		Name:      "wait_seconds",
		Help:      "Time spent waiting to acquire a named lock.",
		Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10, 30},
	}, []string{"kind"})

	LockTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gofleet",
		Subsystem: "locks",
		Name:      "timeouts_total",
		Help:      "Lock acquisitions that gave up after the timeout.",
	}, []string{"kind"})

	// ─── Cleanup ─────────────────────────────────────────────────────────────────

	CleanupDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gofleet",
		Subsystem: "cleanup",
		Name:      "deleted_total",
		Help:      "Resources reclaimed by the garbage collector, labelled by kind.",
	}, []string{"kind"})

	CleanupFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gofleet",
		Subsystem: "cleanup",
		Name:      "failures_total",
		Help:      "Per-item cleanup failures, labelled by kind.",
	}, []string{"kind"})

	// ─── Cloud ───────────────────────────────────────────────────────────────────

	CPICalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gofleet",
		Subsystem: "cpi",
		Name:      "calls_total",
		Help:      "CPI calls, labelled by method and outcome.",
	}, []string{"method", "outcome"})
)
