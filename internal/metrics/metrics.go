// Package metrics holds the Prometheus collectors exported by the engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksEnqueuedTotal counts accepted enqueue requests by task type.
	TasksEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskengine_tasks_enqueued_total",
			Help: "Total number of tasks enqueued.",
		},
		[]string{"task_type"},
	)

	// TaskExecutionsTotal counts finished execution attempts by outcome state.
	TaskExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskengine_task_executions_total",
			Help: "Total number of task execution attempts by resulting state.",
		},
		[]string{"task_type", "state"},
	)

	// TaskDurationSeconds observes handler run time.
	TaskDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskengine_task_duration_seconds",
			Help:    "Duration of task handler executions in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"task_type"},
	)

	// TasksInFlight is the number of handlers currently running.
	TasksInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskengine_tasks_in_flight",
			Help: "Number of task handlers currently executing.",
		},
	)

	// LeasesReclaimedTotal counts expired leases returned to pending.
	LeasesReclaimedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskengine_leases_reclaimed_total",
			Help: "Total number of expired task leases reclaimed.",
		},
	)

	// QueueStoreErrorsTotal counts failed queue store operations.
	QueueStoreErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskengine_queue_store_errors_total",
			Help: "Total number of queue store operation errors.",
		},
		[]string{"operation"},
	)

	// NotificationsDeliveredTotal counts events written to live connections.
	NotificationsDeliveredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskengine_notifications_delivered_total",
			Help: "Total number of notifications written to live connections.",
		},
	)

	// NotificationsDroppedTotal counts subscriptions dropped by reason.
	NotificationsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskengine_notifications_dropped_total",
			Help: "Total number of subscriptions dropped during delivery.",
		},
		[]string{"reason"},
	)

	// ActiveSubscriptions is the number of live connections subscribed to the hub.
	ActiveSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskengine_active_subscriptions",
			Help: "Number of live notification subscriptions.",
		},
	)
)
