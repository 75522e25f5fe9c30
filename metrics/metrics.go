// Package metrics provides Prometheus metrics for the pipeline and the
// notification hub.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "newsdigest"

var (
	// JobsTotal counts stage job outcomes (ok, retry, failed, skipped).
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Total number of processed queue jobs",
		},
		[]string{"stage", "outcome"},
	)

	// JobDuration measures stage handler duration.
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Duration of stage handlers in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"stage"},
	)

	// TransitionsTotal counts execution status changes.
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "execution_transitions_total",
			Help:      "Total number of execution status transitions",
		},
		[]string{"to"},
	)

	// TicksTotal counts scheduler fires by outcome (enqueued, duplicate, error).
	TicksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_ticks_total",
			Help:      "Total number of scheduler fires",
		},
		[]string{"outcome"},
	)

	// ScheduledTasks tracks registered scheduler entries.
	ScheduledTasks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduled_tasks",
			Help:      "Number of tasks with a registered scheduler entry",
		},
	)

	// DeliveriesTotal counts notification deliveries per channel.
	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_deliveries_total",
			Help:      "Total number of notification deliveries",
		},
		[]string{"channel", "outcome"},
	)

	// LiveStreams tracks open live streams.
	LiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_streams",
			Help:      "Number of open live notification streams",
		},
	)
)

// RecordJob records a finished stage job.
func RecordJob(stage, outcome string, seconds float64) {
	JobsTotal.WithLabelValues(stage, outcome).Inc()
	JobDuration.WithLabelValues(stage).Observe(seconds)
}

func RecordTransition(to string) {
	TransitionsTotal.WithLabelValues(to).Inc()
}

func RecordTick(outcome string) {
	TicksTotal.WithLabelValues(outcome).Inc()
}

func RecordDelivery(channel, outcome string) {
	DeliveriesTotal.WithLabelValues(channel, outcome).Inc()
}
