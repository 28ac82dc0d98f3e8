package reminders

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "followup"

var (
	reminderQueueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reminders",
			Name:      "queue_size",
			Help:      "Number of reminders by status",
		},
		[]string{"status"},
	)

	remindersCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reminders",
			Name:      "created_total",
			Help:      "Reminders created by the resolver",
		},
		[]string{"type"},
	)

	remindersCancelled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reminders",
			Name:      "cancelled_total",
			Help:      "Reminders superseded or resolved before delivery",
		},
		[]string{"status", "reason"},
	)

	eventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "enrich",
			Name:      "events_total",
			Help:      "Events processed by the resolver, by source and action",
		},
		[]string{"source", "action"},
	)

	dispatchOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "outcomes_total",
			Help:      "Dispatch results per claimed reminder. Sum should match claimed_total.",
		},
		[]string{"outcome"},
	)

	remindersClaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "claimed_total",
			Help:      "Total reminders claimed by dispatchers",
		},
	)

	sendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "send_duration_seconds",
			Help:      "Time to deliver one reminder",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Enrich and dispatch runs by result",
		},
		[]string{"run", "result"},
	)
)

func recordReminderCreated(reminderType string) {
	remindersCreated.WithLabelValues(reminderType).Inc()
}

func recordReminderCancelled(status, reason string) {
	remindersCancelled.WithLabelValues(status, reason).Inc()
}

func recordEventProcessed(source string, action ActionKind) {
	eventsProcessed.WithLabelValues(source, string(action)).Inc()
}

func recordDispatchOutcome(outcome string) {
	dispatchOutcomes.WithLabelValues(outcome).Inc()
}

func recordClaimed(count int) {
	remindersClaimed.Add(float64(count))
}

func recordSendDuration(d time.Duration) {
	sendDuration.Observe(d.Seconds())
}

func recordRun(run string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	runsTotal.WithLabelValues(run, result).Inc()
}

// RecordLeaseExpired counts reminders abandoned by a store because their
// last lease expired with no attempts left.
func RecordLeaseExpired(n int64) {
	slog.Warn("abandoned reminders with expired lease", "count", n)
	remindersCancelled.WithLabelValues("abandoned", "lease-expired").Add(float64(n))
}

// RecordQueueStats updates queue size metrics.
func RecordQueueStats(stats *QueueStats) {
	reminderQueueSize.WithLabelValues("queued").Set(float64(stats.Queued))
	reminderQueueSize.WithLabelValues("sending").Set(float64(stats.Sending))
	reminderQueueSize.WithLabelValues("sent").Set(float64(stats.Sent))
	reminderQueueSize.WithLabelValues("failed").Set(float64(stats.Failed))
	reminderQueueSize.WithLabelValues("abandoned").Set(float64(stats.Abandoned))
	reminderQueueSize.WithLabelValues("resolved").Set(float64(stats.Resolved))
}
