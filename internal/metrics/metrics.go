package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	IssuesPublishedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harbormail_issues_published_total",
			Help: "Total number of newsletter issues accepted for delivery.",
		},
	)

	IdempotentReplaysTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harbormail_idempotent_replays_total",
			Help: "Publish requests answered without side effects, by outcome.",
		},
		[]string{"outcome"}, // cached, in_progress, mismatch
	)

	RecipientsSkippedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harbormail_recipients_skipped_total",
			Help: "Recipients excluded at enqueue time because their address failed validation.",
		},
	)

	TasksEnqueuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harbormail_tasks_enqueued_total",
			Help: "Total number of delivery tasks written to the queue.",
		},
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harbormail_deliveries_total",
			Help: "Total number of delivery attempts by outcome.",
		},
		[]string{"status"}, // delivered, retried, dropped
	)

	DeliveryLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harbormail_delivery_latency_seconds",
			Help:    "Duration of a single send to the email API.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harbormail_retries_total",
			Help: "Total number of delivery retries by reason.",
		},
		[]string{"reason"}, // e.g. http_5xx, timeout, network, other
	)

	DroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harbormail_dropped_total",
			Help: "Total number of delivery tasks dropped without success, by reason.",
		},
		[]string{"reason"},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "harbormail_queue_depth",
			Help: "Number of delivery tasks waiting in the queue.",
		},
	)

	DeadLettersSeenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harbormail_dead_letters_seen_total",
			Help: "Dead letters consumed from the DLQ topic, by reason.",
		},
		[]string{"reason"},
	)
)

// MustRegister registers every collector above with reg
func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		IssuesPublishedTotal,
		IdempotentReplaysTotal,
		RecipientsSkippedTotal,
		TasksEnqueuedTotal,
		DeliveriesTotal,
		DeliveryLatencySeconds,
		RetriesTotal,
		DroppedTotal,
		QueueDepth,
		DeadLettersSeenTotal,
	)
}

func RecordIssuePublished(enqueued, skipped int) {
	IssuesPublishedTotal.Inc()
	TasksEnqueuedTotal.Add(float64(enqueued))
	RecipientsSkippedTotal.Add(float64(skipped))
}

func RecordReplay(outcome string) {
	IdempotentReplaysTotal.WithLabelValues(outcome).Inc()
}

// RecordDelivery records the outcome of one attempt and how long the send took
func RecordDelivery(status string, d time.Duration) {
	DeliveriesTotal.WithLabelValues(status).Inc()
	DeliveryLatencySeconds.WithLabelValues(status).Observe(d.Seconds())
}

func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

func RecordDrop(reason string) {
	DroppedTotal.WithLabelValues(reason).Inc()
}

func UpdateQueueDepth(n int64) {
	QueueDepth.Set(float64(n))
}

func RecordDeadLetterSeen(reason string) {
	DeadLettersSeenTotal.WithLabelValues(reason).Inc()
}
