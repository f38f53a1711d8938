package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "rpatrack"

var (
	DispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Total number of carrier tasks recorded as queued.",
		},
		[]string{"carrier"},
	)

	WebhookReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_received_total",
			Help:      "Completion notices received, labeled by carrier and reported status.",
		},
		[]string{"carrier", "status"},
	)

	WebhookRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_rejected_total",
			Help:      "Completion notices rejected at the validation boundary, labeled by reason.",
		},
		[]string{"reason"},
	)

	WebhookDuplicateTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_duplicate_total",
			Help:      "Duplicate terminal deliveries absorbed per carrier.",
		},
		[]string{"carrier"},
	)

	WebhookRedispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_redispatch_total",
			Help:      "Terminal records overwritten because a notice carried a new task id.",
		},
		[]string{"carrier"},
	)

	MergeRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merge_retries_total",
			Help:      "Optimistic merge transactions retried due to submission contention.",
		},
		[]string{"carrier"},
	)

	TaskTurnaroundSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_turnaround_seconds",
			Help:      "Latency from dispatch (submittedAt) to terminal completion (seconds).",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600, 14400},
		},
		[]string{"carrier", "status"},
	)

	RateLimitHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_hits_total",
			Help:      "Requests rejected by the rate limiter, labeled by scope and operation.",
		},
		[]string{"scope", "operation"},
	)
)

func init() {
	prometheus.MustRegister(
		DispatchTotal,
		WebhookReceivedTotal,
		WebhookRejectedTotal,
		WebhookDuplicateTotal,
		WebhookRedispatchTotal,
		MergeRetriesTotal,
		TaskTurnaroundSeconds,
		RateLimitHitsTotal,
	)
}
