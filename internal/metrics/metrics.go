package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Sync metrics
var (
	SyncPassesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailroom_sync_passes_total",
			Help: "Total number of sync passes by result",
		},
		[]string{"result"},
	)

	SyncPassDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailroom_sync_pass_duration_seconds",
			Help:    "Duration of completed sync passes in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		},
	)

	SyncLeaseContentionTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailroom_sync_lease_contention_total",
			Help: "Sync requests declined because another pass held the lease",
		},
	)

	MessagesIngestedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailroom_messages_ingested_total",
			Help: "Messages processed by ingestion by outcome",
		},
		[]string{"outcome"},
	)

	SyncTriggersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailroom_sync_triggers_total",
			Help: "Background sync trigger submissions by result",
		},
		[]string{"result"},
	)

	SyncQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailroom_sync_queue_depth",
			Help: "Background sync tasks waiting for a worker",
		},
	)
)

// Rule metrics
var (
	RuleApplicationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailroom_rule_applications_total",
			Help: "Rule applications by mode",
		},
		[]string{"mode"},
	)

	RuleMessagesProcessedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailroom_rule_messages_processed_total",
			Help: "Messages mutated by rule actions",
		},
	)

	ForwardFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailroom_rule_forward_failures_total",
			Help: "Forward actions that failed to dispatch",
		},
	)
)

// Usage metrics
var (
	UsageRecalculationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailroom_usage_recalculations_total",
			Help: "Usage recalculations by status",
		},
		[]string{"status"},
	)
)
