// Package metrics provides Prometheus metrics for Herald.
// It tracks message throughput per mode, quota usage, aggregation activity,
// and background task health.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "herald"
)

// Message metrics track the delivery pipeline.
var (
	// MessagesSentTotal counts messages handed to a vendor successfully.
	MessagesSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Total number of messages sent, by application and mode",
		},
		[]string{"application", "mode"},
	)

	// MessageFailuresTotal counts terminal delivery failures.
	MessageFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "message_failures_total",
			Help:      "Total number of terminal message delivery failures",
		},
		[]string{"mode"},
	)

	// MessageRetriesTotal counts messages re-queued after a failed send.
	MessageRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "message_retries_total",
			Help:      "Total number of messages re-queued for retry",
		},
	)

	// MessagesDroppedTotal counts messages dropped by policy.
	MessagesDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Total number of messages dropped, by reason",
		},
		[]string{"reason"}, // reason: quota, drop_mode, body_length, no_contact
	)

	// SendLatency measures vendor send round-trip time.
	SendLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "send_latency_seconds",
			Help:      "Vendor send round-trip time in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"mode"},
	)

	// SendQueueDepth tracks the per-mode send queue depth.
	SendQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "send_queue_depth",
			Help:      "Current number of messages waiting in each mode send queue",
		},
		[]string{"mode"},
	)
)

// Escalation metrics track the plan-walking passes.
var (
	// NewIncidents tracks incidents picked up at step 0 per pass.
	NewIncidents = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "new_incidents",
			Help:      "Incidents entering escalation in the latest pass",
		},
	)

	// MessagesCreatedTotal counts messages created by the escalation pass.
	MessagesCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_created_total",
			Help:      "Total number of messages created by escalation",
		},
	)

	// IncidentsDeactivatedTotal counts incidents deactivated after
	// exhausting their final step.
	IncidentsDeactivatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "incidents_deactivated_total",
			Help:      "Total number of incidents deactivated by the engine",
		},
	)

	// RoleLookupFailuresTotal counts role/target resolution failures.
	RoleLookupFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "role_lookup_failures_total",
			Help:      "Total number of role/target resolution failures",
		},
	)

	// TargetsNotFoundTotal counts resolved usernames with no active target.
	TargetsNotFoundTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "targets_not_found_total",
			Help:      "Total number of resolved names without an active target",
		},
	)

	// PassDuration measures the duration of each master pass.
	PassDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pass_duration_seconds",
			Help:      "Duration of each master pass in seconds",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"pass"}, // pass: escalate, deactivate, poll, aggregate
	)
)

// Aggregation metrics track burst batching.
var (
	// AggregationsStartedTotal counts keys entering aggregation mode.
	AggregationsStartedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "aggregations_started_total",
			Help:      "Total number of keys that entered aggregation mode",
		},
	)

	// BatchesReleasedTotal counts released batches.
	BatchesReleasedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_released_total",
			Help:      "Total number of aggregation batches released",
		},
	)

	// MessagesBuffered tracks messages currently held for aggregation.
	MessagesBuffered = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "messages_buffered",
			Help:      "Messages currently buffered for aggregation",
		},
	)
)

// Quota metrics track per-application rate ceilings.
var (
	// QuotaHardExceededTotal counts hard quota breaches.
	QuotaHardExceededTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_hard_exceeded_total",
			Help:      "Total number of hard quota breaches",
		},
		[]string{"application"},
	)

	// QuotaSoftExceededTotal counts soft quota breaches.
	QuotaSoftExceededTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_soft_exceeded_total",
			Help:      "Total number of soft quota breaches",
		},
		[]string{"application"},
	)

	// QuotaUsagePercent tracks current quota usage percentage.
	QuotaUsagePercent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "quota_usage_percent",
			Help:      "Current quota usage percentage per application",
		},
		[]string{"application", "kind"}, // kind: hard, soft
	)
)

// Task metrics track background loop health.
var (
	// TaskFailuresTotal counts errors caught at a pass boundary.
	TaskFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_failures_total",
			Help:      "Total number of background task failures",
		},
		[]string{"task"},
	)

	// WorkersRespawnedTotal counts delivery workers restarted after death.
	WorkersRespawnedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workers_respawned_total",
			Help:      "Total number of delivery workers respawned",
		},
	)

	// IsMaster reports whether this sender currently holds mastership.
	IsMaster = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "is_master",
			Help:      "1 if this sender is the master, 0 otherwise",
		},
	)
)

// Peer dispatch metrics track the remote send path.
var (
	// PeerSendsTotal counts remote dispatch attempts by outcome.
	PeerSendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_sends_total",
			Help:      "Total number of peer dispatch attempts by status",
		},
		[]string{"status"}, // status: ok, fail, timeout, unknown
	)

	// NotificationsTotal counts accepted out-of-band notifications.
	NotificationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Total number of out-of-band notifications accepted",
		},
	)
)
