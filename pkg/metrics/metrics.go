package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Mailbox store metrics
var (
	MailboxOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soramail_mailbox_operations_total",
			Help: "Total number of mailbox store operations",
		},
		[]string{"operation", "status"},
	)

	MailboxOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "soramail_mailbox_operation_duration_seconds",
			Help:    "Duration of mailbox store operations in seconds",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		},
		[]string{"operation"},
	)

	MailboxLockWaitTime = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "soramail_mailbox_lock_wait_seconds",
			Help:    "Time spent waiting to acquire a per-message lock",
			Buckets: []float64{0.0001, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		},
	)

	BulkOperationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soramail_bulk_operation_failures_total",
			Help: "Items that failed inside bulk mailbox operations",
		},
		[]string{"operation"},
	)

	TrashPurgedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "soramail_trash_purged_total",
			Help: "Total number of trashed messages removed by retention",
		},
	)

	CleanupRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "soramail_cleanup_run_duration_seconds",
			Help:    "Duration of trash cleanup runs",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// Query and rule metrics
var (
	QueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soramail_queries_total",
			Help: "Total number of mailbox queries",
		},
		[]string{"kind", "status"},
	)

	RuleEvaluationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soramail_rule_evaluations_total",
			Help: "Rule engine evaluations by outcome",
		},
		[]string{"outcome"}, // matched, no_match
	)

	RuleActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soramail_rule_actions_total",
			Help: "Rule actions applied by type",
		},
		[]string{"action"},
	)

	RulesSkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soramail_rules_skipped_total",
			Help: "Rules skipped during evaluation because they could not be evaluated",
		},
		[]string{"reason"},
	)
)

// Delivery metrics
var (
	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soramail_deliveries_total",
			Help: "Total number of send, draft and forward requests",
		},
		[]string{"kind", "result"},
	)

	RecipientDeliveryFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soramail_recipient_delivery_failures_total",
			Help: "Per-recipient delivery failures that did not fail the send",
		},
		[]string{"reason"},
	)

	ForwardedMessagesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "soramail_forwarded_messages_total",
			Help: "Messages re-sent because of forward rules",
		},
	)

	EventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soramail_events_published_total",
			Help: "Notifications published on the event bus",
		},
		[]string{"kind", "result"}, // result: delivered, dropped
	)
)

// Attachment admission metrics
var (
	AdmissionEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soramail_admission_events_total",
			Help: "Attachment admission lifecycle events",
		},
		[]string{"event"}, // issued, acknowledged, rejected, expired
	)

	AdmissionEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "soramail_admission_entries",
			Help: "Current number of entries in the admission registry",
		},
		[]string{"state"}, // issued, acknowledged
	)

	AttachmentBytesWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "soramail_attachment_bytes_written_total",
			Help: "Total attachment bytes written to the byte store",
		},
	)

	UsersTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "soramail_users_total",
			Help: "Number of users in the user directory",
		},
	)
)

// Storage metrics
var (
	S3OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soramail_s3_operations_total",
			Help: "Total number of S3 operations",
		},
		[]string{"operation", "status"},
	)

	S3OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "soramail_s3_operation_duration_seconds",
			Help:    "Duration of S3 operations in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 10.0},
		},
		[]string{"operation"},
	)

	StorageOperationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soramail_storage_operation_errors_total",
			Help: "Storage operation errors by type",
		},
		[]string{"operation", "error_type"},
	)

	CriticalOperationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soramail_critical_operation_failures_total",
			Help: "Failures of operations that leave state needing attention",
		},
		[]string{"operation"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "soramail_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)

	CircuitBreakerRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soramail_circuit_breaker_rejections_total",
			Help: "Calls rejected without being attempted because a breaker was open",
		},
		[]string{"name"},
	)

	LookupCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soramail_directory_cache_lookups_total",
			Help: "User directory cache lookups by result (hit, miss)",
		},
		[]string{"result"},
	)

	LookupCacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "soramail_directory_cache_entries",
			Help: "Keys held by the user directory cache",
		},
	)

	ComponentHealthStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "soramail_component_health_status",
			Help: "Component health (0 unhealthy, 1 degraded, 2 healthy)",
		},
		[]string{"component"},
	)

	ComponentHealthChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soramail_component_health_checks_total",
			Help: "Health probes run, by component and resulting status",
		},
		[]string{"component", "status"},
	)

	HTTPAPIRateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "soramail_http_api_rate_limited_total",
			Help: "Admin API requests rejected by the per-client rate limiter",
		},
	)
)
