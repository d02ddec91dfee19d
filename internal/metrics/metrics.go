package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Webhook front
	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airhost_gateway_deliveries_total",
			Help: "Total number of webhook deliveries received",
		},
		[]string{"method", "outcome"},
	)

	DeliveryBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "airhost_gateway_delivery_bytes_total",
			Help: "Total bytes of webhook bodies received",
		},
	)

	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airhost_gateway_events_total",
			Help: "Total number of inbound events by message type",
		},
		[]string{"type"},
	)

	MalformedPayloads = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "airhost_gateway_malformed_payloads_total",
			Help: "Total number of deliveries that could not be normalized",
		},
	)

	// Dispatch
	SkippedMessages = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "airhost_gateway_skipped_messages_total",
			Help: "Messages dropped from otherwise valid deliveries",
		},
	)

	DuplicatesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "airhost_gateway_duplicate_deliveries_total",
			Help: "Total number of events dropped as duplicates",
		},
	)

	DispatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "airhost_gateway_dispatch_duration_seconds",
			Help:    "Duration of event dispatch in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ConversationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airhost_gateway_conversations_total",
			Help: "Conversation lookups by result",
		},
		[]string{"result"},
	)

	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airhost_gateway_messages_total",
			Help: "Inbound messages appended to conversations by result",
		},
		[]string{"result"},
	)

	AckTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "airhost_gateway_ack_timeouts_total",
			Help: "Deliveries acknowledged before processing finished",
		},
	)

	// Relay
	DownstreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "airhost_gateway_downstream_duration_seconds",
			Help:    "Duration of downstream calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"target"},
	)

	DownstreamErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airhost_gateway_downstream_errors_total",
			Help: "Downstream failures by target and kind",
		},
		[]string{"target", "kind"},
	)

	// Tasks
	TasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airhost_gateway_tasks_total",
			Help: "Background tasks by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	TaskQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "airhost_gateway_task_queue_depth",
			Help: "Current depth of the background task queue",
		},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airhost_gateway_rate_limit_hits_total",
			Help: "Total number of rate limit hits",
		},
		[]string{"scope"},
	)

	// Dedupe
	DedupeEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "airhost_gateway_dedupe_entries",
			Help: "Claims held by the in-memory dedupe store",
		},
	)

	// Dead-letter queue
	DLQWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airhost_gateway_dlq_writes_total",
			Help: "Entries written to the dead-letter queue",
		},
		[]string{"reason"},
	)

	ArchiveErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "airhost_gateway_archive_errors_total",
			Help: "Failed audit archive writes",
		},
	)
)
