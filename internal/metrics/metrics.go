package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "beacon_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "beacon_http_request_size_bytes",
			Help:    "HTTP request size in bytes",
			Buckets: prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "endpoint"},
	)

	// Client: producer side
	TrackedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_client_tracked_total",
			Help: "Total number of events accepted into the local queue",
		},
	)

	DroppedInvalidTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_client_dropped_invalid_total",
			Help: "Total number of events dropped by validation before queueing",
		},
		[]string{"reason"},
	)

	PropertiesStrippedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_client_properties_stripped_total",
			Help: "Total number of disallowed property values stripped from events",
		},
	)

	ValuesRedactedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_values_redacted_total",
			Help: "Total number of property values redacted by the PII policy",
		},
	)

	// Client: durable queue
	QueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacon_client_queue_size",
			Help: "Current number of events held in the local queue",
		},
	)

	QueueEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_client_queue_evictions_total",
			Help: "Total number of events evicted because the queue was full",
		},
	)

	QueuePersistFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_client_queue_persist_failures_total",
			Help: "Total number of failed write-through persists",
		},
	)

	QueueCompactionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_client_queue_compactions_total",
			Help: "Total number of snapshots that absorbed queue journal entries",
		},
	)

	// Client: delivery
	BatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_client_batches_total",
			Help: "Total number of batch send outcomes",
		},
		[]string{"outcome"}, // delivered, deferred, retry, dead_lettered, rejected, unauthorized
	)

	BatchSendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "beacon_client_batch_send_duration_seconds",
			Help:    "Time taken by a single transport call",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	RetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_client_retries_scheduled_total",
			Help: "Total number of retries scheduled after a transient failure",
		},
	)

	FlushesCoalescedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_client_flushes_coalesced_total",
			Help: "Total number of flush requests ignored because a flush was in flight",
		},
	)

	// Client: dead letters
	DeadLetterSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacon_client_dead_letter_size",
			Help: "Current number of batches in the dead letter store",
		},
	)

	DeadLetterEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_client_dead_letter_evictions_total",
			Help: "Total number of dead-lettered batches dropped past capacity",
		},
	)

	DeadLetterReprocessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_client_dead_letter_reprocessed_total",
			Help: "Total number of dead letter reprocessing attempts",
		},
		[]string{"outcome"},
	)

	// Client: circuit breaker
	CircuitState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacon_client_circuit_state",
			Help: "Circuit breaker state (0=closed, 1=half_open, 2=open)",
		},
	)

	CircuitTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_client_circuit_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"from", "to"},
	)

	// Server: ingestion
	IngestEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_ingest_events_total",
			Help: "Total number of events received by the ingestion endpoint",
		},
		[]string{"status"}, // status: inserted, duplicate, rejected
	)

	IngestBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "beacon_ingest_batch_size",
			Help:    "Size of event batches received",
			Buckets: []float64{1, 5, 10, 25, 50, 75, 100},
		},
	)

	IngestValidationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_ingest_validation_errors_total",
			Help: "Total number of validation errors",
		},
		[]string{"error_type"},
	)

	DeletionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_deletions_total",
			Help: "Total number of user deletion requests served",
		},
	)

	DeletedRecordsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_deleted_records_total",
			Help: "Total number of persisted records removed by deletion requests",
		},
	)

	// Kafka producer metrics
	KafkaPublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_kafka_publish_total",
			Help: "Total number of messages published to Kafka",
		},
		[]string{"status"}, // status: success, failed
	)

	KafkaPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "beacon_kafka_publish_duration_seconds",
			Help:    "Time taken to publish to Kafka",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	KafkaPublishRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_kafka_publish_retries_total",
			Help: "Total number of Kafka publish retries",
		},
	)

	// Panic recovery
	PanicsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_panics_recovered_total",
			Help: "Total number of panics recovered",
		},
		[]string{"component"},
	)
)
