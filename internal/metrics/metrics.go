package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "privacy_record"

var (
	// RecordsAdded counts records accepted by the ledger.
	RecordsAdded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "records_added_total",
		Help:      "Records accepted by the usage ledger.",
	}, []string{"status"})

	// RecordsMerged counts buffered nodes absorbed into a newer record.
	RecordsMerged = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "records_merged_total",
		Help:      "Buffered records folded into a newer record.",
	})

	// BufferSize tracks live nodes in the ledger buffer.
	BufferSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "buffer_size",
		Help:      "Records currently held in the live ledger buffer.",
	})

	// PendingBatches tracks detached batches waiting for persistence.
	PendingBatches = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pending_batches",
		Help:      "Detached batches waiting to be written.",
	})

	// FlushBatches counts batch writes by outcome.
	FlushBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "flush_batches_total",
		Help:      "Batch writes to the durable store by outcome.",
	}, []string{"status"})

	// FlushRows counts rows written or dropped by the flush worker.
	FlushRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "flush_rows_total",
		Help:      "Rows handled by the flush worker by outcome.",
	}, []string{"status"})

	// FlushDuration records batch write latency.
	FlushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "flush_duration_seconds",
		Help:      "Batch write latency in seconds.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
	})

	// QueryDuration records ledger query latency.
	QueryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "query_duration_seconds",
		Help:      "Ledger query latency in seconds.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
	})

	// ActiveUsages tracks entries in the started-permission set.
	ActiveUsages = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_usages",
		Help:      "Permissions currently started, by status.",
	}, []string{"status"})

	// CallbackRegistrants tracks registered active-status subscribers.
	CallbackRegistrants = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "callback_registrants",
		Help:      "Registered active-status subscribers.",
	})

	// CallbacksDispatched counts subscriber deliveries by outcome.
	CallbacksDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "callbacks_dispatched_total",
		Help:      "Active-status deliveries by outcome.",
	}, []string{"status"})

	// JobsEnqueued counts dispatch jobs placed into the pool channel.
	JobsEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_enqueued_total",
		Help:      "Dispatch jobs placed into the worker channel.",
	})

	// JobsDropped counts dispatch jobs discarded without delivery.
	JobsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_dropped_total",
		Help:      "Dispatch jobs discarded without delivery.",
	}, []string{"reason"})

	// WorkerQueueDepth tracks current dispatch channel length.
	WorkerQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "worker_queue_depth",
		Help:      "Current dispatch channel buffer depth.",
	})

	// RetentionPruned counts durable rows removed by the janitor.
	RetentionPruned = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "retention_pruned_total",
		Help:      "Durable rows removed by retention sweeps.",
	}, []string{"reason"})

	// StoredRows tracks the durable row count.
	StoredRows = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "stored_rows",
		Help:      "Rows in the durable permission record table.",
	})

	// DBSizeBytes tracks the on-disk store size.
	DBSizeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_size_bytes",
		Help:      "Durable store on-disk size in bytes.",
	})

	// APIRequests counts HTTP API requests.
	APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "api_requests_total",
		Help:      "HTTP API requests by route and status code.",
	}, []string{"route", "code"})
)
