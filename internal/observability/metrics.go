package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the settlement engine.
type Metrics struct {
	// Request path
	TransfersPrepared  prometheus.Counter
	TransfersReserved  prometheus.Counter
	TransfersDeclined  prometheus.Counter
	TransfersCommitted prometheus.Counter
	TransfersAborted   prometheus.Counter
	DuplicateHits      *prometheus.CounterVec
	DuplicateConflicts *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec

	// Scanner
	ScanDuration      *prometheus.HistogramVec
	TransfersExpired  *prometheus.CounterVec
	ForwardedTracked  prometheus.Counter
	ScanLockContended prometheus.Counter
	SegmentValue      *prometheus.GaugeVec

	// Reconciliation
	ReconciliationOps *prometheus.CounterVec

	// Store
	PositionLockWait prometheus.Histogram
}

// NewMetrics creates and registers all instruments.
func NewMetrics() *Metrics {
	requestBuckets := []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0}
	scanBuckets := []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}

	return &Metrics{
		TransfersPrepared: promauto.NewCounter(prometheus.CounterOpts{
			Name: "settle_transfers_prepared_total",
			Help: "Transfers accepted at prepare (including INVALID)",
		}),
		TransfersReserved: promauto.NewCounter(prometheus.CounterOpts{
			Name: "settle_transfers_reserved_total",
			Help: "Transfers reserved against the payer position",
		}),
		TransfersDeclined: promauto.NewCounter(prometheus.CounterOpts{
			Name: "settle_transfers_declined_total",
			Help: "Reservations declined by the net debit cap",
		}),
		TransfersCommitted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "settle_transfers_committed_total",
			Help: "Transfers committed with both position legs applied",
		}),
		TransfersAborted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "settle_transfers_aborted_total",
			Help: "Transfers aborted by reject or error outcome",
		}),
		DuplicateHits: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_duplicate_hits_total",
			Help: "Idempotent replays resolved from the duplicate guard",
		}, []string{"stage"}),
		DuplicateConflicts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_duplicate_conflicts_total",
			Help: "Replays with a modified payload, rejected",
		}, []string{"stage"}),
		RequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "settle_request_duration_seconds",
			Help:    "End-to-end duration of one engine operation",
			Buckets: requestBuckets,
		}, []string{"operation"}),

		ScanDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "settle_scan_duration_seconds",
			Help:    "Duration of one watermark scan pass",
			Buckets: scanBuckets,
		}, []string{"scan"}),
		TransfersExpired: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_transfers_expired_total",
			Help: "Transfers advanced to an expired state by the scanner",
		}, []string{"kind"}),
		ForwardedTracked: promauto.NewCounter(prometheus.CounterOpts{
			Name: "settle_forwarded_tracked_total",
			Help: "Transfers returned by the forwarded scan for retry",
		}),
		ScanLockContended: promauto.NewCounter(prometheus.CounterOpts{
			Name: "settle_scan_lock_contended_total",
			Help: "Scan passes skipped because the lease was held elsewhere",
		}),
		SegmentValue: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "settle_segment_value",
			Help: "Current watermark per scan working set",
		}, []string{"table"}),

		ReconciliationOps: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_reconciliation_ops_total",
			Help: "Reconciliation saga outcomes",
		}, []string{"action", "outcome"}),

		PositionLockWait: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "settle_position_lock_wait_seconds",
			Help:    "Time spent waiting on a participant position row lock",
			Buckets: requestBuckets,
		}),
	}
}
