package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ============================================
	// Database connection metrics
	// ============================================
	DBConnectionStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "custody_db_connection_status",
		Help: "Database connection status (1=healthy, 0=unhealthy)",
	})

	DBConnectionActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "custody_db_connection_active",
		Help: "Number of active database connections",
	})

	// ============================================
	// Event monitor metrics
	// ============================================
	MonitorState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "custody_monitor_state",
		Help: "Event monitor state (0=stopped, 1=starting, 2=running, 3=reconnecting)",
	})

	MonitorReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "custody_monitor_reconnects_total",
		Help: "Total number of stream reconnect attempts",
	})

	MonitorEventsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "custody_monitor_events_received_total",
		Help: "Total number of live transfer events received",
	})

	MonitorCatchupBlocks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "custody_monitor_catchup_blocks_total",
		Help: "Total number of blocks scanned by historical catch-up",
	})

	// ============================================
	// Deposit processing metrics
	// ============================================
	DepositsMatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custody_deposits_matched_total",
			Help: "Total number of transfers matched to a deposit intent",
		},
		[]string{"tier"},
	)

	DepositsConfirmed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "custody_deposits_confirmed_total",
		Help: "Total number of deposit intents confirmed",
	})

	DepositsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custody_deposits_failed_total",
			Help: "Total number of deposit intents marked failed",
		},
		[]string{"reason"},
	)

	DepositsRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "custody_deposits_recovered_total",
		Help: "Total number of deposits recovered by forensic chain search",
	})

	OrphanTransfers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "custody_orphan_transfers_total",
		Help: "Total number of transfers with no resolvable user or intent",
	})

	// ============================================
	// Lock manager metrics
	// ============================================
	LockWaitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "custody_lock_wait_duration_seconds",
		Help:    "Row lock acquisition wait time in seconds",
		Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
	})

	LockFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custody_lock_failures_total",
			Help: "Total number of failed lock acquisitions",
		},
		[]string{"kind"},
	)

	// ============================================
	// Payment metrics
	// ============================================
	PaymentsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custody_payments_sent_total",
			Help: "Total number of outbound payment attempts",
		},
		[]string{"result"},
	)

	PaymentRetryQueueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "custody_payment_retry_queue_size",
			Help: "Number of payment retry records by status",
		},
		[]string{"status"},
	)

	PayoutBalance = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "custody_payout_balance",
		Help: "Token balance of the payout address",
	})
)
