package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsIngested tracks decoded lifecycle events applied per chain
	EventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reclaimer_events_ingested_total",
			Help: "Total number of rental events ingested",
		},
		[]string{"chain", "kind"},
	)

	// EventsDiscarded tracks logs dropped before reaching the cache
	EventsDiscarded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reclaimer_events_discarded_total",
			Help: "Total number of raw logs discarded",
		},
		[]string{"chain", "reason"},
	)

	// StateAnomalies tracks events rejected by the rental state machine
	StateAnomalies = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reclaimer_state_anomalies_total",
			Help: "Total number of rental state anomalies",
		},
		[]string{"chain", "kind"},
	)

	// ReclaimAttempts tracks reclaim transactions submitted
	ReclaimAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reclaimer_reclaim_attempts_total",
			Help: "Total number of reclaim submissions",
		},
		[]string{"chain", "mode"},
	)

	// ReclaimOutcomes tracks the final outcome of each dispatch
	ReclaimOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reclaimer_reclaim_outcomes_total",
			Help: "Total number of reclaim dispatches by outcome",
		},
		[]string{"chain", "outcome"},
	)

	// PendingCallbacks tracks in-flight reclaims
	PendingCallbacks = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "reclaimer_pending_callbacks",
			Help: "Number of in-flight reclaim attempts",
		},
		[]string{"chain"},
	)

	// ScheduledExpiries tracks active rentals waiting in the scheduler
	ScheduledExpiries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "reclaimer_scheduled_expiries",
			Help: "Number of rentals queued for expiry",
		},
		[]string{"chain"},
	)

	// RPCCallsTotal tracks RPC calls per chain and provider
	RPCCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reclaimer_rpc_calls_total",
			Help: "Total number of RPC calls",
		},
		[]string{"chain", "provider", "method"},
	)

	// RPCErrorsTotal tracks RPC errors per chain and provider
	RPCErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reclaimer_rpc_errors_total",
			Help: "Total number of RPC errors",
		},
		[]string{"chain", "provider", "error_type"},
	)

	// RPCLatency tracks RPC call latency
	RPCLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reclaimer_rpc_latency_seconds",
			Help:    "RPC call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"chain", "provider", "method"},
	)

	// ChainLatestBlock tracks the latest block height of the chain
	ChainLatestBlock = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "reclaimer_chain_latest_block",
			Help: "Latest block height of the chain",
		},
		[]string{"chain"},
	)

	// IndexerLatestBlock tracks the last fully processed block
	IndexerLatestBlock = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "reclaimer_indexer_latest_block",
			Help: "Last block whose logs were fully applied",
		},
		[]string{"chain"},
	)

	// ChainLag tracks latest block minus last processed block
	ChainLag = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "reclaimer_chain_lag_blocks",
			Help: "Blocks between chain head and last processed block",
		},
		[]string{"chain"},
	)

	// CursorTransitions counts cursor state changes
	CursorTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reclaimer_cursor_transitions_total",
			Help: "Cursor state transitions by source and target state",
		},
		[]string{"chain", "from", "to"},
	)

	// DBConnectionPoolUsage tracks open connections as a share of the pool
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reclaimer_db_connection_pool_usage_percent",
			Help: "Database connection pool usage in percent",
		},
	)
)
