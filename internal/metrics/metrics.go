package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TransfersTotal counts finished orchestration runs by route and status
	TransfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_transfers_total",
			Help: "Total number of orchestrated transfers",
		},
		[]string{"route", "status"},
	)

	// TransferDuration tracks end-to-end run time
	TransferDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bridge_transfer_duration_seconds",
			Help:    "Transfer orchestration duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"route"},
	)

	// TransferAmount tracks the human amount moved by completed transfers
	TransferAmount = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bridge_transfer_amount",
			Help:    "Amount of tokens transferred",
			Buckets: []float64{0.001, 0.01, 0.1, 1, 10, 100, 1000, 10000},
		},
		[]string{"route", "token"},
	)

	// PartialCompletions counts runs where leg 1 confirmed and leg 2 did not
	PartialCompletions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_partial_completions_total",
			Help: "Transfers left inconsistent across chains, requiring reconciliation",
		},
		[]string{"route"},
	)

	// UnreconciledTransfers tracks partial completions still awaiting an operator
	UnreconciledTransfers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bridge_unreconciled_transfers",
			Help: "Partial completions not yet resolved",
		},
	)

	// PendingTransfers tracks in-flight runs
	PendingTransfers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bridge_pending_transfers",
			Help: "Number of in-flight transfers by route",
		},
		[]string{"route"},
	)

	// PreconditionChecks counts balance checks by verdict
	PreconditionChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_precondition_checks_total",
			Help: "Balance precondition checks by chain and result",
		},
		[]string{"chain", "result"},
	)

	// TransactionsSent counts transactions submitted to each chain
	TransactionsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_transactions_sent_total",
			Help: "Total number of transactions sent",
		},
		[]string{"chain", "status"},
	)

	// Confirmations counts confirmation verdicts per chain
	Confirmations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_confirmations_total",
			Help: "Confirmation verdicts by chain",
		},
		[]string{"chain", "verdict"},
	)

	// TreasuryBalance tracks the last observed treasury balance
	TreasuryBalance = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bridge_treasury_balance",
			Help: "Last observed treasury balance by chain and token",
		},
		[]string{"chain", "token"},
	)

	// RelayJobs counts passive relay jobs by lifecycle event
	RelayJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_relay_jobs_total",
			Help: "Relay jobs by lifecycle event",
		},
		[]string{"status"},
	)

	// RelayQueueDepth tracks jobs waiting in the relay queue
	RelayQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bridge_relay_queue_depth",
			Help: "Jobs waiting in the relay queue",
		},
	)

	// DepositsDetected counts balance changes seen by the passive monitor
	DepositsDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_deposits_detected_total",
			Help: "Balance changes detected by the monitor",
		},
		[]string{"chain", "outcome"},
	)

	// LastProcessedSlot tracks the monitor position by chain
	LastProcessedSlot = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bridge_last_processed_slot",
			Help: "Last processed slot or block by chain",
		},
		[]string{"chain"},
	)

	// ErrorsTotal counts errors by type
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_errors_total",
			Help: "Total number of errors",
		},
		[]string{"component", "error_type"},
	)

	// GasUsed tracks gas used for EVM transactions
	GasUsed = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bridge_gas_used",
			Help:    "Gas used for EVM transactions",
			Buckets: []float64{21000, 50000, 100000, 200000, 300000, 500000},
		},
		[]string{"operation"},
	)
)
