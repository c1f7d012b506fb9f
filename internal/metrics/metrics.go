package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ErrorsClassified tracks classified failures per category and severity
	ErrorsClassified = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resilience_errors_classified_total",
			Help: "Total number of errors classified",
		},
		[]string{"category", "severity"},
	)

	// RetryAttempts tracks retry attempts per operation
	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resilience_retry_attempts_total",
			Help: "Total number of retry attempts",
		},
		[]string{"operation"},
	)

	// RetriesExhausted tracks operations that ran out of retries
	RetriesExhausted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resilience_retries_exhausted_total",
			Help: "Total number of operations that exhausted all retries",
		},
		[]string{"operation", "category"},
	)

	// RetryDelay tracks the backoff delay applied before each retry
	RetryDelay = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "resilience_retry_delay_seconds",
			Help:    "Backoff delay applied before a retry",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"operation", "strategy"},
	)

	// CircuitState tracks the current breaker state (0 closed, 1 open, 2 half-open)
	CircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "resilience_circuit_state",
			Help: "Current circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"name"},
	)

	// CircuitRejections tracks calls rejected without reaching the operation
	CircuitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resilience_circuit_rejections_total",
			Help: "Total number of calls rejected by an open or busy circuit",
		},
		[]string{"name", "reason"},
	)

	// RecoveryActions tracks recovery attempts per action and outcome
	RecoveryActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resilience_recovery_actions_total",
			Help: "Total number of recovery actions executed",
		},
		[]string{"action", "outcome"},
	)

	// DeadLetterSize tracks the current number of dead-lettered items
	DeadLetterSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "resilience_dead_letter_size",
			Help: "Current number of items in the dead letter store",
		},
	)

	// DeadLetterAdded tracks items entering the dead letter store
	DeadLetterAdded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resilience_dead_letter_added_total",
			Help: "Total number of items added to the dead letter store",
		},
		[]string{"category"},
	)

	// DeadLetterReplays tracks replay attempts and their outcome
	DeadLetterReplays = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resilience_dead_letter_replays_total",
			Help: "Total number of dead letter replay attempts",
		},
		[]string{"outcome"},
	)

	// ArchiveOps tracks durable archive operations per backend
	ArchiveOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resilience_archive_ops_total",
			Help: "Total number of archive operations",
		},
		[]string{"backend", "op", "status"},
	)
)
