package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for monitoring
var (
	IntentsRegistered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "intentflow_intents_registered_total",
		Help: "The total number of registered intents",
	})

	StatusTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intentflow_status_transitions_total",
		Help: "Intent status transitions by previous and new status",
	}, []string{"from", "to"})

	CollateralLocked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "intentflow_collateral_locked_total",
		Help: "Collateral units taken into custody at registration",
	})

	CollateralReleased = promauto.NewCounter(prometheus.CounterOpts{
		Name: "intentflow_collateral_released_total",
		Help: "Collateral units released by withdrawals",
	})

	FeesPaid = promauto.NewCounter(prometheus.CounterOpts{
		Name: "intentflow_fees_paid_total",
		Help: "Collateral units paid out as keeper fees",
	})

	Executions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intentflow_executions_total",
		Help: "Execution calls by result",
	}, []string{"result"})

	ExecutionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "intentflow_execution_seconds",
		Help:    "Time taken by execution calls",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms up to ~4s
	})

	StepsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intentflow_steps_total",
		Help: "Workflow steps run by opcode and result",
	}, []string{"opcode", "result"})

	TriggerEvaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intentflow_trigger_evaluations_total",
		Help: "Trigger evaluations by result",
	}, []string{"result"})

	OracleReads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intentflow_oracle_reads_total",
		Help: "Oracle reads by source and result",
	}, []string{"source", "result"})

	// Keeper metrics
	KeeperQueueSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "intentflow_keeper_queue_size",
		Help: "Execution jobs waiting for a keeper worker",
	})

	KeeperRetryQueueSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "intentflow_keeper_retry_queue_size",
		Help: "Execution jobs scheduled for a later attempt",
	})

	KeeperRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intentflow_keeper_retries_total",
		Help: "Execution jobs rescheduled by error kind",
	}, []string{"error_kind"})

	KeeperPermanentErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intentflow_keeper_permanent_errors_total",
		Help: "Execution jobs abandoned without retry by error kind",
	}, []string{"error_kind"})

	KeeperMaxRetriesReached = promauto.NewCounter(prometheus.CounterOpts{
		Name: "intentflow_keeper_max_retries_reached_total",
		Help: "Execution jobs dropped after exhausting their retries",
	})

	KeeperDroppedJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intentflow_keeper_dropped_jobs_total",
		Help: "Execution jobs dropped before reaching a worker",
	}, []string{"reason"})

	// Circuit breaker metrics
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "intentflow_circuit_breaker_state",
		Help: "Circuit breaker state (1 = open, 0 = closed)",
	}, []string{"breaker"})

	// API metrics
	APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intentflow_api_requests_total",
		Help: "API requests by route and status code",
	}, []string{"route", "code"})
)
