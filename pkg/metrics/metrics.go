// Package metrics exposes orchestrator metrics over Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Queue metrics
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orchestrator_tasks_total",
			Help: "Number of tasks by state",
		},
		[]string{"state"},
	)

	QueuedByShard = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orchestrator_queued_tasks_by_shard",
			Help: "Queued tasks per shard",
		},
		[]string{"shard"},
	)

	ClaimsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_claims_total",
			Help: "Claim attempts by outcome (claimed, empty, race_lost, limited)",
		},
		[]string{"outcome"},
	)

	// Worker metrics
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orchestrator_workers_total",
			Help: "Number of workers by status",
		},
		[]string{"status"},
	)

	WorkerRespawnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_worker_respawns_total",
			Help: "Worker respawns by lane and shard",
		},
		[]string{"lane", "shard"},
	)

	// Recovery metrics
	RecoveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_task_recoveries_total",
			Help: "Requeued tasks by recovery kind (stale, zombie, crash)",
		},
		[]string{"kind"},
	)

	PendingSyncApplied = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orchestrator_pending_sync_applied_total",
			Help: "Pending-sync markers applied by the reconciler",
		},
	)

	// Backend metrics
	BackendCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_backend_calls_total",
			Help: "Backend calls by family and outcome",
		},
		[]string{"family", "outcome"},
	)

	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orchestrator_breaker_state",
			Help: "Circuit-breaker state per family (0 closed, 1 half-open, 2 open)",
		},
		[]string{"family"},
	)

	// Phase and gate metrics
	PhaseTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_phase_transitions_total",
			Help: "Phase transitions by target phase",
		},
		[]string{"phase"},
	)

	GateRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_gate_runs_total",
			Help: "Quality-gate runs by gate and outcome",
		},
		[]string{"gate", "outcome"},
	)

	RebalancesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orchestrator_shard_rebalances_total",
			Help: "Shard rebalance operations performed",
		},
	)
)

// Register registers all metrics with the default registry.
func Register() {
	prometheus.MustRegister(
		TasksTotal,
		QueuedByShard,
		ClaimsTotal,
		WorkersTotal,
		WorkerRespawnsTotal,
		RecoveriesTotal,
		PendingSyncApplied,
		BackendCallsTotal,
		BreakerState,
		PhaseTransitionsTotal,
		GateRunsTotal,
		RebalancesTotal,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
