// Package metrics centralizes the prometheus instruments shared by the
// worker, runner and scaler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	WorkflowsPulled    prometheus.Counter
	WorkflowsCompleted prometheus.Counter
	WorkflowsSuspended prometheus.Counter
	WorkflowsFailed    prometheus.Counter
	WorkflowsDead      prometheus.Counter
	ActiveWorkflows    prometheus.Gauge
	LeasesCleared      prometheus.Counter

	// DuplicateRunnerEvents counts runner events re-delivered below the
	// acked index and dropped.
	DuplicateRunnerEvents prometheus.Counter

	// ScalerActions counts scaler decisions by action label.
	ScalerActions *prometheus.CounterVec
}

// New registers all instruments against reg. Pass a fresh
// prometheus.NewRegistry in tests to avoid duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		WorkflowsPulled: factory.NewCounter(prometheus.CounterOpts{
			Name: "gantry_workflows_pulled_total",
			Help: "Workflows claimed by this worker instance.",
		}),
		WorkflowsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "gantry_workflows_completed_total",
			Help: "Workflow entries that finished with an output.",
		}),
		WorkflowsSuspended: factory.NewCounter(prometheus.CounterOpts{
			Name: "gantry_workflows_suspended_total",
			Help: "Workflow entries that suspended on a wake condition.",
		}),
		WorkflowsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "gantry_workflows_failed_total",
			Help: "Workflow entries that failed and were requeued.",
		}),
		WorkflowsDead: factory.NewCounter(prometheus.CounterOpts{
			Name: "gantry_workflows_dead_total",
			Help: "Workflows marked dead after repeated failures.",
		}),
		ActiveWorkflows: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gantry_active_workflows",
			Help: "Workflow entries currently executing on this worker.",
		}),
		LeasesCleared: factory.NewCounter(prometheus.CounterOpts{
			Name: "gantry_leases_cleared_total",
			Help: "Expired leases failed over to other workers.",
		}),
		DuplicateRunnerEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: "gantry_runner_duplicate_events_total",
			Help: "Runner events discarded as duplicates of acked indices.",
		}),
		ScalerActions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gantry_scaler_actions_total",
			Help: "Scaler decisions applied, by action.",
		}, []string{"action"}),
	}
}
