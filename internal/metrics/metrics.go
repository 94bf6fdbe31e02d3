// package metrics holds the Prometheus instrumentation for the control plane.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/opsloop/controlplane/internal/models"
	"github.com/opsloop/controlplane/internal/workflow"
)

// Metrics holds all Prometheus metrics for the application. It implements
// workflow.Observer so the engine reports runs and steps directly.
type Metrics struct {
	registry *prometheus.Registry

	WorkflowRuns     *prometheus.CounterVec
	StepLatency      *prometheus.HistogramVec
	ToolExecutions   *prometheus.CounterVec
	PolicyDenials    *prometheus.CounterVec
	DecisionsMade    *prometheus.CounterVec
	SimulationsRun   prometheus.Counter
	EvaluationsRun   *prometheus.CounterVec
	AuditChainLength prometheus.Counter
}

// New creates a Metrics instance registered against its own registry, so tests
// can instantiate isolated metrics in parallel.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,

		WorkflowRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "controlplane_workflow_runs_total",
			Help: "Total workflow runs by workflow name and final status",
		}, []string{"workflow", "status"}),

		StepLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "controlplane_workflow_step_duration_seconds",
			Help:    "Duration of workflow step execution by step type",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"step_type", "result"}),

		ToolExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "controlplane_tool_executions_total",
			Help: "Total tool executions by tool name and result",
		}, []string{"tool", "result"}),

		PolicyDenials: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "controlplane_policy_denials_total",
			Help: "Total policy denials by action",
		}, []string{"action"}),

		DecisionsMade: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "controlplane_decisions_total",
			Help: "Total bandit decisions by type and selected option",
		}, []string{"type", "option"}),

		SimulationsRun: factory.NewCounter(prometheus.CounterOpts{
			Name: "controlplane_simulations_total",
			Help: "Total digital twin simulation runs",
		}),

		EvaluationsRun: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "controlplane_evaluations_total",
			Help: "Total outcome evaluations by task type and pass/fail",
		}, []string{"task_type", "passed"}),

		AuditChainLength: factory.NewCounter(prometheus.CounterOpts{
			Name: "controlplane_audit_entries_total",
			Help: "Total audit entries appended to the hash chain",
		}),
	}
}

// Registry exposes the underlying registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RunStarted implements workflow.Observer.
func (m *Metrics) RunStarted(string) {}

// RunFinished implements workflow.Observer.
func (m *Metrics) RunFinished(name string, status models.RunStatus, _ time.Duration) {
	if m != nil {
		m.WorkflowRuns.WithLabelValues(name, string(status)).Inc()
	}
}

// StepExecuted implements workflow.Observer.
func (m *Metrics) StepExecuted(_ string, stepType workflow.StepType, d time.Duration, failed bool) {
	if m != nil {
		result := "ok"
		if failed {
			result = "error"
		}
		m.StepLatency.WithLabelValues(string(stepType), result).Observe(d.Seconds())
	}
}

// ToolExecuted implements toolrouter.Observer.
func (m *Metrics) ToolExecuted(tool string, success bool) {
	if m != nil {
		result := "ok"
		if !success {
			result = "error"
		}
		m.ToolExecutions.WithLabelValues(tool, result).Inc()
	}
}

// IncrementPolicyDenial records a hard policy denial.
func (m *Metrics) IncrementPolicyDenial(action string) {
	if m != nil {
		m.PolicyDenials.WithLabelValues(action).Inc()
	}
}

// IncrementDecision records one bandit selection.
func (m *Metrics) IncrementDecision(decisionType, option string) {
	if m != nil {
		m.DecisionsMade.WithLabelValues(decisionType, option).Inc()
	}
}

// IncrementSimulation records one digital twin run.
func (m *Metrics) IncrementSimulation() {
	if m != nil {
		m.SimulationsRun.Inc()
	}
}

// IncrementEvaluation records one evaluator outcome.
func (m *Metrics) IncrementEvaluation(taskType string, passed bool) {
	if m != nil {
		p := "false"
		if passed {
			p = "true"
		}
		m.EvaluationsRun.WithLabelValues(taskType, p).Inc()
	}
}

// IncrementAuditEntry records one appended chain entry.
func (m *Metrics) IncrementAuditEntry() {
	if m != nil {
		m.AuditChainLength.Inc()
	}
}
