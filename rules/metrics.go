package rules

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	workflowExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rules_workflow_executions_total",
		Help: "Total number of workflow executions, labelled by workflow.",
	}, []string{"workflow"})

	ruleOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rules_rule_outcomes_total",
		Help: "Top-level rule results, labelled by workflow and outcome (success, failure, error).",
	}, []string{"workflow", "outcome"})

	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rules_compiled_cache_lookups_total",
		Help: "Compiled rule cache lookups, labelled by result (hit, miss).",
	}, []string{"result"})

	compileFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rules_compile_failures_total",
		Help: "Rules that failed to compile, labelled by workflow.",
	}, []string{"workflow"})

	actionsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rules_actions_executed_total",
		Help: "Actions dispatched, labelled by action and status (ok, error).",
	}, []string{"action", "status"})

	executionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rules_workflow_execution_duration_ms",
		Help:    "Workflow execution latency in milliseconds, including compilation on cache misses.",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 25, 50, 100, 250, 1000},
	}, []string{"workflow"})
)

// recordOutcomes must run before error messages are formatted
func recordOutcomes(workflow string, results []*RuleResultTree) {
	for _, r := range results {
		switch {
		case r.IsSuccess:
			ruleOutcomes.WithLabelValues(workflow, "success").Inc()
		case r.ExceptionMessage != "":
			ruleOutcomes.WithLabelValues(workflow, "error").Inc()
		default:
			ruleOutcomes.WithLabelValues(workflow, "failure").Inc()
		}
	}
}
