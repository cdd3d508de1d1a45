package rules

import (
	"sort"

	"github.com/liamcoop/rulesengine/expression"
)

// Operators accepted on nested rules
const (
	OperatorAnd     = "And"
	OperatorAndAlso = "AndAlso"
	OperatorOr      = "Or"
	OperatorOrElse  = "OrElse"
)

// Workflow is a named collection of rules evaluated together
type Workflow struct {
	Name string `json:"WorkflowName" yaml:"WorkflowName" validate:"required"`

	// WorkflowsToInject names other workflows whose rules are appended to this one
	WorkflowsToInject []string `json:"WorkflowsToInject,omitempty" yaml:"WorkflowsToInject,omitempty"`

	// ExpressionType selects the dialect; empty means CEL
	ExpressionType expression.Dialect `json:"RuleExpressionType,omitempty" yaml:"RuleExpressionType,omitempty" validate:"omitempty,oneof=cel expr"`

	// GlobalParams are visible to every rule of the workflow
	GlobalParams []ScopedParam `json:"GlobalParams,omitempty" yaml:"GlobalParams,omitempty" validate:"dive"`

	Rules []*Rule `json:"Rules" yaml:"Rules" validate:"dive"`
}

// Rule is either a leaf evaluated from Expression, or a nested rule that
// composes its child Rules with Operator.
type Rule struct {
	Name         string         `json:"RuleName" yaml:"RuleName" validate:"required"`
	Properties   map[string]any `json:"Properties,omitempty" yaml:"Properties,omitempty"`
	Operator     string         `json:"Operator,omitempty" yaml:"Operator,omitempty"`
	ErrorMessage string         `json:"ErrorMessage,omitempty" yaml:"ErrorMessage,omitempty"`
	SuccessEvent string         `json:"SuccessEvent,omitempty" yaml:"SuccessEvent,omitempty"`

	// Enabled defaults to true when unset
	Enabled *bool `json:"Enabled,omitempty" yaml:"Enabled,omitempty"`

	Expression  string        `json:"Expression,omitempty" yaml:"Expression,omitempty"`
	Rules       []*Rule       `json:"Rules,omitempty" yaml:"Rules,omitempty" validate:"dive"`
	LocalParams []ScopedParam `json:"LocalParams,omitempty" yaml:"LocalParams,omitempty" validate:"dive"`
	Actions     *RuleActions  `json:"Actions,omitempty" yaml:"Actions,omitempty"`
}

// IsEnabled reports whether the rule takes part in compilation and execution
func (r *Rule) IsEnabled() bool {
	return r != nil && (r.Enabled == nil || *r.Enabled)
}

// IsNested reports whether the rule composes child rules
func (r *Rule) IsNested() bool {
	return isNestedOperator(r.Operator) && len(r.Rules) > 0
}

func isNestedOperator(op string) bool {
	switch op {
	case OperatorAnd, OperatorAndAlso, OperatorOr, OperatorOrElse:
		return true
	}
	return false
}

// ScopedParam is a named value computed from the parameters visible in its scope
type ScopedParam struct {
	Name       string `json:"Name" yaml:"Name" validate:"required"`
	Expression string `json:"Expression" yaml:"Expression" validate:"required"`
}

// RuleActions names the actions run when a rule succeeds or fails
type RuleActions struct {
	OnSuccess *ActionInfo `json:"OnSuccess,omitempty" yaml:"OnSuccess,omitempty"`
	OnFailure *ActionInfo `json:"OnFailure,omitempty" yaml:"OnFailure,omitempty"`
}

// ActionInfo references a registered action and its context
type ActionInfo struct {
	Name    string         `json:"Name" yaml:"Name"`
	Context map[string]any `json:"Context,omitempty" yaml:"Context,omitempty"`
}

// RuleParameter is a named, typed value supplied to an execution
type RuleParameter struct {
	Name  string
	Value any
	Type  expression.Type
}

// NewRuleParameter normalizes value and derives its type
func NewRuleParameter(name string, value any) RuleParameter {
	v := expression.Normalize(value)
	return RuleParameter{Name: name, Value: v, Type: expression.TypeOf(v)}
}

// sortParams returns a copy of params sorted by name with duplicates removed.
// The first parameter supplied under a name wins.
func sortParams(params []RuleParameter) []RuleParameter {
	sorted := make([]RuleParameter, 0, len(params))
	seen := make(map[string]bool, len(params))
	for _, p := range params {
		if seen[p.Name] {
			continue
		}
		seen[p.Name] = true
		if p.Type.Kind == expression.KindDyn {
			p = NewRuleParameter(p.Name, p.Value)
		} else {
			p.Value = expression.Normalize(p.Value)
		}
		sorted = append(sorted, p)
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	return sorted
}

func paramsToMap(params []RuleParameter) map[string]any {
	m := make(map[string]any, len(params))
	for _, p := range params {
		m[p.Name] = p.Value
	}
	return m
}

func paramsToTyped(params []RuleParameter) []expression.Param {
	out := make([]expression.Param, len(params))
	for i, p := range params {
		out[i] = expression.Param{Name: p.Name, Type: p.Type}
	}
	return out
}

// RuleResultTree is the outcome of one rule in one execution
type RuleResultTree struct {
	Rule             *Rule             `json:"Rule"`
	IsSuccess        bool              `json:"IsSuccess"`
	ChildResults     []*RuleResultTree `json:"ChildResults,omitempty"`
	Inputs           map[string]any    `json:"Inputs"`
	ActionResult     *ActionResult     `json:"ActionResult,omitempty"`
	ExceptionMessage string            `json:"ExceptionMessage,omitempty"`
}

// Walk visits the tree depth-first, children before their parent
func (t *RuleResultTree) Walk(fn func(*RuleResultTree)) {
	if t == nil {
		return
	}
	for _, child := range t.ChildResults {
		child.Walk(fn)
	}
	fn(t)
}

// ActionResult is the output of the action dispatched for a result node
type ActionResult struct {
	Output    any    `json:"Output,omitempty"`
	Exception string `json:"Exception,omitempty"`
}

// ActionRuleResult is an action result together with the rule results that
// produced it
type ActionRuleResult struct {
	Output    any               `json:"Output,omitempty"`
	Exception string            `json:"Exception,omitempty"`
	Results   []*RuleResultTree `json:"Results,omitempty"`
}

func newResultTree(rule *Rule, success bool, children []*RuleResultTree, inputs map[string]any, message string) *RuleResultTree {
	return &RuleResultTree{
		Rule:             rule,
		IsSuccess:        success,
		ChildResults:     children,
		Inputs:           inputs,
		ExceptionMessage: message,
	}
}
