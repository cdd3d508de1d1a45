package rules

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/liamcoop/rulesengine/expression"
)

// Built-in action names
const (
	ActionOutputExpression = "OutputExpression"
	ActionEvaluateRule     = "EvaluateRule"
)

// ErrActionNotFound is returned when a rule references an unregistered action
var ErrActionNotFound = errors.New("action not found")

// Action is a side effect triggered by the outcome of a rule. Returning an
// *ActionRuleResult chains the results of further rule evaluations.
type Action interface {
	Run(ctx context.Context, actx *ActionContext, params []RuleParameter) (any, error)
}

// ActionFunc adapts a function to Action
type ActionFunc func(ctx context.Context, actx *ActionContext, params []RuleParameter) (any, error)

func (f ActionFunc) Run(ctx context.Context, actx *ActionContext, params []RuleParameter) (any, error) {
	return f(ctx, actx, params)
}

// ActionFactory creates an action for one dispatch
type ActionFactory func() Action

// ActionContext carries the configured context of an action and the result
// that triggered it
type ActionContext struct {
	values map[string]any
	parent *RuleResultTree
	ev     expression.Evaluator
}

// NewActionContext creates a context; ev evaluates expressions in the
// dialect of the triggering workflow
func NewActionContext(values map[string]any, parent *RuleResultTree, ev expression.Evaluator) *ActionContext {
	if values == nil {
		values = map[string]any{}
	}
	return &ActionContext{values: values, parent: parent, ev: ev}
}

// Get returns a context value. Names match case-insensitively when there is
// no exact match.
func (c *ActionContext) Get(name string) (any, bool) {
	if v, ok := c.values[name]; ok {
		return v, true
	}
	for k, v := range c.values {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return nil, false
}

// Decode decodes the context value name into out
func (c *ActionContext) Decode(name string, out any) error {
	v, ok := c.Get(name)
	if !ok {
		return fmt.Errorf("action context has no value %q", name)
	}
	return decode(v, out)
}

// DecodeAll decodes the whole context into out
func (c *ActionContext) DecodeAll(out any) error {
	return decode(c.values, out)
}

// ParentResult is the result node that triggered the action
func (c *ActionContext) ParentResult() *RuleResultTree {
	return c.parent
}

// Evaluator evaluates expressions in the dialect of the triggering workflow
func (c *ActionContext) Evaluator() expression.Evaluator {
	return c.ev
}

func decode(input, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return dec.Decode(input)
}

// outputExpressionAction evaluates the "expression" context value against the
// rule's inputs
type outputExpressionAction struct{}

func (outputExpressionAction) Run(_ context.Context, actx *ActionContext, params []RuleParameter) (any, error) {
	var expr string
	if err := actx.Decode("expression", &expr); err != nil {
		return nil, err
	}
	return expression.Evaluate(actx.Evaluator(), expr, paramsToMap(params))
}

type evaluateRuleArgs struct {
	WorkflowName     string        `mapstructure:"workflowName"`
	RuleName         string        `mapstructure:"ruleName"`
	InputFilter      []string      `mapstructure:"inputFilter"`
	AdditionalInputs []ScopedParam `mapstructure:"additionalInputs"`
}

// evaluateRuleAction chains to a rule of another (or the same) workflow
type evaluateRuleAction struct {
	engine *Engine
}

func (a evaluateRuleAction) Run(ctx context.Context, actx *ActionContext, params []RuleParameter) (any, error) {
	var args evaluateRuleArgs
	if err := actx.DecodeAll(&args); err != nil {
		return nil, fmt.Errorf("invalid EvaluateRule context: %w", err)
	}

	filtered := params
	if args.InputFilter != nil {
		filtered = make([]RuleParameter, 0, len(params))
		for _, p := range params {
			for _, name := range args.InputFilter {
				if p.Name == name {
					filtered = append(filtered, p)
					break
				}
			}
		}
	}

	vars := paramsToMap(params)
	for _, input := range args.AdditionalInputs {
		v, err := expression.Evaluate(actx.Evaluator(), input.Expression, vars)
		if err != nil {
			return nil, fmt.Errorf("additional input %s: %w", input.Name, err)
		}
		filtered = append(filtered, NewRuleParameter(input.Name, v))
	}

	return a.engine.ExecuteActionWorkflow(ctx, args.WorkflowName, args.RuleName, filtered...)
}

func (e *Engine) defaultActions() map[string]ActionFactory {
	return map[string]ActionFactory{
		ActionOutputExpression: func() Action { return outputExpressionAction{} },
		ActionEvaluateRule:     func() Action { return evaluateRuleAction{engine: e} },
	}
}

// executeActions dispatches actions depth-first, children before their parent
func (e *Engine) executeActions(ctx context.Context, ev expression.Evaluator, results []*RuleResultTree) error {
	for _, r := range results {
		if err := e.executeActions(ctx, ev, r.ChildResults); err != nil {
			return err
		}
		out, err := e.executeActionForResult(ctx, ev, r, false)
		if err != nil {
			return err
		}
		if actionFor(r) != nil {
			r.ActionResult = &ActionResult{Output: out.Output, Exception: out.Exception}
		}
	}
	return nil
}

// executeActionForResult runs the action matching the outcome of tree
func (e *Engine) executeActionForResult(ctx context.Context, ev expression.Evaluator, tree *RuleResultTree, includeResults bool) (*ActionRuleResult, error) {
	info := actionFor(tree)
	if info == nil {
		result := &ActionRuleResult{}
		if includeResults {
			result.Results = []*RuleResultTree{tree}
		}
		return result, nil
	}

	factory, ok := e.actions[info.Name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrActionNotFound, info.Name)
	}

	params := make([]RuleParameter, 0, len(tree.Inputs))
	for name, value := range tree.Inputs {
		params = append(params, NewRuleParameter(name, value))
	}
	params = sortParams(params)

	result := &ActionRuleResult{}
	out, err := factory().Run(ctx, NewActionContext(info.Context, tree, ev), params)
	if err != nil {
		actionsExecuted.WithLabelValues(info.Name, "error").Inc()
		switch {
		case e.settings.IgnoreException:
		case e.settings.EnableExceptionAsErrorMessage:
			result.Exception = fmt.Sprintf("Exception while executing %s: %v", info.Name, err)
		default:
			return nil, fmt.Errorf("action %s for rule %s: %w", info.Name, tree.Rule.Name, err)
		}
	} else {
		actionsExecuted.WithLabelValues(info.Name, "ok").Inc()
	}

	chained, isChained := out.(*ActionRuleResult)
	if !isChained || chained == nil {
		if !isChained {
			result.Output = out
		}
		if includeResults {
			result.Results = []*RuleResultTree{tree}
		}
		return result, nil
	}

	result.Output = chained.Output
	if result.Exception == "" {
		result.Exception = chained.Exception
	}
	if includeResults {
		result.Results = append(result.Results, chained.Results...)
		if !containsResult(chained.Results, tree) {
			result.Results = append(result.Results, tree)
		}
	}
	return result, nil
}

func actionFor(tree *RuleResultTree) *ActionInfo {
	if tree == nil || tree.Rule == nil || tree.Rule.Actions == nil {
		return nil
	}
	if tree.IsSuccess {
		return tree.Rule.Actions.OnSuccess
	}
	return tree.Rule.Actions.OnFailure
}

func containsResult(results []*RuleResultTree, target *RuleResultTree) bool {
	for _, r := range results {
		if r == target {
			return true
		}
	}
	return false
}
