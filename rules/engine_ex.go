package rules

import (
	"context"
	"fmt"
	"iter"
)

// ExecuteAllWorkflows lazily executes every registered workflow in
// registration order, yielding one result list per workflow. No further
// workflow is started once ctx is done.
func (en *Engine) ExecuteAllWorkflows(ctx context.Context, params ...RuleParameter) iter.Seq2[[]*RuleResultTree, error] {
	return func(yield func([]*RuleResultTree, error) bool) {
		for _, name := range en.registry.names() {
			if ctx.Err() != nil {
				return
			}
			results, err := en.ExecuteWorkflow(ctx, name, params...)
			if !yield(results, err) {
				return
			}
		}
	}
}

// ExecuteWorkflow executes the rules of a workflow one at a time, checking ctx
// between rules. Rules executed before cancellation are returned.
func (en *Engine) ExecuteWorkflow(ctx context.Context, workflowName string, params ...RuleParameter) ([]*RuleResultTree, error) {
	params = sortParams(params)

	compiled, _, err := en.register(workflowName, params)
	if err != nil {
		return nil, err
	}

	results := make([]*RuleResultTree, 0, len(compiled.Order))
	for _, name := range compiled.Order {
		if ctx.Err() != nil {
			break
		}
		result, err := en.executeRule(ctx, workflowName, name, params)
		if err != nil {
			return nil, err
		}
		results = append(results, result)
	}
	return results, nil
}

// ExecuteRule executes one top-level rule of a workflow, formats its error
// message and dispatches the actions of the rule and its descendants
func (en *Engine) ExecuteRule(ctx context.Context, workflowName, ruleName string, params ...RuleParameter) (*RuleResultTree, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return en.executeRule(ctx, workflowName, ruleName, sortParams(params))
}

func (en *Engine) executeRule(ctx context.Context, workflowName, ruleName string, params []RuleParameter) (*RuleResultTree, error) {
	compiled, ev, err := en.register(workflowName, params)
	if err != nil {
		return nil, err
	}
	fn, ok := compiled.Funcs[ruleName]
	if !ok {
		return nil, fmt.Errorf("%w: workflow `%s` does not contain any rule named `%s`", ErrRuleNotFound, workflowName, ruleName)
	}

	result, err := fn(params)
	if err != nil {
		return nil, fmt.Errorf("workflow %s: %w", workflowName, err)
	}
	recordOutcomes(workflowName, []*RuleResultTree{result})
	if en.settings.EnableFormattedErrorMessage {
		formatErrorMessages([]*RuleResultTree{result})
	}

	if err := en.executeActions(ctx, ev, result.ChildResults); err != nil {
		return nil, err
	}
	out, err := en.executeActionForResult(ctx, ev, result, true)
	if err != nil {
		return nil, err
	}
	if actionFor(result) != nil {
		result.ActionResult = &ActionResult{Output: out.Output, Exception: out.Exception}
	}
	return result, nil
}

// ExecuteRuleActions compiles one rule without caching, executes it and runs
// its action, returning the action output with the rule results
func (en *Engine) ExecuteRuleActions(ctx context.Context, workflowName, ruleName string, params ...RuleParameter) (*ActionRuleResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return en.ExecuteActionWorkflow(ctx, workflowName, ruleName, params...)
}
