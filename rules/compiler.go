package rules

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/liamcoop/rulesengine/expression"
	"github.com/liamcoop/rulesengine/internal/logger"
)

// ruleCompiler turns rule definitions into RuleFuncs. Compilation is pure:
// only the expression evaluator is consulted.
type ruleCompiler struct {
	settings *Settings
	log      *slog.Logger
}

// globalParamsFunc resolves a workflow's global params at most once per compile pass
type globalParamsFunc func() (scopedParams, error)

func (c *ruleCompiler) lazyGlobals(ev expression.Evaluator, wf *Workflow, params []expression.Param) globalParamsFunc {
	return sync.OnceValues(func() (scopedParams, error) {
		return c.resolveScopedParams(ev, wf.GlobalParams, params)
	})
}

// compile compiles a top-level rule. A rule that fails to compile yields a
// RuleFunc that reports the compile error on every invocation.
func (c *ruleCompiler) compile(workflow string, rule *Rule, ev expression.Evaluator, params []expression.Param, globals globalParamsFunc) RuleFunc {
	fn, err := c.compileTop(rule, ev, params, globals)
	if err != nil {
		rerr := newRuleError(rule.Name, err, "Error while compiling rule `%s`: %s", rule.Name, err.Error())
		compileFailures.WithLabelValues(workflow).Inc()
		logger.Warn("rule failed to compile", "workflow", workflow, "rule", rule.Name, "error", err)
		return c.failing(rule, rerr)
	}
	return fn
}

func (c *ruleCompiler) compileTop(rule *Rule, ev expression.Evaluator, params []expression.Param, globals globalParamsFunc) (RuleFunc, error) {
	global, err := globals()
	if err != nil {
		return nil, err
	}
	extended := distinctParams(append(slices.Clone(params), global.typed()...))

	fn, err := c.delegate(rule, ev, extended)
	if err != nil {
		return nil, err
	}
	return c.wrap(rule, fn, global), nil
}

// delegate compiles a rule of any depth against params extended with its local params
func (c *ruleCompiler) delegate(rule *Rule, ev expression.Evaluator, params []expression.Param) (RuleFunc, error) {
	local, err := c.resolveScopedParams(ev, rule.LocalParams, params)
	if err != nil {
		return nil, err
	}
	extended := append(slices.Clone(params), local.typed()...)

	var fn RuleFunc
	if rule.IsNested() {
		fn, err = c.buildNested(rule, ev, extended)
	} else {
		fn, err = c.buildLeaf(rule, ev, extended)
	}
	if err != nil {
		return nil, err
	}
	return c.wrap(rule, fn, local), nil
}

func (c *ruleCompiler) buildLeaf(rule *Rule, ev expression.Evaluator, params []expression.Param) (RuleFunc, error) {
	prog, err := ev.Compile(rule.Expression, params, expression.ExpectBool())
	if err != nil {
		return nil, fmt.Errorf("Exception while parsing expression `%s` - %w", rule.Expression, err)
	}

	return func(ps []RuleParameter) (*RuleResultTree, error) {
		inputs := paramsToMap(ps)
		out, err := prog.Eval(inputs)
		if err != nil {
			return c.exceptionResult(rule, inputs, newRuleError(rule.Name, err, "Error while executing rule : %v", err))
		}
		// Non-boolean results are treated as false
		matched, _ := out.(bool)
		return newResultTree(rule, matched, nil, inputs, ""), nil
	}, nil
}

func (c *ruleCompiler) buildNested(rule *Rule, ev expression.Evaluator, params []expression.Param) (RuleFunc, error) {
	children := make([]RuleFunc, 0, len(rule.Rules))
	for _, child := range rule.Rules {
		if !child.IsEnabled() {
			continue
		}
		fn, err := c.delegate(child, ev, params)
		if err != nil {
			return nil, err
		}
		children = append(children, fn)
	}

	return func(ps []RuleParameter) (*RuleResultTree, error) {
		success, results, err := c.applyOperation(ps, children, rule.Operator)
		if err != nil {
			return nil, err
		}
		return newResultTree(rule, success, results, paramsToMap(ps), ""), nil
	}, nil
}

// applyOperation aggregates child results in declaration order. In
// performance mode it stops once the outcome is decided.
func (c *ruleCompiler) applyOperation(ps []RuleParameter, children []RuleFunc, operator string) (bool, []*RuleResultTree, error) {
	results := make([]*RuleResultTree, 0, len(children))
	if len(children) == 0 {
		return false, results, nil
	}

	isAnd := operator == OperatorAnd || operator == OperatorAndAlso
	success := isAnd
	shortCircuit := c.settings.NestedRuleExecutionMode == NestedModePerformance

	for _, child := range children {
		result, err := child(ps)
		if err != nil {
			return false, nil, err
		}
		results = append(results, result)

		if isAnd {
			success = success && result.IsSuccess
			if shortCircuit && !success {
				break
			}
		} else {
			success = success || result.IsSuccess
			if shortCircuit && success {
				break
			}
		}
	}
	return success, results, nil
}

// wrap evaluates scoped params before the inner rule and merges them into
// its parameters
func (c *ruleCompiler) wrap(rule *Rule, fn RuleFunc, scoped scopedParams) RuleFunc {
	if len(scoped) == 0 {
		return fn
	}
	return func(ps []RuleParameter) (*RuleResultTree, error) {
		derived, err := scoped.eval(paramsToMap(ps))
		if err != nil {
			rerr := newRuleError(rule.Name, err, "Error while executing scoped params for rule `%s` - %v", rule.Name, err)
			return c.exceptionResult(rule, paramsToMap(ps), rerr)
		}
		return fn(mergeParams(ps, derived))
	}
}

func (c *ruleCompiler) failing(rule *Rule, err *RuleError) RuleFunc {
	return func(ps []RuleParameter) (*RuleResultTree, error) {
		return c.exceptionResult(rule, paramsToMap(ps), err)
	}
}

// exceptionResult applies the error policy: propagate, report on the result,
// or report a failure with the message blanked
func (c *ruleCompiler) exceptionResult(rule *Rule, inputs map[string]any, err *RuleError) (*RuleResultTree, error) {
	if !c.settings.EnableExceptionAsErrorMessage {
		return nil, err
	}
	message := err.Message
	if c.settings.IgnoreException {
		message = ""
	}
	return newResultTree(rule, false, nil, inputs, message), nil
}
