package rules

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/liamcoop/rulesengine/expression"
	"github.com/liamcoop/rulesengine/internal/logger"
)

// Engine registers workflows, compiles their rules on demand and executes
// them. Compiled rules are cached per workflow and parameter shape.
// Safe for concurrent use.
type Engine struct {
	settings   Settings
	registry   *workflowRegistry
	compiler   *ruleCompiler
	evaluators map[expression.Dialect]expression.Evaluator
	types      *expression.TypeRegistry
	actions    map[string]ActionFactory
	validator  WorkflowValidator
	compiles   singleflight.Group
	log        *slog.Logger
}

// NewEngine creates an engine with an in-memory compiled rules cache and
// registers the given workflows
func NewEngine(settings Settings, workflows ...*Workflow) (*Engine, error) {
	cache, err := NewInMemoryRulesCache(settings.Cache)
	if err != nil {
		return nil, err
	}
	return NewEngineWithCache(settings, cache, workflows...)
}

// NewEngineWithCache creates an engine backed by a custom compiled rules cache
func NewEngineWithCache(settings Settings, cache RulesCache, workflows ...*Workflow) (*Engine, error) {
	if settings.CostLimit == 0 {
		settings.CostLimit = expression.DefaultCostLimit
	}
	log := settings.Logger
	if log == nil {
		log = logger.Component("rules")
	}
	validator := settings.Validator
	if validator == nil {
		validator = NewDefaultValidator()
	}

	en := &Engine{
		settings:   settings,
		registry:   newWorkflowRegistry(cache),
		types:      expression.NewTypeRegistry(settings.CustomTypes...),
		evaluators: make(map[expression.Dialect]expression.Evaluator),
		validator:  validator,
		log:        log,
	}
	en.compiler = &ruleCompiler{settings: &en.settings, log: log}

	for _, dialect := range []expression.Dialect{expression.DialectCEL, expression.DialectExpr} {
		ev, err := expression.New(dialect, expression.Options{
			CaseSensitive: settings.IsExpressionCaseSensitive,
			CostLimit:     settings.CostLimit,
			Functions:     settings.CustomFunctions,
			Types:         en.types,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create %s evaluator: %w", dialect, err)
		}
		en.evaluators[dialect] = ev
	}

	en.actions = en.defaultActions()
	maps.Copy(en.actions, settings.CustomActions)

	if err := en.AddWorkflow(workflows...); err != nil {
		return nil, err
	}
	return en, nil
}

// Settings returns a copy of the engine settings
func (en *Engine) Settings() Settings {
	return en.settings
}

// AddWorkflow validates and registers workflows. Registering a name that
// already exists is a validation failure.
func (en *Engine) AddWorkflow(workflows ...*Workflow) error {
	for _, wf := range workflows {
		if err := en.validate(wf); err != nil {
			return err
		}
		if !en.registry.add(wf) {
			return &ValidationError{
				Workflow: wf.Name,
				Errors: []string{fmt.Sprintf(
					"Cannot add workflow `%s` as it already exists. Use `AddOrUpdateWorkflow` to update existing workflow", wf.Name)},
			}
		}
		en.log.Info("workflow registered", "workflow", wf.Name, "rules", len(wf.Rules))
	}
	return nil
}

// AddOrUpdateWorkflow validates and registers workflows, replacing existing
// ones and invalidating their compiled rules
func (en *Engine) AddOrUpdateWorkflow(workflows ...*Workflow) error {
	for _, wf := range workflows {
		if err := en.validate(wf); err != nil {
			return err
		}
		en.registry.addOrUpdate(wf)
		en.log.Info("workflow registered or updated", "workflow", wf.Name, "rules", len(wf.Rules))
	}
	return nil
}

// RemoveWorkflow removes workflows and their compiled rules
func (en *Engine) RemoveWorkflow(names ...string) {
	for _, name := range names {
		en.registry.remove(name)
		en.log.Info("workflow removed", "workflow", name)
	}
}

// ClearWorkflows removes every workflow and compiled rule
func (en *Engine) ClearWorkflows() {
	en.registry.clear()
	en.log.Info("workflows cleared")
}

// ContainsWorkflow reports whether a workflow is registered
func (en *Engine) ContainsWorkflow(name string) bool {
	return en.registry.contains(name)
}

// GetAllRegisteredWorkflowNames returns workflow names in registration order
func (en *Engine) GetAllRegisteredWorkflowNames() []string {
	return en.registry.names()
}

// GetWorkflow returns a registered workflow
func (en *Engine) GetWorkflow(name string) (*Workflow, bool) {
	return en.registry.get(name)
}

func (en *Engine) validate(wf *Workflow) error {
	problems := en.validator.Validate(wf)
	if len(problems) == 0 {
		return nil
	}
	name := ""
	if wf != nil {
		name = wf.Name
	}
	return &ValidationError{Workflow: name, Errors: problems}
}

// ExecuteAllRulesWithInputs executes a workflow with inputs named input1..inputN
func (en *Engine) ExecuteAllRulesWithInputs(ctx context.Context, workflowName string, inputs ...any) ([]*RuleResultTree, error) {
	params := make([]RuleParameter, len(inputs))
	for i, input := range inputs {
		params[i] = NewRuleParameter(fmt.Sprintf("input%d", i+1), input)
	}
	return en.ExecuteAllRules(ctx, workflowName, params...)
}

// ExecuteAllRules executes every enabled top-level rule of a workflow,
// formats error messages and dispatches actions. Results follow the
// declaration order of the rules.
func (en *Engine) ExecuteAllRules(ctx context.Context, workflowName string, params ...RuleParameter) ([]*RuleResultTree, error) {
	start := time.Now()
	params = sortParams(params)

	compiled, ev, err := en.register(workflowName, params)
	if err != nil {
		return nil, err
	}

	results := make([]*RuleResultTree, 0, len(compiled.Order))
	for _, name := range compiled.Order {
		result, err := compiled.Funcs[name](params)
		if err != nil {
			return nil, fmt.Errorf("workflow %s: %w", workflowName, err)
		}
		results = append(results, result)
	}

	recordOutcomes(workflowName, results)
	if en.settings.EnableFormattedErrorMessage {
		formatErrorMessages(results)
	}

	if err := en.executeActions(ctx, ev, results); err != nil {
		return nil, err
	}

	workflowExecutions.WithLabelValues(workflowName).Inc()
	executionDuration.WithLabelValues(workflowName).Observe(float64(time.Since(start).Microseconds()) / 1000)
	return results, nil
}

// ExecuteActionWorkflow compiles and executes one rule, then runs its action
// including the rule results in the returned value
func (en *Engine) ExecuteActionWorkflow(ctx context.Context, workflowName, ruleName string, params ...RuleParameter) (*ActionRuleResult, error) {
	params = sortParams(params)

	fn, ev, err := en.compileSingle(workflowName, ruleName, params)
	if err != nil {
		return nil, err
	}
	tree, err := fn(params)
	if err != nil {
		return nil, fmt.Errorf("workflow %s: %w", workflowName, err)
	}
	return en.executeActionForResult(ctx, ev, tree, true)
}

func (en *Engine) evaluator(dialect expression.Dialect) (expression.Evaluator, error) {
	if dialect == "" {
		dialect = expression.DialectCEL
	}
	ev, ok := en.evaluators[dialect]
	if !ok {
		return nil, fmt.Errorf("unsupported expression dialect %q", dialect)
	}
	return ev, nil
}

// register returns the compiled rules for the workflow and parameter shape,
// compiling them when the cache holds no up-to-date entry
func (en *Engine) register(workflowName string, params []RuleParameter) (*CompiledWorkflow, expression.Evaluator, error) {
	wf, ok := en.registry.get(workflowName)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowName)
	}
	ev, err := en.evaluator(wf.ExpressionType)
	if err != nil {
		return nil, nil, err
	}

	key := cacheKey(workflowName, params)
	if compiled, ok := en.registry.compiled(key, workflowName); ok {
		cacheLookups.WithLabelValues("hit").Inc()
		return compiled, ev, nil
	}
	cacheLookups.WithLabelValues("miss").Inc()

	v, err, _ := en.compiles.Do(key, func() (any, error) {
		if compiled, ok := en.registry.compiled(key, workflowName); ok {
			return compiled, nil
		}
		return en.compileWorkflow(workflowName, key, params)
	})
	if err != nil {
		return nil, nil, err
	}
	return v.(*CompiledWorkflow), ev, nil
}

func (en *Engine) compileWorkflow(workflowName, key string, params []RuleParameter) (*CompiledWorkflow, error) {
	wf, rules, versions, ok := en.registry.snapshot(workflowName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowName)
	}
	ev, err := en.evaluator(wf.ExpressionType)
	if err != nil {
		return nil, err
	}

	if en.settings.AutoRegisterInputType {
		for _, p := range params {
			en.types.Register(p.Name, p.Type)
		}
	}

	typed := paramsToTyped(params)
	globals := en.compiler.lazyGlobals(ev, wf, typed)

	compiled := &CompiledWorkflow{
		Workflow: workflowName,
		Versions: versions,
		Funcs:    make(map[string]RuleFunc, len(rules)),
	}
	for _, rule := range rules {
		if !rule.IsEnabled() {
			continue
		}
		if _, dup := compiled.Funcs[rule.Name]; dup {
			en.log.Warn("duplicate rule name skipped", "workflow", workflowName, "rule", rule.Name)
			continue
		}
		compiled.Funcs[rule.Name] = en.compiler.compile(workflowName, rule, ev, typed, globals)
		compiled.Order = append(compiled.Order, rule.Name)
	}

	en.registry.storeCompiled(key, compiled)
	en.log.Debug("workflow compiled", "workflow", workflowName, "key", key, "rules", len(compiled.Order))
	return compiled, nil
}

// compileSingle compiles one enabled top-level rule without caching it
func (en *Engine) compileSingle(workflowName, ruleName string, params []RuleParameter) (RuleFunc, expression.Evaluator, error) {
	wf, rules, _, ok := en.registry.snapshot(workflowName)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowName)
	}
	ev, err := en.evaluator(wf.ExpressionType)
	if err != nil {
		return nil, nil, err
	}

	var rule *Rule
	for _, r := range rules {
		if r.Name == ruleName && r.IsEnabled() {
			rule = r
			break
		}
	}
	if rule == nil {
		return nil, nil, fmt.Errorf("%w: workflow `%s` does not contain any rule named `%s`", ErrRuleNotFound, workflowName, ruleName)
	}

	typed := paramsToTyped(params)
	return en.compiler.compile(workflowName, rule, ev, typed, en.compiler.lazyGlobals(ev, wf, typed)), ev, nil
}
