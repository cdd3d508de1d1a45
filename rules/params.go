package rules

import (
	"fmt"

	"github.com/liamcoop/rulesengine/expression"
)

// scopedParam is a compiled scoped parameter declaration
type scopedParam struct {
	name string
	typ  expression.Type
	prog expression.Program
}

// scopedParams are resolved in declaration order; each may read the ones before it
type scopedParams []scopedParam

func (s scopedParams) typed() []expression.Param {
	out := make([]expression.Param, len(s))
	for i, p := range s {
		out[i] = expression.Param{Name: p.name, Type: p.typ}
	}
	return out
}

// eval computes every scoped parameter from the live values, in order
func (s scopedParams) eval(vars map[string]any) ([]RuleParameter, error) {
	current := make(map[string]any, len(vars)+len(s))
	for k, v := range vars {
		current[k] = v
	}

	out := make([]RuleParameter, 0, len(s))
	for _, p := range s {
		v, err := p.prog.Eval(current)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p.name, err)
		}
		param := NewRuleParameter(p.name, v)
		current[p.name] = param.Value
		out = append(out, param)
	}
	return out, nil
}

// resolveScopedParams compiles declarations against the visible parameters.
// A declaration whose name is already visible is skipped, so the first
// definition of a name wins.
func (c *ruleCompiler) resolveScopedParams(ev expression.Evaluator, decls []ScopedParam, visible []expression.Param) (scopedParams, error) {
	if !c.settings.EnableScopedParams || len(decls) == 0 {
		return nil, nil
	}

	names := make(map[string]bool, len(visible)+len(decls))
	current := make([]expression.Param, 0, len(visible)+len(decls))
	for _, p := range visible {
		names[p.Name] = true
		current = append(current, p)
	}

	resolved := make(scopedParams, 0, len(decls))
	for _, decl := range decls {
		if names[decl.Name] {
			continue
		}
		names[decl.Name] = true

		prog, err := ev.Compile(decl.Expression, current)
		if err != nil {
			return nil, fmt.Errorf("%w, in ScopedParam: %s", err, decl.Name)
		}
		p := scopedParam{name: decl.Name, typ: prog.OutputType(), prog: prog}
		resolved = append(resolved, p)
		current = append(current, expression.Param{Name: p.name, Type: p.typ})
	}
	return resolved, nil
}

// mergeParams appends derived parameters, replacing live ones with the same name
func mergeParams(params, derived []RuleParameter) []RuleParameter {
	if len(derived) == 0 {
		return params
	}
	replaced := make(map[string]bool, len(derived))
	for _, d := range derived {
		replaced[d.Name] = true
	}
	out := make([]RuleParameter, 0, len(params)+len(derived))
	for _, p := range params {
		if !replaced[p.Name] {
			out = append(out, p)
		}
	}
	return append(out, derived...)
}

// distinctParams keeps the first parameter declared under each name
func distinctParams(params []expression.Param) []expression.Param {
	seen := make(map[string]bool, len(params))
	out := make([]expression.Param, 0, len(params))
	for _, p := range params {
		if seen[p.Name] {
			continue
		}
		seen[p.Name] = true
		out = append(out, p)
	}
	return out
}
