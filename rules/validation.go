package rules

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// WorkflowValidator checks the structure of a workflow before it is registered
type WorkflowValidator interface {
	// Validate returns one message per problem found; empty means valid
	Validate(wf *Workflow) []string
}

// WorkflowValidatorFunc adapts a function to WorkflowValidator
type WorkflowValidatorFunc func(wf *Workflow) []string

func (f WorkflowValidatorFunc) Validate(wf *Workflow) []string {
	return f(wf)
}

// DefaultValidator checks struct tags with go-playground/validator and then
// the shape of every rule: leaf rules need an expression, nested rules need a
// supported operator and at least one child.
type DefaultValidator struct {
	validate *validator.Validate
}

// NewDefaultValidator creates the default workflow validator
func NewDefaultValidator() *DefaultValidator {
	return &DefaultValidator{validate: validator.New()}
}

func (v *DefaultValidator) Validate(wf *Workflow) []string {
	if wf == nil {
		return []string{"Workflow can not be null"}
	}

	var problems []string
	if err := v.validate.Struct(wf); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return []string{err.Error()}
		}
		for _, fe := range fieldErrs {
			problems = append(problems, describeFieldError(fe))
		}
	}

	if len(wf.Rules) == 0 && len(wf.WorkflowsToInject) == 0 {
		problems = append(problems, fmt.Sprintf("Workflow `%s` must contain rules or WorkflowsToInject", wf.Name))
	}
	problems = append(problems, checkRules(wf.Rules, "Rules")...)
	return problems
}

func describeFieldError(fe validator.FieldError) string {
	path := strings.TrimPrefix(fe.StructNamespace(), "Workflow.")
	switch {
	case path == "Name":
		return "Workflow name can not be null or empty"
	case fe.Field() == "ExpressionType":
		return fmt.Sprintf("RuleExpressionType %q is not supported, use cel or expr", fe.Value())
	case strings.Contains(path, "Params[") && fe.Field() == "Name":
		return fmt.Sprintf("%s: scoped param name can not be null or empty", path)
	case strings.Contains(path, "Params[") && fe.Field() == "Expression":
		return fmt.Sprintf("%s: scoped param expression can not be null or empty", path)
	case fe.Field() == "Name":
		return fmt.Sprintf("%s: rule name can not be null or empty", path)
	default:
		return fmt.Sprintf("%s failed on the '%s' check", path, fe.Tag())
	}
}

func checkRules(rules []*Rule, path string) []string {
	var problems []string
	seen := make(map[string]bool, len(rules))
	for i, r := range rules {
		at := fmt.Sprintf("%s[%d]", path, i)
		if r == nil {
			problems = append(problems, at+": rule can not be null")
			continue
		}
		if r.Name != "" {
			if seen[r.Name] {
				problems = append(problems, fmt.Sprintf("%s: duplicate rule name `%s`", at, r.Name))
			}
			seen[r.Name] = true
		}

		if r.Operator == "" {
			if strings.TrimSpace(r.Expression) == "" {
				problems = append(problems, fmt.Sprintf("%s: expression can not be null or empty for rule `%s`", at, r.Name))
			}
			if len(r.Rules) > 0 {
				problems = append(problems, fmt.Sprintf("%s: rule `%s` has child rules but no operator", at, r.Name))
			}
			continue
		}

		if !isNestedOperator(r.Operator) {
			problems = append(problems, fmt.Sprintf("%s: operator `%s` should be And/AndAlso/Or/OrElse", at, r.Operator))
		}
		if len(r.Rules) == 0 {
			problems = append(problems, fmt.Sprintf("%s: nested rule `%s` must contain child rules", at, r.Name))
		}
		problems = append(problems, checkRules(r.Rules, at+".Rules")...)
	}
	return problems
}
