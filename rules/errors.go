package rules

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrWorkflowNotFound is returned when a workflow name is not registered
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrRuleNotFound is returned when a workflow has no enabled rule with the given name
	ErrRuleNotFound = errors.New("rule not found")
)

// RuleError is a compile or runtime failure of a single rule
type RuleError struct {
	Rule    string
	Message string
	Cause   error
}

func (e *RuleError) Error() string {
	return e.Message
}

func (e *RuleError) Unwrap() error {
	return e.Cause
}

func newRuleError(rule string, cause error, format string, args ...any) *RuleError {
	return &RuleError{Rule: rule, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// ValidationError aggregates the structural problems found in a workflow
type ValidationError struct {
	Workflow string
	Errors   []string
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0]
	}
	return fmt.Sprintf("workflow %q is invalid: %s", e.Workflow, strings.Join(e.Errors, "; "))
}

// IsValidationError reports whether err is a workflow validation failure
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
