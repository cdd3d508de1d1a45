package rules

import (
	"log/slog"
	"strings"

	"github.com/liamcoop/rulesengine/expression"
)

// NestedRuleExecutionMode controls short-circuiting of nested rules
type NestedRuleExecutionMode int

const (
	// NestedModeAll evaluates every enabled child of a nested rule
	NestedModeAll NestedRuleExecutionMode = iota

	// NestedModePerformance stops as soon as the outcome of the operator is known
	NestedModePerformance
)

func (m NestedRuleExecutionMode) String() string {
	if m == NestedModePerformance {
		return "Performance"
	}
	return "All"
}

// ParseNestedRuleExecutionMode accepts "All" or "Performance" in any case
func ParseNestedRuleExecutionMode(s string) (NestedRuleExecutionMode, bool) {
	switch {
	case s == "" || strings.EqualFold(s, "All"):
		return NestedModeAll, true
	case strings.EqualFold(s, "Performance"):
		return NestedModePerformance, true
	}
	return NestedModeAll, false
}

// Settings configures an Engine. Use DefaultSettings and override fields.
type Settings struct {
	// EnableScopedParams toggles global and local scoped parameters
	EnableScopedParams bool

	NestedRuleExecutionMode NestedRuleExecutionMode

	// EnableExceptionAsErrorMessage reports compile, runtime and action errors
	// on the result instead of returning them from the execution call
	EnableExceptionAsErrorMessage bool

	// IgnoreException blanks error messages of failed rules and swallows action errors
	IgnoreException bool

	// EnableFormattedErrorMessage substitutes $(...) placeholders in ErrorMessage
	EnableFormattedErrorMessage bool

	// AutoRegisterInputType registers the record types of executed inputs so
	// that their fields are checked when rules are compiled
	AutoRegisterInputType bool

	IsExpressionCaseSensitive bool

	// CustomTypes are record types checked strictly at compile time
	CustomTypes []expression.NamedType

	CustomFunctions []expression.Function

	// CustomActions are added to the built-in actions, replacing any with the same name
	CustomActions map[string]ActionFactory

	Cache CacheConfig

	// CostLimit bounds CEL evaluation; zero means expression.DefaultCostLimit
	CostLimit uint64

	// Validator replaces the default workflow validator
	Validator WorkflowValidator

	Logger *slog.Logger
}

// DefaultSettings returns the engine defaults
func DefaultSettings() Settings {
	return Settings{
		EnableScopedParams:            true,
		NestedRuleExecutionMode:       NestedModeAll,
		EnableExceptionAsErrorMessage: true,
		EnableFormattedErrorMessage:   true,
		AutoRegisterInputType:         true,
		Cache:                         DefaultCacheConfig(),
		CostLimit:                     expression.DefaultCostLimit,
	}
}
