package rules

import (
	"strconv"
	"strings"
)

// RuleFunc is a compiled rule. It returns an error only when the engine is
// configured to propagate rule errors instead of reporting them on the result.
type RuleFunc func(params []RuleParameter) (*RuleResultTree, error)

// CompiledWorkflow holds the compiled top-level rules of a workflow for one
// parameter shape
type CompiledWorkflow struct {
	Workflow string

	// Versions records the registry version of every workflow whose rules
	// were compiled into this entry, including injected workflows
	Versions map[string]uint64

	// Order is the declaration order of the compiled rule names
	Order []string
	Funcs map[string]RuleFunc
}

// RulesCache stores compiled workflows keyed by workflow name and parameter shape
// This allows swapping the in-memory LRU for another implementation
type RulesCache interface {
	// Get returns the entry for key, if present
	Get(key string) (*CompiledWorkflow, bool)

	// Set stores an entry, replacing any existing one
	Set(key string, entry *CompiledWorkflow)

	// InvalidateWorkflow removes every entry that the workflow contributed to
	InvalidateWorkflow(name string)

	// Invalidate removes every entry
	Invalidate()

	// Len returns the number of entries
	Len() int
}

// CacheConfig holds configuration for cache behavior
type CacheConfig struct {
	// SizeLimit bounds the number of compiled entries; least recently used
	// entries are evicted first
	SizeLimit int
}

// DefaultCacheConfig returns the default cache configuration
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		SizeLimit: 1000,
	}
}

// cacheKey derives the key from the workflow name and the (name, type) pairs
// of the name-sorted parameters. Every part is quoted so that no two
// workflow/shape combinations share a key.
func cacheKey(workflow string, params []RuleParameter) string {
	var sb strings.Builder
	sb.WriteString(strconv.Quote(workflow))
	sb.WriteString("(")
	for i, p := range params {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(strconv.Quote(p.Name))
		sb.WriteString(":")
		sb.WriteString(strconv.Quote(p.Type.String()))
	}
	sb.WriteString(")")
	return sb.String()
}
