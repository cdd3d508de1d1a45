package rules

import (
	"context"
	"fmt"
	"testing"
)

func TestRulesCacheInterfaceExists(t *testing.T) {
	var _ RulesCache = (*InMemoryRulesCache)(nil)
}

func TestCacheKeyIncludesParameterShape(t *testing.T) {
	a := sortParams([]RuleParameter{NewRuleParameter("input1", map[string]any{"a": 1})})
	b := sortParams([]RuleParameter{NewRuleParameter("input1", map[string]any{"a": "x"})})
	c := sortParams([]RuleParameter{NewRuleParameter("input1", map[string]any{"a": 2})})

	if cacheKey("wf", a) == cacheKey("wf", b) {
		t.Error("different parameter types should produce different keys")
	}
	if cacheKey("wf", a) != cacheKey("wf", c) {
		t.Error("same parameter types should produce the same key")
	}
	if got, want := cacheKey("wf", a), `"wf"("input1":"record{a:int}")`; got != want {
		t.Errorf("cacheKey() = %s, want %s", got, want)
	}
}

func TestCacheKeyIsUnambiguous(t *testing.T) {
	short := cacheKey("wf-a_int", []RuleParameter{NewRuleParameter("b", 1)})
	long := cacheKey("wf", sortParams([]RuleParameter{NewRuleParameter("a", 1), NewRuleParameter("b", 1)}))

	if short == long {
		t.Errorf("workflows wf-a_int and wf share the key %s", short)
	}
}

func TestCacheKeyIgnoresParameterOrder(t *testing.T) {
	x := NewRuleParameter("x", 1)
	y := NewRuleParameter("y", "s")

	if cacheKey("wf", sortParams([]RuleParameter{x, y})) != cacheKey("wf", sortParams([]RuleParameter{y, x})) {
		t.Error("parameter order should not affect the cache key")
	}
}

func TestSortParamsFirstWins(t *testing.T) {
	params := sortParams([]RuleParameter{
		NewRuleParameter("b", 1),
		NewRuleParameter("a", "first"),
		NewRuleParameter("a", "second"),
	})

	if len(params) != 2 {
		t.Fatalf("expected 2 params, got %d", len(params))
	}
	if params[0].Name != "a" || params[0].Value != "first" {
		t.Errorf("expected first value for a, got %v", params[0].Value)
	}
}

func TestInMemoryRulesCacheEviction(t *testing.T) {
	cache, err := NewInMemoryRulesCache(CacheConfig{SizeLimit: 2})
	if err != nil {
		t.Fatalf("NewInMemoryRulesCache() failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		cache.Set(fmt.Sprintf("key-%d", i), &CompiledWorkflow{Workflow: "wf"})
	}

	if cache.Len() != 2 {
		t.Errorf("expected 2 entries, got %d", cache.Len())
	}
	if _, ok := cache.Get("key-0"); ok {
		t.Error("least recently used entry should have been evicted")
	}
}

func TestInMemoryRulesCacheDefaultSize(t *testing.T) {
	cache, err := NewInMemoryRulesCache(CacheConfig{})
	if err != nil {
		t.Fatalf("NewInMemoryRulesCache() failed: %v", err)
	}
	if cache.config.SizeLimit != DefaultCacheConfig().SizeLimit {
		t.Errorf("expected default size limit, got %d", cache.config.SizeLimit)
	}
}

func TestInMemoryRulesCacheInvalidateWorkflow(t *testing.T) {
	cache, _ := NewInMemoryRulesCache(DefaultCacheConfig())

	cache.Set("a-1", &CompiledWorkflow{Workflow: "a", Versions: map[string]uint64{"a": 1}})
	cache.Set("b-1", &CompiledWorkflow{Workflow: "b", Versions: map[string]uint64{"b": 2, "a": 1}})
	cache.Set("c-1", &CompiledWorkflow{Workflow: "c", Versions: map[string]uint64{"c": 3}})

	cache.InvalidateWorkflow("a")

	if _, ok := cache.Get("a-1"); ok {
		t.Error("entry of the workflow should be removed")
	}
	if _, ok := cache.Get("b-1"); ok {
		t.Error("entry injecting the workflow should be removed")
	}
	if _, ok := cache.Get("c-1"); !ok {
		t.Error("unrelated entry should be kept")
	}

	cache.Invalidate()
	if cache.Len() != 0 {
		t.Errorf("expected empty cache, got %d entries", cache.Len())
	}
}

// countingCache records how often the engine compiles a workflow
type countingCache struct {
	*InMemoryRulesCache
	sets int
}

func (c *countingCache) Set(key string, entry *CompiledWorkflow) {
	c.sets++
	c.InMemoryRulesCache.Set(key, entry)
}

func TestEngineReusesCompiledRules(t *testing.T) {
	inner, _ := NewInMemoryRulesCache(DefaultCacheConfig())
	cache := &countingCache{InMemoryRulesCache: inner}

	en, err := NewEngineWithCache(DefaultSettings(), cache, &Workflow{
		Name:  "wf",
		Rules: []*Rule{{Name: "r", Expression: "input1.a > 1"}},
	})
	if err != nil {
		t.Fatalf("NewEngineWithCache() failed: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := en.ExecuteAllRulesWithInputs(ctx, "wf", map[string]any{"a": i}); err != nil {
			t.Fatalf("ExecuteAllRulesWithInputs() failed: %v", err)
		}
	}
	if cache.sets != 1 {
		t.Errorf("expected one compilation for one parameter shape, got %d", cache.sets)
	}

	if _, err := en.ExecuteAllRulesWithInputs(ctx, "wf", map[string]any{"a": 2.5}); err != nil {
		t.Fatalf("ExecuteAllRulesWithInputs() failed: %v", err)
	}
	if cache.sets != 2 {
		t.Errorf("expected a new compilation for a new parameter shape, got %d", cache.sets)
	}

	if err := en.AddOrUpdateWorkflow(&Workflow{Name: "wf", Rules: []*Rule{{Name: "r", Expression: "input1.a > 5"}}}); err != nil {
		t.Fatalf("AddOrUpdateWorkflow() failed: %v", err)
	}
	if cache.Len() != 0 {
		t.Errorf("update should invalidate compiled entries, got %d", cache.Len())
	}
}

func TestEngineKeepsSimilarWorkflowNamesApart(t *testing.T) {
	en, err := NewEngine(DefaultSettings(),
		&Workflow{Name: "wf-a_int", Rules: []*Rule{{Name: "other", Expression: "b == 2"}}},
		&Workflow{Name: "wf", Rules: []*Rule{{Name: "mine", Expression: "a == 1 && b == 2"}}},
	)
	if err != nil {
		t.Fatalf("NewEngine() failed: %v", err)
	}

	ctx := context.Background()
	if _, err := en.ExecuteAllRules(ctx, "wf-a_int", NewRuleParameter("b", 2)); err != nil {
		t.Fatalf("ExecuteAllRules(wf-a_int) failed: %v", err)
	}

	results, err := en.ExecuteAllRules(ctx, "wf", NewRuleParameter("a", 1), NewRuleParameter("b", 2))
	if err != nil {
		t.Fatalf("ExecuteAllRules(wf) failed: %v", err)
	}
	if len(results) != 1 || results[0].Rule.Name != "mine" {
		t.Fatalf("expected the rule of wf, got %+v", results)
	}
	if !results[0].IsSuccess {
		t.Errorf("expected mine to succeed, got %q", results[0].ExceptionMessage)
	}
}

func TestEngineIgnoresEntriesOfOtherWorkflows(t *testing.T) {
	cache, _ := NewInMemoryRulesCache(DefaultCacheConfig())
	en, err := NewEngineWithCache(DefaultSettings(), cache, single("wf", "a == 1"))
	if err != nil {
		t.Fatalf("NewEngineWithCache() failed: %v", err)
	}

	params := []RuleParameter{NewRuleParameter("a", 1)}
	cache.Set(cacheKey("wf", params), &CompiledWorkflow{
		Workflow: "other",
		Versions: map[string]uint64{},
		Order:    []string{"foreign"},
		Funcs: map[string]RuleFunc{"foreign": func([]RuleParameter) (*RuleResultTree, error) {
			return &RuleResultTree{Rule: &Rule{Name: "foreign"}}, nil
		}},
	})

	results, err := en.ExecuteAllRules(context.Background(), "wf", params...)
	if err != nil {
		t.Fatalf("ExecuteAllRules() failed: %v", err)
	}
	if len(results) != 1 || results[0].Rule.Name != "wfRule" {
		t.Fatalf("expected wf to be recompiled, got %+v", results)
	}
}
