package rules

import (
	"slices"
	"sync"
)

// workflowRegistry holds the registered workflows and owns the compiled
// rules cache so that mutations and invalidation happen under one lock
type workflowRegistry struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow
	versions  map[string]uint64
	order     []string
	clock     uint64
	cache     RulesCache
}

func newWorkflowRegistry(cache RulesCache) *workflowRegistry {
	return &workflowRegistry{
		workflows: make(map[string]*Workflow),
		versions:  make(map[string]uint64),
		cache:     cache,
	}
}

// add registers wf unless the name is taken and reports whether it did
func (r *workflowRegistry) add(wf *Workflow) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workflows[wf.Name]; exists {
		return false
	}
	r.put(wf)
	return true
}

func (r *workflowRegistry) addOrUpdate(wf *Workflow) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.put(wf)
}

// put must be called with the write lock held
func (r *workflowRegistry) put(wf *Workflow) {
	if _, exists := r.workflows[wf.Name]; !exists {
		r.order = append(r.order, wf.Name)
	}
	r.clock++
	r.workflows[wf.Name] = wf
	r.versions[wf.Name] = r.clock
	r.cache.InvalidateWorkflow(wf.Name)
}

func (r *workflowRegistry) remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workflows[name]; !exists {
		return
	}
	delete(r.workflows, name)
	delete(r.versions, name)
	r.order = slices.DeleteFunc(r.order, func(n string) bool { return n == name })
	r.cache.InvalidateWorkflow(name)
}

func (r *workflowRegistry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.workflows = make(map[string]*Workflow)
	r.versions = make(map[string]uint64)
	r.order = nil
	r.cache.Invalidate()
}

func (r *workflowRegistry) get(name string) (*Workflow, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	wf, ok := r.workflows[name]
	return wf, ok
}

func (r *workflowRegistry) contains(name string) bool {
	_, ok := r.get(name)
	return ok
}

func (r *workflowRegistry) names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

// snapshot resolves a workflow and the workflows it injects, returning the
// rules to compile and the version of every contributing workflow. Injected
// workflows that are not registered contribute no rules and are recorded at
// version zero, so registering them later makes the entry stale.
func (r *workflowRegistry) snapshot(name string) (*Workflow, []*Rule, map[string]uint64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	wf, ok := r.workflows[name]
	if !ok {
		return nil, nil, nil, false
	}

	versions := map[string]uint64{name: r.versions[name]}
	rules := slices.Clone(wf.Rules)
	for _, injected := range wf.WorkflowsToInject {
		if _, seen := versions[injected]; seen {
			continue
		}
		versions[injected] = r.versions[injected]
		other, ok := r.workflows[injected]
		if !ok {
			continue
		}
		rules = append(rules, other.Rules...)
	}
	return wf, rules, versions, true
}

// compiled returns the cached entry for key if it belongs to workflow and
// every workflow it was compiled from is still at the recorded version
func (r *workflowRegistry) compiled(key, workflow string) (*CompiledWorkflow, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.cache.Get(key)
	if !ok || entry.Workflow != workflow {
		return nil, false
	}
	for name, version := range entry.Versions {
		if r.versions[name] != version {
			return nil, false
		}
	}
	return entry, true
}

// storeCompiled caches entry unless a contributing workflow changed while it was compiled
func (r *workflowRegistry) storeCompiled(key string, entry *CompiledWorkflow) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for name, version := range entry.Versions {
		if r.versions[name] != version {
			return
		}
	}
	r.cache.Set(key, entry)
}
