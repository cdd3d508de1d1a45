package rules

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// WorkflowStore persists workflow definitions. The engine never reads a store
// directly; stores are synchronized into an engine by their callers.
type WorkflowStore interface {
	// Save adds a workflow or replaces the one with the same name
	Save(ctx context.Context, wf *Workflow) error

	// Get a workflow by name
	Get(ctx context.Context, name string) (*Workflow, error)

	// List all workflows ordered by name
	List(ctx context.Context) ([]*Workflow, error)

	// Delete a workflow by name
	Delete(ctx context.Context, name string) error
}

// InMemoryWorkflowStore implements WorkflowStore using an in-memory map
// Thread-safe with RWMutex
type InMemoryWorkflowStore struct {
	workflows map[string]*Workflow
	mu        sync.RWMutex
}

// NewInMemoryWorkflowStore creates a new in-memory workflow store
func NewInMemoryWorkflowStore() *InMemoryWorkflowStore {
	return &InMemoryWorkflowStore{
		workflows: make(map[string]*Workflow),
	}
}

// Save adds or replaces a workflow
func (s *InMemoryWorkflowStore) Save(_ context.Context, wf *Workflow) error {
	if wf == nil || wf.Name == "" {
		return fmt.Errorf("workflow name is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[wf.Name] = wf
	return nil
}

// Get retrieves a workflow by name
func (s *InMemoryWorkflowStore) Get(_ context.Context, name string) (*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wf, exists := s.workflows[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, name)
	}
	return wf, nil
}

// List returns all workflows ordered by name
func (s *InMemoryWorkflowStore) List(_ context.Context) ([]*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Workflow, 0, len(s.workflows))
	for _, wf := range s.workflows {
		out = append(out, wf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Delete removes a workflow
func (s *InMemoryWorkflowStore) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.workflows[name]; !exists {
		return fmt.Errorf("%w: %s", ErrWorkflowNotFound, name)
	}
	delete(s.workflows, name)
	return nil
}
