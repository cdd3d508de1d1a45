// Package workflowstore provides persistent sources of workflow definitions
// and keeps a rules.Engine synchronized with them.
package workflowstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/liamcoop/rulesengine/rules"
)

// Lister is any source of workflow definitions
type Lister interface {
	List(ctx context.Context) ([]*rules.Workflow, error)
}

var (
	_ rules.WorkflowStore = (*PostgresStore)(nil)
	_ rules.WorkflowStore = (*RedisStore)(nil)
	_ rules.WorkflowStore = (*FileLoader)(nil)
)

// Sync registers every workflow of src with the engine and removes the
// registered workflows that src no longer holds
func Sync(ctx context.Context, src Lister, en *rules.Engine) error {
	workflows, err := src.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list workflows: %w", err)
	}
	return Apply(en, workflows)
}

// Apply makes the engine's registered workflows match workflows. Invalid
// workflows are reported together; the valid ones are still registered and
// a previously registered version of an invalid workflow is kept.
func Apply(en *rules.Engine, workflows []*rules.Workflow) error {
	keep := make(map[string]bool, len(workflows))
	var errs []error
	for _, wf := range workflows {
		if wf != nil {
			keep[wf.Name] = true
		}
		if err := en.AddOrUpdateWorkflow(wf); err != nil {
			errs = append(errs, err)
		}
	}

	for _, name := range en.GetAllRegisteredWorkflowNames() {
		if !keep[name] {
			en.RemoveWorkflow(name)
		}
	}
	return errors.Join(errs...)
}
