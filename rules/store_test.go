package rules

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

// TestWorkflowStoreInterfaceExists verifies at compile time that InMemoryWorkflowStore implements WorkflowStore
func TestWorkflowStoreInterfaceExists(t *testing.T) {
	var _ WorkflowStore = (*InMemoryWorkflowStore)(nil)
}

func TestInMemoryWorkflowStoreSaveAndGet(t *testing.T) {
	store := NewInMemoryWorkflowStore()
	ctx := context.Background()

	wf := &Workflow{
		Name:  "Discount",
		Rules: []*Rule{{Name: "GiveDiscount10", Expression: "input1.Total <= 1.5"}},
	}
	if err := store.Save(ctx, wf); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	retrieved, err := store.Get(ctx, "Discount")
	if err != nil {
		t.Fatalf("Get() failed after Save(): %v", err)
	}
	if retrieved.Name != wf.Name {
		t.Errorf("Retrieved workflow Name = %s, want %s", retrieved.Name, wf.Name)
	}
	if len(retrieved.Rules) != 1 {
		t.Errorf("Retrieved workflow has %d rules, want 1", len(retrieved.Rules))
	}
}

func TestInMemoryWorkflowStoreSaveReplaces(t *testing.T) {
	store := NewInMemoryWorkflowStore()
	ctx := context.Background()

	_ = store.Save(ctx, &Workflow{Name: "wf", Rules: []*Rule{{Name: "r1", Expression: "true"}}})
	_ = store.Save(ctx, &Workflow{Name: "wf", Rules: []*Rule{{Name: "r2", Expression: "false"}}})

	wf, err := store.Get(ctx, "wf")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if wf.Rules[0].Name != "r2" {
		t.Errorf("expected replaced workflow, got rule %s", wf.Rules[0].Name)
	}
}

func TestInMemoryWorkflowStoreSaveRequiresName(t *testing.T) {
	store := NewInMemoryWorkflowStore()
	if err := store.Save(context.Background(), &Workflow{}); err == nil {
		t.Error("Save() should fail for a workflow without a name")
	}
	if err := store.Save(context.Background(), nil); err == nil {
		t.Error("Save() should fail for a nil workflow")
	}
}

func TestInMemoryWorkflowStoreGetNotFound(t *testing.T) {
	store := NewInMemoryWorkflowStore()

	_, err := store.Get(context.Background(), "missing")
	if !errors.Is(err, ErrWorkflowNotFound) {
		t.Errorf("Get() error = %v, want ErrWorkflowNotFound", err)
	}
}

func TestInMemoryWorkflowStoreListOrderedByName(t *testing.T) {
	store := NewInMemoryWorkflowStore()
	ctx := context.Background()

	for _, name := range []string{"charlie", "alpha", "bravo"} {
		_ = store.Save(ctx, &Workflow{Name: name})
	}

	list, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	want := []string{"alpha", "bravo", "charlie"}
	if len(list) != len(want) {
		t.Fatalf("List() returned %d workflows, want %d", len(list), len(want))
	}
	for i, wf := range list {
		if wf.Name != want[i] {
			t.Errorf("List()[%d] = %s, want %s", i, wf.Name, want[i])
		}
	}
}

func TestInMemoryWorkflowStoreDelete(t *testing.T) {
	store := NewInMemoryWorkflowStore()
	ctx := context.Background()
	_ = store.Save(ctx, &Workflow{Name: "wf"})

	if err := store.Delete(ctx, "wf"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if _, err := store.Get(ctx, "wf"); err == nil {
		t.Error("Get() should fail after Delete()")
	}
	if err := store.Delete(ctx, "wf"); !errors.Is(err, ErrWorkflowNotFound) {
		t.Errorf("second Delete() error = %v, want ErrWorkflowNotFound", err)
	}
}

func TestInMemoryWorkflowStoreConcurrentReadWrite(t *testing.T) {
	store := NewInMemoryWorkflowStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_ = store.Save(ctx, &Workflow{Name: fmt.Sprintf("wf-%d", i)})
		}(i)
		go func() {
			defer wg.Done()
			_, _ = store.List(ctx)
		}()
	}
	wg.Wait()

	list, _ := store.List(ctx)
	if len(list) != 20 {
		t.Errorf("expected 20 workflows, got %d", len(list))
	}
}
