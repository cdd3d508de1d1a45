package multitenantengine

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/liamcoop/rulesengine/expression"
	"github.com/liamcoop/rulesengine/rules"
)

func ageWorkflow(expr string) *rules.Workflow {
	return &rules.Workflow{
		Name:  "age-check",
		Rules: []*rules.Rule{{Name: "adult", Expression: expr}},
	}
}

func user(age int) rules.RuleParameter {
	return rules.NewRuleParameter("User", map[string]any{"Age": age})
}

// failingStore rejects every write
type failingStore struct {
	*rules.InMemoryWorkflowStore
}

func (failingStore) Save(context.Context, *rules.Workflow) error {
	return errors.New("store unavailable")
}

// TestSchemaTypes verifies schema objects become named record types
func TestSchemaTypes(t *testing.T) {
	schema := Schema{
		"User":        {"Age": "int", "Name": "string", "Metadata": "bytes"},
		"Transaction": {"Amount": "float64", "At": "timestamp", "Took": "duration"},
	}

	types := schema.Types()
	if len(types) != 2 {
		t.Fatalf("Expected 2 types, got %d", len(types))
	}
	if types[0].Name != "Transaction" || types[1].Name != "User" {
		t.Errorf("Expected types ordered by name, got %s, %s", types[0].Name, types[1].Name)
	}

	want := "record{Age:int,Metadata:string,Name:string}"
	if got := types[1].Type.String(); got != want {
		t.Errorf("Expected User type %s, got %s", want, got)
	}
	amount, ok := types[0].Type.Field("Amount")
	if !ok || !amount.Equal(expression.FloatType) {
		t.Errorf("Expected Amount to be a float field, got %v", amount)
	}
}

func TestMultiTenantEngineManager_RegisterTenant(t *testing.T) {
	ctx := context.Background()
	manager := NewMultiTenantEngineManager(nil)

	te, err := manager.RegisterTenant(ctx, "acme", Schema{"User": {"Age": "int"}})
	if err != nil {
		t.Fatalf("Failed to register tenant: %v", err)
	}
	if err := ValidateTenantID(te.TenantID); err != nil {
		t.Errorf("Expected a generated UUID tenant id: %v", err)
	}
	if te.Name != "acme" {
		t.Errorf("Expected tenant name acme, got %s", te.Name)
	}

	if _, err := manager.RegisterTenant(ctx, "", nil); err == nil {
		t.Error("Expected error for empty tenant name")
	}
	if _, err := manager.RegisterTenant(ctx, "broken", Schema{"User": {"Age": "varchar"}}); err == nil {
		t.Error("Expected error for invalid schema")
	}

	tenants := manager.ListTenants()
	if len(tenants) != 1 || tenants[0].TenantID != te.TenantID {
		t.Errorf("Expected only the registered tenant, got %d tenants", len(tenants))
	}
}

func TestMultiTenantEngineManager_SchemaTypesAreChecked(t *testing.T) {
	ctx := context.Background()
	manager := NewMultiTenantEngineManager(nil)

	te, err := manager.RegisterTenant(ctx, "acme", Schema{"User": {"Age": "int"}})
	if err != nil {
		t.Fatalf("Failed to register tenant: %v", err)
	}

	if err := manager.SaveWorkflow(ctx, te.TenantID, ageWorkflow("User.Name == 'bob'")); err != nil {
		t.Fatalf("Failed to save workflow: %v", err)
	}

	engine, err := manager.GetEngine(te.TenantID)
	if err != nil {
		t.Fatalf("Failed to get engine: %v", err)
	}
	results, err := engine.ExecuteAllRules(ctx, "age-check", user(25))
	if err != nil {
		t.Fatalf("Failed to execute: %v", err)
	}
	if results[0].IsSuccess {
		t.Fatal("Expected rule selecting an undeclared field to fail")
	}
	if !strings.Contains(results[0].ExceptionMessage, "No property or field 'Name' exists in type 'User'") {
		t.Errorf("Unexpected exception message: %s", results[0].ExceptionMessage)
	}
}

func TestMultiTenantEngineManager_SaveAndDeleteWorkflow(t *testing.T) {
	ctx := context.Background()
	manager := NewMultiTenantEngineManager(nil)
	te, err := manager.RegisterTenant(ctx, "acme", nil)
	if err != nil {
		t.Fatalf("Failed to register tenant: %v", err)
	}

	if err := manager.SaveWorkflow(ctx, te.TenantID, ageWorkflow("User.Age >= 18")); err != nil {
		t.Fatalf("Failed to save workflow: %v", err)
	}

	stored, err := manager.Workflows(ctx, te.TenantID)
	if err != nil {
		t.Fatalf("Failed to list workflows: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("Expected 1 stored workflow, got %d", len(stored))
	}

	results, err := te.Engine.ExecuteAllRules(ctx, "age-check", user(25))
	if err != nil {
		t.Fatalf("Failed to execute: %v", err)
	}
	if !results[0].IsSuccess {
		t.Errorf("Expected adult rule to succeed, got %q", results[0].ExceptionMessage)
	}

	if err := manager.SaveWorkflow(ctx, te.TenantID, &rules.Workflow{Name: "empty"}); !rules.IsValidationError(err) {
		t.Errorf("Expected validation error for workflow without rules, got %v", err)
	}

	if err := manager.DeleteWorkflow(ctx, te.TenantID, "age-check"); err != nil {
		t.Fatalf("Failed to delete workflow: %v", err)
	}
	if te.Engine.ContainsWorkflow("age-check") {
		t.Error("Expected deleted workflow to be removed from the engine")
	}
	if err := manager.DeleteWorkflow(ctx, te.TenantID, "age-check"); !errors.Is(err, rules.ErrWorkflowNotFound) {
		t.Errorf("Expected ErrWorkflowNotFound, got %v", err)
	}
}

func TestMultiTenantEngineManager_SaveWorkflowRollsBack(t *testing.T) {
	ctx := context.Background()
	store := failingStore{rules.NewInMemoryWorkflowStore()}
	manager := NewMultiTenantEngineManager(nil, WithStoreFactory(func(string) rules.WorkflowStore { return store }))

	te, err := manager.RegisterTenant(ctx, "acme", nil)
	if err != nil {
		t.Fatalf("Failed to register tenant: %v", err)
	}

	if err := manager.SaveWorkflow(ctx, te.TenantID, ageWorkflow("User.Age >= 18")); err == nil {
		t.Fatal("Expected store failure")
	}
	if te.Engine.ContainsWorkflow("age-check") {
		t.Error("Expected engine registration to be rolled back")
	}
}

func TestMultiTenantEngineManager_GetEngineNotFound(t *testing.T) {
	manager := NewMultiTenantEngineManager(nil)

	if _, err := manager.GetEngine("missing"); !errors.Is(err, ErrTenantNotFound) {
		t.Errorf("Expected ErrTenantNotFound, got %v", err)
	}
	if err := manager.DeleteTenant("missing"); !errors.Is(err, ErrTenantNotFound) {
		t.Errorf("Expected ErrTenantNotFound, got %v", err)
	}
	if err := manager.LoadAllTenants(context.Background()); err != nil {
		t.Errorf("Expected loading without a database to be a no-op, got %v", err)
	}
}

func TestMultiTenantEngineManager_UpdateTenantSchema(t *testing.T) {
	ctx := context.Background()
	manager := NewMultiTenantEngineManager(nil)
	te, err := manager.RegisterTenant(ctx, "acme", Schema{"User": {"Age": "int"}})
	if err != nil {
		t.Fatalf("Failed to register tenant: %v", err)
	}
	if err := manager.SaveWorkflow(ctx, te.TenantID, ageWorkflow("User.Age >= 18")); err != nil {
		t.Fatalf("Failed to save workflow: %v", err)
	}
	oldEngine := te.Engine

	if err := manager.UpdateTenantSchema(ctx, te.TenantID, Schema{"User": {"Age": "int", "Name": "string"}}); err != nil {
		t.Fatalf("Failed to update tenant schema: %v", err)
	}

	updated, err := manager.Tenant(te.TenantID)
	if err != nil {
		t.Fatalf("Failed to get tenant: %v", err)
	}
	if updated.Engine == oldEngine {
		t.Error("Expected a new engine after a schema update")
	}
	if updated.Name != "acme" {
		t.Errorf("Expected the tenant name to be kept, got %s", updated.Name)
	}

	// Workflows are reloaded from the tenant store
	results, err := updated.Engine.ExecuteAllRules(ctx, "age-check", user(25))
	if err != nil {
		t.Fatalf("Old workflow should still work after schema update: %v", err)
	}
	if !results[0].IsSuccess {
		t.Errorf("Expected rule to succeed, got %q", results[0].ExceptionMessage)
	}

	if err := manager.UpdateTenantSchema(ctx, te.TenantID, Schema{}); err == nil {
		t.Error("Expected error for an empty schema")
	}
	if err := manager.UpdateTenantSchema(ctx, "missing", Schema{"User": {"Age": "int"}}); !errors.Is(err, ErrTenantNotFound) {
		t.Errorf("Expected ErrTenantNotFound, got %v", err)
	}
}

func TestMultiTenantEngineManager_TenantIsolation(t *testing.T) {
	ctx := context.Background()
	manager := NewMultiTenantEngineManager(nil)

	tenantA, err := manager.RegisterTenant(ctx, "a", nil)
	if err != nil {
		t.Fatalf("Failed to register tenant A: %v", err)
	}
	tenantB, err := manager.RegisterTenant(ctx, "b", nil)
	if err != nil {
		t.Fatalf("Failed to register tenant B: %v", err)
	}

	if err := manager.SaveWorkflow(ctx, tenantA.TenantID, ageWorkflow("User.Age >= 18")); err != nil {
		t.Fatalf("Failed to save workflow: %v", err)
	}

	if _, err := tenantB.Engine.ExecuteAllRules(ctx, "age-check", user(25)); !errors.Is(err, rules.ErrWorkflowNotFound) {
		t.Errorf("Tenant B should not see tenant A's workflow, got %v", err)
	}
	listB, err := manager.Workflows(ctx, tenantB.TenantID)
	if err != nil {
		t.Fatalf("Failed to list workflows: %v", err)
	}
	if len(listB) != 0 {
		t.Errorf("Expected tenant B to have 0 workflows, got %d", len(listB))
	}
}

func TestMultiTenantEngineManager_Reload(t *testing.T) {
	ctx := context.Background()
	store := rules.NewInMemoryWorkflowStore()
	manager := NewMultiTenantEngineManager(nil, WithStoreFactory(func(string) rules.WorkflowStore { return store }))

	te, err := manager.RegisterTenant(ctx, "acme", nil)
	if err != nil {
		t.Fatalf("Failed to register tenant: %v", err)
	}

	// Another replica wrote to the shared store
	if err := store.Save(ctx, ageWorkflow("User.Age >= 18")); err != nil {
		t.Fatalf("Failed to save workflow: %v", err)
	}
	if te.Engine.ContainsWorkflow("age-check") {
		t.Fatal("Expected workflow to be unknown before reload")
	}

	if err := manager.Reload(ctx, te.TenantID); err != nil {
		t.Fatalf("Failed to reload tenant: %v", err)
	}
	if !te.Engine.ContainsWorkflow("age-check") {
		t.Error("Expected workflow to be registered after reload")
	}
}
