//go:build integration

package workflowstore_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/liamcoop/rulesengine/rules"
	"github.com/liamcoop/rulesengine/workflowstore"
)

// setupTestDB creates a PostgreSQL container and returns a connection
func setupTestDB(t *testing.T) (*sql.DB, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "rules_test",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	postgresContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}

	host, err := postgresContainer.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := postgresContainer.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	connStr := fmt.Sprintf("host=%s port=%s user=test password=test dbname=rules_test sslmode=disable", host, port.Port())

	// Wait for connection to be available
	var db *sql.DB
	for i := 0; i < 30; i++ {
		db, err = sql.Open("postgres", connStr)
		if err == nil {
			err = db.Ping()
			if err == nil {
				break
			}
		}
		time.Sleep(time.Second)
	}
	if err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}

	migrationSQL, err := os.ReadFile(filepath.Join("..", "migrations", "000001_initial_schema.up.sql"))
	if err != nil {
		t.Fatalf("Failed to read migration file: %v", err)
	}
	if _, err := db.Exec(string(migrationSQL)); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	cleanup := func() {
		db.Close()
		postgresContainer.Terminate(ctx)
	}

	return db, cleanup
}

// createTenant inserts a tenant row and returns its id
func createTenant(t *testing.T, db *sql.DB, name string) string {
	var tenantID string
	err := db.QueryRow(`INSERT INTO tenants (name) VALUES ($1) RETURNING id`, name).Scan(&tenantID)
	if err != nil {
		t.Fatalf("Failed to create tenant: %v", err)
	}
	return tenantID
}

func discount(expr string) *rules.Workflow {
	return &rules.Workflow{
		Name: "Discount",
		Rules: []*rules.Rule{{
			Name:       "GiveDiscount10",
			Expression: expr,
			Actions: &rules.RuleActions{OnSuccess: &rules.ActionInfo{
				Name:    rules.ActionOutputExpression,
				Context: map[string]any{"expression": "input1.Total * 1.1"},
			}},
		}},
	}
}

func TestPostgresStore_BasicCRUD(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := workflowstore.NewPostgresStore(db, createTenant(t, db, "test-tenant"))

	if err := store.Save(ctx, discount("input1.Total > 1.0")); err != nil {
		t.Fatalf("Failed to save workflow: %v", err)
	}

	retrieved, err := store.Get(ctx, "Discount")
	if err != nil {
		t.Fatalf("Failed to get workflow: %v", err)
	}
	if retrieved.Rules[0].Expression != "input1.Total > 1.0" {
		t.Errorf("Expected expression 'input1.Total > 1.0', got '%s'", retrieved.Rules[0].Expression)
	}
	if retrieved.Rules[0].Actions.OnSuccess.Name != rules.ActionOutputExpression {
		t.Errorf("Expected actions to round-trip, got %+v", retrieved.Rules[0].Actions)
	}

	// Save replaces the stored definition
	if err := store.Save(ctx, discount("input1.Total > 5.0")); err != nil {
		t.Fatalf("Failed to update workflow: %v", err)
	}
	list, err := store.List(ctx)
	if err != nil {
		t.Fatalf("Failed to list workflows: %v", err)
	}
	if len(list) != 1 || list[0].Rules[0].Expression != "input1.Total > 5.0" {
		t.Errorf("Expected one updated workflow, got %+v", list)
	}

	if err := store.Delete(ctx, "Discount"); err != nil {
		t.Fatalf("Failed to delete workflow: %v", err)
	}
	if _, err := store.Get(ctx, "Discount"); !errors.Is(err, rules.ErrWorkflowNotFound) {
		t.Errorf("Expected ErrWorkflowNotFound after delete, got %v", err)
	}
	if err := store.Delete(ctx, "Discount"); !errors.Is(err, rules.ErrWorkflowNotFound) {
		t.Errorf("Expected ErrWorkflowNotFound deleting twice, got %v", err)
	}
}

func TestPostgresStore_TenantIsolation(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	storeA := workflowstore.NewPostgresStore(db, createTenant(t, db, "tenant-a"))
	storeB := workflowstore.NewPostgresStore(db, createTenant(t, db, "tenant-b"))

	if err := storeA.Save(ctx, discount("input1.Total > 1.0")); err != nil {
		t.Fatalf("Failed to save workflow for tenant A: %v", err)
	}

	if _, err := storeB.Get(ctx, "Discount"); err == nil {
		t.Error("Tenant B should not be able to see tenant A's workflow")
	}
	listB, err := storeB.List(ctx)
	if err != nil {
		t.Fatalf("Failed to list workflows for tenant B: %v", err)
	}
	if len(listB) != 0 {
		t.Errorf("Expected tenant B to have 0 workflows, got %d", len(listB))
	}
}

func TestPostgresStore_SyncIntoEngine(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := workflowstore.NewPostgresStore(db, createTenant(t, db, "test-tenant"))
	if err := store.Save(ctx, discount("input1.Total > 1.0")); err != nil {
		t.Fatalf("Failed to save workflow: %v", err)
	}

	engine, err := rules.NewEngine(rules.DefaultSettings())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	if err := workflowstore.Sync(ctx, store, engine); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	results, err := engine.ExecuteAllRulesWithInputs(ctx, "Discount", map[string]any{"Total": 1.5})
	if err != nil {
		t.Fatalf("Failed to execute workflow: %v", err)
	}
	if !results[0].IsSuccess {
		t.Errorf("Expected rule to succeed, got %q", results[0].ExceptionMessage)
	}
	if results[0].ActionResult == nil || results[0].ActionResult.Output == nil {
		t.Error("Expected the success action to produce an output")
	}
}
