package workflowstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/liamcoop/rulesengine/rules"
)

// PostgresStore implements rules.WorkflowStore backed by PostgreSQL.
// Workflows are stored as JSON documents scoped to one tenant.
type PostgresStore struct {
	db       *sql.DB
	tenantID string
}

// NewPostgresStore creates a PostgreSQL-backed store for a specific tenant
func NewPostgresStore(db *sql.DB, tenantID string) *PostgresStore {
	return &PostgresStore{
		db:       db,
		tenantID: tenantID,
	}
}

// Save inserts a workflow or replaces the stored definition
func (s *PostgresStore) Save(ctx context.Context, wf *rules.Workflow) error {
	if wf == nil || wf.Name == "" {
		return fmt.Errorf("workflow name is required")
	}
	definition, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("failed to encode workflow %s: %w", wf.Name, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflows (tenant_id, name, definition, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (tenant_id, name)
		DO UPDATE SET definition = EXCLUDED.definition, updated_at = NOW()
	`, s.tenantID, wf.Name, string(definition))
	if err != nil {
		return fmt.Errorf("failed to save workflow: %w", err)
	}
	return nil
}

// Get retrieves a workflow by name
func (s *PostgresStore) Get(ctx context.Context, name string) (*rules.Workflow, error) {
	var definition []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT definition
		FROM workflows
		WHERE tenant_id = $1 AND name = $2
	`, s.tenantID, name).Scan(&definition)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", rules.ErrWorkflowNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}
	return decodeWorkflow(name, definition)
}

// List returns the tenant's workflows ordered by name
func (s *PostgresStore) List(ctx context.Context) ([]*rules.Workflow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, definition
		FROM workflows
		WHERE tenant_id = $1
		ORDER BY name ASC
	`, s.tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer rows.Close()

	var workflows []*rules.Workflow
	for rows.Next() {
		var name string
		var definition []byte
		if err := rows.Scan(&name, &definition); err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}
		wf, err := decodeWorkflow(name, definition)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workflows: %w", err)
	}
	return workflows, nil
}

// Delete removes a workflow
func (s *PostgresStore) Delete(ctx context.Context, name string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM workflows
		WHERE tenant_id = $1 AND name = $2
	`, s.tenantID, name)
	if err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", rules.ErrWorkflowNotFound, name)
	}
	return nil
}

func decodeWorkflow(name string, definition []byte) (*rules.Workflow, error) {
	var wf rules.Workflow
	if err := json.Unmarshal(definition, &wf); err != nil {
		return nil, fmt.Errorf("invalid definition for workflow %s: %w", name, err)
	}
	return &wf, nil
}
