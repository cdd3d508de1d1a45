package multitenantengine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/liamcoop/rulesengine/internal/logger"
	"github.com/liamcoop/rulesengine/rules"
	"github.com/liamcoop/rulesengine/workflowstore"
)

// ErrTenantNotFound is returned for tenants that are not loaded
var ErrTenantNotFound = errors.New("tenant not found")

var tenantsLoaded = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "rules_tenants_loaded",
	Help: "Number of tenant engines currently loaded.",
})

// StoreFactory returns the workflow store of a tenant
type StoreFactory func(tenantID string) rules.WorkflowStore

// TenantEngine wraps a rules.Engine with tenant-specific metadata
type TenantEngine struct {
	TenantID string
	Name     string
	Schema   Schema
	Engine   *rules.Engine
	Store    rules.WorkflowStore
}

// MultiTenantEngineManager manages engines for all tenants
type MultiTenantEngineManager struct {
	engines  map[string]*TenantEngine
	db       *sql.DB
	settings rules.Settings
	newStore StoreFactory
	log      *slog.Logger
	mu       sync.RWMutex
}

// Option configures a MultiTenantEngineManager
type Option func(*MultiTenantEngineManager)

// WithSettings sets the engine settings shared by every tenant
func WithSettings(settings rules.Settings) Option {
	return func(m *MultiTenantEngineManager) {
		m.settings = settings
	}
}

// WithStoreFactory replaces the default tenant workflow store
func WithStoreFactory(f StoreFactory) Option {
	return func(m *MultiTenantEngineManager) {
		m.newStore = f
	}
}

// NewMultiTenantEngineManager creates a new manager instance. db may be nil,
// in which case tenants and schemas only live in memory.
func NewMultiTenantEngineManager(db *sql.DB, opts ...Option) *MultiTenantEngineManager {
	m := &MultiTenantEngineManager{
		engines:  make(map[string]*TenantEngine),
		db:       db,
		settings: rules.DefaultSettings(),
		log:      logger.Component("multitenantengine"),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.newStore == nil {
		m.newStore = func(tenantID string) rules.WorkflowStore {
			if db == nil {
				return rules.NewInMemoryWorkflowStore()
			}
			return workflowstore.NewPostgresStore(db, tenantID)
		}
	}
	return m
}

// LoadAllTenants loads all tenants from the database and initializes their engines
func (m *MultiTenantEngineManager) LoadAllTenants(ctx context.Context) error {
	if m.db == nil {
		return nil
	}

	rows, err := m.db.QueryContext(ctx, `
		SELECT t.id, t.name, s.definition
		FROM tenants t
		LEFT JOIN schemas s ON s.tenant_id = t.id AND s.active = true
		ORDER BY t.created_at
	`)
	if err != nil {
		return fmt.Errorf("failed to fetch tenants: %w", err)
	}
	defer rows.Close()

	type tenantRow struct {
		id, name string
		schema   Schema
	}
	var loaded []tenantRow
	for rows.Next() {
		var row tenantRow
		var schemaJSON []byte
		if err := rows.Scan(&row.id, &row.name, &schemaJSON); err != nil {
			return fmt.Errorf("failed to scan tenant row: %w", err)
		}
		if schemaJSON != nil {
			if err := json.Unmarshal(schemaJSON, &row.schema); err != nil {
				return fmt.Errorf("invalid schema for tenant %s: %w", row.id, err)
			}
		}
		loaded = append(loaded, row)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating tenant rows: %w", err)
	}

	for _, row := range loaded {
		if _, err := m.CreateTenant(ctx, row.id, row.name, row.schema); err != nil {
			return fmt.Errorf("failed to initialize tenant %s: %w", row.id, err)
		}
	}

	m.log.Info("tenants loaded", "count", len(loaded))
	return nil
}

// RegisterTenant persists a new tenant with an optional schema and creates its engine
func (m *MultiTenantEngineManager) RegisterTenant(ctx context.Context, name string, schema Schema) (*TenantEngine, error) {
	if name == "" {
		return nil, fmt.Errorf("tenant name can not be empty")
	}
	if schema != nil {
		if err := ValidateSchema(schema); err != nil {
			return nil, err
		}
	}

	tenantID := uuid.NewString()
	if m.db != nil {
		if err := m.db.QueryRowContext(ctx, `INSERT INTO tenants (name) VALUES ($1) RETURNING id`, name).Scan(&tenantID); err != nil {
			return nil, fmt.Errorf("failed to create tenant: %w", err)
		}
		if schema != nil {
			if _, err := m.saveSchema(ctx, tenantID, schema); err != nil {
				return nil, err
			}
		}
	}

	return m.CreateTenant(ctx, tenantID, name, schema)
}

// CreateTenant creates a tenant engine with the given schema and registers
// the workflows of the tenant's store
func (m *MultiTenantEngineManager) CreateTenant(ctx context.Context, tenantID, name string, schema Schema) (*TenantEngine, error) {
	return m.AddTenant(ctx, tenantID, name, schema, m.newStore(tenantID))
}

// AddTenant creates a tenant engine backed by the given store
func (m *MultiTenantEngineManager) AddTenant(ctx context.Context, tenantID, name string, schema Schema, store rules.WorkflowStore) (*TenantEngine, error) {
	engine, err := m.buildEngine(ctx, tenantID, schema, store)
	if err != nil {
		return nil, err
	}

	te := &TenantEngine{
		TenantID: tenantID,
		Name:     name,
		Schema:   schema,
		Engine:   engine,
		Store:    store,
	}

	m.mu.Lock()
	m.engines[tenantID] = te
	tenantsLoaded.Set(float64(len(m.engines)))
	m.mu.Unlock()

	m.log.Info("tenant engine created", "tenant", tenantID, "workflows", len(engine.GetAllRegisteredWorkflowNames()))
	return te, nil
}

func (m *MultiTenantEngineManager) buildEngine(ctx context.Context, tenantID string, schema Schema, store rules.WorkflowStore) (*rules.Engine, error) {
	settings := m.settings
	settings.CustomTypes = append(slices.Clone(settings.CustomTypes), schema.Types()...)
	if settings.Logger == nil {
		settings.Logger = logger.Component("rules").With("tenant", tenantID)
	}

	engine, err := rules.NewEngine(settings)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	if err := workflowstore.Sync(ctx, store, engine); err != nil {
		if !rules.IsValidationError(err) {
			return nil, fmt.Errorf("failed to load workflows: %w", err)
		}
		// Valid workflows are registered; skip the broken ones
		m.log.Warn("skipped invalid workflows", "tenant", tenantID, "error", err)
	}
	return engine, nil
}

// saveSchema deactivates the current schema and stores the new active version
func (m *MultiTenantEngineManager) saveSchema(ctx context.Context, tenantID string, schema Schema) (int, error) {
	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal schema: %w", err)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE schemas SET active = false WHERE tenant_id = $1`, tenantID); err != nil {
		return 0, fmt.Errorf("failed to deactivate old schemas: %w", err)
	}

	var version int
	err = tx.QueryRowContext(ctx, `
		INSERT INTO schemas (tenant_id, version, definition, active, created_at)
		SELECT $1::uuid, COALESCE(MAX(version), 0) + 1, $2::jsonb, true, NOW()
		FROM schemas
		WHERE tenant_id = $1::uuid
		RETURNING version
	`, tenantID, string(schemaJSON)).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to save new schema: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit schema: %w", err)
	}
	return version, nil
}

// Tenant returns the loaded tenant
func (m *MultiTenantEngineManager) Tenant(tenantID string) (*TenantEngine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	te, exists := m.engines[tenantID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrTenantNotFound, tenantID)
	}
	return te, nil
}

// GetEngine retrieves the engine for a specific tenant
func (m *MultiTenantEngineManager) GetEngine(tenantID string) (*rules.Engine, error) {
	te, err := m.Tenant(tenantID)
	if err != nil {
		return nil, err
	}
	return te.Engine, nil
}

// UpdateTenantSchema updates a tenant's schema and recompiles all rules.
// A new engine is built from the tenant's store and swapped in atomically;
// executions already running finish on the previous engine.
func (m *MultiTenantEngineManager) UpdateTenantSchema(ctx context.Context, tenantID string, newSchema Schema) error {
	if err := ValidateSchema(newSchema); err != nil {
		return err
	}
	existing, err := m.Tenant(tenantID)
	if err != nil {
		return err
	}

	version := 0
	if m.db != nil {
		if version, err = m.saveSchema(ctx, tenantID, newSchema); err != nil {
			return err
		}
	}

	newEngine, err := m.buildEngine(ctx, tenantID, newSchema, existing.Store)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.engines[tenantID] = &TenantEngine{
		TenantID: tenantID,
		Name:     existing.Name,
		Schema:   newSchema,
		Engine:   newEngine,
		Store:    existing.Store,
	}
	m.mu.Unlock()

	m.log.Info("tenant schema updated", "tenant", tenantID, "version", version)
	return nil
}

// SaveWorkflow registers a workflow with the tenant engine and persists it.
// The engine is restored to its previous state when persisting fails.
func (m *MultiTenantEngineManager) SaveWorkflow(ctx context.Context, tenantID string, wf *rules.Workflow) error {
	te, err := m.Tenant(tenantID)
	if err != nil {
		return err
	}
	if wf == nil {
		return fmt.Errorf("workflow can not be nil")
	}

	previous, existed := te.Engine.GetWorkflow(wf.Name)
	if err := te.Engine.AddOrUpdateWorkflow(wf); err != nil {
		return err
	}
	if err := te.Store.Save(ctx, wf); err != nil {
		if existed {
			_ = te.Engine.AddOrUpdateWorkflow(previous)
		} else {
			te.Engine.RemoveWorkflow(wf.Name)
		}
		return err
	}
	return nil
}

// DeleteWorkflow removes a workflow from the tenant's store and engine
func (m *MultiTenantEngineManager) DeleteWorkflow(ctx context.Context, tenantID, name string) error {
	te, err := m.Tenant(tenantID)
	if err != nil {
		return err
	}
	if err := te.Store.Delete(ctx, name); err != nil {
		return err
	}
	te.Engine.RemoveWorkflow(name)
	return nil
}

// Workflows lists the stored workflows of a tenant
func (m *MultiTenantEngineManager) Workflows(ctx context.Context, tenantID string) ([]*rules.Workflow, error) {
	te, err := m.Tenant(tenantID)
	if err != nil {
		return nil, err
	}
	return te.Store.List(ctx)
}

// Reload resynchronizes a tenant engine with its store
func (m *MultiTenantEngineManager) Reload(ctx context.Context, tenantID string) error {
	te, err := m.Tenant(tenantID)
	if err != nil {
		return err
	}
	return workflowstore.Sync(ctx, te.Store, te.Engine)
}

// ListTenants returns all loaded tenants ordered by id
func (m *MultiTenantEngineManager) ListTenants() []*TenantEngine {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tenants := make([]*TenantEngine, 0, len(m.engines))
	for _, te := range m.engines {
		tenants = append(tenants, te)
	}
	sort.Slice(tenants, func(i, j int) bool { return tenants[i].TenantID < tenants[j].TenantID })
	return tenants
}

// DeleteTenant removes a tenant's engine from the cache
// Note: This does not delete the tenant from the database
func (m *MultiTenantEngineManager) DeleteTenant(tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.engines[tenantID]; !exists {
		return fmt.Errorf("%w: %s", ErrTenantNotFound, tenantID)
	}

	delete(m.engines, tenantID)
	tenantsLoaded.Set(float64(len(m.engines)))
	return nil
}
