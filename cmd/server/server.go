package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/liamcoop/rulesengine/internal/logger"
	"github.com/liamcoop/rulesengine/multitenantengine"
	"github.com/liamcoop/rulesengine/rules"
	"github.com/liamcoop/rulesengine/workflowstore"
)

const slowRequestThreshold = time.Second

var httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "rules_http_requests_total",
	Help: "HTTP requests, labelled by method, route and status code.",
}, []string{"method", "route", "status"})

type Server struct {
	db            *sql.DB
	engineManager *multitenantengine.MultiTenantEngineManager
	router        *chi.Mux
	log           *slog.Logger

	// tenantCreated runs for every tenant created through the API
	tenantCreated func(*multitenantengine.TenantEngine)
}

// NewServer creates the HTTP API over an engine manager; db may be nil
func NewServer(db *sql.DB, engineManager *multitenantengine.MultiTenantEngineManager) *Server {
	s := &Server{
		db:            db,
		engineManager: engineManager,
		log:           logger.Component("server"),
	}
	s.setupRoutes()
	return s
}

// NewServerWithDB creates a Postgres-backed server and loads every tenant
func NewServerWithDB(ctx context.Context, db *sql.DB, opts ...multitenantengine.Option) (*Server, error) {
	engineManager := multitenantengine.NewMultiTenantEngineManager(db, opts...)
	if err := engineManager.LoadAllTenants(ctx); err != nil {
		return nil, fmt.Errorf("failed to load tenants: %w", err)
	}
	return NewServer(db, engineManager), nil
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/api/v1/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1/tenants", func(r chi.Router) {
		r.Get("/", s.handleListTenants)
		r.Post("/", s.handleCreateTenant)

		r.Route("/{tenantId}", func(r chi.Router) {
			r.Use(validateTenantID)

			r.Get("/", s.handleGetTenant)
			r.Delete("/", s.handleDeleteTenant)

			// Schema management
			r.Get("/schema", s.handleGetSchema)
			r.Put("/schema", s.handleUpdateSchema)

			// Workflow management
			r.Get("/workflows", s.handleListWorkflows)
			r.Put("/workflows", s.handlePutWorkflow)
			r.Get("/workflows/{workflow}", s.handleGetWorkflow)
			r.Delete("/workflows/{workflow}", s.handleDeleteWorkflow)

			// Execution
			r.Post("/workflows/{workflow}/execute", s.handleExecuteWorkflow)
			r.Post("/workflows/{workflow}/rules/{rule}/execute", s.handleExecuteRule)
			r.Post("/workflows/{workflow}/rules/{rule}/actions", s.handleExecuteActions)
		})
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// requestLogger records every request in the logger counters and Prometheus
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		elapsed := time.Since(start)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()

		args := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"duration_ms", elapsed.Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		}
		switch {
		case status >= 500:
			logger.ErrorHttp5xx()
			logger.Logger.Error("request failed", args...)
		case status >= 400:
			logger.WarnHttp4xx(status)
			logger.Debug("request rejected", args...)
		default:
			logger.Debug("request", args...)
		}
		if elapsed > slowRequestThreshold {
			logger.WarnSlowRequest()
			logger.Logger.Warn("slow request", args...)
		}
	})
}

func validateTenantID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := multitenantengine.ValidateTenantID(chi.URLParam(r, "tenantId")); err != nil {
			respondError(w, http.StatusBadRequest, "invalid tenant id", err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Health check handler
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:        "healthy",
		TenantsLoaded: len(s.engineManager.ListTenants()),
		TotalErrors:   logger.TotalErrors.Load(),
		TotalWarnings: logger.TotalWarnings.Load(),
		SlowRequests:  logger.SlowRequests.Load(),
	}

	if s.db != nil {
		if err := s.db.PingContext(r.Context()); err != nil {
			resp.Status = "unhealthy"
			resp.Error = err.Error()
			respondJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}

	respondJSON(w, http.StatusOK, resp)
}

func tenantResponse(te *multitenantengine.TenantEngine) TenantResponse {
	return TenantResponse{
		ID:        te.TenantID,
		Name:      te.Name,
		Schema:    te.Schema,
		Workflows: te.Engine.GetAllRegisteredWorkflowNames(),
	}
}

// List tenants handler
func (s *Server) handleListTenants(w http.ResponseWriter, r *http.Request) {
	tenants := []TenantResponse{}
	for _, te := range s.engineManager.ListTenants() {
		tenants = append(tenants, tenantResponse(te))
	}
	respondJSON(w, http.StatusOK, TenantsListResponse{Tenants: tenants})
}

// Create tenant handler
func (s *Server) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var req CreateTenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required", nil)
		return
	}

	if req.Schema != nil {
		if err := multitenantengine.ValidateSchema(req.Schema); err != nil {
			respondError(w, http.StatusBadRequest, "invalid schema", err)
			return
		}
	}

	te, err := s.engineManager.RegisterTenant(r.Context(), req.Name, req.Schema)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to create tenant", err)
		return
	}

	if s.tenantCreated != nil {
		s.tenantCreated(te)
	}
	s.log.Info("tenant created", "tenant", te.TenantID, "name", te.Name)
	respondJSON(w, http.StatusCreated, tenantResponse(te))
}

// Get tenant handler
func (s *Server) handleGetTenant(w http.ResponseWriter, r *http.Request) {
	te, err := s.engineManager.Tenant(chi.URLParam(r, "tenantId"))
	if err != nil {
		respondError(w, statusFor(err), "tenant not found", err)
		return
	}
	respondJSON(w, http.StatusOK, tenantResponse(te))
}

// Delete tenant handler; unloads the engine only
func (s *Server) handleDeleteTenant(w http.ResponseWriter, r *http.Request) {
	if err := s.engineManager.DeleteTenant(chi.URLParam(r, "tenantId")); err != nil {
		respondError(w, statusFor(err), "tenant not found", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Get schema handler
func (s *Server) handleGetSchema(w http.ResponseWriter, r *http.Request) {
	te, err := s.engineManager.Tenant(chi.URLParam(r, "tenantId"))
	if err != nil {
		respondError(w, statusFor(err), "tenant not found", err)
		return
	}
	if te.Schema == nil {
		respondError(w, http.StatusNotFound, "schema not found", nil)
		return
	}
	respondJSON(w, http.StatusOK, SchemaResponse{Status: "active", Definition: te.Schema})
}

// Update schema handler; the tenant engine is rebuilt and swapped
func (s *Server) handleUpdateSchema(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")

	var req SchemaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if err := multitenantengine.ValidateSchema(req.Definition); err != nil {
		respondError(w, http.StatusBadRequest, "invalid schema", err)
		return
	}

	if err := s.engineManager.UpdateTenantSchema(r.Context(), tenantID, req.Definition); err != nil {
		respondError(w, statusFor(err), "failed to update schema", err)
		return
	}

	respondJSON(w, http.StatusOK, SchemaResponse{Status: "active", Definition: req.Definition})
}

// List workflows handler
func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	workflows, err := s.engineManager.Workflows(r.Context(), chi.URLParam(r, "tenantId"))
	if err != nil {
		respondError(w, statusFor(err), "failed to list workflows", err)
		return
	}
	if workflows == nil {
		workflows = []*rules.Workflow{}
	}
	respondJSON(w, http.StatusOK, WorkflowsListResponse{Workflows: workflows})
}

// Add or update workflow handler
func (s *Server) handlePutWorkflow(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")

	var wf rules.Workflow
	if err := json.NewDecoder(r.Body).Decode(&wf); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	if err := s.engineManager.SaveWorkflow(r.Context(), tenantID, &wf); err != nil {
		respondError(w, statusFor(err), "failed to save workflow", err)
		return
	}

	respondJSON(w, http.StatusOK, &wf)
}

// Get workflow handler
func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	te, err := s.engineManager.Tenant(chi.URLParam(r, "tenantId"))
	if err != nil {
		respondError(w, statusFor(err), "tenant not found", err)
		return
	}

	wf, err := te.Store.Get(r.Context(), chi.URLParam(r, "workflow"))
	if err != nil {
		respondError(w, statusFor(err), "workflow not found", err)
		return
	}
	respondJSON(w, http.StatusOK, wf)
}

// Delete workflow handler
func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	err := s.engineManager.DeleteWorkflow(r.Context(), chi.URLParam(r, "tenantId"), chi.URLParam(r, "workflow"))
	if err != nil {
		respondError(w, statusFor(err), "failed to delete workflow", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// execution resolves the engine and inputs shared by the execution handlers
func (s *Server) execution(w http.ResponseWriter, r *http.Request) (*rules.Engine, []rules.RuleParameter, bool) {
	engine, err := s.engineManager.GetEngine(chi.URLParam(r, "tenantId"))
	if err != nil {
		respondError(w, statusFor(err), "tenant not found", err)
		return nil, nil, false
	}

	req, err := decodeExecuteRequest(r.Body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return nil, nil, false
	}
	return engine, req.Params(), true
}

// Execute all rules of a workflow
func (s *Server) handleExecuteWorkflow(w http.ResponseWriter, r *http.Request) {
	engine, params, ok := s.execution(w, r)
	if !ok {
		return
	}
	workflow := chi.URLParam(r, "workflow")

	startTime := time.Now()
	results, err := engine.ExecuteAllRules(r.Context(), workflow, params...)
	if err != nil {
		respondError(w, statusFor(err), "execution failed", err)
		return
	}

	respondJSON(w, http.StatusOK, ExecuteResponse{
		ExecutionID:    uuid.NewString(),
		Workflow:       workflow,
		Results:        results,
		EvaluationTime: time.Since(startTime).String(),
	})
}

// Execute a single rule of a workflow
func (s *Server) handleExecuteRule(w http.ResponseWriter, r *http.Request) {
	engine, params, ok := s.execution(w, r)
	if !ok {
		return
	}
	workflow := chi.URLParam(r, "workflow")

	startTime := time.Now()
	result, err := engine.ExecuteRule(r.Context(), workflow, chi.URLParam(r, "rule"), params...)
	if err != nil {
		respondError(w, statusFor(err), "execution failed", err)
		return
	}

	respondJSON(w, http.StatusOK, ExecuteRuleResponse{
		ExecutionID:    uuid.NewString(),
		Workflow:       workflow,
		Result:         result,
		EvaluationTime: time.Since(startTime).String(),
	})
}

// Execute a rule and return the output of its action
func (s *Server) handleExecuteActions(w http.ResponseWriter, r *http.Request) {
	engine, params, ok := s.execution(w, r)
	if !ok {
		return
	}
	workflow := chi.URLParam(r, "workflow")

	startTime := time.Now()
	result, err := engine.ExecuteActionWorkflow(r.Context(), workflow, chi.URLParam(r, "rule"), params...)
	if err != nil {
		respondError(w, statusFor(err), "execution failed", err)
		return
	}

	respondJSON(w, http.StatusOK, ExecuteActionResponse{
		ExecutionID:    uuid.NewString(),
		Workflow:       workflow,
		Result:         result,
		EvaluationTime: time.Since(startTime).String(),
	})
}

// watchWorkflows resynchronizes a tenant whenever another replica changes
// its workflows in Redis
func (s *Server) watchWorkflows(ctx context.Context, te *multitenantengine.TenantEngine) {
	store, ok := te.Store.(*workflowstore.RedisStore)
	if !ok {
		return
	}
	events, err := store.Watch(ctx)
	if err != nil {
		logger.Warn("workflow watch failed", "tenant", te.TenantID, "error", err)
		return
	}

	go func() {
		for evt := range events {
			if err := s.engineManager.Reload(ctx, te.TenantID); err != nil {
				logger.Warn("workflow reload failed", "tenant", te.TenantID, "workflow", evt.Workflow, "error", err)
				continue
			}
			s.log.Debug("workflows reloaded", "tenant", te.TenantID, "workflow", evt.Workflow, "event", evt.Type)
		}
	}()
}

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	var ruleErr *rules.RuleError
	switch {
	case errors.Is(err, multitenantengine.ErrTenantNotFound),
		errors.Is(err, rules.ErrWorkflowNotFound),
		errors.Is(err, rules.ErrRuleNotFound):
		return http.StatusNotFound
	case rules.IsValidationError(err):
		return http.StatusBadRequest
	case errors.Is(err, workflowstore.ErrReadOnly):
		return http.StatusConflict
	case errors.As(err, &ruleErr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Helper functions
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := ErrorResponse{Error: message}
	if err != nil {
		response.Details = err.Error()
	}
	respondJSON(w, status, response)
}
