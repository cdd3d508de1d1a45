package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/liamcoop/rulesengine/multitenantengine"
	"github.com/liamcoop/rulesengine/rules"
)

// API request and response models

// CreateTenantRequest represents the request body for creating a tenant
type CreateTenantRequest struct {
	Name   string                   `json:"name" example:"Acme Corp"`
	Schema multitenantengine.Schema `json:"schema,omitempty"`
}

// TenantResponse represents a tenant in API responses
type TenantResponse struct {
	ID        string                   `json:"id" example:"123e4567-e89b-12d3-a456-426614174000"`
	Name      string                   `json:"name" example:"Acme Corp"`
	Schema    multitenantengine.Schema `json:"schema,omitempty"`
	Workflows []string                 `json:"workflows"`
}

// TenantsListResponse represents the response for listing tenants
type TenantsListResponse struct {
	Tenants []TenantResponse `json:"tenants"`
}

// SchemaRequest represents the request body for replacing a tenant schema
type SchemaRequest struct {
	Definition multitenantengine.Schema `json:"definition"`
}

// SchemaResponse represents a schema in API responses
type SchemaResponse struct {
	Status     string                   `json:"status" example:"active"`
	Definition multitenantengine.Schema `json:"definition"`
}

// WorkflowsListResponse represents the response for listing workflows
type WorkflowsListResponse struct {
	Workflows []*rules.Workflow `json:"workflows"`
}

// ExecuteRequest carries the named inputs of an execution
type ExecuteRequest struct {
	Inputs map[string]any `json:"inputs"`
}

// decodeExecuteRequest keeps integral JSON numbers as integers so that input
// shapes match schema types
func decodeExecuteRequest(body io.Reader) (*ExecuteRequest, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	req := &ExecuteRequest{}
	if len(bytes.TrimSpace(data)) == 0 {
		return req, nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(req); err != nil {
		return nil, fmt.Errorf("invalid request body: %w", err)
	}
	return req, nil
}

// Params converts the inputs into rule parameters ordered by name
func (r *ExecuteRequest) Params() []rules.RuleParameter {
	names := make([]string, 0, len(r.Inputs))
	for name := range r.Inputs {
		names = append(names, name)
	}
	sort.Strings(names)

	params := make([]rules.RuleParameter, 0, len(names))
	for _, name := range names {
		params = append(params, rules.NewRuleParameter(name, r.Inputs[name]))
	}
	return params
}

// ExecuteResponse represents the results of a workflow execution
type ExecuteResponse struct {
	ExecutionID    string                  `json:"executionId"`
	Workflow       string                  `json:"workflow"`
	Results        []*rules.RuleResultTree `json:"results"`
	EvaluationTime string                  `json:"evaluationTime" example:"2.3ms"`
}

// ExecuteRuleResponse represents the result of a single rule execution
type ExecuteRuleResponse struct {
	ExecutionID    string                `json:"executionId"`
	Workflow       string                `json:"workflow"`
	Result         *rules.RuleResultTree `json:"result"`
	EvaluationTime string                `json:"evaluationTime" example:"0.4ms"`
}

// ExecuteActionResponse represents the outcome of a rule and its action
type ExecuteActionResponse struct {
	ExecutionID    string                  `json:"executionId"`
	Workflow       string                  `json:"workflow"`
	Result         *rules.ActionRuleResult `json:"result"`
	EvaluationTime string                  `json:"evaluationTime"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error" example:"workflow not found"`
	Details string `json:"details,omitempty"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status        string `json:"status" example:"healthy"`
	Error         string `json:"error,omitempty"`
	TenantsLoaded int    `json:"tenantsLoaded"`
	TotalErrors   int64  `json:"totalErrors"`
	TotalWarnings int64  `json:"totalWarnings"`
	SlowRequests  int64  `json:"slowRequests"`
}
