package api

import (
	"github.com/stackpilot/stackpilot/internal/core/domain"
)

// =============================================================================
// Request Types
// =============================================================================

// CreateStackRequest is the request body for registering a catalog stack.
type CreateStackRequest struct {
	Name             string            `json:"name"`
	Description      string            `json:"description,omitempty"`
	Version          string            `json:"version"`
	Manifest         string            `json:"manifest"`
	DefaultVariables map[string]string `json:"default_variables,omitempty"`
}

// StackRefRequest names one stack of a product and its deployment position.
type StackRefRequest struct {
	StackID    string `json:"stack_id"`
	OrderIndex int    `json:"order_index"`
}

// CreateProductRequest is the request body for registering a catalog product
// version. Omitting group_id starts a new product group.
type CreateProductRequest struct {
	GroupID         string            `json:"group_id,omitempty"`
	Name            string            `json:"name"`
	Description     string            `json:"description,omitempty"`
	Version         string            `json:"version"`
	Stacks          []StackRefRequest `json:"stacks"`
	SharedVariables map[string]string `json:"shared_variables,omitempty"`
}

// =============================================================================
// Response Types
// =============================================================================

// ErrorResponse is the error response body.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// HealthResponse is the response for the health check endpoint.
type HealthResponse struct {
	Status string `json:"status"`
}

// ReadyResponse is the response for the readiness check endpoint.
type ReadyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// ListStacksResponse is the response for listing catalog stacks.
type ListStacksResponse struct {
	Stacks []domain.Stack `json:"stacks"`
	Total  int            `json:"total"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

// ListProductsResponse is the response for listing catalog products.
type ListProductsResponse struct {
	Products []domain.Product `json:"products"`
	Total    int              `json:"total"`
	Limit    int              `json:"limit"`
	Offset   int              `json:"offset"`
}

// ListDeploymentsResponse is the response for listing product deployments.
type ListDeploymentsResponse struct {
	Deployments []domain.ProductDeployment `json:"deployments"`
	Total       int                        `json:"total"`
	Limit       int                        `json:"limit"`
	Offset      int                        `json:"offset"`
}
