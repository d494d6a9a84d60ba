package domain

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Product Status
// =============================================================================

// ProductStatus is the aggregate lifecycle status of a product deployment.
type ProductStatus string

const (
	ProductDeploying        ProductStatus = "deploying"
	ProductRunning          ProductStatus = "running"
	ProductPartiallyRunning ProductStatus = "partially_running"
	ProductFailed           ProductStatus = "failed"
	ProductUpgrading        ProductStatus = "upgrading"
	ProductRollingBack      ProductStatus = "rolling_back"
	ProductRemoving         ProductStatus = "removing"
	ProductRemoved          ProductStatus = "removed"
)

// validProductTransitions defines the allowed product status transitions.
// Removed is terminal; any non-Removed state may enter Removing.
var validProductTransitions = map[ProductStatus][]ProductStatus{
	ProductDeploying:        {ProductRunning, ProductPartiallyRunning, ProductFailed, ProductRemoving},
	ProductRunning:          {ProductUpgrading, ProductRemoving, ProductFailed},
	ProductPartiallyRunning: {ProductUpgrading, ProductRollingBack, ProductRemoving, ProductFailed},
	ProductFailed:           {ProductRollingBack, ProductUpgrading, ProductRemoving},
	ProductUpgrading:        {ProductRunning, ProductPartiallyRunning, ProductFailed, ProductRollingBack, ProductRemoving},
	ProductRollingBack:      {ProductRunning, ProductPartiallyRunning, ProductFailed, ProductRemoving},
	ProductRemoving:         {ProductRemoved},
	ProductRemoved:          {}, // Terminal state
}

// ValidateProductTransition checks if a product status transition is allowed.
func ValidateProductTransition(from, to ProductStatus) error {
	allowed, exists := validProductTransitions[from]
	if !exists {
		return ErrInvalidTransition
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return ErrInvalidTransition
}

// IsActive reports whether the status counts against the one-active-deployment
// rule for a (environment, product group) pair.
func (s ProductStatus) IsActive() bool {
	return s != ProductRemoved
}

// =============================================================================
// Product Deployment
// =============================================================================

// ProductDeployment is the aggregate root coordinating a product's stacks.
// Stacks are referenced by id in manifest declaration order; the order is
// fixed at creation and never changed by upgrades.
type ProductDeployment struct {
	ID              string            `json:"id"`
	EnvironmentID   string            `json:"environment_id"`
	ProductGroupID  string            `json:"product_group_id"`
	ProductID       string            `json:"product_id"`
	Version         string            `json:"version"`
	Status          ProductStatus     `json:"status"`
	StackIDs        []string          `json:"stack_ids"`
	SharedVariables map[string]string `json:"shared_variables,omitempty"`
	ContinueOnError bool              `json:"continue_on_error"`
	SessionID       string            `json:"session_id,omitempty"`
	UpgradeCount    int               `json:"upgrade_count"`
	ErrorMessage    string            `json:"error_message,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
}

// NewProductDeployment creates a product deployment in Deploying status.
func NewProductDeployment(environmentID string, product Product, version, sessionID string, sharedVariables map[string]string, continueOnError bool) *ProductDeployment {
	now := time.Now().UTC()
	return &ProductDeployment{
		ID:              uuid.New().String(),
		EnvironmentID:   environmentID,
		ProductGroupID:  product.GroupID,
		ProductID:       product.ID,
		Version:         version,
		Status:          ProductDeploying,
		SharedVariables: sharedVariables,
		ContinueOnError: continueOnError,
		SessionID:       sessionID,
		CreatedAt:       now,
		UpdatedAt:       now,
		StartedAt:       &now,
	}
}

// Transition attempts to move the product to a new status.
func (p *ProductDeployment) Transition(to ProductStatus) error {
	if err := ValidateProductTransition(p.Status, to); err != nil {
		return err
	}

	p.Status = to
	now := time.Now().UTC()
	p.UpdatedAt = now

	switch to {
	case ProductUpgrading, ProductRollingBack:
		p.StartedAt = &now
		p.CompletedAt = nil
		p.ErrorMessage = ""
	case ProductRunning, ProductPartiallyRunning, ProductRemoved:
		p.CompletedAt = &now
	}

	return nil
}

// TransitionToFailed marks the product failed with an error message.
func (p *ProductDeployment) TransitionToFailed(errorMessage string) error {
	switch p.Status {
	case ProductDeploying, ProductUpgrading, ProductRollingBack, ProductRunning, ProductPartiallyRunning:
		now := time.Now().UTC()
		p.Status = ProductFailed
		p.ErrorMessage = errorMessage
		p.UpdatedAt = now
		p.CompletedAt = &now
		return nil
	default:
		return ErrInvalidTransition
	}
}

// =============================================================================
// Aggregate Status
// =============================================================================

// ComputeProductStatus derives the aggregate status from per-stack results
// after a deployment or upgrade pass. Stacks still Pending (never attempted
// after an abort) count as not succeeded but not failed.
func ComputeProductStatus(stacks []StackDeployment) ProductStatus {
	if len(stacks) == 0 {
		return ProductFailed
	}

	var running, failed int
	for _, s := range stacks {
		switch s.Status {
		case StackRunning:
			running++
		case StackFailed:
			failed++
		}
	}

	switch {
	case running == len(stacks):
		return ProductRunning
	case running > 0:
		return ProductPartiallyRunning
	default:
		return ProductFailed
	}
}
