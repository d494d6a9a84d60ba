package domain

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Deployment Snapshot
// =============================================================================

// StackSnapshot captures one stack's pre-upgrade state: version, resolved
// variables and the service definitions that were running. An entry is valid
// for rollback only until the stack crosses its point of no return (the first
// replacement container starting), after which the old containers are gone
// and the entry can no longer be safely restored.
type StackSnapshot struct {
	StackDeploymentID string            `json:"stack_deployment_id"`
	StackID           string            `json:"stack_id"` // Catalog stack at the captured version
	StackName         string            `json:"stack_name"`
	Version           string            `json:"version"`
	Variables         map[string]string `json:"variables,omitempty"`
	Services          []ServiceInfo     `json:"services,omitempty"`
	Mode              OperationMode     `json:"mode"`
	OrderIndex        int               `json:"order_index"`
	Valid             bool              `json:"valid"`
}

// DeploymentSnapshot captures the pre-upgrade state of every stack in a
// product, taken atomically before any upgrade action begins. It exists only
// while the product is Upgrading or Failed from an upgrade that failed before any container swap.
type DeploymentSnapshot struct {
	ID                  string          `json:"id"`
	ProductDeploymentID string          `json:"product_deployment_id"`
	ProductVersion      string          `json:"product_version"`
	ProductStatus       ProductStatus   `json:"product_status"` // Status to restore on rollback
	Stacks              []StackSnapshot `json:"stacks"`
	TakenAt             time.Time       `json:"taken_at"`
}

// NewDeploymentSnapshot captures the current state of a product's stacks.
// Stack order follows the product's declaration order.
func NewDeploymentSnapshot(product *ProductDeployment, stacks []StackDeployment) *DeploymentSnapshot {
	snap := &DeploymentSnapshot{
		ID:                  uuid.New().String(),
		ProductDeploymentID: product.ID,
		ProductVersion:      product.Version,
		ProductStatus:       product.Status,
		TakenAt:             time.Now().UTC(),
	}

	for _, s := range stacks {
		vars := make(map[string]string, len(s.Variables))
		for k, v := range s.Variables {
			vars[k] = v
		}
		services := make([]ServiceInfo, len(s.Services))
		copy(services, s.Services)

		snap.Stacks = append(snap.Stacks, StackSnapshot{
			StackDeploymentID: s.ID,
			StackID:           s.StackID,
			StackName:         s.Name,
			Version:           s.Version,
			Variables:         vars,
			Services:          services,
			Mode:              s.Mode,
			OrderIndex:        s.OrderIndex,
			Valid:             true,
		})
	}

	return snap
}

// Invalidate marks the snapshot entry for a stack as no longer restorable.
// Called when the stack crosses its point of no return.
func (s *DeploymentSnapshot) Invalidate(stackDeploymentID string) {
	for i := range s.Stacks {
		if s.Stacks[i].StackDeploymentID == stackDeploymentID {
			s.Stacks[i].Valid = false
			return
		}
	}
}

// Entry returns the snapshot entry for a stack deployment, if present.
func (s *DeploymentSnapshot) Entry(stackDeploymentID string) (*StackSnapshot, bool) {
	for i := range s.Stacks {
		if s.Stacks[i].StackDeploymentID == stackDeploymentID {
			return &s.Stacks[i], true
		}
	}
	return nil, false
}

// ValidEntries returns the entries still eligible for rollback, in stack
// declaration order.
func (s *DeploymentSnapshot) ValidEntries() []StackSnapshot {
	var out []StackSnapshot
	for _, e := range s.Stacks {
		if e.Valid {
			out = append(out, e)
		}
	}
	return out
}

// FullyAdvanced reports whether every stack crossed its point of no return,
// meaning the snapshot holds nothing restorable and should be cleared.
func (s *DeploymentSnapshot) FullyAdvanced() bool {
	for _, e := range s.Stacks {
		if e.Valid {
			return false
		}
	}
	return true
}
