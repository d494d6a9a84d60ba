package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Domain Errors
// =============================================================================

var (
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrUnknownStack       = errors.New("stack not found in catalog")
	ErrUnknownProduct     = errors.New("product not found in catalog")
	ErrEmptyStackConfigs  = errors.New("at least one stack configuration is required")
	ErrDuplicateStackName = errors.New("deployment stack name already in use")
)

// =============================================================================
// Stack Status
// =============================================================================

// StackStatus is the lifecycle status of a single deployed stack.
type StackStatus string

const (
	StackNotDeployed StackStatus = "not_deployed"
	StackPending     StackStatus = "pending"
	StackDeploying   StackStatus = "deploying"
	StackRunning     StackStatus = "running"
	StackFailed      StackStatus = "failed"
	StackUpgrading   StackStatus = "upgrading"
	StackRemoving    StackStatus = "removing"
	StackRemoved     StackStatus = "removed"
)

// validStackTransitions defines the allowed stack status transitions.
// No transition may skip Deploying/Upgrading/Removing.
var validStackTransitions = map[StackStatus][]StackStatus{
	StackNotDeployed: {StackPending, StackDeploying},
	StackPending:     {StackDeploying, StackRemoving},
	StackDeploying:   {StackRunning, StackFailed},
	StackRunning:     {StackUpgrading, StackRemoving, StackFailed},
	StackFailed:      {StackUpgrading, StackDeploying, StackRemoving},
	StackUpgrading:   {StackRunning, StackFailed},
	StackRemoving:    {StackRemoved},
	StackRemoved:     {}, // Terminal state
}

// ValidateStackTransition checks if a stack status transition is allowed.
func ValidateStackTransition(from, to StackStatus) error {
	allowed, exists := validStackTransitions[from]
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

// =============================================================================
// Health Status
// =============================================================================

// HealthStatus is the observed condition of a stack's containers, maintained
// by the background health checker. It is orthogonal to StackStatus: Status
// tracks the desired lifecycle while Health reports what the engine last saw.
type HealthStatus string

const (
	HealthUnknown   HealthStatus = "unknown"
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// =============================================================================
// Operation Mode
// =============================================================================

// OperationMode marks a running stack as in normal operation or maintenance.
// Health monitoring reads it; deployment must preserve it across upgrade and
// rollback transitions.
type OperationMode string

const (
	ModeNormal      OperationMode = "normal"
	ModeMaintenance OperationMode = "maintenance"
)

// =============================================================================
// Stack Deployment
// =============================================================================

// ServiceInfo describes one container started for a stack service.
type ServiceInfo struct {
	Name        string `json:"name"`
	Image       string `json:"image"`
	ContainerID string `json:"container_id,omitempty"`
	Status      string `json:"status,omitempty"`
}

// StackDeployment is one deployed stack instance. It is owned by exactly one
// ProductDeployment when part of a product, and may exist standalone for
// single-stack deployments.
type StackDeployment struct {
	ID             string            `json:"id"`
	EnvironmentID  string            `json:"environment_id"`
	StackID        string            `json:"stack_id"`
	Name           string            `json:"name"` // Operator-chosen, unique per environment
	ProductID      string            `json:"product_id,omitempty"`
	Status         StackStatus       `json:"status"`
	Mode           OperationMode     `json:"mode"`
	Health         HealthStatus      `json:"health"`
	Variables      map[string]string `json:"variables,omitempty"`
	Services       []ServiceInfo     `json:"services,omitempty"`
	Version        string            `json:"version"`
	OrderIndex     int               `json:"order_index"`
	ErrorMessage   string            `json:"error_message,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	StartedAt      *time.Time        `json:"started_at,omitempty"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
}

// NewStackDeployment creates a stack deployment in Pending status.
func NewStackDeployment(environmentID, stackID, name, version string, orderIndex int, variables map[string]string) *StackDeployment {
	now := time.Now().UTC()
	return &StackDeployment{
		ID:            uuid.New().String(),
		EnvironmentID: environmentID,
		StackID:       stackID,
		Name:          name,
		Status:        StackPending,
		Mode:          ModeNormal,
		Health:        HealthUnknown,
		Variables:     variables,
		Version:       version,
		OrderIndex:    orderIndex,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Transition attempts to move the stack to a new status, recording timestamps.
func (s *StackDeployment) Transition(to StackStatus) error {
	if err := ValidateStackTransition(s.Status, to); err != nil {
		return err
	}

	s.Status = to
	now := time.Now().UTC()
	s.UpdatedAt = now

	switch to {
	case StackDeploying, StackUpgrading:
		s.StartedAt = &now
		s.CompletedAt = nil
		s.ErrorMessage = ""
	case StackRunning, StackRemoved:
		s.CompletedAt = &now
	}

	return nil
}

// TransitionToFailed marks the stack failed with an error message.
// Permitted from any in-flight status.
func (s *StackDeployment) TransitionToFailed(errorMessage string) error {
	switch s.Status {
	case StackDeploying, StackUpgrading, StackRunning:
		now := time.Now().UTC()
		s.Status = StackFailed
		s.ErrorMessage = errorMessage
		s.UpdatedAt = now
		s.CompletedAt = &now
		return nil
	default:
		return ErrInvalidTransition
	}
}
