// Package orchestrate drives deployment, upgrade, rollback and removal of
// product and stack deployments against the container runtime.
package orchestrate

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Taxonomy
// =============================================================================

var (
	// ErrValidation covers request problems caught before any mutation:
	// unknown product or stack, empty stack config list, active-deployment
	// conflict, ineligible status for the requested operation.
	ErrValidation = errors.New("validation failed")

	// ErrRuntime covers container runtime failures during an operation: image
	// pull, container create/start, container removal. Runtime failures are
	// folded into stack and aggregate status rather than aborting the process.
	ErrRuntime = errors.New("runtime operation failed")

	// ErrConcurrencyConflict is returned when an operation targets a product
	// deployment that is already mid-operation. The request is rejected, never
	// queued.
	ErrConcurrencyConflict = errors.New("operation already in progress for this deployment")

	// ErrSnapshotUnavailable is returned when rollback is requested but no
	// valid snapshot exists or the deployment is not in a rollback-eligible
	// state. Non-retryable.
	ErrSnapshotUnavailable = errors.New("no valid snapshot available for rollback")
)

// OrchestrationError wraps an operation failure with context.
type OrchestrationError struct {
	Op           string // Operation that failed (e.g., "Deploy", "Upgrade")
	DeploymentID string
	Stack        string // Stack name if the failure is stack-scoped
	Message      string
	Err          error
}

func (e *OrchestrationError) Error() string {
	switch {
	case e.Stack != "" && e.DeploymentID != "":
		return fmt.Sprintf("%s %s stack %s: %s", e.Op, e.DeploymentID, e.Stack, e.Message)
	case e.DeploymentID != "":
		return fmt.Sprintf("%s %s: %s", e.Op, e.DeploymentID, e.Message)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
}

func (e *OrchestrationError) Unwrap() error {
	return e.Err
}

// NewOrchestrationError creates a new OrchestrationError.
func NewOrchestrationError(op, deploymentID, stack, message string, err error) *OrchestrationError {
	return &OrchestrationError{
		Op:           op,
		DeploymentID: deploymentID,
		Stack:        stack,
		Message:      message,
		Err:          err,
	}
}

func validationError(op, deploymentID, message string) error {
	return NewOrchestrationError(op, deploymentID, "", message, ErrValidation)
}

func runtimeError(op, deploymentID, stack, message string) error {
	return NewOrchestrationError(op, deploymentID, stack, message, ErrRuntime)
}
