package orchestrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/stackpilot/stackpilot/internal/core/domain"
	"github.com/stackpilot/stackpilot/internal/core/progress"
	"github.com/stackpilot/stackpilot/internal/core/variables"
	"github.com/stackpilot/stackpilot/internal/shell/store"
)

// =============================================================================
// Upgrade Coordinator
// =============================================================================

// UpgradeRequest describes a product upgrade to a new catalog version.
type UpgradeRequest struct {
	TargetVersion string            `json:"target_version"`
	Variables     map[string]string `json:"variables,omitempty"`
	ForceRefresh  bool              `json:"force_refresh"`
}

// UpgradeCoordinator drives a product upgrade: it captures a snapshot of the
// current state before any mutation, runs the sequential stack loop against
// the new version's plans, and tracks each stack's point of no return. A
// stack crosses its point of no return the instant its first replacement
// container starts; from then on its snapshot entry is no longer restorable.
type UpgradeCoordinator struct {
	orc    *Orchestrator
	logger *slog.Logger
}

// NewUpgradeCoordinator creates an upgrade coordinator.
func NewUpgradeCoordinator(orc *Orchestrator, logger *slog.Logger) *UpgradeCoordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &UpgradeCoordinator{
		orc:    orc,
		logger: logger.With("component", "upgrade"),
	}
}

// Upgrade moves a product deployment to the target version. The snapshot is
// written durably in the same transaction that flips the deployment to
// Upgrading; no upgrade action runs before it exists. On full success the
// snapshot is cleared and the upgrade counter incremented; a failure before
// any point of no return retains the snapshot for rollback.
func (c *UpgradeCoordinator) Upgrade(ctx context.Context, deploymentID string, req UpgradeRequest, sink progress.Sink) (*Result, error) {
	if !c.orc.locks.acquire(deploymentID) {
		return nil, NewOrchestrationError("Upgrade", deploymentID, "", "deployment is busy", ErrConcurrencyConflict)
	}
	defer c.orc.locks.release(deploymentID)

	deployment, stackDeps, err := c.orc.load(ctx, deploymentID)
	if err != nil {
		return nil, err
	}

	if deployment.Status != domain.ProductRunning && deployment.Status != domain.ProductPartiallyRunning {
		return nil, validationError("Upgrade", deploymentID, fmt.Sprintf("deployment in status %s is not upgradable", deployment.Status))
	}
	if req.TargetVersion == "" {
		return nil, validationError("Upgrade", deploymentID, "target version is required")
	}
	if req.TargetVersion == deployment.Version {
		return nil, validationError("Upgrade", deploymentID, fmt.Sprintf("deployment already at version %s", req.TargetVersion))
	}

	target, targetStacks, err := c.resolveTarget(ctx, deployment, req.TargetVersion, len(stackDeps))
	if err != nil {
		return nil, err
	}

	deps := make([]*domain.StackDeployment, len(stackDeps))
	for i := range stackDeps {
		deps[i] = &stackDeps[i]
	}

	// Snapshot first: the pre-upgrade state must be durable before the
	// deployment flips to Upgrading.
	snapshot := domain.NewDeploymentSnapshot(deployment, stackDeps)
	if err := deployment.Transition(domain.ProductUpgrading); err != nil {
		return nil, validationError("Upgrade", deploymentID, fmt.Sprintf("cannot upgrade from status %s", deployment.Status))
	}
	err = c.orc.store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.SaveSnapshot(ctx, snapshot); err != nil {
			return err
		}
		return tx.UpdateProductDeployment(ctx, deployment)
	})
	if err != nil {
		return nil, NewOrchestrationError("Upgrade", deploymentID, "", "failed to record upgrade start", err)
	}

	c.logger.Info("upgrading product", "deployment", deploymentID, "from", snapshot.ProductVersion, "to", req.TargetVersion)

	scoped := &scopedSink{inner: sink, deployID: deployment.ID, session: deployment.SessionID, totalStacks: len(deps)}
	scoped.Publish(progress.Event{Phase: progress.PhaseUpgrading, Message: fmt.Sprintf("upgrading to %s", req.TargetVersion), Timestamp: time.Now().UTC()})

	runErr := c.runUpgrade(ctx, deployment, deps, targetStacks, snapshot, req, scoped)

	if err := c.settle(ctx, deployment, deps, target, snapshot, scoped); err != nil {
		return nil, err
	}
	return c.orc.result(deployment, deps), runErr
}

// resolveTarget finds the target catalog product version for the deployment's
// group and returns its stacks in declaration order. Stack positions must
// line up with the existing deployment; order is fixed at creation and never
// changed by upgrades.
func (c *UpgradeCoordinator) resolveTarget(ctx context.Context, deployment *domain.ProductDeployment, targetVersion string, stackCount int) (*domain.Product, []domain.Stack, error) {
	products, err := c.orc.store.ListProductsByGroup(ctx, deployment.ProductGroupID)
	if err != nil {
		return nil, nil, NewOrchestrationError("Upgrade", deployment.ID, "", "failed to list product versions", err)
	}

	var target *domain.Product
	for i := range products {
		if products[i].Version == targetVersion {
			target = &products[i]
			break
		}
	}
	if target == nil {
		return nil, nil, validationError("Upgrade", deployment.ID, fmt.Sprintf("product version %s not found in catalog", targetVersion))
	}

	refs := target.StackRefsInOrder()
	if len(refs) != stackCount {
		return nil, nil, validationError("Upgrade", deployment.ID, fmt.Sprintf("target version has %d stacks, deployment has %d", len(refs), stackCount))
	}

	stacks := make([]domain.Stack, len(refs))
	for i, ref := range refs {
		catalogStack, err := c.orc.store.GetStack(ctx, ref.StackID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, nil, validationError("Upgrade", deployment.ID, fmt.Sprintf("stack %s: %s", ref.StackID, domain.ErrUnknownStack.Error()))
			}
			return nil, nil, NewOrchestrationError("Upgrade", deployment.ID, "", "failed to load stack", err)
		}
		stacks[i] = *catalogStack
	}

	return target, stacks, nil
}

// runUpgrade walks the stacks sequentially. Each stack's snapshot entry is
// invalidated, and the invalidation persisted, the moment its first
// replacement container starts.
func (c *UpgradeCoordinator) runUpgrade(ctx context.Context, deployment *domain.ProductDeployment, deps []*domain.StackDeployment, targetStacks []domain.Stack, snapshot *domain.DeploymentSnapshot, req UpgradeRequest, scoped *scopedSink) error {
	for i, sd := range deps {
		scoped.setStackProgress(i)

		if err := ctx.Err(); err != nil {
			return runtimeError("Upgrade", deployment.ID, "", fmt.Sprintf("cancelled before stack %s: %v", sd.Name, err))
		}

		newStack := targetStacks[i]
		sd.StackID = newStack.ID
		sd.Variables = variables.Resolve(newStack.DefaultVariables, deployment.SharedVariables, req.Variables)

		p, err := c.orc.buildPlan(newStack, sd)
		if err != nil {
			if ferr := sd.TransitionToFailed(err.Error()); ferr == nil {
				if uerr := c.orc.store.UpdateStackDeployment(ctx, sd); uerr != nil {
					c.logger.Error("failed to persist stack failure", "stack", sd.Name, "error", uerr)
				}
			}
			if !deployment.ContinueOnError {
				return nil
			}
			continue
		}

		swapStarted := false
		opts := DeployOptions{
			ForceRefresh: req.ForceRefresh,
			OnContainerStarted: func(string) {
				if swapStarted {
					return
				}
				swapStarted = true
				snapshot.Invalidate(sd.ID)
				if err := c.orc.store.SaveSnapshot(ctx, snapshot); err != nil {
					c.logger.Error("failed to persist snapshot invalidation", "stack", sd.Name, "error", err)
				}
			},
		}

		_, err = c.orc.engine.Upgrade(ctx, sd, p, opts, scoped)
		if err != nil {
			if errors.Is(err, ErrRuntime) && ctx.Err() != nil {
				return runtimeError("Upgrade", deployment.ID, sd.Name, fmt.Sprintf("cancelled: %v", ctx.Err()))
			}
			if !errors.Is(err, ErrRuntime) {
				return err
			}
			if !deployment.ContinueOnError {
				return nil
			}
		}
		scoped.setStackProgress(i + 1)
	}
	return nil
}

// settle computes the post-upgrade aggregate state. Full success clears the
// snapshot, adopts the target version and counts the upgrade; otherwise the
// snapshot survives for exactly as long as it still holds restorable entries.
func (c *UpgradeCoordinator) settle(ctx context.Context, deployment *domain.ProductDeployment, deps []*domain.StackDeployment, target *domain.Product, snapshot *domain.DeploymentSnapshot, scoped *scopedSink) error {
	ctx = context.WithoutCancel(ctx)
	values := make([]domain.StackDeployment, len(deps))
	for i, sd := range deps {
		values[i] = *sd
	}
	status := domain.ComputeProductStatus(values)

	if status == domain.ProductRunning {
		deployment.ProductID = target.ID
		deployment.Version = target.Version
		deployment.UpgradeCount++
		if err := c.orc.store.DeleteSnapshot(ctx, deployment.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			c.logger.Warn("failed to clear snapshot", "deployment", deployment.ID, "error", err)
		}
	} else if snapshot.FullyAdvanced() {
		// Every stack crossed its point of no return; nothing is restorable.
		if err := c.orc.store.DeleteSnapshot(ctx, deployment.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			c.logger.Warn("failed to clear snapshot", "deployment", deployment.ID, "error", err)
		}
	}

	if err := deployment.Transition(status); err != nil {
		return NewOrchestrationError("Upgrade", deployment.ID, "", "failed to settle aggregate status", err)
	}
	if status == domain.ProductFailed {
		deployment.ErrorMessage = "upgrade failed"
	}
	if err := c.orc.store.UpdateProductDeployment(ctx, deployment); err != nil {
		return NewOrchestrationError("Upgrade", deployment.ID, "", "failed to persist deployment", err)
	}

	phase := progress.PhaseCompleted
	if status == domain.ProductFailed {
		phase = progress.PhaseError
	}
	scoped.setStackProgress(len(deps))
	scoped.Publish(progress.Event{Phase: phase, Message: fmt.Sprintf("upgrade %s", status), Percent: 100, Timestamp: time.Now().UTC()})

	c.logger.Info("upgrade finished", "deployment", deployment.ID, "status", status, "upgrades", deployment.UpgradeCount)
	return nil
}
