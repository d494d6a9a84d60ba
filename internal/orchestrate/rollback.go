package orchestrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/stackpilot/stackpilot/internal/core/domain"
	"github.com/stackpilot/stackpilot/internal/core/plan"
	"github.com/stackpilot/stackpilot/internal/core/progress"
	"github.com/stackpilot/stackpilot/internal/shell/docker"
	"github.com/stackpilot/stackpilot/internal/shell/store"
)

// =============================================================================
// Rollback Coordinator
// =============================================================================

// RollbackCoordinator restores a product deployment to its pre-upgrade
// snapshot. Only snapshot entries still valid (stacks that never crossed
// their point of no return) are restored; stacks that advanced stay at the
// new version. A failure during rollback itself is unrecoverable: the
// deployment is marked Failed with the snapshot cleared and requires manual
// operator intervention.
type RollbackCoordinator struct {
	orc    *Orchestrator
	logger *slog.Logger
}

// NewRollbackCoordinator creates a rollback coordinator.
func NewRollbackCoordinator(orc *Orchestrator, logger *slog.Logger) *RollbackCoordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &RollbackCoordinator{
		orc:    orc,
		logger: logger.With("component", "rollback"),
	}
}

// Rollback restores every stack with a valid snapshot entry, in declaration
// order, then restores the pre-upgrade aggregate status and clears the
// snapshot. Rollback never counts as an upgrade.
func (c *RollbackCoordinator) Rollback(ctx context.Context, deploymentID string, sink progress.Sink) (*Result, error) {
	if !c.orc.locks.acquire(deploymentID) {
		return nil, NewOrchestrationError("Rollback", deploymentID, "", "deployment is busy", ErrConcurrencyConflict)
	}
	defer c.orc.locks.release(deploymentID)

	deployment, stackDeps, err := c.orc.load(ctx, deploymentID)
	if err != nil {
		return nil, err
	}

	// PartiallyRunning qualifies when a continue-on-error upgrade advanced
	// some stacks and left others failed pre point of no return; the retained
	// snapshot is the real gate.
	switch deployment.Status {
	case domain.ProductFailed, domain.ProductUpgrading, domain.ProductPartiallyRunning:
	default:
		return nil, NewOrchestrationError("Rollback", deploymentID, "",
			fmt.Sprintf("deployment in status %s is not eligible for rollback", deployment.Status), ErrSnapshotUnavailable)
	}

	snapshot, err := c.orc.store.GetSnapshot(ctx, deploymentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, NewOrchestrationError("Rollback", deploymentID, "", "no snapshot retained", ErrSnapshotUnavailable)
		}
		return nil, NewOrchestrationError("Rollback", deploymentID, "", "failed to load snapshot", err)
	}

	entries := snapshot.ValidEntries()
	if len(entries) == 0 {
		return nil, NewOrchestrationError("Rollback", deploymentID, "", "every stack crossed its point of no return", ErrSnapshotUnavailable)
	}

	if err := deployment.Transition(domain.ProductRollingBack); err != nil {
		return nil, NewOrchestrationError("Rollback", deploymentID, "",
			fmt.Sprintf("cannot roll back from status %s", deployment.Status), ErrSnapshotUnavailable)
	}
	if err := c.orc.store.UpdateProductDeployment(ctx, deployment); err != nil {
		return nil, NewOrchestrationError("Rollback", deploymentID, "", "failed to record rollback start", err)
	}

	c.logger.Info("rolling back product", "deployment", deploymentID, "to", snapshot.ProductVersion, "stacks", len(entries))

	scoped := &scopedSink{inner: sink, deployID: deployment.ID, session: deployment.SessionID, totalStacks: len(entries)}
	scoped.Publish(progress.Event{Phase: progress.PhaseRollingBack, Message: fmt.Sprintf("rolling back to %s", snapshot.ProductVersion), Timestamp: time.Now().UTC()})

	deps := make([]*domain.StackDeployment, len(stackDeps))
	byID := make(map[string]*domain.StackDeployment, len(stackDeps))
	for i := range stackDeps {
		deps[i] = &stackDeps[i]
		byID[stackDeps[i].ID] = &stackDeps[i]
	}

	for i, entry := range entries {
		scoped.setStackProgress(i)

		if err := ctx.Err(); err != nil {
			return c.abort(ctx, deployment, deps, scoped, fmt.Sprintf("cancelled before stack %s: %v", entry.StackName, err))
		}

		sd, ok := byID[entry.StackDeploymentID]
		if !ok {
			return c.abort(ctx, deployment, deps, scoped, fmt.Sprintf("stack deployment %s missing", entry.StackDeploymentID))
		}

		if err := c.restoreStack(ctx, sd, entry, scoped); err != nil {
			return c.abort(ctx, deployment, deps, scoped, err.Error())
		}
		scoped.setStackProgress(i + 1)
	}

	// Restore the pre-upgrade aggregate state and release the snapshot.
	deployment.Version = snapshot.ProductVersion
	if err := deployment.Transition(snapshot.ProductStatus); err != nil {
		return c.abort(ctx, deployment, deps, scoped, fmt.Sprintf("cannot restore status %s: %v", snapshot.ProductStatus, err))
	}
	deployment.ErrorMessage = ""
	if err := c.orc.store.UpdateProductDeployment(ctx, deployment); err != nil {
		return nil, NewOrchestrationError("Rollback", deploymentID, "", "failed to persist deployment", err)
	}
	if err := c.orc.store.DeleteSnapshot(ctx, deploymentID); err != nil && !errors.Is(err, store.ErrNotFound) {
		c.logger.Warn("failed to clear snapshot", "deployment", deploymentID, "error", err)
	}

	scoped.setStackProgress(len(entries))
	scoped.Publish(progress.Event{Phase: progress.PhaseCompleted, Message: fmt.Sprintf("rolled back to %s", snapshot.ProductVersion), Percent: 100, Timestamp: time.Now().UTC()})

	c.logger.Info("rollback finished", "deployment", deploymentID, "version", deployment.Version, "status", deployment.Status)
	return c.orc.result(deployment, deps), nil
}

// restoreStack swaps the stack back to the snapshot entry's catalog version
// and variables. Containers left over from the failed upgrade that the old
// plan does not account for are removed first; the rest are replaced by the
// engine's per-service swap.
func (c *RollbackCoordinator) restoreStack(ctx context.Context, sd *domain.StackDeployment, entry domain.StackSnapshot, scoped *scopedSink) error {
	catalogStack, err := c.orc.store.GetStack(ctx, entry.StackID)
	if err != nil {
		return fmt.Errorf("stack %s: catalog version %s no longer available: %w", entry.StackName, entry.Version, err)
	}

	sd.StackID = entry.StackID
	sd.Name = entry.StackName
	sd.Variables = entry.Variables
	sd.Mode = entry.Mode

	p, err := c.orc.buildPlan(*catalogStack, sd)
	if err != nil {
		return err
	}

	c.removeExtraneous(ctx, sd, p)

	if _, err := c.orc.engine.Upgrade(ctx, sd, p, DeployOptions{}, scoped); err != nil {
		return fmt.Errorf("stack %s: redeploy failed: %w", sd.Name, err)
	}
	return nil
}

// removeExtraneous clears containers carrying the stack label that the
// restored plan does not declare, such as services the failed upgrade
// introduced. Best-effort.
func (c *RollbackCoordinator) removeExtraneous(ctx context.Context, sd *domain.StackDeployment, p *plan.DeploymentPlan) {
	planned := make(map[string]bool, len(p.Services))
	for _, svc := range p.Services {
		planned[svc.ContainerName] = true
	}

	containers, err := c.orc.engine.driver.ListByStackLabel(ctx, sd.Name)
	if err != nil {
		c.logger.Warn("failed to list stack containers", "stack", sd.Name, "error", err)
		return
	}
	for _, container := range containers {
		if planned[container.Name] {
			continue
		}
		if container.Status == docker.ContainerStatusRunning {
			if err := c.orc.engine.driver.Stop(ctx, container.ID, &stopTimeout); err != nil {
				c.logger.Warn("failed to stop container", "container", container.Name, "error", err)
			}
		}
		if err := c.orc.engine.driver.Remove(ctx, container.ID, true); err != nil {
			c.logger.Warn("failed to remove container", "container", container.Name, "error", err)
		}
	}
}

// abort marks the rollback unrecoverable: status Failed, snapshot cleared,
// manual intervention required.
func (c *RollbackCoordinator) abort(ctx context.Context, deployment *domain.ProductDeployment, deps []*domain.StackDeployment, scoped *scopedSink, reason string) (*Result, error) {
	ctx = context.WithoutCancel(ctx)
	c.logger.Error("rollback failed", "deployment", deployment.ID, "reason", reason)

	if err := deployment.TransitionToFailed(fmt.Sprintf("rollback failed: %s", reason)); err == nil {
		if uerr := c.orc.store.UpdateProductDeployment(ctx, deployment); uerr != nil {
			c.logger.Error("failed to persist failed status", "deployment", deployment.ID, "error", uerr)
		}
	}
	if err := c.orc.store.DeleteSnapshot(ctx, deployment.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		c.logger.Warn("failed to clear snapshot", "deployment", deployment.ID, "error", err)
	}

	scoped.Publish(progress.Event{Phase: progress.PhaseError, Message: fmt.Sprintf("rollback failed: %s", reason), Timestamp: time.Now().UTC()})

	return c.orc.result(deployment, deps), runtimeError("Rollback", deployment.ID, "", fmt.Sprintf("unrecoverable: %s", reason))
}
