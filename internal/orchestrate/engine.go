package orchestrate

import (
	"context"
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
// Stack Engine
// =============================================================================

// StackEngine deploys, upgrades and removes a single stack's service set
// against the container runtime. It owns per-stack status transitions; all
// product-level sequencing lives in the orchestrator.
type StackEngine struct {
	driver docker.Driver
	store  store.Store
	logger *slog.Logger
}

// NewStackEngine creates a stack engine.
func NewStackEngine(driver docker.Driver, st store.Store, logger *slog.Logger) *StackEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &StackEngine{
		driver: driver,
		store:  st,
		logger: logger.With("component", "stack-engine"),
	}
}

// DeployOptions tunes a single stack deployment pass.
type DeployOptions struct {
	// ForceRefresh pulls images even when present locally.
	ForceRefresh bool

	// OnContainerStarted fires after each successful container start with the
	// service name. During upgrades the first call marks the stack's point of
	// no return.
	OnContainerStarted func(service string)
}

// StackResult reports the outcome of one stack deployment pass.
type StackResult struct {
	StartedServices int
	Services        []domain.ServiceInfo
}

var stopTimeout = 10 * time.Second

// =============================================================================
// Deploy
// =============================================================================

// Deploy brings up every service of the plan in declaration order. The first
// per-service failure marks the stack Failed and stops processing the
// remaining services of this stack.
func (e *StackEngine) Deploy(ctx context.Context, dep *domain.StackDeployment, p *plan.DeploymentPlan, opts DeployOptions, sink progress.Sink) (*StackResult, error) {
	if err := e.transition(ctx, dep, domain.StackDeploying); err != nil {
		return nil, err
	}

	e.emit(sink, dep, progress.PhaseDeploying, fmt.Sprintf("deploying stack %s", dep.Name), 0, "", 0, len(p.Services))

	result, err := e.runServices(ctx, dep, p, opts, sink, true)
	if err != nil {
		e.fail(ctx, dep, sink, err)
		return result, err
	}

	return result, e.complete(ctx, dep, p, result, sink)
}

// Upgrade replaces a stack's services with the new plan. Images for every
// service are pulled up front so a pull failure leaves the old containers
// untouched; the swap itself starts only once all images are local.
func (e *StackEngine) Upgrade(ctx context.Context, dep *domain.StackDeployment, p *plan.DeploymentPlan, opts DeployOptions, sink progress.Sink) (*StackResult, error) {
	if err := e.transition(ctx, dep, domain.StackUpgrading); err != nil {
		return nil, err
	}

	e.emit(sink, dep, progress.PhaseUpgrading, fmt.Sprintf("upgrading stack %s to %s", dep.Name, p.Version), 0, "", 0, len(p.Services))

	// Pull phase: every failure here is recoverable.
	for _, svc := range p.Services {
		if err := ctx.Err(); err != nil {
			wrapped := runtimeError("Upgrade", dep.ID, dep.Name, fmt.Sprintf("cancelled: %v", err))
			e.fail(ctx, dep, sink, wrapped)
			return nil, wrapped
		}
		if err := e.ensureImage(ctx, dep, svc, opts.ForceRefresh, sink); err != nil {
			e.fail(ctx, dep, sink, err)
			return nil, err
		}
	}

	result, err := e.runServices(ctx, dep, p, opts, sink, false)
	if err != nil {
		e.fail(ctx, dep, sink, err)
		return result, err
	}

	return result, e.complete(ctx, dep, p, result, sink)
}

// runServices executes the per-service loop: ensure networks and volumes,
// then for each service remove any name-colliding container and create and
// start the replacement. pullInline controls whether images are fetched here
// or were pre-pulled by the caller.
func (e *StackEngine) runServices(ctx context.Context, dep *domain.StackDeployment, p *plan.DeploymentPlan, opts DeployOptions, sink progress.Sink, pullInline bool) (*StackResult, error) {
	op := "Deploy"
	if !pullInline {
		op = "Upgrade"
	}

	labels := e.resourceLabels(dep)
	for _, network := range p.Networks {
		if err := e.driver.EnsureNetwork(ctx, network, labels); err != nil {
			return nil, runtimeError(op, dep.ID, dep.Name, fmt.Sprintf("failed to ensure network %s: %v", network, err))
		}
	}
	for _, vol := range p.Volumes {
		if vol.External {
			continue
		}
		if err := e.driver.EnsureVolume(ctx, vol.Name, labels); err != nil {
			return nil, runtimeError(op, dep.ID, dep.Name, fmt.Sprintf("failed to ensure volume %s: %v", vol.Name, err))
		}
	}

	result := &StackResult{}
	total := len(p.Services)

	for i, svc := range p.Services {
		if err := ctx.Err(); err != nil {
			return result, runtimeError(op, dep.ID, dep.Name, fmt.Sprintf("cancelled: %v", err))
		}

		if pullInline {
			if err := e.ensureImage(ctx, dep, svc, opts.ForceRefresh, sink); err != nil {
				return result, err
			}
		}

		e.emit(sink, dep, progress.PhaseStarting, fmt.Sprintf("starting %s", svc.Name), percent(i, total), svc.Name, i, total)

		if err := e.removeColliding(ctx, svc.ContainerName); err != nil {
			return result, runtimeError(op, dep.ID, dep.Name, fmt.Sprintf("failed to replace container %s: %v", svc.ContainerName, err))
		}

		containerID, err := e.driver.CreateAndStart(ctx, toContainerSpec(svc))
		if err != nil {
			return result, runtimeError(op, dep.ID, dep.Name, fmt.Sprintf("failed to start %s: %v", svc.Name, err))
		}

		result.StartedServices++
		result.Services = append(result.Services, domain.ServiceInfo{
			Name:        svc.Name,
			Image:       svc.Image,
			ContainerID: containerID,
			Status:      string(docker.ContainerStatusRunning),
		})

		if opts.OnContainerStarted != nil {
			opts.OnContainerStarted(svc.Name)
		}

		e.emit(sink, dep, progress.PhaseStarting, fmt.Sprintf("started %s", svc.Name), percent(i+1, total), svc.Name, i+1, total)
	}

	return result, nil
}

// ensureImage pulls a service image unless it is already present locally.
func (e *StackEngine) ensureImage(ctx context.Context, dep *domain.StackDeployment, svc plan.ServicePlan, force bool, sink progress.Sink) error {
	if !force {
		exists, err := e.driver.ImageExists(ctx, svc.Image)
		if err == nil && exists {
			return nil
		}
	}

	e.emit(sink, dep, progress.PhasePulling, fmt.Sprintf("pulling %s", svc.Image), 0, svc.Name, 0, 0)

	if err := e.driver.PullImage(ctx, svc.Image, docker.PullOptions{}); err != nil {
		return runtimeError("PullImage", dep.ID, dep.Name, fmt.Sprintf("failed to pull %s: %v", svc.Image, err))
	}
	return nil
}

// removeColliding stops and removes a pre-existing container holding the
// target name, if any.
func (e *StackEngine) removeColliding(ctx context.Context, name string) error {
	existing, err := e.driver.FindByName(ctx, name)
	if err != nil {
		return err
	}
	if existing == nil {
		return nil
	}

	if existing.Status == docker.ContainerStatusRunning {
		if err := e.driver.Stop(ctx, existing.ID, &stopTimeout); err != nil {
			e.logger.Warn("failed to stop old container", "container", name, "error", err)
		}
	}
	return e.driver.Remove(ctx, existing.ID, true)
}

// =============================================================================
// Remove
// =============================================================================

// Remove stops and force-removes every container belonging to the stack,
// located by the stack label. Individual removal failures are tolerated; the
// stack always ends Removed.
func (e *StackEngine) Remove(ctx context.Context, dep *domain.StackDeployment, sink progress.Sink) error {
	if err := e.transition(ctx, dep, domain.StackRemoving); err != nil {
		return err
	}

	e.emit(sink, dep, progress.PhaseRemoving, fmt.Sprintf("removing stack %s", dep.Name), 0, "", 0, 0)

	containers, err := e.driver.ListByStackLabel(ctx, dep.Name)
	if err != nil {
		e.logger.Warn("failed to list stack containers", "stack", dep.Name, "error", err)
	}

	for _, c := range containers {
		if c.Status == docker.ContainerStatusRunning {
			if err := e.driver.Stop(ctx, c.ID, &stopTimeout); err != nil {
				e.logger.Warn("failed to stop container", "container", c.Name, "error", err)
			}
		}
		if err := e.driver.Remove(ctx, c.ID, true); err != nil {
			e.logger.Warn("failed to remove container", "container", c.Name, "error", err)
		}
	}

	if err := e.driver.RemoveNetwork(ctx, plan.NetworkName(dep.Name)); err != nil {
		e.logger.Warn("failed to remove stack network", "stack", dep.Name, "error", err)
	}

	dep.Services = nil
	return e.transition(ctx, dep, domain.StackRemoved)
}

// =============================================================================
// Helpers
// =============================================================================

func (e *StackEngine) transition(ctx context.Context, dep *domain.StackDeployment, to domain.StackStatus) error {
	if err := dep.Transition(to); err != nil {
		return validationError("Transition", dep.ID, fmt.Sprintf("stack %s cannot move from %s to %s", dep.Name, dep.Status, to))
	}
	if err := e.store.UpdateStackDeployment(ctx, dep); err != nil {
		return NewOrchestrationError("Transition", dep.ID, dep.Name, "failed to persist status", err)
	}
	return nil
}

func (e *StackEngine) complete(ctx context.Context, dep *domain.StackDeployment, p *plan.DeploymentPlan, result *StackResult, sink progress.Sink) error {
	dep.Services = result.Services
	dep.Version = p.Version
	// Every service is up at this point; record Running even when the
	// operation's context was cancelled during the last start.
	if err := e.transition(context.WithoutCancel(ctx), dep, domain.StackRunning); err != nil {
		return err
	}

	e.logger.Info("stack running", "stack", dep.Name, "version", dep.Version, "services", result.StartedServices)
	e.emit(sink, dep, progress.PhaseCompleted, fmt.Sprintf("stack %s running", dep.Name), 100, "", result.StartedServices, result.StartedServices)
	return nil
}

// fail persists the Failed status even when the operation's context was
// cancelled; the final state must always be recorded.
func (e *StackEngine) fail(ctx context.Context, dep *domain.StackDeployment, sink progress.Sink, cause error) {
	e.logger.Error("stack operation failed", "stack", dep.Name, "error", cause)

	if err := dep.TransitionToFailed(cause.Error()); err == nil {
		if err := e.store.UpdateStackDeployment(context.WithoutCancel(ctx), dep); err != nil {
			e.logger.Error("failed to persist failed status", "stack", dep.Name, "error", err)
		}
	}

	e.emit(sink, dep, progress.PhaseError, cause.Error(), 0, "", 0, 0)
}

func (e *StackEngine) emit(sink progress.Sink, dep *domain.StackDeployment, phase progress.Phase, message string, pct int, service string, completed, total int) {
	if sink == nil {
		return
	}
	sink.Publish(progress.Event{
		DeploymentID:      dep.ID,
		Phase:             phase,
		Message:           message,
		Percent:           pct,
		Stack:             dep.Name,
		Service:           service,
		CompletedServices: completed,
		TotalServices:     total,
		Timestamp:         time.Now().UTC(),
	})
}

func (e *StackEngine) resourceLabels(dep *domain.StackDeployment) map[string]string {
	return map[string]string{
		plan.LabelManaged: "true",
		plan.LabelStack:   dep.Name,
	}
}

func percent(completed, total int) int {
	if total == 0 {
		return 0
	}
	return completed * 100 / total
}

func toContainerSpec(svc plan.ServicePlan) docker.ContainerSpec {
	spec := docker.ContainerSpec{
		Name:       svc.ContainerName,
		Image:      svc.Image,
		Command:    svc.Command,
		Entrypoint: svc.Entrypoint,
		Env:        svc.Env,
		Labels:     svc.Labels,
		Networks:   svc.Networks,
		RestartPolicy: docker.RestartPolicy{
			Name:              svc.RestartPolicy.Name,
			MaximumRetryCount: svc.RestartPolicy.MaximumRetryCount,
		},
		Resources: docker.ResourceLimits{
			CPULimit:    svc.Resources.CPULimit,
			MemoryLimit: svc.Resources.MemoryLimit,
		},
	}

	for _, p := range svc.Ports {
		spec.Ports = append(spec.Ports, docker.PortBinding{
			ContainerPort: p.ContainerPort,
			HostPort:      p.HostPort,
			Protocol:      p.Protocol,
			HostIP:        p.HostIP,
		})
	}
	for _, m := range svc.Mounts {
		spec.Mounts = append(spec.Mounts, docker.Mount{
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}
	if svc.HealthCheck != nil {
		spec.HealthCheck = &docker.HealthCheck{
			Test:        svc.HealthCheck.Test,
			Interval:    svc.HealthCheck.Interval,
			Timeout:     svc.HealthCheck.Timeout,
			Retries:     svc.HealthCheck.Retries,
			StartPeriod: svc.HealthCheck.StartPeriod,
		}
	}

	return spec
}
