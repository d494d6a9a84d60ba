// Package workers contains background workers for StackPilot.
package workers

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/stackpilot/stackpilot/internal/core/domain"
	"github.com/stackpilot/stackpilot/internal/core/monitoring"
	"github.com/stackpilot/stackpilot/internal/shell/docker"
	"github.com/stackpilot/stackpilot/internal/shell/store"
)

// HealthCheckerConfig configures the health checker worker.
type HealthCheckerConfig struct {
	// Interval is the time between health check cycles.
	// Default: 60 seconds.
	Interval time.Duration

	// CheckTimeout is the timeout for one full cycle.
	// Default: 30 seconds.
	CheckTimeout time.Duration
}

// DefaultHealthCheckerConfig returns the default configuration.
func DefaultHealthCheckerConfig() HealthCheckerConfig {
	return HealthCheckerConfig{
		Interval:     60 * time.Second,
		CheckTimeout: 30 * time.Second,
	}
}

// HealthChecker periodically inspects the containers of running stack
// deployments and records their observed health. It never changes lifecycle
// status; containers stopped out of band show up as unhealthy rather than
// flipping the stack to Failed.
type HealthChecker struct {
	store  store.Store
	driver docker.Driver
	config HealthCheckerConfig
	logger *slog.Logger

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHealthChecker creates a new health checker worker.
func NewHealthChecker(s store.Store, driver docker.Driver, config HealthCheckerConfig, logger *slog.Logger) *HealthChecker {
	if config.Interval <= 0 {
		config.Interval = DefaultHealthCheckerConfig().Interval
	}
	if config.CheckTimeout <= 0 {
		config.CheckTimeout = DefaultHealthCheckerConfig().CheckTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &HealthChecker{
		store:  s,
		driver: driver,
		config: config,
		logger: logger.With("component", "health_checker"),
	}
}

// Start begins the periodic health check loop.
func (h *HealthChecker) Start(ctx context.Context) {
	h.ctx, h.cancel = context.WithCancel(ctx)
	h.wg.Add(1)

	go func() {
		defer h.wg.Done()

		h.logger.Info("health checker started", "interval", h.config.Interval)

		ticker := time.NewTicker(h.config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-h.ctx.Done():
				h.logger.Info("health checker stopped")
				return
			case <-ticker.C:
				h.RunCycle(h.ctx)
			}
		}
	}()
}

// Stop stops the health checker and waits for the loop to exit.
func (h *HealthChecker) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
}

// RunCycle performs a single health check pass over all running stacks.
func (h *HealthChecker) RunCycle(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, h.config.CheckTimeout)
	defer cancel()

	deployments, err := h.store.ListRunningStackDeployments(ctx)
	if err != nil {
		h.logger.Error("failed to list running deployments", "error", err)
		return
	}

	for _, dep := range deployments {
		if ctx.Err() != nil {
			return
		}
		h.checkStack(ctx, &dep)
	}
}

func (h *HealthChecker) checkStack(ctx context.Context, dep *domain.StackDeployment) {
	// Maintenance stacks have their containers stopped on purpose.
	if dep.Mode == domain.ModeMaintenance {
		h.recordHealth(ctx, dep, domain.HealthUnknown)
		return
	}

	containers, err := h.driver.ListByStackLabel(ctx, dep.Name)
	if err != nil {
		h.logger.Warn("failed to list stack containers",
			"stack", dep.Name,
			"error", err,
		)
		return
	}

	states := make([]monitoring.ContainerState, 0, len(containers))
	for _, c := range containers {
		states = append(states, monitoring.ContainerState{
			Name:   c.Name,
			Status: string(c.Status),
		})
	}

	health := monitoring.StackHealth(len(dep.Services), states)
	h.recordHealth(ctx, dep, health)
}

func (h *HealthChecker) recordHealth(ctx context.Context, dep *domain.StackDeployment, health domain.HealthStatus) {
	if dep.Health == health {
		return
	}

	if err := h.store.SetStackDeploymentHealth(ctx, dep.ID, health); err != nil {
		h.logger.Error("failed to record stack health",
			"stack", dep.Name,
			"health", health,
			"error", err,
		)
		return
	}

	if health == domain.HealthUnhealthy || health == domain.HealthDegraded {
		h.logger.Warn("stack health changed",
			"stack", dep.Name,
			"previous", dep.Health,
			"health", health,
		)
	} else {
		h.logger.Info("stack health changed",
			"stack", dep.Name,
			"previous", dep.Health,
			"health", health,
		)
	}
}
