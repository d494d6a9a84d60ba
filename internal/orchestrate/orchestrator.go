package orchestrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/stackpilot/stackpilot/internal/core/compose"
	"github.com/stackpilot/stackpilot/internal/core/domain"
	"github.com/stackpilot/stackpilot/internal/core/plan"
	"github.com/stackpilot/stackpilot/internal/core/progress"
	"github.com/stackpilot/stackpilot/internal/core/variables"
	"github.com/stackpilot/stackpilot/internal/shell/store"
)

// =============================================================================
// Requests and Results
// =============================================================================

// StackConfig names one stack of a deployment request: which catalog stack,
// the operator-chosen deployment name, and per-stack variable overrides.
type StackConfig struct {
	StackID             string            `json:"stack_id"`
	DeploymentStackName string            `json:"deployment_stack_name"`
	Variables           map[string]string `json:"variables,omitempty"`
}

// DeployRequest is a declarative product deployment request.
type DeployRequest struct {
	EnvironmentID   string            `json:"environment_id"`
	ProductID       string            `json:"product_id"`
	StackConfigs    []StackConfig     `json:"stack_configs"`
	SharedVariables map[string]string `json:"shared_variables,omitempty"`
	SessionID       string            `json:"session_id,omitempty"`
	ContinueOnError bool              `json:"continue_on_error"`
	ForceRefresh    bool              `json:"force_refresh"`
}

// Result pairs a product deployment with its per-stack results. Callers must
// inspect the stack list to learn which stacks failed; partial failure is a
// status, not an error.
type Result struct {
	Deployment *domain.ProductDeployment `json:"deployment"`
	Stacks     []domain.StackDeployment  `json:"stacks"`
}

// =============================================================================
// Orchestrator
// =============================================================================

// Orchestrator sequences a product's stack deployments: catalog validation,
// strict declaration-order processing, continue-on-error policy, aggregate
// status. Stacks within one operation never run concurrently; later stacks
// may depend on earlier ones.
type Orchestrator struct {
	engine *StackEngine
	store  store.Store
	locks  *lockRegistry
	logger *slog.Logger
}

// NewOrchestrator creates a product deployment orchestrator.
func NewOrchestrator(engine *StackEngine, st store.Store, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		engine: engine,
		store:  st,
		locks:  newLockRegistry(),
		logger: logger.With("component", "orchestrator"),
	}
}

// =============================================================================
// Deploy
// =============================================================================

// Deploy validates the request, creates the product deployment with its
// stacks in manifest declaration order, and processes them sequentially.
// A partial result is returned alongside the error when the run is cancelled
// mid-flight.
func (o *Orchestrator) Deploy(ctx context.Context, req DeployRequest, sink progress.Sink) (*Result, error) {
	product, stacks, err := o.validateDeploy(ctx, req)
	if err != nil {
		return nil, err
	}

	shared := variables.Resolve(product.SharedVariables, req.SharedVariables, nil)
	deployment := domain.NewProductDeployment(req.EnvironmentID, *product, product.Version, req.SessionID, shared, req.ContinueOnError)

	var stackDeps []*domain.StackDeployment
	for i, ref := range product.StackRefsInOrder() {
		cfg := configForStack(req.StackConfigs, ref.StackID)
		catalogStack := stacks[ref.StackID]

		resolved := variables.Resolve(catalogStack.DefaultVariables, shared, cfg.Variables)
		sd := domain.NewStackDeployment(req.EnvironmentID, ref.StackID, cfg.DeploymentStackName, catalogStack.Version, i, resolved)
		sd.ProductID = deployment.ID
		stackDeps = append(stackDeps, sd)
		deployment.StackIDs = append(deployment.StackIDs, sd.ID)
	}

	err = o.store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.CreateProductDeployment(ctx, deployment); err != nil {
			return err
		}
		for _, sd := range stackDeps {
			if err := tx.CreateStackDeployment(ctx, sd); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		switch {
		case errors.Is(err, store.ErrActiveExists):
			return nil, validationError("Deploy", "", "active deployment already exists for this product group")
		case errors.Is(err, store.ErrDuplicateName):
			return nil, validationError("Deploy", "", "deployment stack name already in use in this environment")
		default:
			return nil, NewOrchestrationError("Deploy", deployment.ID, "", "failed to create deployment records", err)
		}
	}

	if !o.locks.acquire(deployment.ID) {
		return nil, NewOrchestrationError("Deploy", deployment.ID, "", "deployment is busy", ErrConcurrencyConflict)
	}
	defer o.locks.release(deployment.ID)

	o.logger.Info("deploying product", "deployment", deployment.ID, "product", product.Name, "stacks", len(stackDeps))

	scoped := &scopedSink{inner: sink, deployID: deployment.ID, session: deployment.SessionID, totalStacks: len(stackDeps)}
	runErr := o.runStacks(ctx, deployment, stackDeps, stacks, scoped, DeployOptions{ForceRefresh: req.ForceRefresh})

	if err := o.finishPass(ctx, deployment, stackDeps, scoped); err != nil {
		return nil, err
	}
	return o.result(deployment, stackDeps), runErr
}

// validateDeploy checks the request against the catalog without mutating any
// state. It returns the product and every referenced catalog stack.
func (o *Orchestrator) validateDeploy(ctx context.Context, req DeployRequest) (*domain.Product, map[string]domain.Stack, error) {
	if len(req.StackConfigs) == 0 {
		return nil, nil, validationError("Deploy", "", domain.ErrEmptyStackConfigs.Error())
	}
	if req.EnvironmentID == "" {
		return nil, nil, validationError("Deploy", "", "environment id is required")
	}

	product, err := o.store.GetProduct(ctx, req.ProductID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, validationError("Deploy", "", fmt.Sprintf("product %s: %s", req.ProductID, domain.ErrUnknownProduct.Error()))
		}
		return nil, nil, NewOrchestrationError("Deploy", "", "", "failed to load product", err)
	}

	inProduct := make(map[string]bool, len(product.Stacks))
	for _, ref := range product.Stacks {
		inProduct[ref.StackID] = true
	}

	names := make(map[string]bool, len(req.StackConfigs))
	configured := make(map[string]bool, len(req.StackConfigs))
	for _, cfg := range req.StackConfigs {
		if !inProduct[cfg.StackID] {
			return nil, nil, validationError("Deploy", "", fmt.Sprintf("stack %s is not part of product %s", cfg.StackID, product.Name))
		}
		if cfg.DeploymentStackName == "" {
			return nil, nil, validationError("Deploy", "", fmt.Sprintf("stack %s: deployment stack name is required", cfg.StackID))
		}
		if names[cfg.DeploymentStackName] {
			return nil, nil, validationError("Deploy", "", domain.ErrDuplicateStackName.Error())
		}
		names[cfg.DeploymentStackName] = true
		configured[cfg.StackID] = true
	}

	stacks := make(map[string]domain.Stack, len(product.Stacks))
	for _, ref := range product.Stacks {
		if !configured[ref.StackID] {
			return nil, nil, validationError("Deploy", "", fmt.Sprintf("stack %s: missing stack config", ref.StackID))
		}
		catalogStack, err := o.store.GetStack(ctx, ref.StackID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, nil, validationError("Deploy", "", fmt.Sprintf("stack %s: %s", ref.StackID, domain.ErrUnknownStack.Error()))
			}
			return nil, nil, NewOrchestrationError("Deploy", "", "", "failed to load stack", err)
		}
		stacks[ref.StackID] = *catalogStack
	}

	if existing, err := o.store.GetActiveProductDeployment(ctx, req.EnvironmentID, product.GroupID); err == nil {
		return nil, nil, validationError("Deploy", existing.ID, "active deployment already exists for this product group")
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, nil, NewOrchestrationError("Deploy", "", "", "failed to check active deployment", err)
	}

	return product, stacks, nil
}

// runStacks processes stacks strictly sequentially in declaration order. A
// stack failure either aborts the loop or moves to the next stack depending
// on the continue-on-error policy; stacks never attempted stay Pending.
// Cancellation stops the loop without undoing completed work.
func (o *Orchestrator) runStacks(ctx context.Context, deployment *domain.ProductDeployment, stackDeps []*domain.StackDeployment, stacks map[string]domain.Stack, scoped *scopedSink, opts DeployOptions) error {
	for i, sd := range stackDeps {
		scoped.setStackProgress(i)

		if err := ctx.Err(); err != nil {
			return runtimeError("Deploy", deployment.ID, "", fmt.Sprintf("cancelled before stack %s: %v", sd.Name, err))
		}

		p, err := o.buildPlan(stacks[sd.StackID], sd)
		if err != nil {
			if ferr := sd.TransitionToFailed(err.Error()); ferr == nil {
				if uerr := o.store.UpdateStackDeployment(ctx, sd); uerr != nil {
					o.logger.Error("failed to persist stack failure", "stack", sd.Name, "error", uerr)
				}
			}
			if !deployment.ContinueOnError {
				return nil
			}
			continue
		}

		if _, err = o.engine.Deploy(ctx, sd, p, opts, scoped); err != nil {
			if errors.Is(err, ErrRuntime) && ctx.Err() != nil {
				return runtimeError("Deploy", deployment.ID, sd.Name, fmt.Sprintf("cancelled: %v", ctx.Err()))
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

// buildPlan resolves a catalog stack's manifest into a driver-ready plan
// using the stack deployment's resolved variables. Deploying transitions for
// Pending stacks happen inside the engine.
func (o *Orchestrator) buildPlan(catalogStack domain.Stack, sd *domain.StackDeployment) (*plan.DeploymentPlan, error) {
	manifest, err := compose.Parse(catalogStack.Manifest)
	if err != nil {
		return nil, runtimeError("Plan", sd.ID, sd.Name, fmt.Sprintf("invalid manifest: %v", err))
	}
	p := compose.ToDeploymentPlan(manifest, sd.Name, catalogStack.Version, sd.Variables)
	for i := range p.Services {
		if p.Services[i].Labels == nil {
			p.Services[i].Labels = map[string]string{}
		}
		p.Services[i].Labels[plan.LabelProduct] = sd.ProductID
	}
	return p, nil
}

// finishPass recomputes the aggregate status after a deployment or upgrade
// loop and persists it. The final state is recorded even when the pass was
// cancelled.
func (o *Orchestrator) finishPass(ctx context.Context, deployment *domain.ProductDeployment, stackDeps []*domain.StackDeployment, scoped *scopedSink) error {
	ctx = context.WithoutCancel(ctx)
	values := make([]domain.StackDeployment, len(stackDeps))
	for i, sd := range stackDeps {
		values[i] = *sd
	}

	status := domain.ComputeProductStatus(values)
	if err := deployment.Transition(status); err != nil {
		if ferr := deployment.TransitionToFailed("inconsistent status after deployment pass"); ferr != nil {
			return NewOrchestrationError("Deploy", deployment.ID, "", "failed to settle aggregate status", err)
		}
	}
	if err := o.store.UpdateProductDeployment(ctx, deployment); err != nil {
		return NewOrchestrationError("Deploy", deployment.ID, "", "failed to persist deployment", err)
	}

	phase := progress.PhaseCompleted
	if deployment.Status == domain.ProductFailed {
		phase = progress.PhaseError
	}
	scoped.Publish(progress.Event{
		Phase:     phase,
		Message:   fmt.Sprintf("deployment %s", deployment.Status),
		Percent:   100,
		Timestamp: time.Now().UTC(),
	})

	o.logger.Info("deployment pass finished", "deployment", deployment.ID, "status", deployment.Status)
	return nil
}

// =============================================================================
// Remove
// =============================================================================

// Remove tears down every stack of a product deployment in reverse
// declaration order and marks the deployment Removed. Individual container
// failures are tolerated; Removed is always reached.
func (o *Orchestrator) Remove(ctx context.Context, deploymentID string, sink progress.Sink) (*Result, error) {
	if !o.locks.acquire(deploymentID) {
		return nil, NewOrchestrationError("Remove", deploymentID, "", "deployment is busy", ErrConcurrencyConflict)
	}
	defer o.locks.release(deploymentID)

	deployment, stackDeps, err := o.load(ctx, deploymentID)
	if err != nil {
		return nil, err
	}

	if err := deployment.Transition(domain.ProductRemoving); err != nil {
		return nil, validationError("Remove", deploymentID, fmt.Sprintf("cannot remove deployment in status %s", deployment.Status))
	}
	if err := o.store.UpdateProductDeployment(ctx, deployment); err != nil {
		return nil, NewOrchestrationError("Remove", deploymentID, "", "failed to persist status", err)
	}

	scoped := &scopedSink{inner: sink, deployID: deployment.ID, session: deployment.SessionID, totalStacks: len(stackDeps)}
	scoped.Publish(progress.Event{Phase: progress.PhaseRemoving, Message: "removing product deployment", Timestamp: time.Now().UTC()})

	// Reverse declaration order: dependents come down before their
	// dependencies.
	for i := len(stackDeps) - 1; i >= 0; i-- {
		sd := &stackDeps[i]
		if sd.Status == domain.StackRemoved {
			continue
		}
		if err := o.engine.Remove(ctx, sd, scoped); err != nil {
			o.logger.Warn("stack removal incomplete", "stack", sd.Name, "error", err)
		}
	}

	if err := o.store.DeleteSnapshot(ctx, deployment.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		o.logger.Warn("failed to delete snapshot", "deployment", deployment.ID, "error", err)
	}

	if err := deployment.Transition(domain.ProductRemoved); err != nil {
		return nil, NewOrchestrationError("Remove", deploymentID, "", "failed to finalize removal", err)
	}
	if err := o.store.UpdateProductDeployment(ctx, deployment); err != nil {
		return nil, NewOrchestrationError("Remove", deploymentID, "", "failed to persist removal", err)
	}

	scoped.Publish(progress.Event{Phase: progress.PhaseCompleted, Message: "product deployment removed", Percent: 100, Timestamp: time.Now().UTC()})

	result := &Result{Deployment: deployment}
	for _, sd := range stackDeps {
		result.Stacks = append(result.Stacks, sd)
	}
	return result, nil
}

// =============================================================================
// Queries
// =============================================================================

// Get returns a product deployment with its per-stack results.
func (o *Orchestrator) Get(ctx context.Context, deploymentID string) (*Result, error) {
	deployment, stackDeps, err := o.load(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	return &Result{Deployment: deployment, Stacks: stackDeps}, nil
}

// List returns the product deployments of an environment.
func (o *Orchestrator) List(ctx context.Context, environmentID string, opts store.ListOptions) ([]domain.ProductDeployment, error) {
	return o.store.ListProductDeployments(ctx, environmentID, opts)
}

// =============================================================================
// Maintenance Mode
// =============================================================================

// StopStack stops a stack's containers and marks it Maintenance. Containers
// labeled maintenance-ignore keep running.
func (o *Orchestrator) StopStack(ctx context.Context, stackDeploymentID string) (*domain.StackDeployment, error) {
	sd, err := o.store.GetStackDeployment(ctx, stackDeploymentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, NewOrchestrationError("StopStack", stackDeploymentID, "", "stack deployment not found",
				fmt.Errorf("%w: %w", ErrValidation, err))
		}
		return nil, NewOrchestrationError("StopStack", stackDeploymentID, "", "failed to load stack", err)
	}

	if err := o.engine.driver.StopStackContainers(ctx, sd.Name); err != nil {
		return nil, runtimeError("StopStack", stackDeploymentID, sd.Name, err.Error())
	}

	sd.Mode = domain.ModeMaintenance
	sd.UpdatedAt = time.Now().UTC()
	if err := o.store.UpdateStackDeployment(ctx, sd); err != nil {
		return nil, NewOrchestrationError("StopStack", stackDeploymentID, sd.Name, "failed to persist mode", err)
	}
	return sd, nil
}

// StartStack restarts a stack's stopped containers and restores Normal mode.
func (o *Orchestrator) StartStack(ctx context.Context, stackDeploymentID string) (*domain.StackDeployment, error) {
	sd, err := o.store.GetStackDeployment(ctx, stackDeploymentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, NewOrchestrationError("StartStack", stackDeploymentID, "", "stack deployment not found",
				fmt.Errorf("%w: %w", ErrValidation, err))
		}
		return nil, NewOrchestrationError("StartStack", stackDeploymentID, "", "failed to load stack", err)
	}

	if err := o.engine.driver.StartStackContainers(ctx, sd.Name); err != nil {
		return nil, runtimeError("StartStack", stackDeploymentID, sd.Name, err.Error())
	}

	sd.Mode = domain.ModeNormal
	sd.UpdatedAt = time.Now().UTC()
	if err := o.store.UpdateStackDeployment(ctx, sd); err != nil {
		return nil, NewOrchestrationError("StartStack", stackDeploymentID, sd.Name, "failed to persist mode", err)
	}
	return sd, nil
}

// =============================================================================
// Helpers
// =============================================================================

func (o *Orchestrator) load(ctx context.Context, deploymentID string) (*domain.ProductDeployment, []domain.StackDeployment, error) {
	deployment, err := o.store.GetProductDeployment(ctx, deploymentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Keeps the store sentinel visible so transports can answer 404.
			return nil, nil, NewOrchestrationError("Get", deploymentID, "", "deployment not found",
				fmt.Errorf("%w: %w", ErrValidation, err))
		}
		return nil, nil, NewOrchestrationError("Get", deploymentID, "", "failed to load deployment", err)
	}

	stackDeps, err := o.store.ListStackDeploymentsByProduct(ctx, deploymentID)
	if err != nil {
		return nil, nil, NewOrchestrationError("Get", deploymentID, "", "failed to load stacks", err)
	}

	return deployment, stackDeps, nil
}

func (o *Orchestrator) result(deployment *domain.ProductDeployment, stackDeps []*domain.StackDeployment) *Result {
	result := &Result{Deployment: deployment}
	for _, sd := range stackDeps {
		result.Stacks = append(result.Stacks, *sd)
	}
	return result
}

func configForStack(configs []StackConfig, stackID string) StackConfig {
	for _, cfg := range configs {
		if cfg.StackID == stackID {
			return cfg
		}
	}
	return StackConfig{}
}

// scopedSink stamps product-level identity and stack counters onto every
// event emitted during one orchestration pass. Mutated only by the single
// goroutine running the pass.
type scopedSink struct {
	inner           progress.Sink
	deployID        string
	session         string
	completedStacks int
	totalStacks     int
}

func (s *scopedSink) setStackProgress(completed int) {
	s.completedStacks = completed
}

func (s *scopedSink) Publish(e progress.Event) {
	if s.inner == nil {
		return
	}
	e.DeploymentID = s.deployID
	e.SessionID = s.session
	e.CompletedStacks = s.completedStacks
	e.TotalStacks = s.totalStacks
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	s.inner.Publish(e)
}
