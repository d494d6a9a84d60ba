package store

import (
	"context"

	"github.com/stackpilot/stackpilot/internal/core/domain"
)

// =============================================================================
// Store Interface
// =============================================================================

// Store defines the persistence interface for catalog and deployment state.
type Store interface {
	// Catalog stack operations
	CreateStack(ctx context.Context, stack *domain.Stack) error
	GetStack(ctx context.Context, id string) (*domain.Stack, error)
	UpdateStack(ctx context.Context, stack *domain.Stack) error
	DeleteStack(ctx context.Context, id string) error
	ListStacks(ctx context.Context, opts ListOptions) ([]domain.Stack, error)

	// Catalog product operations
	CreateProduct(ctx context.Context, product *domain.Product) error
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	UpdateProduct(ctx context.Context, product *domain.Product) error
	DeleteProduct(ctx context.Context, id string) error
	ListProducts(ctx context.Context, opts ListOptions) ([]domain.Product, error)
	ListProductsByGroup(ctx context.Context, groupID string) ([]domain.Product, error)

	// Product deployment operations
	CreateProductDeployment(ctx context.Context, deployment *domain.ProductDeployment) error
	GetProductDeployment(ctx context.Context, id string) (*domain.ProductDeployment, error)
	UpdateProductDeployment(ctx context.Context, deployment *domain.ProductDeployment) error
	DeleteProductDeployment(ctx context.Context, id string) error
	ListProductDeployments(ctx context.Context, environmentID string, opts ListOptions) ([]domain.ProductDeployment, error)
	// GetActiveProductDeployment returns the single non-removed deployment for
	// an (environment, product group) pair, or ErrNotFound.
	GetActiveProductDeployment(ctx context.Context, environmentID, productGroupID string) (*domain.ProductDeployment, error)

	// Stack deployment operations
	CreateStackDeployment(ctx context.Context, deployment *domain.StackDeployment) error
	GetStackDeployment(ctx context.Context, id string) (*domain.StackDeployment, error)
	GetStackDeploymentByName(ctx context.Context, environmentID, name string) (*domain.StackDeployment, error)
	UpdateStackDeployment(ctx context.Context, deployment *domain.StackDeployment) error
	DeleteStackDeployment(ctx context.Context, id string) error
	// ListStackDeploymentsByProduct returns a product deployment's stacks in
	// declaration order.
	ListStackDeploymentsByProduct(ctx context.Context, productDeploymentID string) ([]domain.StackDeployment, error)
	ListRunningStackDeployments(ctx context.Context) ([]domain.StackDeployment, error)
	// SetStackDeploymentHealth updates only the observed health column so the
	// health checker never races with full-row lifecycle updates.
	SetStackDeploymentHealth(ctx context.Context, id string, health domain.HealthStatus) error

	// Snapshot operations. At most one snapshot exists per product deployment;
	// SaveSnapshot replaces any previous one.
	SaveSnapshot(ctx context.Context, snapshot *domain.DeploymentSnapshot) error
	GetSnapshot(ctx context.Context, productDeploymentID string) (*domain.DeploymentSnapshot, error)
	DeleteSnapshot(ctx context.Context, productDeploymentID string) error

	// Transaction support
	WithTx(ctx context.Context, fn func(Store) error) error

	// Lifecycle
	Close() error
}

// =============================================================================
// Options
// =============================================================================

// ListOptions defines pagination options.
type ListOptions struct {
	Limit  int
	Offset int
}

// DefaultListOptions returns default list options.
func DefaultListOptions() ListOptions {
	return ListOptions{
		Limit:  100,
		Offset: 0,
	}
}

// Normalize ensures list options have valid values.
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = 100
	}
	if o.Limit > 1000 {
		o.Limit = 1000
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}
