package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/stackpilot/stackpilot/internal/core/domain"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// =============================================================================
// Executor Interface - Shared by DB and Transaction
// =============================================================================

// executor abstracts database operations that can be performed on both
// a database connection and a transaction.
type executor interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// =============================================================================
// SQLiteStore
// =============================================================================

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore creates a new SQLite store and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite3", dsn+"?_foreign_keys=on")
	if err != nil {
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to open database", ErrConnectionFailed)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to ping database", ErrConnectionFailed)
	}

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", err.Error(), ErrMigrationFailed)
	}

	return &SQLiteStore{db: db}, nil
}

// runMigrations runs database migrations using embedded SQL files.
func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// Catalog Stack Operations
// =============================================================================

// stackRow represents a catalog stack row in the database.
type stackRow struct {
	ID               string  `db:"id"`
	Name             string  `db:"name"`
	Description      string  `db:"description"`
	Version          string  `db:"version"`
	Manifest         string  `db:"manifest"`
	DefaultVariables *string `db:"default_variables"`
	CreatedAt        string  `db:"created_at"`
	UpdatedAt        string  `db:"updated_at"`
}

func (s *SQLiteStore) CreateStack(ctx context.Context, stack *domain.Stack) error {
	return createStack(ctx, s.db, stack)
}

func (s *SQLiteStore) GetStack(ctx context.Context, id string) (*domain.Stack, error) {
	return getStack(ctx, s.db, id)
}

func (s *SQLiteStore) UpdateStack(ctx context.Context, stack *domain.Stack) error {
	return updateStack(ctx, s.db, stack)
}

func (s *SQLiteStore) DeleteStack(ctx context.Context, id string) error {
	return deleteStack(ctx, s.db, id)
}

func (s *SQLiteStore) ListStacks(ctx context.Context, opts ListOptions) ([]domain.Stack, error) {
	return listStacks(ctx, s.db, opts)
}

// =============================================================================
// Catalog Product Operations
// =============================================================================

// productRow represents a catalog product row in the database.
type productRow struct {
	ID              string  `db:"id"`
	GroupID         string  `db:"group_id"`
	Name            string  `db:"name"`
	Description     string  `db:"description"`
	Version         string  `db:"version"`
	Stacks          string  `db:"stacks"`
	SharedVariables *string `db:"shared_variables"`
	CreatedAt       string  `db:"created_at"`
	UpdatedAt       string  `db:"updated_at"`
}

func (s *SQLiteStore) CreateProduct(ctx context.Context, product *domain.Product) error {
	return createProduct(ctx, s.db, product)
}

func (s *SQLiteStore) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	return getProduct(ctx, s.db, id)
}

func (s *SQLiteStore) UpdateProduct(ctx context.Context, product *domain.Product) error {
	return updateProduct(ctx, s.db, product)
}

func (s *SQLiteStore) DeleteProduct(ctx context.Context, id string) error {
	return deleteProduct(ctx, s.db, id)
}

func (s *SQLiteStore) ListProducts(ctx context.Context, opts ListOptions) ([]domain.Product, error) {
	return listProducts(ctx, s.db, opts)
}

func (s *SQLiteStore) ListProductsByGroup(ctx context.Context, groupID string) ([]domain.Product, error) {
	return listProductsByGroup(ctx, s.db, groupID)
}

// =============================================================================
// Product Deployment Operations
// =============================================================================

// productDeploymentRow represents a product deployment row in the database.
type productDeploymentRow struct {
	ID              string  `db:"id"`
	EnvironmentID   string  `db:"environment_id"`
	ProductGroupID  string  `db:"product_group_id"`
	ProductID       string  `db:"product_id"`
	Version         string  `db:"version"`
	Status          string  `db:"status"`
	StackIDs        string  `db:"stack_ids"`
	SharedVariables *string `db:"shared_variables"`
	ContinueOnError bool    `db:"continue_on_error"`
	SessionID       string  `db:"session_id"`
	UpgradeCount    int     `db:"upgrade_count"`
	ErrorMessage    string  `db:"error_message"`
	CreatedAt       string  `db:"created_at"`
	UpdatedAt       string  `db:"updated_at"`
	StartedAt       *string `db:"started_at"`
	CompletedAt     *string `db:"completed_at"`
}

func (s *SQLiteStore) CreateProductDeployment(ctx context.Context, deployment *domain.ProductDeployment) error {
	return createProductDeployment(ctx, s.db, deployment)
}

func (s *SQLiteStore) GetProductDeployment(ctx context.Context, id string) (*domain.ProductDeployment, error) {
	return getProductDeployment(ctx, s.db, id)
}

func (s *SQLiteStore) UpdateProductDeployment(ctx context.Context, deployment *domain.ProductDeployment) error {
	return updateProductDeployment(ctx, s.db, deployment)
}

func (s *SQLiteStore) DeleteProductDeployment(ctx context.Context, id string) error {
	return deleteProductDeployment(ctx, s.db, id)
}

func (s *SQLiteStore) ListProductDeployments(ctx context.Context, environmentID string, opts ListOptions) ([]domain.ProductDeployment, error) {
	return listProductDeployments(ctx, s.db, environmentID, opts)
}

func (s *SQLiteStore) GetActiveProductDeployment(ctx context.Context, environmentID, productGroupID string) (*domain.ProductDeployment, error) {
	return getActiveProductDeployment(ctx, s.db, environmentID, productGroupID)
}

// =============================================================================
// Stack Deployment Operations
// =============================================================================

// stackDeploymentRow represents a stack deployment row in the database.
type stackDeploymentRow struct {
	ID            string  `db:"id"`
	EnvironmentID string  `db:"environment_id"`
	StackID       string  `db:"stack_id"`
	Name          string  `db:"name"`
	ProductID     string  `db:"product_id"`
	Status        string  `db:"status"`
	Mode          string  `db:"mode"`
	Health        string  `db:"health"`
	Variables     *string `db:"variables"`
	Services      *string `db:"services"`
	Version       string  `db:"version"`
	OrderIndex    int     `db:"order_index"`
	ErrorMessage  string  `db:"error_message"`
	CreatedAt     string  `db:"created_at"`
	UpdatedAt     string  `db:"updated_at"`
	StartedAt     *string `db:"started_at"`
	CompletedAt   *string `db:"completed_at"`
}

func (s *SQLiteStore) CreateStackDeployment(ctx context.Context, deployment *domain.StackDeployment) error {
	return createStackDeployment(ctx, s.db, deployment)
}

func (s *SQLiteStore) GetStackDeployment(ctx context.Context, id string) (*domain.StackDeployment, error) {
	return getStackDeployment(ctx, s.db, id)
}

func (s *SQLiteStore) GetStackDeploymentByName(ctx context.Context, environmentID, name string) (*domain.StackDeployment, error) {
	return getStackDeploymentByName(ctx, s.db, environmentID, name)
}

func (s *SQLiteStore) UpdateStackDeployment(ctx context.Context, deployment *domain.StackDeployment) error {
	return updateStackDeployment(ctx, s.db, deployment)
}

func (s *SQLiteStore) DeleteStackDeployment(ctx context.Context, id string) error {
	return deleteStackDeployment(ctx, s.db, id)
}

func (s *SQLiteStore) ListStackDeploymentsByProduct(ctx context.Context, productDeploymentID string) ([]domain.StackDeployment, error) {
	return listStackDeploymentsByProduct(ctx, s.db, productDeploymentID)
}

func (s *SQLiteStore) ListRunningStackDeployments(ctx context.Context) ([]domain.StackDeployment, error) {
	return listRunningStackDeployments(ctx, s.db)
}

func (s *SQLiteStore) SetStackDeploymentHealth(ctx context.Context, id string, health domain.HealthStatus) error {
	return setStackDeploymentHealth(ctx, s.db, id, health)
}

// =============================================================================
// Snapshot Operations
// =============================================================================

// snapshotRow represents a deployment snapshot row in the database.
type snapshotRow struct {
	ID                  string `db:"id"`
	ProductDeploymentID string `db:"product_deployment_id"`
	ProductVersion      string `db:"product_version"`
	ProductStatus       string `db:"product_status"`
	Stacks              string `db:"stacks"`
	TakenAt             string `db:"taken_at"`
}

func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snapshot *domain.DeploymentSnapshot) error {
	return saveSnapshot(ctx, s.db, snapshot)
}

func (s *SQLiteStore) GetSnapshot(ctx context.Context, productDeploymentID string) (*domain.DeploymentSnapshot, error) {
	return getSnapshot(ctx, s.db, productDeploymentID)
}

func (s *SQLiteStore) DeleteSnapshot(ctx context.Context, productDeploymentID string) error {
	return deleteSnapshot(ctx, s.db, productDeploymentID)
}

// =============================================================================
// Transaction Support
// =============================================================================

func (s *SQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return NewStoreError("WithTx", "", "", "failed to begin transaction", ErrTxFailed)
	}

	txS := &txSQLiteStore{tx: tx}

	if err := fn(txS); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return NewStoreError("WithTx", "", "", fmt.Sprintf("rollback failed after error: %v", err), ErrTxFailed)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return NewStoreError("WithTx", "", "", "failed to commit transaction", ErrTxFailed)
	}

	return nil
}

// =============================================================================
// Transaction Store
// =============================================================================

// txSQLiteStore implements Store within a transaction.
type txSQLiteStore struct {
	tx *sqlx.Tx
}

func (s *txSQLiteStore) CreateStack(ctx context.Context, stack *domain.Stack) error {
	return createStack(ctx, s.tx, stack)
}

func (s *txSQLiteStore) GetStack(ctx context.Context, id string) (*domain.Stack, error) {
	return getStack(ctx, s.tx, id)
}

func (s *txSQLiteStore) UpdateStack(ctx context.Context, stack *domain.Stack) error {
	return updateStack(ctx, s.tx, stack)
}

func (s *txSQLiteStore) DeleteStack(ctx context.Context, id string) error {
	return deleteStack(ctx, s.tx, id)
}

func (s *txSQLiteStore) ListStacks(ctx context.Context, opts ListOptions) ([]domain.Stack, error) {
	return listStacks(ctx, s.tx, opts)
}

func (s *txSQLiteStore) CreateProduct(ctx context.Context, product *domain.Product) error {
	return createProduct(ctx, s.tx, product)
}

func (s *txSQLiteStore) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	return getProduct(ctx, s.tx, id)
}

func (s *txSQLiteStore) UpdateProduct(ctx context.Context, product *domain.Product) error {
	return updateProduct(ctx, s.tx, product)
}

func (s *txSQLiteStore) DeleteProduct(ctx context.Context, id string) error {
	return deleteProduct(ctx, s.tx, id)
}

func (s *txSQLiteStore) ListProducts(ctx context.Context, opts ListOptions) ([]domain.Product, error) {
	return listProducts(ctx, s.tx, opts)
}

func (s *txSQLiteStore) ListProductsByGroup(ctx context.Context, groupID string) ([]domain.Product, error) {
	return listProductsByGroup(ctx, s.tx, groupID)
}

func (s *txSQLiteStore) CreateProductDeployment(ctx context.Context, deployment *domain.ProductDeployment) error {
	return createProductDeployment(ctx, s.tx, deployment)
}

func (s *txSQLiteStore) GetProductDeployment(ctx context.Context, id string) (*domain.ProductDeployment, error) {
	return getProductDeployment(ctx, s.tx, id)
}

func (s *txSQLiteStore) UpdateProductDeployment(ctx context.Context, deployment *domain.ProductDeployment) error {
	return updateProductDeployment(ctx, s.tx, deployment)
}

func (s *txSQLiteStore) DeleteProductDeployment(ctx context.Context, id string) error {
	return deleteProductDeployment(ctx, s.tx, id)
}

func (s *txSQLiteStore) ListProductDeployments(ctx context.Context, environmentID string, opts ListOptions) ([]domain.ProductDeployment, error) {
	return listProductDeployments(ctx, s.tx, environmentID, opts)
}

func (s *txSQLiteStore) GetActiveProductDeployment(ctx context.Context, environmentID, productGroupID string) (*domain.ProductDeployment, error) {
	return getActiveProductDeployment(ctx, s.tx, environmentID, productGroupID)
}

func (s *txSQLiteStore) CreateStackDeployment(ctx context.Context, deployment *domain.StackDeployment) error {
	return createStackDeployment(ctx, s.tx, deployment)
}

func (s *txSQLiteStore) GetStackDeployment(ctx context.Context, id string) (*domain.StackDeployment, error) {
	return getStackDeployment(ctx, s.tx, id)
}

func (s *txSQLiteStore) GetStackDeploymentByName(ctx context.Context, environmentID, name string) (*domain.StackDeployment, error) {
	return getStackDeploymentByName(ctx, s.tx, environmentID, name)
}

func (s *txSQLiteStore) UpdateStackDeployment(ctx context.Context, deployment *domain.StackDeployment) error {
	return updateStackDeployment(ctx, s.tx, deployment)
}

func (s *txSQLiteStore) DeleteStackDeployment(ctx context.Context, id string) error {
	return deleteStackDeployment(ctx, s.tx, id)
}

func (s *txSQLiteStore) ListStackDeploymentsByProduct(ctx context.Context, productDeploymentID string) ([]domain.StackDeployment, error) {
	return listStackDeploymentsByProduct(ctx, s.tx, productDeploymentID)
}

func (s *txSQLiteStore) ListRunningStackDeployments(ctx context.Context) ([]domain.StackDeployment, error) {
	return listRunningStackDeployments(ctx, s.tx)
}

func (s *txSQLiteStore) SetStackDeploymentHealth(ctx context.Context, id string, health domain.HealthStatus) error {
	return setStackDeploymentHealth(ctx, s.tx, id, health)
}

func (s *txSQLiteStore) SaveSnapshot(ctx context.Context, snapshot *domain.DeploymentSnapshot) error {
	return saveSnapshot(ctx, s.tx, snapshot)
}

func (s *txSQLiteStore) GetSnapshot(ctx context.Context, productDeploymentID string) (*domain.DeploymentSnapshot, error) {
	return getSnapshot(ctx, s.tx, productDeploymentID)
}

func (s *txSQLiteStore) DeleteSnapshot(ctx context.Context, productDeploymentID string) error {
	return deleteSnapshot(ctx, s.tx, productDeploymentID)
}

// Nested transactions are not supported; the callback runs on the same tx.
func (s *txSQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	return fn(s)
}

func (s *txSQLiteStore) Close() error {
	return nil
}
