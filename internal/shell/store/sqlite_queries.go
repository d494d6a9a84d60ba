package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/stackpilot/stackpilot/internal/core/domain"
)

// =============================================================================
// Catalog Stack Queries
// =============================================================================

func createStack(ctx context.Context, exec executor, stack *domain.Stack) error {
	variablesJSON, err := json.Marshal(stack.DefaultVariables)
	if err != nil {
		return NewStoreError("CreateStack", "stack", stack.ID, "failed to serialize default variables", ErrInvalidData)
	}

	query := `
		INSERT INTO stacks (
			id, name, description, version, manifest, default_variables,
			created_at, updated_at
		) VALUES (
			:id, :name, :description, :version, :manifest, :default_variables,
			:created_at, :updated_at
		)`

	row := map[string]any{
		"id":                stack.ID,
		"name":              stack.Name,
		"description":       stack.Description,
		"version":           stack.Version,
		"manifest":          stack.Manifest,
		"default_variables": string(variablesJSON),
		"created_at":        stack.CreatedAt.Format(time.RFC3339),
		"updated_at":        stack.UpdatedAt.Format(time.RFC3339),
	}

	_, err = exec.NamedExecContext(ctx, query, row)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: stacks.id") {
			return NewStoreError("CreateStack", "stack", stack.ID, "stack with this ID already exists", ErrDuplicateID)
		}
		return NewStoreError("CreateStack", "stack", stack.ID, err.Error(), err)
	}

	return nil
}

func getStack(ctx context.Context, exec executor, id string) (*domain.Stack, error) {
	query := `SELECT * FROM stacks WHERE id = ?`

	var row stackRow
	err := exec.GetContext(ctx, &row, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetStack", "stack", id, "stack not found", ErrNotFound)
		}
		return nil, NewStoreError("GetStack", "stack", id, err.Error(), err)
	}

	return rowToStack(&row)
}

func updateStack(ctx context.Context, exec executor, stack *domain.Stack) error {
	variablesJSON, err := json.Marshal(stack.DefaultVariables)
	if err != nil {
		return NewStoreError("UpdateStack", "stack", stack.ID, "failed to serialize default variables", ErrInvalidData)
	}

	query := `
		UPDATE stacks SET
			name = :name,
			description = :description,
			version = :version,
			manifest = :manifest,
			default_variables = :default_variables,
			updated_at = :updated_at
		WHERE id = :id`

	row := map[string]any{
		"id":                stack.ID,
		"name":              stack.Name,
		"description":       stack.Description,
		"version":           stack.Version,
		"manifest":          stack.Manifest,
		"default_variables": string(variablesJSON),
		"updated_at":        stack.UpdatedAt.Format(time.RFC3339),
	}

	result, err := exec.NamedExecContext(ctx, query, row)
	if err != nil {
		return NewStoreError("UpdateStack", "stack", stack.ID, err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return NewStoreError("UpdateStack", "stack", stack.ID, "stack not found", ErrNotFound)
	}

	return nil
}

func deleteStack(ctx context.Context, exec executor, id string) error {
	query := `DELETE FROM stacks WHERE id = ?`

	result, err := exec.ExecContext(ctx, query, id)
	if err != nil {
		return NewStoreError("DeleteStack", "stack", id, err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return NewStoreError("DeleteStack", "stack", id, "stack not found", ErrNotFound)
	}

	return nil
}

func listStacks(ctx context.Context, exec executor, opts ListOptions) ([]domain.Stack, error) {
	opts = opts.Normalize()
	query := `SELECT * FROM stacks ORDER BY created_at DESC LIMIT ? OFFSET ?`

	var rows []stackRow
	err := exec.SelectContext(ctx, &rows, query, opts.Limit, opts.Offset)
	if err != nil {
		return nil, NewStoreError("ListStacks", "stack", "", err.Error(), err)
	}

	stacks := make([]domain.Stack, 0, len(rows))
	for _, row := range rows {
		stack, err := rowToStack(&row)
		if err != nil {
			return nil, err
		}
		stacks = append(stacks, *stack)
	}

	return stacks, nil
}

func rowToStack(row *stackRow) (*domain.Stack, error) {
	stack := &domain.Stack{
		ID:          row.ID,
		Name:        row.Name,
		Description: row.Description,
		Version:     row.Version,
		Manifest:    row.Manifest,
	}

	if err := unmarshalJSON(row.DefaultVariables, &stack.DefaultVariables); err != nil {
		return nil, NewStoreError("rowToStack", "stack", row.ID, "failed to parse default variables", ErrInvalidData)
	}

	var err error
	if stack.CreatedAt, err = parseTime(row.CreatedAt); err != nil {
		return nil, NewStoreError("rowToStack", "stack", row.ID, "invalid created_at", ErrInvalidData)
	}
	if stack.UpdatedAt, err = parseTime(row.UpdatedAt); err != nil {
		return nil, NewStoreError("rowToStack", "stack", row.ID, "invalid updated_at", ErrInvalidData)
	}

	return stack, nil
}

// =============================================================================
// Catalog Product Queries
// =============================================================================

func createProduct(ctx context.Context, exec executor, product *domain.Product) error {
	stacksJSON, err := json.Marshal(product.Stacks)
	if err != nil {
		return NewStoreError("CreateProduct", "product", product.ID, "failed to serialize stack refs", ErrInvalidData)
	}
	variablesJSON, err := json.Marshal(product.SharedVariables)
	if err != nil {
		return NewStoreError("CreateProduct", "product", product.ID, "failed to serialize shared variables", ErrInvalidData)
	}

	query := `
		INSERT INTO products (
			id, group_id, name, description, version, stacks, shared_variables,
			created_at, updated_at
		) VALUES (
			:id, :group_id, :name, :description, :version, :stacks, :shared_variables,
			:created_at, :updated_at
		)`

	row := map[string]any{
		"id":               product.ID,
		"group_id":         product.GroupID,
		"name":             product.Name,
		"description":      product.Description,
		"version":          product.Version,
		"stacks":           string(stacksJSON),
		"shared_variables": string(variablesJSON),
		"created_at":       product.CreatedAt.Format(time.RFC3339),
		"updated_at":       product.UpdatedAt.Format(time.RFC3339),
	}

	_, err = exec.NamedExecContext(ctx, query, row)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: products.id") {
			return NewStoreError("CreateProduct", "product", product.ID, "product with this ID already exists", ErrDuplicateID)
		}
		return NewStoreError("CreateProduct", "product", product.ID, err.Error(), err)
	}

	return nil
}

func getProduct(ctx context.Context, exec executor, id string) (*domain.Product, error) {
	query := `SELECT * FROM products WHERE id = ?`

	var row productRow
	err := exec.GetContext(ctx, &row, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetProduct", "product", id, "product not found", ErrNotFound)
		}
		return nil, NewStoreError("GetProduct", "product", id, err.Error(), err)
	}

	return rowToProduct(&row)
}

func updateProduct(ctx context.Context, exec executor, product *domain.Product) error {
	stacksJSON, err := json.Marshal(product.Stacks)
	if err != nil {
		return NewStoreError("UpdateProduct", "product", product.ID, "failed to serialize stack refs", ErrInvalidData)
	}
	variablesJSON, err := json.Marshal(product.SharedVariables)
	if err != nil {
		return NewStoreError("UpdateProduct", "product", product.ID, "failed to serialize shared variables", ErrInvalidData)
	}

	query := `
		UPDATE products SET
			group_id = :group_id,
			name = :name,
			description = :description,
			version = :version,
			stacks = :stacks,
			shared_variables = :shared_variables,
			updated_at = :updated_at
		WHERE id = :id`

	row := map[string]any{
		"id":               product.ID,
		"group_id":         product.GroupID,
		"name":             product.Name,
		"description":      product.Description,
		"version":          product.Version,
		"stacks":           string(stacksJSON),
		"shared_variables": string(variablesJSON),
		"updated_at":       product.UpdatedAt.Format(time.RFC3339),
	}

	result, err := exec.NamedExecContext(ctx, query, row)
	if err != nil {
		return NewStoreError("UpdateProduct", "product", product.ID, err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return NewStoreError("UpdateProduct", "product", product.ID, "product not found", ErrNotFound)
	}

	return nil
}

func deleteProduct(ctx context.Context, exec executor, id string) error {
	query := `DELETE FROM products WHERE id = ?`

	result, err := exec.ExecContext(ctx, query, id)
	if err != nil {
		return NewStoreError("DeleteProduct", "product", id, err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return NewStoreError("DeleteProduct", "product", id, "product not found", ErrNotFound)
	}

	return nil
}

func listProducts(ctx context.Context, exec executor, opts ListOptions) ([]domain.Product, error) {
	opts = opts.Normalize()
	query := `SELECT * FROM products ORDER BY created_at DESC LIMIT ? OFFSET ?`

	var rows []productRow
	err := exec.SelectContext(ctx, &rows, query, opts.Limit, opts.Offset)
	if err != nil {
		return nil, NewStoreError("ListProducts", "product", "", err.Error(), err)
	}

	products := make([]domain.Product, 0, len(rows))
	for _, row := range rows {
		product, err := rowToProduct(&row)
		if err != nil {
			return nil, err
		}
		products = append(products, *product)
	}

	return products, nil
}

func listProductsByGroup(ctx context.Context, exec executor, groupID string) ([]domain.Product, error) {
	query := `SELECT * FROM products WHERE group_id = ? ORDER BY created_at DESC`

	var rows []productRow
	err := exec.SelectContext(ctx, &rows, query, groupID)
	if err != nil {
		return nil, NewStoreError("ListProductsByGroup", "product", groupID, err.Error(), err)
	}

	products := make([]domain.Product, 0, len(rows))
	for _, row := range rows {
		product, err := rowToProduct(&row)
		if err != nil {
			return nil, err
		}
		products = append(products, *product)
	}

	return products, nil
}

func rowToProduct(row *productRow) (*domain.Product, error) {
	product := &domain.Product{
		ID:          row.ID,
		GroupID:     row.GroupID,
		Name:        row.Name,
		Description: row.Description,
		Version:     row.Version,
	}

	if err := json.Unmarshal([]byte(row.Stacks), &product.Stacks); err != nil {
		return nil, NewStoreError("rowToProduct", "product", row.ID, "failed to parse stack refs", ErrInvalidData)
	}
	if err := unmarshalJSON(row.SharedVariables, &product.SharedVariables); err != nil {
		return nil, NewStoreError("rowToProduct", "product", row.ID, "failed to parse shared variables", ErrInvalidData)
	}

	var err error
	if product.CreatedAt, err = parseTime(row.CreatedAt); err != nil {
		return nil, NewStoreError("rowToProduct", "product", row.ID, "invalid created_at", ErrInvalidData)
	}
	if product.UpdatedAt, err = parseTime(row.UpdatedAt); err != nil {
		return nil, NewStoreError("rowToProduct", "product", row.ID, "invalid updated_at", ErrInvalidData)
	}

	return product, nil
}

// =============================================================================
// Product Deployment Queries
// =============================================================================

func createProductDeployment(ctx context.Context, exec executor, deployment *domain.ProductDeployment) error {
	stackIDsJSON, err := json.Marshal(deployment.StackIDs)
	if err != nil {
		return NewStoreError("CreateProductDeployment", "product_deployment", deployment.ID, "failed to serialize stack ids", ErrInvalidData)
	}
	variablesJSON, err := json.Marshal(deployment.SharedVariables)
	if err != nil {
		return NewStoreError("CreateProductDeployment", "product_deployment", deployment.ID, "failed to serialize shared variables", ErrInvalidData)
	}

	query := `
		INSERT INTO product_deployments (
			id, environment_id, product_group_id, product_id, version, status,
			stack_ids, shared_variables, continue_on_error, session_id,
			upgrade_count, error_message, created_at, updated_at, started_at, completed_at
		) VALUES (
			:id, :environment_id, :product_group_id, :product_id, :version, :status,
			:stack_ids, :shared_variables, :continue_on_error, :session_id,
			:upgrade_count, :error_message, :created_at, :updated_at, :started_at, :completed_at
		)`

	row := map[string]any{
		"id":                deployment.ID,
		"environment_id":    deployment.EnvironmentID,
		"product_group_id":  deployment.ProductGroupID,
		"product_id":        deployment.ProductID,
		"version":           deployment.Version,
		"status":            string(deployment.Status),
		"stack_ids":         string(stackIDsJSON),
		"shared_variables":  string(variablesJSON),
		"continue_on_error": deployment.ContinueOnError,
		"session_id":        deployment.SessionID,
		"upgrade_count":     deployment.UpgradeCount,
		"error_message":     deployment.ErrorMessage,
		"created_at":        deployment.CreatedAt.Format(time.RFC3339),
		"updated_at":        deployment.UpdatedAt.Format(time.RFC3339),
		"started_at":        formatTimePtr(deployment.StartedAt),
		"completed_at":      formatTimePtr(deployment.CompletedAt),
	}

	_, err = exec.NamedExecContext(ctx, query, row)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: product_deployments.id") {
			return NewStoreError("CreateProductDeployment", "product_deployment", deployment.ID, "deployment with this ID already exists", ErrDuplicateID)
		}
		if strings.Contains(err.Error(), "idx_product_deployments_active") {
			return NewStoreError("CreateProductDeployment", "product_deployment", deployment.ID, "active deployment already exists for this product group", ErrActiveExists)
		}
		return NewStoreError("CreateProductDeployment", "product_deployment", deployment.ID, err.Error(), err)
	}

	return nil
}

func getProductDeployment(ctx context.Context, exec executor, id string) (*domain.ProductDeployment, error) {
	query := `SELECT * FROM product_deployments WHERE id = ?`

	var row productDeploymentRow
	err := exec.GetContext(ctx, &row, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetProductDeployment", "product_deployment", id, "deployment not found", ErrNotFound)
		}
		return nil, NewStoreError("GetProductDeployment", "product_deployment", id, err.Error(), err)
	}

	return rowToProductDeployment(&row)
}

func updateProductDeployment(ctx context.Context, exec executor, deployment *domain.ProductDeployment) error {
	stackIDsJSON, err := json.Marshal(deployment.StackIDs)
	if err != nil {
		return NewStoreError("UpdateProductDeployment", "product_deployment", deployment.ID, "failed to serialize stack ids", ErrInvalidData)
	}
	variablesJSON, err := json.Marshal(deployment.SharedVariables)
	if err != nil {
		return NewStoreError("UpdateProductDeployment", "product_deployment", deployment.ID, "failed to serialize shared variables", ErrInvalidData)
	}

	query := `
		UPDATE product_deployments SET
			environment_id = :environment_id,
			product_group_id = :product_group_id,
			product_id = :product_id,
			version = :version,
			status = :status,
			stack_ids = :stack_ids,
			shared_variables = :shared_variables,
			continue_on_error = :continue_on_error,
			session_id = :session_id,
			upgrade_count = :upgrade_count,
			error_message = :error_message,
			updated_at = :updated_at,
			started_at = :started_at,
			completed_at = :completed_at
		WHERE id = :id`

	row := map[string]any{
		"id":                deployment.ID,
		"environment_id":    deployment.EnvironmentID,
		"product_group_id":  deployment.ProductGroupID,
		"product_id":        deployment.ProductID,
		"version":           deployment.Version,
		"status":            string(deployment.Status),
		"stack_ids":         string(stackIDsJSON),
		"shared_variables":  string(variablesJSON),
		"continue_on_error": deployment.ContinueOnError,
		"session_id":        deployment.SessionID,
		"upgrade_count":     deployment.UpgradeCount,
		"error_message":     deployment.ErrorMessage,
		"updated_at":        deployment.UpdatedAt.Format(time.RFC3339),
		"started_at":        formatTimePtr(deployment.StartedAt),
		"completed_at":      formatTimePtr(deployment.CompletedAt),
	}

	result, err := exec.NamedExecContext(ctx, query, row)
	if err != nil {
		return NewStoreError("UpdateProductDeployment", "product_deployment", deployment.ID, err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return NewStoreError("UpdateProductDeployment", "product_deployment", deployment.ID, "deployment not found", ErrNotFound)
	}

	return nil
}

func deleteProductDeployment(ctx context.Context, exec executor, id string) error {
	query := `DELETE FROM product_deployments WHERE id = ?`

	result, err := exec.ExecContext(ctx, query, id)
	if err != nil {
		return NewStoreError("DeleteProductDeployment", "product_deployment", id, err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return NewStoreError("DeleteProductDeployment", "product_deployment", id, "deployment not found", ErrNotFound)
	}

	return nil
}

func listProductDeployments(ctx context.Context, exec executor, environmentID string, opts ListOptions) ([]domain.ProductDeployment, error) {
	opts = opts.Normalize()
	query := `SELECT * FROM product_deployments WHERE environment_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`

	var rows []productDeploymentRow
	err := exec.SelectContext(ctx, &rows, query, environmentID, opts.Limit, opts.Offset)
	if err != nil {
		return nil, NewStoreError("ListProductDeployments", "product_deployment", "", err.Error(), err)
	}

	deployments := make([]domain.ProductDeployment, 0, len(rows))
	for _, row := range rows {
		deployment, err := rowToProductDeployment(&row)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, *deployment)
	}

	return deployments, nil
}

func getActiveProductDeployment(ctx context.Context, exec executor, environmentID, productGroupID string) (*domain.ProductDeployment, error) {
	query := `
		SELECT * FROM product_deployments
		WHERE environment_id = ? AND product_group_id = ? AND status != 'removed'`

	var row productDeploymentRow
	err := exec.GetContext(ctx, &row, query, environmentID, productGroupID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetActiveProductDeployment", "product_deployment", productGroupID, "no active deployment", ErrNotFound)
		}
		return nil, NewStoreError("GetActiveProductDeployment", "product_deployment", productGroupID, err.Error(), err)
	}

	return rowToProductDeployment(&row)
}

func rowToProductDeployment(row *productDeploymentRow) (*domain.ProductDeployment, error) {
	deployment := &domain.ProductDeployment{
		ID:              row.ID,
		EnvironmentID:   row.EnvironmentID,
		ProductGroupID:  row.ProductGroupID,
		ProductID:       row.ProductID,
		Version:         row.Version,
		Status:          domain.ProductStatus(row.Status),
		ContinueOnError: row.ContinueOnError,
		SessionID:       row.SessionID,
		UpgradeCount:    row.UpgradeCount,
		ErrorMessage:    row.ErrorMessage,
	}

	if err := json.Unmarshal([]byte(row.StackIDs), &deployment.StackIDs); err != nil {
		return nil, NewStoreError("rowToProductDeployment", "product_deployment", row.ID, "failed to parse stack ids", ErrInvalidData)
	}
	if err := unmarshalJSON(row.SharedVariables, &deployment.SharedVariables); err != nil {
		return nil, NewStoreError("rowToProductDeployment", "product_deployment", row.ID, "failed to parse shared variables", ErrInvalidData)
	}

	var err error
	if deployment.CreatedAt, err = parseTime(row.CreatedAt); err != nil {
		return nil, NewStoreError("rowToProductDeployment", "product_deployment", row.ID, "invalid created_at", ErrInvalidData)
	}
	if deployment.UpdatedAt, err = parseTime(row.UpdatedAt); err != nil {
		return nil, NewStoreError("rowToProductDeployment", "product_deployment", row.ID, "invalid updated_at", ErrInvalidData)
	}
	if deployment.StartedAt, err = parseTimePtr(row.StartedAt); err != nil {
		return nil, NewStoreError("rowToProductDeployment", "product_deployment", row.ID, "invalid started_at", ErrInvalidData)
	}
	if deployment.CompletedAt, err = parseTimePtr(row.CompletedAt); err != nil {
		return nil, NewStoreError("rowToProductDeployment", "product_deployment", row.ID, "invalid completed_at", ErrInvalidData)
	}

	return deployment, nil
}

// =============================================================================
// Stack Deployment Queries
// =============================================================================

func createStackDeployment(ctx context.Context, exec executor, deployment *domain.StackDeployment) error {
	variablesJSON, err := json.Marshal(deployment.Variables)
	if err != nil {
		return NewStoreError("CreateStackDeployment", "stack_deployment", deployment.ID, "failed to serialize variables", ErrInvalidData)
	}
	servicesJSON, err := json.Marshal(deployment.Services)
	if err != nil {
		return NewStoreError("CreateStackDeployment", "stack_deployment", deployment.ID, "failed to serialize services", ErrInvalidData)
	}

	health := deployment.Health
	if health == "" {
		health = domain.HealthUnknown
	}

	query := `
		INSERT INTO stack_deployments (
			id, environment_id, stack_id, name, product_id, status, mode, health,
			variables, services, version, order_index, error_message,
			created_at, updated_at, started_at, completed_at
		) VALUES (
			:id, :environment_id, :stack_id, :name, :product_id, :status, :mode, :health,
			:variables, :services, :version, :order_index, :error_message,
			:created_at, :updated_at, :started_at, :completed_at
		)`

	row := map[string]any{
		"id":             deployment.ID,
		"environment_id": deployment.EnvironmentID,
		"stack_id":       deployment.StackID,
		"name":           deployment.Name,
		"product_id":     deployment.ProductID,
		"status":         string(deployment.Status),
		"mode":           string(deployment.Mode),
		"health":         string(health),
		"variables":      string(variablesJSON),
		"services":       string(servicesJSON),
		"version":        deployment.Version,
		"order_index":    deployment.OrderIndex,
		"error_message":  deployment.ErrorMessage,
		"created_at":     deployment.CreatedAt.Format(time.RFC3339),
		"updated_at":     deployment.UpdatedAt.Format(time.RFC3339),
		"started_at":     formatTimePtr(deployment.StartedAt),
		"completed_at":   formatTimePtr(deployment.CompletedAt),
	}

	_, err = exec.NamedExecContext(ctx, query, row)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: stack_deployments.id") {
			return NewStoreError("CreateStackDeployment", "stack_deployment", deployment.ID, "deployment with this ID already exists", ErrDuplicateID)
		}
		if strings.Contains(err.Error(), "idx_stack_deployments_name") {
			return NewStoreError("CreateStackDeployment", "stack_deployment", deployment.ID, "stack name already in use in this environment", ErrDuplicateName)
		}
		return NewStoreError("CreateStackDeployment", "stack_deployment", deployment.ID, err.Error(), err)
	}

	return nil
}

func getStackDeployment(ctx context.Context, exec executor, id string) (*domain.StackDeployment, error) {
	query := `SELECT * FROM stack_deployments WHERE id = ?`

	var row stackDeploymentRow
	err := exec.GetContext(ctx, &row, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetStackDeployment", "stack_deployment", id, "deployment not found", ErrNotFound)
		}
		return nil, NewStoreError("GetStackDeployment", "stack_deployment", id, err.Error(), err)
	}

	return rowToStackDeployment(&row)
}

func getStackDeploymentByName(ctx context.Context, exec executor, environmentID, name string) (*domain.StackDeployment, error) {
	query := `
		SELECT * FROM stack_deployments
		WHERE environment_id = ? AND name = ? AND status != 'removed'`

	var row stackDeploymentRow
	err := exec.GetContext(ctx, &row, query, environmentID, name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetStackDeploymentByName", "stack_deployment", name, "deployment not found", ErrNotFound)
		}
		return nil, NewStoreError("GetStackDeploymentByName", "stack_deployment", name, err.Error(), err)
	}

	return rowToStackDeployment(&row)
}

func updateStackDeployment(ctx context.Context, exec executor, deployment *domain.StackDeployment) error {
	variablesJSON, err := json.Marshal(deployment.Variables)
	if err != nil {
		return NewStoreError("UpdateStackDeployment", "stack_deployment", deployment.ID, "failed to serialize variables", ErrInvalidData)
	}
	servicesJSON, err := json.Marshal(deployment.Services)
	if err != nil {
		return NewStoreError("UpdateStackDeployment", "stack_deployment", deployment.ID, "failed to serialize services", ErrInvalidData)
	}

	health := deployment.Health
	if health == "" {
		health = domain.HealthUnknown
	}

	query := `
		UPDATE stack_deployments SET
			environment_id = :environment_id,
			stack_id = :stack_id,
			name = :name,
			product_id = :product_id,
			status = :status,
			mode = :mode,
			health = :health,
			variables = :variables,
			services = :services,
			version = :version,
			order_index = :order_index,
			error_message = :error_message,
			updated_at = :updated_at,
			started_at = :started_at,
			completed_at = :completed_at
		WHERE id = :id`

	row := map[string]any{
		"id":             deployment.ID,
		"environment_id": deployment.EnvironmentID,
		"stack_id":       deployment.StackID,
		"name":           deployment.Name,
		"product_id":     deployment.ProductID,
		"status":         string(deployment.Status),
		"mode":           string(deployment.Mode),
		"health":         string(health),
		"variables":      string(variablesJSON),
		"services":       string(servicesJSON),
		"version":        deployment.Version,
		"order_index":    deployment.OrderIndex,
		"error_message":  deployment.ErrorMessage,
		"updated_at":     deployment.UpdatedAt.Format(time.RFC3339),
		"started_at":     formatTimePtr(deployment.StartedAt),
		"completed_at":   formatTimePtr(deployment.CompletedAt),
	}

	result, err := exec.NamedExecContext(ctx, query, row)
	if err != nil {
		return NewStoreError("UpdateStackDeployment", "stack_deployment", deployment.ID, err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return NewStoreError("UpdateStackDeployment", "stack_deployment", deployment.ID, "deployment not found", ErrNotFound)
	}

	return nil
}

func deleteStackDeployment(ctx context.Context, exec executor, id string) error {
	query := `DELETE FROM stack_deployments WHERE id = ?`

	result, err := exec.ExecContext(ctx, query, id)
	if err != nil {
		return NewStoreError("DeleteStackDeployment", "stack_deployment", id, err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return NewStoreError("DeleteStackDeployment", "stack_deployment", id, "deployment not found", ErrNotFound)
	}

	return nil
}

func listStackDeploymentsByProduct(ctx context.Context, exec executor, productDeploymentID string) ([]domain.StackDeployment, error) {
	query := `SELECT * FROM stack_deployments WHERE product_id = ? ORDER BY order_index ASC`

	var rows []stackDeploymentRow
	err := exec.SelectContext(ctx, &rows, query, productDeploymentID)
	if err != nil {
		return nil, NewStoreError("ListStackDeploymentsByProduct", "stack_deployment", productDeploymentID, err.Error(), err)
	}

	deployments := make([]domain.StackDeployment, 0, len(rows))
	for _, row := range rows {
		deployment, err := rowToStackDeployment(&row)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, *deployment)
	}

	return deployments, nil
}

func listRunningStackDeployments(ctx context.Context, exec executor) ([]domain.StackDeployment, error) {
	query := `SELECT * FROM stack_deployments WHERE status = 'running' ORDER BY environment_id, order_index ASC`

	var rows []stackDeploymentRow
	err := exec.SelectContext(ctx, &rows, query)
	if err != nil {
		return nil, NewStoreError("ListRunningStackDeployments", "stack_deployment", "", err.Error(), err)
	}

	deployments := make([]domain.StackDeployment, 0, len(rows))
	for _, row := range rows {
		deployment, err := rowToStackDeployment(&row)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, *deployment)
	}

	return deployments, nil
}

func setStackDeploymentHealth(ctx context.Context, exec executor, id string, health domain.HealthStatus) error {
	query := `UPDATE stack_deployments SET health = ?, updated_at = ? WHERE id = ?`

	result, err := exec.ExecContext(ctx, query, string(health), time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return NewStoreError("SetStackDeploymentHealth", "stack_deployment", id, err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return NewStoreError("SetStackDeploymentHealth", "stack_deployment", id, "deployment not found", ErrNotFound)
	}

	return nil
}

func rowToStackDeployment(row *stackDeploymentRow) (*domain.StackDeployment, error) {
	deployment := &domain.StackDeployment{
		ID:            row.ID,
		EnvironmentID: row.EnvironmentID,
		StackID:       row.StackID,
		Name:          row.Name,
		ProductID:     row.ProductID,
		Status:        domain.StackStatus(row.Status),
		Mode:          domain.OperationMode(row.Mode),
		Health:        domain.HealthStatus(row.Health),
		Version:       row.Version,
		OrderIndex:    row.OrderIndex,
		ErrorMessage:  row.ErrorMessage,
	}

	if err := unmarshalJSON(row.Variables, &deployment.Variables); err != nil {
		return nil, NewStoreError("rowToStackDeployment", "stack_deployment", row.ID, "failed to parse variables", ErrInvalidData)
	}
	if err := unmarshalJSON(row.Services, &deployment.Services); err != nil {
		return nil, NewStoreError("rowToStackDeployment", "stack_deployment", row.ID, "failed to parse services", ErrInvalidData)
	}

	var err error
	if deployment.CreatedAt, err = parseTime(row.CreatedAt); err != nil {
		return nil, NewStoreError("rowToStackDeployment", "stack_deployment", row.ID, "invalid created_at", ErrInvalidData)
	}
	if deployment.UpdatedAt, err = parseTime(row.UpdatedAt); err != nil {
		return nil, NewStoreError("rowToStackDeployment", "stack_deployment", row.ID, "invalid updated_at", ErrInvalidData)
	}
	if deployment.StartedAt, err = parseTimePtr(row.StartedAt); err != nil {
		return nil, NewStoreError("rowToStackDeployment", "stack_deployment", row.ID, "invalid started_at", ErrInvalidData)
	}
	if deployment.CompletedAt, err = parseTimePtr(row.CompletedAt); err != nil {
		return nil, NewStoreError("rowToStackDeployment", "stack_deployment", row.ID, "invalid completed_at", ErrInvalidData)
	}

	return deployment, nil
}

// =============================================================================
// Snapshot Queries
// =============================================================================

func saveSnapshot(ctx context.Context, exec executor, snapshot *domain.DeploymentSnapshot) error {
	stacksJSON, err := json.Marshal(snapshot.Stacks)
	if err != nil {
		return NewStoreError("SaveSnapshot", "snapshot", snapshot.ID, "failed to serialize stack entries", ErrInvalidData)
	}

	query := `
		INSERT INTO deployment_snapshots (
			id, product_deployment_id, product_version, product_status, stacks, taken_at
		) VALUES (
			:id, :product_deployment_id, :product_version, :product_status, :stacks, :taken_at
		)
		ON CONFLICT (product_deployment_id) DO UPDATE SET
			id = :id,
			product_version = :product_version,
			product_status = :product_status,
			stacks = :stacks,
			taken_at = :taken_at`

	row := map[string]any{
		"id":                    snapshot.ID,
		"product_deployment_id": snapshot.ProductDeploymentID,
		"product_version":       snapshot.ProductVersion,
		"product_status":        string(snapshot.ProductStatus),
		"stacks":                string(stacksJSON),
		"taken_at":              snapshot.TakenAt.Format(time.RFC3339),
	}

	if _, err := exec.NamedExecContext(ctx, query, row); err != nil {
		return NewStoreError("SaveSnapshot", "snapshot", snapshot.ID, err.Error(), err)
	}

	return nil
}

func getSnapshot(ctx context.Context, exec executor, productDeploymentID string) (*domain.DeploymentSnapshot, error) {
	query := `SELECT * FROM deployment_snapshots WHERE product_deployment_id = ?`

	var row snapshotRow
	err := exec.GetContext(ctx, &row, query, productDeploymentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetSnapshot", "snapshot", productDeploymentID, "snapshot not found", ErrNotFound)
		}
		return nil, NewStoreError("GetSnapshot", "snapshot", productDeploymentID, err.Error(), err)
	}

	snapshot := &domain.DeploymentSnapshot{
		ID:                  row.ID,
		ProductDeploymentID: row.ProductDeploymentID,
		ProductVersion:      row.ProductVersion,
		ProductStatus:       domain.ProductStatus(row.ProductStatus),
	}

	if err := json.Unmarshal([]byte(row.Stacks), &snapshot.Stacks); err != nil {
		return nil, NewStoreError("GetSnapshot", "snapshot", productDeploymentID, "failed to parse stack entries", ErrInvalidData)
	}
	if snapshot.TakenAt, err = parseTime(row.TakenAt); err != nil {
		return nil, NewStoreError("GetSnapshot", "snapshot", productDeploymentID, "invalid taken_at", ErrInvalidData)
	}

	return snapshot, nil
}

func deleteSnapshot(ctx context.Context, exec executor, productDeploymentID string) error {
	query := `DELETE FROM deployment_snapshots WHERE product_deployment_id = ?`

	result, err := exec.ExecContext(ctx, query, productDeploymentID)
	if err != nil {
		return NewStoreError("DeleteSnapshot", "snapshot", productDeploymentID, err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return NewStoreError("DeleteSnapshot", "snapshot", productDeploymentID, "snapshot not found", ErrNotFound)
	}

	return nil
}

// =============================================================================
// Conversion Helpers
// =============================================================================

func unmarshalJSON(src *string, dest any) error {
	if src == nil || *src == "" || *src == "null" {
		return nil
	}
	return json.Unmarshal([]byte(*src), dest)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

func parseTimePtr(s *string) (*time.Time, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, *s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
