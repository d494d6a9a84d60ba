package orchestrate

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackpilot/stackpilot/internal/core/domain"
	"github.com/stackpilot/stackpilot/internal/core/progress"
	"github.com/stackpilot/stackpilot/internal/shell/store"
)

func deployReq(productID string, cfgs ...StackConfig) DeployRequest {
	return DeployRequest{
		EnvironmentID: "env-1",
		ProductID:     productID,
		StackConfigs:  cfgs,
		SessionID:     "session-1",
	}
}

// =============================================================================
// Deploy
// =============================================================================

func TestDeploySuccess(t *testing.T) {
	env := newTestEnv(t)
	env.seedStack(t, "stack-infra", "infra", "1.0.0", "postgres:16", nil)
	env.seedStack(t, "stack-app", "app", "1.0.0", "app:1", nil)
	env.seedProduct(t, "product-1", "group-1", "1.0.0", nil,
		domain.ProductStackRef{StackID: "stack-infra", OrderIndex: 0},
		domain.ProductStackRef{StackID: "stack-app", OrderIndex: 1},
	)

	rec := &progress.Recorder{}
	result, err := env.orc.Deploy(context.Background(), deployReq("product-1",
		StackConfig{StackID: "stack-infra", DeploymentStackName: "demo-infra"},
		StackConfig{StackID: "stack-app", DeploymentStackName: "demo-app"},
	), rec)
	require.NoError(t, err)

	assert.Equal(t, domain.ProductRunning, result.Deployment.Status)
	require.Len(t, result.Stacks, 2)
	for _, sd := range result.Stacks {
		assert.Equal(t, domain.StackRunning, sd.Status)
		require.Len(t, sd.Services, 1)
		assert.NotEmpty(t, sd.Services[0].ContainerID)
	}

	running := env.driver.runningContainers()
	assert.Equal(t, "postgres:16", running["stackpilot_demo-infra_main"])
	assert.Equal(t, "app:1", running["stackpilot_demo-app_main"])

	phases := rec.Phases()
	assert.Equal(t, progress.PhaseCompleted, phases[len(phases)-1])
	for _, e := range rec.Events() {
		assert.Equal(t, result.Deployment.ID, e.DeploymentID)
		assert.Equal(t, "session-1", e.SessionID)
	}
}

func TestDeployContinueOnError(t *testing.T) {
	env := newTestEnv(t)
	env.seedStack(t, "stack-infra", "infra", "1.0.0", "postgres:16", nil)
	env.seedStack(t, "stack-app", "app", "1.0.0", "app:1", nil)
	env.seedProduct(t, "product-1", "group-1", "1.0.0", map[string]string{"DB_HOST": "pg"},
		domain.ProductStackRef{StackID: "stack-infra", OrderIndex: 0},
		domain.ProductStackRef{StackID: "stack-app", OrderIndex: 1},
	)
	env.driver.pullErr["app:1"] = errors.New("manifest unknown")

	req := deployReq("product-1",
		StackConfig{StackID: "stack-infra", DeploymentStackName: "demo-infra"},
		StackConfig{StackID: "stack-app", DeploymentStackName: "demo-app"},
	)
	req.ContinueOnError = true

	result, err := env.orc.Deploy(context.Background(), req, progress.Discard)
	require.NoError(t, err)

	assert.Equal(t, domain.ProductPartiallyRunning, result.Deployment.Status)
	assert.Equal(t, domain.StackRunning, result.Stacks[0].Status)
	assert.Equal(t, domain.StackFailed, result.Stacks[1].Status)
	assert.Contains(t, result.Stacks[1].ErrorMessage, "app:1")
}

func TestDeployAbortOnError(t *testing.T) {
	env := newTestEnv(t)
	env.seedStack(t, "stack-a", "a", "1.0.0", "img-a:1", nil)
	env.seedStack(t, "stack-b", "b", "1.0.0", "img-b:1", nil)
	env.seedStack(t, "stack-c", "c", "1.0.0", "img-c:1", nil)
	env.seedProduct(t, "product-1", "group-1", "1.0.0", nil,
		domain.ProductStackRef{StackID: "stack-a", OrderIndex: 0},
		domain.ProductStackRef{StackID: "stack-b", OrderIndex: 1},
		domain.ProductStackRef{StackID: "stack-c", OrderIndex: 2},
	)
	env.driver.pullErr["img-b:1"] = errors.New("pull access denied")

	result, err := env.orc.Deploy(context.Background(), deployReq("product-1",
		StackConfig{StackID: "stack-a", DeploymentStackName: "d-a"},
		StackConfig{StackID: "stack-b", DeploymentStackName: "d-b"},
		StackConfig{StackID: "stack-c", DeploymentStackName: "d-c"},
	), progress.Discard)
	require.NoError(t, err)

	assert.Equal(t, domain.ProductPartiallyRunning, result.Deployment.Status)
	assert.Equal(t, domain.StackRunning, result.Stacks[0].Status)
	assert.Equal(t, domain.StackFailed, result.Stacks[1].Status)
	// The third stack was never attempted.
	assert.Equal(t, domain.StackPending, result.Stacks[2].Status)
	assert.Equal(t, 0, env.driver.callCount("pull:img-c"))
	assert.Equal(t, 0, env.driver.callCount("start:stackpilot_d-c"))
}

func TestDeployOrdering(t *testing.T) {
	env := newTestEnv(t)
	env.seedStack(t, "stack-infra", "infra", "1.0.0", "img-infra:1", nil)
	env.seedStack(t, "stack-identity", "identity", "1.0.0", "img-identity:1", nil)
	env.seedStack(t, "stack-business", "business", "1.0.0", "img-business:1", nil)
	// Catalog listing order deliberately differs from declaration order.
	env.seedProduct(t, "product-1", "group-1", "1.0.0", nil,
		domain.ProductStackRef{StackID: "stack-business", OrderIndex: 2},
		domain.ProductStackRef{StackID: "stack-infra", OrderIndex: 0},
		domain.ProductStackRef{StackID: "stack-identity", OrderIndex: 1},
	)

	_, err := env.orc.Deploy(context.Background(), deployReq("product-1",
		StackConfig{StackID: "stack-infra", DeploymentStackName: "d-infra"},
		StackConfig{StackID: "stack-identity", DeploymentStackName: "d-identity"},
		StackConfig{StackID: "stack-business", DeploymentStackName: "d-business"},
	), progress.Discard)
	require.NoError(t, err)

	var starts []string
	for _, c := range env.driver.callLog() {
		if strings.HasPrefix(c, "start:") {
			starts = append(starts, c)
		}
	}
	require.Equal(t, []string{
		"start:stackpilot_d-infra_main",
		"start:stackpilot_d-identity_main",
		"start:stackpilot_d-business_main",
	}, starts)
}

func TestDeployVariableTiers(t *testing.T) {
	env := newTestEnv(t)
	env.seedStack(t, "stack-a", "a", "1.0.0", "img-a:1", map[string]string{
		"DB_NAME": "default-db",
		"DB_HOST": "default-host",
		"DB_PORT": "5432",
	})
	env.seedProduct(t, "product-1", "group-1", "1.0.0", map[string]string{
		"DB_HOST": "shared-host",
		"DB_NAME": "shared-db",
	}, domain.ProductStackRef{StackID: "stack-a", OrderIndex: 0})

	result, err := env.orc.Deploy(context.Background(), deployReq("product-1",
		StackConfig{
			StackID:             "stack-a",
			DeploymentStackName: "d-a",
			Variables:           map[string]string{"DB_NAME": "override-db"},
		},
	), progress.Discard)
	require.NoError(t, err)

	vars := result.Stacks[0].Variables
	assert.Equal(t, "override-db", vars["DB_NAME"])   // override beats shared and default
	assert.Equal(t, "shared-host", vars["DB_HOST"])   // shared beats default
	assert.Equal(t, "5432", vars["DB_PORT"])          // default survives
}

func TestDeployValidation(t *testing.T) {
	env := newTestEnv(t)
	env.seedStack(t, "stack-a", "a", "1.0.0", "img-a:1", nil)
	env.seedProduct(t, "product-1", "group-1", "1.0.0", nil,
		domain.ProductStackRef{StackID: "stack-a", OrderIndex: 0})

	tests := []struct {
		name string
		req  DeployRequest
	}{
		{
			name: "unknown product",
			req:  deployReq("nope", StackConfig{StackID: "stack-a", DeploymentStackName: "d-a"}),
		},
		{
			name: "empty stack configs",
			req:  deployReq("product-1"),
		},
		{
			name: "stack not in product",
			req:  deployReq("product-1", StackConfig{StackID: "stack-x", DeploymentStackName: "d-x"}),
		},
		{
			name: "missing deployment name",
			req:  deployReq("product-1", StackConfig{StackID: "stack-a"}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.orc.Deploy(context.Background(), tt.req, progress.Discard)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}

	// Nothing was created by any of the rejected requests.
	deployments, err := env.store.ListProductDeployments(context.Background(), "env-1", store.DefaultListOptions())
	require.NoError(t, err)
	assert.Empty(t, deployments)
}

func TestDeployRejectsSecondActive(t *testing.T) {
	env := newTestEnv(t)
	env.seedStack(t, "stack-a", "a", "1.0.0", "img-a:1", nil)
	env.seedProduct(t, "product-1", "group-1", "1.0.0", nil,
		domain.ProductStackRef{StackID: "stack-a", OrderIndex: 0})

	req := deployReq("product-1", StackConfig{StackID: "stack-a", DeploymentStackName: "d-a"})
	_, err := env.orc.Deploy(context.Background(), req, progress.Discard)
	require.NoError(t, err)

	req2 := deployReq("product-1", StackConfig{StackID: "stack-a", DeploymentStackName: "d-a2"})
	_, err = env.orc.Deploy(context.Background(), req2, progress.Discard)
	assert.ErrorIs(t, err, ErrValidation)

	deployments, err := env.store.ListProductDeployments(context.Background(), "env-1", store.DefaultListOptions())
	require.NoError(t, err)
	assert.Len(t, deployments, 1)
}

func TestDeployCancelledBetweenStacks(t *testing.T) {
	env := newTestEnv(t)
	env.seedStack(t, "stack-a", "a", "1.0.0", "img-a:1", nil)
	env.seedStack(t, "stack-b", "b", "1.0.0", "img-b:1", nil)
	env.seedProduct(t, "product-1", "group-1", "1.0.0", nil,
		domain.ProductStackRef{StackID: "stack-a", OrderIndex: 0},
		domain.ProductStackRef{StackID: "stack-b", OrderIndex: 1},
	)

	ctx, cancel := context.WithCancel(context.Background())
	env.driver.onCall = func(call string) {
		if call == "start:stackpilot_d-a_main" {
			cancel()
		}
	}

	result, err := env.orc.Deploy(ctx, deployReq("product-1",
		StackConfig{StackID: "stack-a", DeploymentStackName: "d-a"},
		StackConfig{StackID: "stack-b", DeploymentStackName: "d-b"},
	), progress.Discard)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRuntime)

	// Completed work is kept; the never-started stack stays Pending.
	require.NotNil(t, result)
	assert.Equal(t, domain.ProductPartiallyRunning, result.Deployment.Status)
	assert.Equal(t, domain.StackRunning, result.Stacks[0].Status)
	assert.Equal(t, domain.StackPending, result.Stacks[1].Status)
	assert.Equal(t, 0, env.driver.callCount("pull:img-b"))
}

// =============================================================================
// Remove
// =============================================================================

func TestRemove(t *testing.T) {
	env := newTestEnv(t)
	env.seedStack(t, "stack-a", "a", "1.0.0", "img-a:1", nil)
	env.seedProduct(t, "product-1", "group-1", "1.0.0", nil,
		domain.ProductStackRef{StackID: "stack-a", OrderIndex: 0})

	result, err := env.orc.Deploy(context.Background(), deployReq("product-1",
		StackConfig{StackID: "stack-a", DeploymentStackName: "d-a"}), progress.Discard)
	require.NoError(t, err)

	removed, err := env.orc.Remove(context.Background(), result.Deployment.ID, progress.Discard)
	require.NoError(t, err)
	assert.Equal(t, domain.ProductRemoved, removed.Deployment.Status)
	assert.Equal(t, domain.StackRemoved, removed.Stacks[0].Status)
	assert.Empty(t, env.driver.runningContainers())

	// The product group is free for a fresh deployment again.
	_, err = env.orc.Deploy(context.Background(), deployReq("product-1",
		StackConfig{StackID: "stack-a", DeploymentStackName: "d-a"}), progress.Discard)
	require.NoError(t, err)
}

func TestConcurrencyConflict(t *testing.T) {
	env := newTestEnv(t)
	env.seedStack(t, "stack-a", "a", "1.0.0", "img-a:1", nil)
	env.seedProduct(t, "product-1", "group-1", "1.0.0", nil,
		domain.ProductStackRef{StackID: "stack-a", OrderIndex: 0})

	result, err := env.orc.Deploy(context.Background(), deployReq("product-1",
		StackConfig{StackID: "stack-a", DeploymentStackName: "d-a"}), progress.Discard)
	require.NoError(t, err)

	// Simulate an in-flight operation holding the deployment's lock.
	require.True(t, env.orc.locks.acquire(result.Deployment.ID))
	defer env.orc.locks.release(result.Deployment.ID)

	_, err = env.orc.Remove(context.Background(), result.Deployment.ID, progress.Discard)
	assert.ErrorIs(t, err, ErrConcurrencyConflict)

	_, err = env.upgrader.Upgrade(context.Background(), result.Deployment.ID, UpgradeRequest{TargetVersion: "2.0.0"}, progress.Discard)
	assert.ErrorIs(t, err, ErrConcurrencyConflict)

	_, err = env.rollbacker.Rollback(context.Background(), result.Deployment.ID, progress.Discard)
	assert.ErrorIs(t, err, ErrConcurrencyConflict)
}

// =============================================================================
// Maintenance Mode
// =============================================================================

func TestStopStartStack(t *testing.T) {
	env := newTestEnv(t)
	env.seedStack(t, "stack-a", "a", "1.0.0", "img-a:1", nil)
	env.seedProduct(t, "product-1", "group-1", "1.0.0", nil,
		domain.ProductStackRef{StackID: "stack-a", OrderIndex: 0})

	result, err := env.orc.Deploy(context.Background(), deployReq("product-1",
		StackConfig{StackID: "stack-a", DeploymentStackName: "d-a"}), progress.Discard)
	require.NoError(t, err)
	stackID := result.Stacks[0].ID

	sd, err := env.orc.StopStack(context.Background(), stackID)
	require.NoError(t, err)
	assert.Equal(t, domain.ModeMaintenance, sd.Mode)
	assert.Empty(t, env.driver.runningContainers())

	sd, err = env.orc.StartStack(context.Background(), stackID)
	require.NoError(t, err)
	assert.Equal(t, domain.ModeNormal, sd.Mode)
	assert.Len(t, env.driver.runningContainers(), 1)
}
