package orchestrate

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackpilot/stackpilot/internal/core/domain"
	"github.com/stackpilot/stackpilot/internal/core/progress"
	"github.com/stackpilot/stackpilot/internal/shell/store"
)

// deployVersioned seeds a two-version catalog for one product group and
// deploys version 1.0.0. Each version has a single stack "a" whose service
// image carries the version tag.
func deployVersioned(t *testing.T, env *testEnv, continueOnError bool, v1Defaults, v2Defaults map[string]string) *Result {
	t.Helper()
	env.seedStack(t, "stack-a1", "a", "1.0.0", "app:1", v1Defaults)
	env.seedStack(t, "stack-a2", "a", "2.0.0", "app:2", v2Defaults)
	env.seedProduct(t, "product-v1", "group-1", "1.0.0", nil,
		domain.ProductStackRef{StackID: "stack-a1", OrderIndex: 0})
	env.seedProduct(t, "product-v2", "group-1", "2.0.0", nil,
		domain.ProductStackRef{StackID: "stack-a2", OrderIndex: 0})

	req := deployReq("product-v1", StackConfig{StackID: "stack-a1", DeploymentStackName: "d-a"})
	req.ContinueOnError = continueOnError
	result, err := env.orc.Deploy(context.Background(), req, progress.Discard)
	require.NoError(t, err)
	require.Equal(t, domain.ProductRunning, result.Deployment.Status)
	return result
}

// =============================================================================
// Upgrade
// =============================================================================

func TestUpgradeSuccess(t *testing.T) {
	env := newTestEnv(t)
	deployed := deployVersioned(t, env, false, nil, nil)

	rec := &progress.Recorder{}
	result, err := env.upgrader.Upgrade(context.Background(), deployed.Deployment.ID,
		UpgradeRequest{TargetVersion: "2.0.0"}, rec)
	require.NoError(t, err)

	assert.Equal(t, domain.ProductRunning, result.Deployment.Status)
	assert.Equal(t, "2.0.0", result.Deployment.Version)
	assert.Equal(t, "product-v2", result.Deployment.ProductID)
	assert.Equal(t, 1, result.Deployment.UpgradeCount)
	assert.Equal(t, "2.0.0", result.Stacks[0].Version)
	assert.Equal(t, "stack-a2", result.Stacks[0].StackID)

	// The snapshot is gone after a fully successful upgrade.
	_, err = env.store.GetSnapshot(context.Background(), deployed.Deployment.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	running := env.driver.runningContainers()
	assert.Equal(t, "app:2", running["stackpilot_d-a_main"])
	assert.Len(t, running, 1)

	phases := rec.Phases()
	assert.Equal(t, progress.PhaseUpgrading, phases[0])
	assert.Equal(t, progress.PhaseCompleted, phases[len(phases)-1])
}

func TestUpgradeValidation(t *testing.T) {
	env := newTestEnv(t)
	deployed := deployVersioned(t, env, false, nil, nil)
	id := deployed.Deployment.ID

	_, err := env.upgrader.Upgrade(context.Background(), id, UpgradeRequest{}, progress.Discard)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = env.upgrader.Upgrade(context.Background(), id, UpgradeRequest{TargetVersion: "1.0.0"}, progress.Discard)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = env.upgrader.Upgrade(context.Background(), id, UpgradeRequest{TargetVersion: "9.9.9"}, progress.Discard)
	assert.ErrorIs(t, err, ErrValidation)

	// No snapshot was left behind by any rejected request.
	_, err = env.store.GetSnapshot(context.Background(), id)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpgradeFailedDeploymentNotEligible(t *testing.T) {
	env := newTestEnv(t)
	env.seedStack(t, "stack-a1", "a", "1.0.0", "app:1", nil)
	env.seedProduct(t, "product-v1", "group-1", "1.0.0", nil,
		domain.ProductStackRef{StackID: "stack-a1", OrderIndex: 0})
	env.driver.pullErr["app:1"] = errors.New("pull access denied")

	deployed, err := env.orc.Deploy(context.Background(),
		deployReq("product-v1", StackConfig{StackID: "stack-a1", DeploymentStackName: "d-a"}), progress.Discard)
	require.NoError(t, err)
	require.Equal(t, domain.ProductFailed, deployed.Deployment.Status)

	_, err = env.upgrader.Upgrade(context.Background(), deployed.Deployment.ID,
		UpgradeRequest{TargetVersion: "2.0.0"}, progress.Discard)
	assert.ErrorIs(t, err, ErrValidation)
}

// =============================================================================
// Pull Failure and Rollback Round-Trip
// =============================================================================

func TestUpgradePullFailureThenRollback(t *testing.T) {
	env := newTestEnv(t)
	deployed := deployVersioned(t, env, false,
		map[string]string{"APP_COLOR": "blue"},
		map[string]string{"APP_COLOR": "green"},
	)
	id := deployed.Deployment.ID
	originalVars := deployed.Stacks[0].Variables

	env.driver.pullErr["app:2"] = errors.New("manifest unknown")

	result, err := env.upgrader.Upgrade(context.Background(), id,
		UpgradeRequest{TargetVersion: "2.0.0"}, progress.Discard)
	require.NoError(t, err)

	// The pull failed before any container was touched: old version still up.
	assert.Equal(t, domain.ProductFailed, result.Deployment.Status)
	assert.Equal(t, "1.0.0", result.Deployment.Version)
	assert.Equal(t, domain.StackFailed, result.Stacks[0].Status)
	assert.Equal(t, "app:1", env.driver.runningContainers()["stackpilot_d-a_main"])

	snapshot, err := env.store.GetSnapshot(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", snapshot.ProductVersion)
	require.Len(t, snapshot.ValidEntries(), 1)

	rec := &progress.Recorder{}
	restored, err := env.rollbacker.Rollback(context.Background(), id, rec)
	require.NoError(t, err)

	assert.Equal(t, domain.ProductRunning, restored.Deployment.Status)
	assert.Equal(t, "1.0.0", restored.Deployment.Version)
	assert.Equal(t, 0, restored.Deployment.UpgradeCount)
	assert.Equal(t, domain.StackRunning, restored.Stacks[0].Status)
	assert.Equal(t, "1.0.0", restored.Stacks[0].Version)
	assert.Equal(t, "stack-a1", restored.Stacks[0].StackID)
	assert.Equal(t, originalVars, restored.Stacks[0].Variables)
	assert.Equal(t, "app:1", env.driver.runningContainers()["stackpilot_d-a_main"])

	_, err = env.store.GetSnapshot(context.Background(), id)
	assert.ErrorIs(t, err, store.ErrNotFound)

	phases := rec.Phases()
	assert.Equal(t, progress.PhaseRollingBack, phases[0])
	assert.Equal(t, progress.PhaseCompleted, phases[len(phases)-1])
}

func TestUpgradePartialAdvanceRollback(t *testing.T) {
	env := newTestEnv(t)
	env.seedStack(t, "stack-a1", "a", "1.0.0", "img-a:1", nil)
	env.seedStack(t, "stack-b1", "b", "1.0.0", "img-b:1", nil)
	env.seedStack(t, "stack-a2", "a", "2.0.0", "img-a:2", nil)
	env.seedStack(t, "stack-b2", "b", "2.0.0", "img-b:2", nil)
	env.seedProduct(t, "product-v1", "group-1", "1.0.0", nil,
		domain.ProductStackRef{StackID: "stack-a1", OrderIndex: 0},
		domain.ProductStackRef{StackID: "stack-b1", OrderIndex: 1},
	)
	env.seedProduct(t, "product-v2", "group-1", "2.0.0", nil,
		domain.ProductStackRef{StackID: "stack-a2", OrderIndex: 0},
		domain.ProductStackRef{StackID: "stack-b2", OrderIndex: 1},
	)

	req := deployReq("product-v1",
		StackConfig{StackID: "stack-a1", DeploymentStackName: "d-a"},
		StackConfig{StackID: "stack-b1", DeploymentStackName: "d-b"},
	)
	req.ContinueOnError = true
	deployed, err := env.orc.Deploy(context.Background(), req, progress.Discard)
	require.NoError(t, err)
	id := deployed.Deployment.ID

	// First stack swaps cleanly and crosses its point of no return; the
	// second fails before touching its old container.
	env.driver.pullErr["img-b:2"] = errors.New("manifest unknown")

	result, err := env.upgrader.Upgrade(context.Background(), id,
		UpgradeRequest{TargetVersion: "2.0.0"}, progress.Discard)
	require.NoError(t, err)

	assert.Equal(t, domain.ProductPartiallyRunning, result.Deployment.Status)
	assert.Equal(t, "1.0.0", result.Deployment.Version)
	assert.Equal(t, domain.StackRunning, result.Stacks[0].Status)
	assert.Equal(t, domain.StackFailed, result.Stacks[1].Status)

	snapshot, err := env.store.GetSnapshot(context.Background(), id)
	require.NoError(t, err)
	entries := snapshot.ValidEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, "d-b", entries[0].StackName)

	restored, err := env.rollbacker.Rollback(context.Background(), id, progress.Discard)
	require.NoError(t, err)

	// Only the stack that never crossed its point of no return is restored;
	// the advanced one stays at the new version.
	assert.Equal(t, "2.0.0", restored.Stacks[0].Version)
	assert.Equal(t, "1.0.0", restored.Stacks[1].Version)
	assert.Equal(t, domain.StackRunning, restored.Stacks[1].Status)

	running := env.driver.runningContainers()
	assert.Equal(t, "img-a:2", running["stackpilot_d-a_main"])
	assert.Equal(t, "img-b:1", running["stackpilot_d-b_main"])

	_, err = env.store.GetSnapshot(context.Background(), id)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpgradeFullyAdvancedClearsSnapshot(t *testing.T) {
	env := newTestEnv(t)
	deployed := deployVersioned(t, env, false, nil, nil)
	id := deployed.Deployment.ID

	result, err := env.upgrader.Upgrade(context.Background(), id,
		UpgradeRequest{TargetVersion: "2.0.0"}, progress.Discard)
	require.NoError(t, err)
	require.Equal(t, domain.ProductRunning, result.Deployment.Status)

	_, err = env.rollbacker.Rollback(context.Background(), id, progress.Discard)
	assert.ErrorIs(t, err, ErrSnapshotUnavailable)
}

// =============================================================================
// Rollback Eligibility
// =============================================================================

func TestRollbackWithoutSnapshot(t *testing.T) {
	env := newTestEnv(t)

	// Running deployment, never upgraded.
	deployed := deployVersioned(t, env, false, nil, nil)
	_, err := env.rollbacker.Rollback(context.Background(), deployed.Deployment.ID, progress.Discard)
	assert.ErrorIs(t, err, ErrSnapshotUnavailable)

	// Failed plain deployment: eligible status but no snapshot was ever taken.
	env.seedStack(t, "stack-c1", "c", "1.0.0", "img-c:1", nil)
	env.seedProduct(t, "product-c", "group-c", "1.0.0", nil,
		domain.ProductStackRef{StackID: "stack-c1", OrderIndex: 0})
	env.driver.pullErr["img-c:1"] = errors.New("pull access denied")

	failed, err := env.orc.Deploy(context.Background(),
		deployReq("product-c", StackConfig{StackID: "stack-c1", DeploymentStackName: "d-c"}), progress.Discard)
	require.NoError(t, err)
	require.Equal(t, domain.ProductFailed, failed.Deployment.Status)

	_, err = env.rollbacker.Rollback(context.Background(), failed.Deployment.ID, progress.Discard)
	assert.ErrorIs(t, err, ErrSnapshotUnavailable)
}

func TestRollbackUnknownDeployment(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.rollbacker.Rollback(context.Background(), "nope", progress.Discard)
	assert.ErrorIs(t, err, ErrValidation)
}
