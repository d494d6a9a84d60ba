package workers

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackpilot/stackpilot/internal/core/domain"
	"github.com/stackpilot/stackpilot/internal/shell/docker"
	"github.com/stackpilot/stackpilot/internal/shell/store"
)

// =============================================================================
// Test Doubles
// =============================================================================

type stubDriver struct {
	containers map[string][]docker.ContainerInfo
	listErr    error
}

var _ docker.Driver = (*stubDriver)(nil)

func (d *stubDriver) PullImage(ctx context.Context, ref string, opts docker.PullOptions) error {
	return nil
}

func (d *stubDriver) ImageExists(ctx context.Context, ref string) (bool, error) {
	return true, nil
}

func (d *stubDriver) EnsureNetwork(ctx context.Context, name string, labels map[string]string) error {
	return nil
}

func (d *stubDriver) EnsureVolume(ctx context.Context, name string, labels map[string]string) error {
	return nil
}

func (d *stubDriver) RemoveNetwork(ctx context.Context, name string) error {
	return nil
}

func (d *stubDriver) CreateAndStart(ctx context.Context, spec docker.ContainerSpec) (string, error) {
	return "ctr-1", nil
}

func (d *stubDriver) Stop(ctx context.Context, containerID string, timeout *time.Duration) error {
	return nil
}

func (d *stubDriver) Remove(ctx context.Context, containerID string, force bool) error {
	return nil
}

func (d *stubDriver) FindByName(ctx context.Context, name string) (*docker.ContainerInfo, error) {
	return nil, nil
}

func (d *stubDriver) GetExitCode(ctx context.Context, containerID string) (int, error) {
	return 0, nil
}

func (d *stubDriver) ListByStackLabel(ctx context.Context, stackName string) ([]docker.ContainerInfo, error) {
	if d.listErr != nil {
		return nil, d.listErr
	}
	return d.containers[stackName], nil
}

func (d *stubDriver) StopStackContainers(ctx context.Context, stackName string) error {
	return nil
}

func (d *stubDriver) StartStackContainers(ctx context.Context, stackName string) error {
	return nil
}

func (d *stubDriver) Ping(ctx context.Context) error { return nil }

func (d *stubDriver) Close() error { return nil }

// =============================================================================
// Test Helpers
// =============================================================================

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedRunningStack(t *testing.T, s store.Store, name string, services int) *domain.StackDeployment {
	t.Helper()

	dep := domain.NewStackDeployment("env-1", "stk-1", name, "1.0.0", 0, nil)
	for i := 0; i < services; i++ {
		dep.Services = append(dep.Services, domain.ServiceInfo{
			Name:  "svc",
			Image: "app:1",
		})
	}
	require.NoError(t, dep.Transition(domain.StackDeploying))
	require.NoError(t, dep.Transition(domain.StackRunning))
	require.NoError(t, s.CreateStackDeployment(context.Background(), dep))
	return dep
}

func testLogger() *slog.Logger {
	return slog.Default()
}

// =============================================================================
// Health Checker Tests
// =============================================================================

func TestHealthChecker_MarksHealthy(t *testing.T) {
	s := newTestStore(t)
	dep := seedRunningStack(t, s, "web", 2)

	driver := &stubDriver{
		containers: map[string][]docker.ContainerInfo{
			"web": {
				{Name: "stackpilot_web_app", Status: docker.ContainerStatusRunning},
				{Name: "stackpilot_web_db", Status: docker.ContainerStatusRunning},
			},
		},
	}

	checker := NewHealthChecker(s, driver, DefaultHealthCheckerConfig(), testLogger())
	checker.RunCycle(context.Background())

	got, err := s.GetStackDeployment(context.Background(), dep.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.HealthHealthy, got.Health)
}

func TestHealthChecker_DeadContainerDegradesStack(t *testing.T) {
	s := newTestStore(t)
	dep := seedRunningStack(t, s, "web", 2)

	driver := &stubDriver{
		containers: map[string][]docker.ContainerInfo{
			"web": {
				{Name: "stackpilot_web_app", Status: docker.ContainerStatusRunning},
				{Name: "stackpilot_web_db", Status: docker.ContainerStatusExited},
			},
		},
	}

	checker := NewHealthChecker(s, driver, DefaultHealthCheckerConfig(), testLogger())
	checker.RunCycle(context.Background())

	got, err := s.GetStackDeployment(context.Background(), dep.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.HealthDegraded, got.Health)

	// Lifecycle status is untouched.
	assert.Equal(t, domain.StackRunning, got.Status)
}

func TestHealthChecker_MissingContainersUnhealthy(t *testing.T) {
	s := newTestStore(t)
	dep := seedRunningStack(t, s, "web", 2)

	driver := &stubDriver{containers: map[string][]docker.ContainerInfo{}}

	checker := NewHealthChecker(s, driver, DefaultHealthCheckerConfig(), testLogger())
	checker.RunCycle(context.Background())

	got, err := s.GetStackDeployment(context.Background(), dep.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.HealthUnhealthy, got.Health)
}

func TestHealthChecker_MaintenanceStackStaysUnknown(t *testing.T) {
	s := newTestStore(t)
	dep := seedRunningStack(t, s, "web", 1)
	dep.Mode = domain.ModeMaintenance
	require.NoError(t, s.UpdateStackDeployment(context.Background(), dep))

	// Containers are stopped, which would otherwise read as unhealthy.
	driver := &stubDriver{
		containers: map[string][]docker.ContainerInfo{
			"web": {
				{Name: "stackpilot_web_app", Status: docker.ContainerStatusExited},
			},
		},
	}

	checker := NewHealthChecker(s, driver, DefaultHealthCheckerConfig(), testLogger())
	checker.RunCycle(context.Background())

	got, err := s.GetStackDeployment(context.Background(), dep.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.HealthUnknown, got.Health)
}

func TestHealthChecker_DriverErrorLeavesHealthUntouched(t *testing.T) {
	s := newTestStore(t)
	dep := seedRunningStack(t, s, "web", 1)

	driver := &stubDriver{listErr: errors.New("daemon unavailable")}

	checker := NewHealthChecker(s, driver, DefaultHealthCheckerConfig(), testLogger())
	checker.RunCycle(context.Background())

	got, err := s.GetStackDeployment(context.Background(), dep.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.HealthUnknown, got.Health)
}

func TestHealthChecker_StartStop(t *testing.T) {
	s := newTestStore(t)
	seedRunningStack(t, s, "web", 1)

	driver := &stubDriver{
		containers: map[string][]docker.ContainerInfo{
			"web": {
				{Name: "stackpilot_web_app", Status: docker.ContainerStatusRunning},
			},
		},
	}

	config := HealthCheckerConfig{Interval: 10 * time.Millisecond, CheckTimeout: time.Second}
	checker := NewHealthChecker(s, driver, config, testLogger())
	checker.Start(context.Background())

	require.Eventually(t, func() bool {
		deps, err := s.ListRunningStackDeployments(context.Background())
		if err != nil {
			return false
		}
		return len(deps) == 1 && deps[0].Health == domain.HealthHealthy
	}, time.Second, 10*time.Millisecond)

	checker.Stop()
}
