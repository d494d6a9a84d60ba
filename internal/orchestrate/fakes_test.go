package orchestrate

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stackpilot/stackpilot/internal/core/domain"
	"github.com/stackpilot/stackpilot/internal/core/plan"
	"github.com/stackpilot/stackpilot/internal/shell/docker"
	"github.com/stackpilot/stackpilot/internal/shell/store"
)

// =============================================================================
// Fake Driver
// =============================================================================

// fakeDriver records every runtime call and lets tests script failures for
// specific images and container names.
type fakeDriver struct {
	mu         sync.Mutex
	calls      []string
	images     map[string]bool
	containers map[string]*docker.ContainerInfo
	nextID     int

	pullErr  map[string]error // image ref -> error
	startErr map[string]error // container name -> error

	// onCall fires for every recorded call, outside the lock. Tests use it to
	// cancel contexts mid-operation.
	onCall func(call string)
}

var _ docker.Driver = (*fakeDriver)(nil)

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		images:     make(map[string]bool),
		containers: make(map[string]*docker.ContainerInfo),
		pullErr:    make(map[string]error),
		startErr:   make(map[string]error),
	}
}

func (d *fakeDriver) record(call string) {
	d.mu.Lock()
	d.calls = append(d.calls, call)
	hook := d.onCall
	d.mu.Unlock()
	if hook != nil {
		hook(call)
	}
}

func (d *fakeDriver) callLog() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.calls))
	copy(out, d.calls)
	return out
}

func (d *fakeDriver) callCount(prefix string) int {
	n := 0
	for _, c := range d.callLog() {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

func (d *fakeDriver) PullImage(_ context.Context, ref string, _ docker.PullOptions) error {
	d.record("pull:" + ref)
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.pullErr[ref]; err != nil {
		return err
	}
	d.images[ref] = true
	return nil
}

func (d *fakeDriver) ImageExists(_ context.Context, ref string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.images[ref], nil
}

func (d *fakeDriver) EnsureNetwork(_ context.Context, name string, _ map[string]string) error {
	d.record("network:" + name)
	return nil
}

func (d *fakeDriver) EnsureVolume(_ context.Context, name string, _ map[string]string) error {
	d.record("volume:" + name)
	return nil
}

func (d *fakeDriver) RemoveNetwork(_ context.Context, name string) error {
	d.record("rmnetwork:" + name)
	return nil
}

func (d *fakeDriver) CreateAndStart(_ context.Context, spec docker.ContainerSpec) (string, error) {
	d.record("start:" + spec.Name)
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.startErr[spec.Name]; err != nil {
		return "", err
	}
	d.nextID++
	id := fmt.Sprintf("ctr-%d", d.nextID)
	d.containers[id] = &docker.ContainerInfo{
		ID:        id,
		Name:      spec.Name,
		Image:     spec.Image,
		Status:    docker.ContainerStatusRunning,
		CreatedAt: time.Now(),
		Labels:    spec.Labels,
	}
	return id, nil
}

func (d *fakeDriver) Stop(_ context.Context, containerID string, _ *time.Duration) error {
	d.record("stop:" + containerID)
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.containers[containerID]; ok {
		c.Status = docker.ContainerStatusExited
	}
	return nil
}

func (d *fakeDriver) Remove(_ context.Context, containerID string, _ bool) error {
	d.record("remove:" + containerID)
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.containers, containerID)
	return nil
}

func (d *fakeDriver) FindByName(_ context.Context, name string) (*docker.ContainerInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.containers {
		if c.Name == name {
			info := *c
			return &info, nil
		}
	}
	return nil, nil
}

func (d *fakeDriver) GetExitCode(_ context.Context, containerID string) (int, error) {
	return 0, nil
}

func (d *fakeDriver) ListByStackLabel(_ context.Context, stackName string) ([]docker.ContainerInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []docker.ContainerInfo
	for _, c := range d.containers {
		if c.Labels[plan.LabelStack] == stackName {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (d *fakeDriver) StopStackContainers(ctx context.Context, stackName string) error {
	containers, _ := d.ListByStackLabel(ctx, stackName)
	for _, c := range containers {
		if c.Labels[plan.LabelMaintenance] == plan.MaintenanceIgnore {
			continue
		}
		if c.Status == docker.ContainerStatusRunning {
			_ = d.Stop(ctx, c.ID, nil)
		}
	}
	return nil
}

func (d *fakeDriver) StartStackContainers(ctx context.Context, stackName string) error {
	containers, _ := d.ListByStackLabel(ctx, stackName)
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range containers {
		if c.Labels[plan.LabelMaintenance] == plan.MaintenanceIgnore {
			continue
		}
		if stored, ok := d.containers[c.ID]; ok {
			stored.Status = docker.ContainerStatusRunning
		}
	}
	return nil
}

func (d *fakeDriver) Ping(context.Context) error { return nil }
func (d *fakeDriver) Close() error               { return nil }

// runningContainers returns the names of containers currently running.
func (d *fakeDriver) runningContainers() map[string]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]string)
	for _, c := range d.containers {
		if c.Status == docker.ContainerStatusRunning {
			out[c.Name] = c.Image
		}
	}
	return out
}

// =============================================================================
// Test Environment
// =============================================================================

type testEnv struct {
	store      *store.SQLiteStore
	driver     *fakeDriver
	engine     *StackEngine
	orc        *Orchestrator
	upgrader   *UpgradeCoordinator
	rollbacker *RollbackCoordinator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	driver := newFakeDriver()
	logger := slog.Default()
	engine := NewStackEngine(driver, st, logger)
	orc := NewOrchestrator(engine, st, logger)

	return &testEnv{
		store:      st,
		driver:     driver,
		engine:     engine,
		orc:        orc,
		upgrader:   NewUpgradeCoordinator(orc, logger),
		rollbacker: NewRollbackCoordinator(orc, logger),
	}
}

// singleServiceManifest declares one service named main with the given image.
func singleServiceManifest(image string) string {
	return fmt.Sprintf("services:\n  main:\n    image: %s\n", image)
}

func (env *testEnv) seedStack(t *testing.T, id, name, version, image string, defaults map[string]string) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, env.store.CreateStack(context.Background(), &domain.Stack{
		ID:               id,
		Name:             name,
		Version:          version,
		Manifest:         singleServiceManifest(image),
		DefaultVariables: defaults,
		CreatedAt:        now,
		UpdatedAt:        now,
	}))
}

func (env *testEnv) seedProduct(t *testing.T, id, groupID, version string, shared map[string]string, refs ...domain.ProductStackRef) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, env.store.CreateProduct(context.Background(), &domain.Product{
		ID:              id,
		GroupID:         groupID,
		Name:            id,
		Version:         version,
		Stacks:          refs,
		SharedVariables: shared,
		CreatedAt:       now,
		UpdatedAt:       now,
	}))
}
