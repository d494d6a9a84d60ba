// Package docker provides the container runtime driver for one environment.
package docker

import (
	"context"
	"time"
)

// =============================================================================
// Container Info
// =============================================================================

// ContainerStatus represents the container status.
type ContainerStatus string

const (
	ContainerStatusCreated    ContainerStatus = "created"
	ContainerStatusRunning    ContainerStatus = "running"
	ContainerStatusPaused     ContainerStatus = "paused"
	ContainerStatusRestarting ContainerStatus = "restarting"
	ContainerStatusRemoving   ContainerStatus = "removing"
	ContainerStatusExited     ContainerStatus = "exited"
	ContainerStatusDead       ContainerStatus = "dead"
)

// ContainerInfo contains information about a container.
type ContainerInfo struct {
	ID        string
	Name      string
	Image     string
	Status    ContainerStatus
	CreatedAt time.Time
	Labels    map[string]string
	ExitCode  int
}

// =============================================================================
// Container Spec
// =============================================================================

// ContainerSpec defines the specification for creating a container. It is the
// driver-level projection of one planned service.
type ContainerSpec struct {
	Name          string
	Image         string
	Command       []string
	Entrypoint    []string
	Env           map[string]string
	Labels        map[string]string
	Ports         []PortBinding
	Mounts        []Mount
	Networks      []string
	RestartPolicy RestartPolicy
	Resources     ResourceLimits
	HealthCheck   *HealthCheck
}

// PortBinding defines a port mapping.
type PortBinding struct {
	ContainerPort int
	HostPort      int    // 0 for auto-assign
	Protocol      string // "tcp" or "udp"
	HostIP        string // "" for 0.0.0.0
}

// Mount defines a volume mount.
type Mount struct {
	Source   string // Volume name or host path
	Target   string // Container path
	ReadOnly bool
}

// RestartPolicy defines the container restart policy.
type RestartPolicy struct {
	Name              string // "no", "always", "on-failure", "unless-stopped"
	MaximumRetryCount int
}

// ResourceLimits defines resource constraints.
type ResourceLimits struct {
	CPULimit    float64 // CPU cores
	MemoryLimit int64   // Bytes
}

// HealthCheck defines container health check configuration.
type HealthCheck struct {
	Test        []string
	Interval    time.Duration
	Timeout     time.Duration
	Retries     int
	StartPeriod time.Duration
}

// PullOptions defines options for pulling images.
type PullOptions struct {
	Platform string // e.g., "linux/amd64"
}

// =============================================================================
// Driver Interface
// =============================================================================

// Driver executes container, image and network operations for one
// environment. Stack membership is established via the stack label applied at
// container-create time; it is the sole mechanism for locating a stack's
// containers later.
type Driver interface {
	// Image operations
	PullImage(ctx context.Context, ref string, opts PullOptions) error
	ImageExists(ctx context.Context, ref string) (bool, error)

	// Network and volume operations
	EnsureNetwork(ctx context.Context, name string, labels map[string]string) error
	EnsureVolume(ctx context.Context, name string, labels map[string]string) error
	RemoveNetwork(ctx context.Context, name string) error

	// Container operations
	CreateAndStart(ctx context.Context, spec ContainerSpec) (containerID string, err error)
	Stop(ctx context.Context, containerID string, timeout *time.Duration) error
	Remove(ctx context.Context, containerID string, force bool) error
	FindByName(ctx context.Context, name string) (*ContainerInfo, error)
	GetExitCode(ctx context.Context, containerID string) (int, error)

	// Stack-scoped operations, keyed by the stack label. The bulk stop/start
	// pair skips containers labeled maintenance=ignore.
	ListByStackLabel(ctx context.Context, stackName string) ([]ContainerInfo, error)
	StopStackContainers(ctx context.Context, stackName string) error
	StartStackContainers(ctx context.Context, stackName string) error

	// Health operations
	Ping(ctx context.Context) error
	Close() error
}
