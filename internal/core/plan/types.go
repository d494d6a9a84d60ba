// Package plan defines the driver-ready deployment plan types. A plan is the
// fully resolved description of one stack's services, networks and volumes;
// the orchestration engine consumes it as opaque input and never interprets
// manifest syntax.
package plan

import "time"

// =============================================================================
// Deployment Plan
// =============================================================================

// DeploymentPlan is a fully resolved, driver-ready description of one stack.
type DeploymentPlan struct {
	StackName string
	Version   string
	Services  []ServicePlan // Declaration order; deployed strictly in sequence
	Networks  []string
	Volumes   []VolumePlan
}

// ServicePlan represents a planned container configuration.
type ServicePlan struct {
	Name          string
	ContainerName string
	Image         string
	Command       []string
	Entrypoint    []string
	Env           map[string]string
	Labels        map[string]string
	Ports         []PortPlan
	Mounts        []MountPlan
	Networks      []string
	RestartPolicy RestartPolicyPlan
	Resources     ResourcePlan
	HealthCheck   *HealthCheckPlan
}

// ResourcePlan represents resource limits.
type ResourcePlan struct {
	CPULimit    float64
	MemoryLimit int64
}

// PortPlan represents a planned port binding.
type PortPlan struct {
	ContainerPort int
	HostPort      int
	Protocol      string
	HostIP        string
}

// MountPlan represents a planned volume mount.
type MountPlan struct {
	Source   string
	Target   string
	ReadOnly bool
}

// VolumePlan represents a named volume to create before the services start.
type VolumePlan struct {
	Name     string
	External bool
}

// RestartPolicyPlan represents a restart policy.
type RestartPolicyPlan struct {
	Name              string
	MaximumRetryCount int
}

// HealthCheckPlan represents a health check configuration.
type HealthCheckPlan struct {
	Test        []string
	Interval    time.Duration
	Timeout     time.Duration
	Retries     int
	StartPeriod time.Duration
}

// =============================================================================
// Container Labels
// =============================================================================

// Label keys used for container identification. LabelStack is the sole
// mechanism for locating a stack's containers after creation.
const (
	LabelManaged     = "com.stackpilot.managed"
	LabelStack       = "com.stackpilot.stack"
	LabelService     = "com.stackpilot.service"
	LabelProduct     = "com.stackpilot.product"
	LabelMaintenance = "com.stackpilot.maintenance"
)

// MaintenanceIgnore is the LabelMaintenance value that exempts a container
// from bulk stack stop/start operations.
const MaintenanceIgnore = "ignore"
