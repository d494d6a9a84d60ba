// Package monitoring provides pure functions for stack health evaluation.
// It contains no I/O; the workers package feeds it observed container state.
package monitoring

import "github.com/stackpilot/stackpilot/internal/core/domain"

// =============================================================================
// Container Health
// =============================================================================

// ContainerState is the observed state of one container belonging to a stack.
type ContainerState struct {
	Name   string
	Status string
}

// ContainerHealth maps a single container status to a health value.
// Running containers are healthy; containers still coming up or being
// restarted by the daemon are degraded; everything else is unhealthy.
func ContainerHealth(status string) domain.HealthStatus {
	switch status {
	case "running":
		return domain.HealthHealthy
	case "created", "restarting":
		return domain.HealthDegraded
	case "paused", "exited", "dead", "removing":
		return domain.HealthUnhealthy
	default:
		return domain.HealthUnknown
	}
}

// =============================================================================
// Stack Health Aggregation
// =============================================================================

// StackHealth aggregates observed container states for a stack against the
// number of services it is expected to run. Missing containers count as
// unhealthy members, so a stack whose containers were removed out of band
// does not report healthy.
func StackHealth(expectedServices int, containers []ContainerState) domain.HealthStatus {
	if expectedServices == 0 && len(containers) == 0 {
		return domain.HealthUnknown
	}

	healthy := 0
	unhealthy := 0
	for _, c := range containers {
		switch ContainerHealth(c.Status) {
		case domain.HealthHealthy:
			healthy++
		case domain.HealthUnhealthy:
			unhealthy++
		}
	}

	missing := expectedServices - len(containers)
	if missing > 0 {
		unhealthy += missing
	}

	total := len(containers) + max(missing, 0)
	switch {
	case unhealthy == total:
		return domain.HealthUnhealthy
	case healthy == total:
		return domain.HealthHealthy
	default:
		return domain.HealthDegraded
	}
}
