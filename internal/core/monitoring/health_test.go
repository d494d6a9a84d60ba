package monitoring

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/stackpilot/stackpilot/internal/core/domain"
)

func TestContainerHealth(t *testing.T) {
	tests := []struct {
		status string
		want   domain.HealthStatus
	}{
		{"running", domain.HealthHealthy},
		{"created", domain.HealthDegraded},
		{"restarting", domain.HealthDegraded},
		{"exited", domain.HealthUnhealthy},
		{"dead", domain.HealthUnhealthy},
		{"paused", domain.HealthUnhealthy},
		{"weird", domain.HealthUnknown},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ContainerHealth(tt.status), "status %q", tt.status)
	}
}

func TestStackHealth_AllRunning(t *testing.T) {
	containers := []ContainerState{
		{Name: "db", Status: "running"},
		{Name: "web", Status: "running"},
	}

	assert.Equal(t, domain.HealthHealthy, StackHealth(2, containers))
}

func TestStackHealth_OneExited(t *testing.T) {
	containers := []ContainerState{
		{Name: "db", Status: "running"},
		{Name: "web", Status: "exited"},
	}

	assert.Equal(t, domain.HealthDegraded, StackHealth(2, containers))
}

func TestStackHealth_AllExited(t *testing.T) {
	containers := []ContainerState{
		{Name: "db", Status: "exited"},
		{Name: "web", Status: "dead"},
	}

	assert.Equal(t, domain.HealthUnhealthy, StackHealth(2, containers))
}

func TestStackHealth_MissingContainersCountUnhealthy(t *testing.T) {
	containers := []ContainerState{
		{Name: "db", Status: "running"},
	}

	// Two services expected, one container gone entirely.
	assert.Equal(t, domain.HealthDegraded, StackHealth(2, containers))

	// All containers gone.
	assert.Equal(t, domain.HealthUnhealthy, StackHealth(2, nil))
}

func TestStackHealth_NothingExpected(t *testing.T) {
	assert.Equal(t, domain.HealthUnknown, StackHealth(0, nil))
}

func TestStackHealth_RestartingIsDegraded(t *testing.T) {
	containers := []ContainerState{
		{Name: "db", Status: "running"},
		{Name: "web", Status: "restarting"},
	}

	assert.Equal(t, domain.HealthDegraded, StackHealth(2, containers))
}
