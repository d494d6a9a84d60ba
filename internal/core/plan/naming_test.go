package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNetworkName(t *testing.T) {
	assert.Equal(t, "stackpilot_demo-infra", NetworkName("demo-infra"))
}

func TestVolumeName(t *testing.T) {
	assert.Equal(t, "stackpilot_demo-infra_data", VolumeName("demo-infra", "data"))
}

func TestContainerName(t *testing.T) {
	assert.Equal(t, "stackpilot_demo-infra_postgres", ContainerName("demo-infra", "postgres"))
}
