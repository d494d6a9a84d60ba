package plan

import "fmt"

// =============================================================================
// Resource Naming Functions
// =============================================================================

// NetworkName generates the network name for a stack.
// Pattern: stackpilot_{stackName}
//
// Example:
//
//	NetworkName("demo-infra") // returns "stackpilot_demo-infra"
func NetworkName(stackName string) string {
	return fmt.Sprintf("stackpilot_%s", stackName)
}

// VolumeName generates a volume name for a stack.
// Pattern: stackpilot_{stackName}_{volumeName}
//
// Example:
//
//	VolumeName("demo-infra", "data") // returns "stackpilot_demo-infra_data"
func VolumeName(stackName, volumeName string) string {
	return fmt.Sprintf("stackpilot_%s_%s", stackName, volumeName)
}

// ContainerName generates the container name for a service in a stack.
// Pattern: stackpilot_{stackName}_{serviceName}
//
// Example:
//
//	ContainerName("demo-infra", "postgres") // returns "stackpilot_demo-infra_postgres"
func ContainerName(stackName, serviceName string) string {
	return fmt.Sprintf("stackpilot_%s_%s", stackName, serviceName)
}
