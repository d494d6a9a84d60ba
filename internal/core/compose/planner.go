package compose

import (
	"time"

	"github.com/stackpilot/stackpilot/internal/core/plan"
	"github.com/stackpilot/stackpilot/internal/core/variables"
)

// =============================================================================
// Plan Generation
// =============================================================================

// ToDeploymentPlan resolves a parsed manifest into a driver-ready deployment
// plan for one stack. Service environments go through ${VAR} substitution
// against the stack's resolved variables; services are ordered by their
// depends_on graph; named volumes and container names get the stack prefix.
func ToDeploymentPlan(manifest *Manifest, stackName, version string, vars map[string]string) *plan.DeploymentPlan {
	p := &plan.DeploymentPlan{
		StackName: stackName,
		Version:   version,
		Networks:  []string{plan.NetworkName(stackName)},
	}

	for _, vol := range manifest.Volumes {
		name := vol.Name
		if !vol.External {
			name = plan.VolumeName(stackName, vol.Name)
		}
		p.Volumes = append(p.Volumes, plan.VolumePlan{
			Name:     name,
			External: vol.External,
		})
	}

	for _, svc := range TopologicalSort(manifest.Services) {
		p.Services = append(p.Services, buildServicePlan(svc, stackName, vars))
	}

	return p
}

// buildServicePlan converts one compose service into a ServicePlan.
func buildServicePlan(svc Service, stackName string, vars map[string]string) plan.ServicePlan {
	sp := plan.ServicePlan{
		Name:          svc.Name,
		ContainerName: plan.ContainerName(stackName, svc.Name),
		Image:         variables.Substitute(svc.Image, vars),
		Command:       svc.Command,
		Entrypoint:    svc.Entrypoint,
		Env:           variables.SubstituteAll(svc.Environment, vars),
		Labels: map[string]string{
			plan.LabelManaged: "true",
			plan.LabelStack:   stackName,
			plan.LabelService: svc.Name,
		},
		Networks: []string{plan.NetworkName(stackName)},
	}

	for _, pt := range svc.Ports {
		sp.Ports = append(sp.Ports, plan.PortPlan{
			ContainerPort: int(pt.Target),
			HostPort:      int(pt.Published),
			Protocol:      pt.Protocol,
			HostIP:        pt.HostIP,
		})
	}

	for _, v := range svc.Volumes {
		source := v.Source
		if v.Type == VolumeMountTypeVolume {
			source = plan.VolumeName(stackName, v.Source)
		}
		sp.Mounts = append(sp.Mounts, plan.MountPlan{
			Source:   source,
			Target:   v.Target,
			ReadOnly: v.ReadOnly,
		})
	}

	switch svc.Restart {
	case RestartAlways:
		sp.RestartPolicy = plan.RestartPolicyPlan{Name: "always"}
	case RestartOnFailure:
		sp.RestartPolicy = plan.RestartPolicyPlan{Name: "on-failure"}
	case RestartUnlessStopped:
		sp.RestartPolicy = plan.RestartPolicyPlan{Name: "unless-stopped"}
	default:
		sp.RestartPolicy = plan.RestartPolicyPlan{Name: "no"}
	}

	sp.Resources = plan.ResourcePlan{
		CPULimit:    svc.Resources.CPULimit,
		MemoryLimit: svc.Resources.MemoryLimit,
	}

	if svc.HealthCheck != nil {
		hc := &plan.HealthCheckPlan{
			Test:    svc.HealthCheck.Test,
			Retries: svc.HealthCheck.Retries,
		}
		if d, err := time.ParseDuration(svc.HealthCheck.Interval); err == nil {
			hc.Interval = d
		}
		if d, err := time.ParseDuration(svc.HealthCheck.Timeout); err == nil {
			hc.Timeout = d
		}
		if d, err := time.ParseDuration(svc.HealthCheck.StartPeriod); err == nil {
			hc.StartPeriod = d
		}
		sp.HealthCheck = hc
	}

	// Service labels from the manifest never override engine labels.
	for k, v := range svc.Labels {
		if _, reserved := sp.Labels[k]; !reserved {
			sp.Labels[k] = v
		}
	}

	return sp
}
