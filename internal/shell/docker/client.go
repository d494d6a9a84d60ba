package docker

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/stackpilot/stackpilot/internal/core/plan"
)

// =============================================================================
// Docker Client Implementation
// =============================================================================

// Client implements the Driver interface using the Docker SDK.
type Client struct {
	cli *client.Client
}

var _ Driver = (*Client)(nil)

// NewClient creates a driver for one container engine endpoint.
// If host is empty, it uses the default Docker host from environment.
func NewClient(host string) (*Client, error) {
	opts := []client.Opt{
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, NewDriverError("NewClient", "", "", "failed to create client", ErrConnectionFailed)
	}

	return &Client{cli: cli}, nil
}

// Ping checks if the container engine is reachable.
func (d *Client) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return NewDriverError("Ping", "", "", fmt.Sprintf("failed to ping docker: %v", err), ErrConnectionFailed)
	}
	return nil
}

// Close closes the client connection.
func (d *Client) Close() error {
	return d.cli.Close()
}

// =============================================================================
// Image Operations
// =============================================================================

// PullImage pulls an image from the registry.
func (d *Client) PullImage(ctx context.Context, ref string, opts PullOptions) error {
	pullOpts := image.PullOptions{}
	if opts.Platform != "" {
		pullOpts.Platform = opts.Platform
	}

	reader, err := d.cli.ImagePull(ctx, ref, pullOpts)
	if err != nil {
		errStr := err.Error()
		if strings.Contains(errStr, "not found") ||
			strings.Contains(errStr, "manifest unknown") ||
			strings.Contains(errStr, "repository does not exist") ||
			strings.Contains(errStr, "pull access denied") {
			return NewDriverError("PullImage", "image", ref, "image not found", ErrImageNotFound)
		}
		return NewDriverError("PullImage", "image", ref, err.Error(), ErrImagePullFailed)
	}
	defer reader.Close()

	// Drain the reader to complete the pull
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return NewDriverError("PullImage", "image", ref, err.Error(), ErrImagePullFailed)
	}

	return nil
}

// ImageExists checks if an image exists locally.
func (d *Client) ImageExists(ctx context.Context, ref string) (bool, error) {
	_, _, err := d.cli.ImageInspectWithRaw(ctx, ref)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, NewDriverError("ImageExists", "image", ref, err.Error(), err)
	}
	return true, nil
}

// =============================================================================
// Network and Volume Operations
// =============================================================================

// EnsureNetwork creates a bridge network if it does not already exist.
func (d *Client) EnsureNetwork(ctx context.Context, name string, labels map[string]string) error {
	_, err := d.cli.NetworkCreate(ctx, name, network.CreateOptions{
		Driver: "bridge",
		Labels: labels,
	})
	if err != nil {
		if strings.Contains(err.Error(), "already exists") {
			return nil
		}
		return NewDriverError("EnsureNetwork", "network", name, err.Error(), err)
	}
	return nil
}

// EnsureVolume creates a local volume if it does not already exist.
// Docker volume creation is idempotent for matching names.
func (d *Client) EnsureVolume(ctx context.Context, name string, labels map[string]string) error {
	_, err := d.cli.VolumeCreate(ctx, volume.CreateOptions{
		Name:   name,
		Driver: "local",
		Labels: labels,
	})
	if err != nil {
		return NewDriverError("EnsureVolume", "volume", name, err.Error(), err)
	}
	return nil
}

// RemoveNetwork removes a network.
func (d *Client) RemoveNetwork(ctx context.Context, name string) error {
	err := d.cli.NetworkRemove(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return NewDriverError("RemoveNetwork", "network", name, "network not found", ErrNetworkNotFound)
		}
		if strings.Contains(err.Error(), "has active endpoints") {
			return NewDriverError("RemoveNetwork", "network", name, "network has active endpoints", ErrNetworkInUse)
		}
		return NewDriverError("RemoveNetwork", "network", name, err.Error(), err)
	}
	return nil
}

// =============================================================================
// Container Operations
// =============================================================================

// CreateAndStart creates a container from the spec and starts it, returning
// the container id. A failed start removes the created container so retries
// do not trip over name conflicts.
func (d *Client) CreateAndStart(ctx context.Context, spec ContainerSpec) (string, error) {
	config := &container.Config{
		Image:      spec.Image,
		Cmd:        spec.Command,
		Entrypoint: spec.Entrypoint,
		Labels:     spec.Labels,
	}

	for k, v := range spec.Env {
		config.Env = append(config.Env, fmt.Sprintf("%s=%s", k, v))
	}

	hostConfig := &container.HostConfig{}

	if len(spec.Ports) > 0 {
		portBindings := nat.PortMap{}
		exposedPorts := nat.PortSet{}

		for _, p := range spec.Ports {
			proto := p.Protocol
			if proto == "" {
				proto = "tcp"
			}
			containerPort := nat.Port(fmt.Sprintf("%d/%s", p.ContainerPort, proto))
			exposedPorts[containerPort] = struct{}{}

			hostPort := ""
			if p.HostPort != 0 {
				hostPort = fmt.Sprintf("%d", p.HostPort)
			}

			portBindings[containerPort] = []nat.PortBinding{
				{
					HostIP:   p.HostIP,
					HostPort: hostPort,
				},
			}
		}

		config.ExposedPorts = exposedPorts
		hostConfig.PortBindings = portBindings
	}

	for _, m := range spec.Mounts {
		mountType := mount.TypeVolume
		if strings.HasPrefix(m.Source, "/") {
			mountType = mount.TypeBind
		}
		hostConfig.Mounts = append(hostConfig.Mounts, mount.Mount{
			Type:     mountType,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	if spec.Resources.CPULimit > 0 {
		hostConfig.NanoCPUs = int64(spec.Resources.CPULimit * 1e9)
	}
	if spec.Resources.MemoryLimit > 0 {
		hostConfig.Memory = spec.Resources.MemoryLimit
	}

	if spec.RestartPolicy.Name != "" {
		hostConfig.RestartPolicy = container.RestartPolicy{
			Name:              container.RestartPolicyMode(spec.RestartPolicy.Name),
			MaximumRetryCount: spec.RestartPolicy.MaximumRetryCount,
		}
	}

	if spec.HealthCheck != nil {
		config.Healthcheck = &container.HealthConfig{
			Test:        spec.HealthCheck.Test,
			Interval:    spec.HealthCheck.Interval,
			Timeout:     spec.HealthCheck.Timeout,
			Retries:     spec.HealthCheck.Retries,
			StartPeriod: spec.HealthCheck.StartPeriod,
		}
	}

	var networkConfig *network.NetworkingConfig
	if len(spec.Networks) > 0 {
		networkConfig = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{},
		}
		for _, n := range spec.Networks {
			// The service name becomes a DNS alias on the stack network.
			networkConfig.EndpointsConfig[n] = &network.EndpointSettings{
				Aliases: []string{spec.Labels[plan.LabelService]},
			}
		}
	}

	resp, err := d.cli.ContainerCreate(ctx, config, hostConfig, networkConfig, nil, spec.Name)
	if err != nil {
		if strings.Contains(err.Error(), "Conflict") {
			return "", NewDriverError("CreateAndStart", "container", spec.Name, "container already exists", ErrContainerAlreadyExists)
		}
		if strings.Contains(err.Error(), "port is already allocated") {
			return "", NewDriverError("CreateAndStart", "container", spec.Name, err.Error(), ErrPortAlreadyAllocated)
		}
		return "", NewDriverError("CreateAndStart", "container", spec.Name, err.Error(), err)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = d.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", NewDriverError("CreateAndStart", "container", spec.Name, err.Error(), err)
	}

	return resp.ID, nil
}

// Stop stops a running container.
func (d *Client) Stop(ctx context.Context, containerID string, timeout *time.Duration) error {
	stopOptions := container.StopOptions{}
	if timeout != nil {
		seconds := int(timeout.Seconds())
		stopOptions.Timeout = &seconds
	}

	err := d.cli.ContainerStop(ctx, containerID, stopOptions)
	if err != nil {
		if client.IsErrNotFound(err) {
			return NewDriverError("Stop", "container", containerID, "container not found", ErrContainerNotFound)
		}
		if strings.Contains(err.Error(), "is not running") {
			return NewDriverError("Stop", "container", containerID, "container is not running", ErrContainerNotRunning)
		}
		return NewDriverError("Stop", "container", containerID, err.Error(), err)
	}
	return nil
}

// Remove removes a container.
func (d *Client) Remove(ctx context.Context, containerID string, force bool) error {
	err := d.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: force})
	if err != nil {
		if client.IsErrNotFound(err) {
			return NewDriverError("Remove", "container", containerID, "container not found", ErrContainerNotFound)
		}
		return NewDriverError("Remove", "container", containerID, err.Error(), err)
	}
	return nil
}

// FindByName looks up a container by its exact name, returning nil when no
// such container exists.
func (d *Client) FindByName(ctx context.Context, name string) (*ContainerInfo, error) {
	f := filters.NewArgs()
	f.Add("name", "^/"+name+"$")

	containers, err := d.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return nil, NewDriverError("FindByName", "container", name, err.Error(), err)
	}
	if len(containers) == 0 {
		return nil, nil
	}

	info := toContainerInfo(containers[0])
	return &info, nil
}

// GetExitCode returns the exit code of a stopped container.
func (d *Client) GetExitCode(ctx context.Context, containerID string) (int, error) {
	resp, err := d.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return 0, NewDriverError("GetExitCode", "container", containerID, "container not found", ErrContainerNotFound)
		}
		return 0, NewDriverError("GetExitCode", "container", containerID, err.Error(), err)
	}
	return resp.State.ExitCode, nil
}

// =============================================================================
// Stack-Scoped Operations
// =============================================================================

// ListByStackLabel returns every container carrying the stack label,
// including stopped ones.
func (d *Client) ListByStackLabel(ctx context.Context, stackName string) ([]ContainerInfo, error) {
	f := filters.NewArgs()
	f.Add("label", fmt.Sprintf("%s=%s", plan.LabelStack, stackName))

	containers, err := d.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return nil, NewDriverError("ListByStackLabel", "container", stackName, err.Error(), err)
	}

	var result []ContainerInfo
	for _, c := range containers {
		result = append(result, toContainerInfo(c))
	}
	return result, nil
}

// StopStackContainers stops every running container of a stack, skipping
// containers labeled maintenance=ignore. Individual stop failures do not
// abort the pass.
func (d *Client) StopStackContainers(ctx context.Context, stackName string) error {
	containers, err := d.ListByStackLabel(ctx, stackName)
	if err != nil {
		return err
	}

	timeout := 10 * time.Second
	var lastErr error
	for _, c := range containers {
		if c.Labels[plan.LabelMaintenance] == plan.MaintenanceIgnore {
			continue
		}
		if c.Status != ContainerStatusRunning {
			continue
		}
		if err := d.Stop(ctx, c.ID, &timeout); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// StartStackContainers starts every stopped container of a stack, skipping
// containers labeled maintenance=ignore.
func (d *Client) StartStackContainers(ctx context.Context, stackName string) error {
	containers, err := d.ListByStackLabel(ctx, stackName)
	if err != nil {
		return err
	}

	var lastErr error
	for _, c := range containers {
		if c.Labels[plan.LabelMaintenance] == plan.MaintenanceIgnore {
			continue
		}
		if c.Status == ContainerStatusRunning {
			continue
		}
		if err := d.cli.ContainerStart(ctx, c.ID, container.StartOptions{}); err != nil {
			lastErr = NewDriverError("StartStackContainers", "container", c.ID, err.Error(), err)
		}
	}
	return lastErr
}

// =============================================================================
// Conversion Helpers
// =============================================================================

func toContainerInfo(c container.Summary) ContainerInfo {
	name := ""
	if len(c.Names) > 0 {
		name = strings.TrimPrefix(c.Names[0], "/")
	}
	return ContainerInfo{
		ID:        c.ID,
		Name:      name,
		Image:     c.Image,
		Status:    ContainerStatus(c.State),
		CreatedAt: time.Unix(c.Created, 0),
		Labels:    c.Labels,
	}
}
