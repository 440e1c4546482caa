package internal

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	docker "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"
)

// NetworkSpec describes a network segment at the runtime level.
type NetworkSpec struct {
	Name     string
	Subnet   string
	Internal bool
	Labels   map[string]string
}

// InstanceSpec describes a container at the runtime level. Networks lists
// the segment names the container is attached to; the first entry is the
// primary attachment.
type InstanceSpec struct {
	Name     string
	Image    string
	Cmd      []string
	Env      []string
	Networks []string
	Labels   map[string]string
}

// ContainerRuntime is the narrow capability the orchestration core needs
// from a container/network runtime. The core never issues runtime-specific
// commands directly; any runtime that can create isolated networks, run
// named instances on them, and expose timestamped logs can implement it.
//
// Removal operations are idempotent: removing an absent resource is not an
// error.
type ContainerRuntime interface {
	CreateNetwork(ctx context.Context, spec NetworkSpec) error
	RemoveNetwork(ctx context.Context, name string) error

	CreateInstance(ctx context.Context, spec InstanceSpec) error
	StartInstance(ctx context.Context, name string) error
	StopInstance(ctx context.Context, name string) error
	RemoveInstance(ctx context.Context, name string) error

	// InspectStartTime reports when the current incarnation of the named
	// instance started. Returns ErrSourceUnavailable if the instance does
	// not exist or has not started.
	InspectStartTime(ctx context.Context, name string) (time.Time, error)

	// LogsSince returns the instance's combined timestamped output produced
	// at or after since. Each line carries an RFC3339Nano timestamp prefix.
	// Returns ErrSourceUnavailable if the instance does not exist.
	LogsSince(ctx context.Context, name string, since time.Time) (io.ReadCloser, error)

	Close() error
}

// dockerAPI is the subset of the Docker SDK client used by DockerRuntime,
// kept narrow so tests can substitute a fake.
type dockerAPI interface {
	NegotiateAPIVersion(ctx context.Context)
	NetworkCreate(ctx context.Context, name string, options network.CreateOptions) (network.CreateResponse, error)
	NetworkRemove(ctx context.Context, networkID string) error
	NetworkConnect(ctx context.Context, networkID, containerID string, config *network.EndpointSettings) error
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	Close() error
}

// DockerRuntime implements ContainerRuntime against a Docker engine.
type DockerRuntime struct {
	api    dockerAPI
	logger *logrus.Entry
}

// DockerRuntimeConfig holds configuration for the Docker runtime adapter.
type DockerRuntimeConfig struct {
	// Host is the Docker daemon address. Empty selects the default host.
	Host   string
	Logger *logrus.Entry
}

// DefaultDockerRuntimeConfig returns a default Docker runtime configuration.
func DefaultDockerRuntimeConfig() *DockerRuntimeConfig {
	return &DockerRuntimeConfig{
		Host:   docker.DefaultDockerHost,
		Logger: logrus.WithField("component", "runtime"),
	}
}

// NewDockerRuntime creates a DockerRuntime connected to the configured
// daemon. API version negotiation happens on first use.
func NewDockerRuntime(ctx context.Context, config *DockerRuntimeConfig) (*DockerRuntime, error) {
	if config == nil {
		config = DefaultDockerRuntimeConfig()
	}

	opts := []docker.Opt{docker.WithAPIVersionNegotiation()}
	if config.Host != "" {
		opts = append(opts, docker.WithHost(config.Host))
	} else {
		opts = append(opts, docker.FromEnv)
	}

	api, err := docker.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	api.NegotiateAPIVersion(ctx)

	logger := config.Logger
	if logger == nil {
		logger = logrus.WithField("component", "runtime")
	}

	return &DockerRuntime{api: api, logger: logger}, nil
}

// CreateNetwork creates a bridge network with the segment's subnet. Private
// segments become internal networks with no external routing.
func (r *DockerRuntime) CreateNetwork(ctx context.Context, spec NetworkSpec) error {
	opts := network.CreateOptions{
		Driver:   "bridge",
		Internal: spec.Internal,
		Labels:   spec.Labels,
	}
	if spec.Subnet != "" {
		opts.IPAM = &network.IPAM{
			Config: []network.IPAMConfig{{Subnet: spec.Subnet}},
		}
	}

	if _, err := r.api.NetworkCreate(ctx, spec.Name, opts); err != nil {
		return fmt.Errorf("failed to create network %q: %w", spec.Name, err)
	}
	r.logger.WithFields(logrus.Fields{
		"network":  spec.Name,
		"subnet":   spec.Subnet,
		"internal": spec.Internal,
	}).Debug("Network created")
	return nil
}

// RemoveNetwork removes a network. Absent networks are not an error.
func (r *DockerRuntime) RemoveNetwork(ctx context.Context, name string) error {
	if err := r.api.NetworkRemove(ctx, name); err != nil {
		if docker.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to remove network %q: %w", name, err)
	}
	return nil
}

// CreateInstance creates the container attached to its primary network and
// connects any additional networks before start, so multi-homed peers come
// up with all memberships in place.
func (r *DockerRuntime) CreateInstance(ctx context.Context, spec InstanceSpec) error {
	if len(spec.Networks) == 0 {
		return fmt.Errorf("instance %q has no network memberships", spec.Name)
	}

	netConfig := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			spec.Networks[0]: {},
		},
	}

	resp, err := r.api.ContainerCreate(ctx,
		&container.Config{
			Image:  spec.Image,
			Cmd:    spec.Cmd,
			Env:    spec.Env,
			Labels: spec.Labels,
		},
		&container.HostConfig{},
		netConfig, nil, spec.Name)
	if err != nil {
		return fmt.Errorf("failed to create instance %q: %w", spec.Name, err)
	}

	for _, nw := range spec.Networks[1:] {
		if err := r.api.NetworkConnect(ctx, nw, resp.ID, nil); err != nil {
			return fmt.Errorf("failed to attach instance %q to network %q: %w", spec.Name, nw, err)
		}
	}

	r.logger.WithFields(logrus.Fields{
		"instance": spec.Name,
		"image":    spec.Image,
		"networks": spec.Networks,
	}).Debug("Instance created")
	return nil
}

// StartInstance starts a created container.
func (r *DockerRuntime) StartInstance(ctx context.Context, name string) error {
	if err := r.api.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start instance %q: %w", name, err)
	}
	return nil
}

// StopInstance stops a running container. Absent containers are not an error.
func (r *DockerRuntime) StopInstance(ctx context.Context, name string) error {
	timeout := 10
	if err := r.api.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeout}); err != nil {
		if docker.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to stop instance %q: %w", name, err)
	}
	return nil
}

// RemoveInstance force-removes a container. Absent containers are not an
// error, which keeps teardown repeatable.
func (r *DockerRuntime) RemoveInstance(ctx context.Context, name string) error {
	if err := r.api.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil {
		if docker.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to remove instance %q: %w", name, err)
	}
	return nil
}

// InspectStartTime reads the start timestamp of the current container
// incarnation. All log queries for this instance are scoped to this time so
// output from a prior container under the same name never leaks through.
func (r *DockerRuntime) InspectStartTime(ctx context.Context, name string) (time.Time, error) {
	info, err := r.api.ContainerInspect(ctx, name)
	if err != nil {
		if docker.IsErrNotFound(err) {
			return time.Time{}, fmt.Errorf("instance %q: %w", name, ErrSourceUnavailable)
		}
		return time.Time{}, fmt.Errorf("failed to inspect instance %q: %w", name, err)
	}
	if info.State == nil || !info.State.Running {
		return time.Time{}, fmt.Errorf("instance %q not running: %w", name, ErrSourceUnavailable)
	}

	started, err := time.Parse(time.RFC3339Nano, info.State.StartedAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse start time of %q: %w", name, err)
	}
	return started, nil
}

// LogsSince fetches the instance's combined stdout/stderr produced at or
// after since, demultiplexed into plain timestamped text.
func (r *DockerRuntime) LogsSince(ctx context.Context, name string, since time.Time) (io.ReadCloser, error) {
	opts := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Timestamps: true,
	}
	if !since.IsZero() {
		opts.Since = since.UTC().Format(time.RFC3339Nano)
	}

	raw, err := r.api.ContainerLogs(ctx, name, opts)
	if err != nil {
		if docker.IsErrNotFound(err) {
			return nil, fmt.Errorf("instance %q: %w", name, ErrSourceUnavailable)
		}
		return nil, fmt.Errorf("failed to fetch logs of %q: %w", name, err)
	}
	defer raw.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, raw); err != nil {
		return nil, fmt.Errorf("failed to demultiplex logs of %q: %w", name, err)
	}
	return io.NopCloser(&buf), nil
}

// Close releases the underlying client connection.
func (r *DockerRuntime) Close() error {
	return r.api.Close()
}
