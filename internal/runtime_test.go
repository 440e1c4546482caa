package internal

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubDockerAPI records calls and serves canned responses for the narrow
// client surface DockerRuntime uses.
type stubDockerAPI struct {
	networkCreates map[string]network.CreateOptions
	networkRemoves []string
	connects       []string

	createdConfig  *container.Config
	createdNetwork *network.NetworkingConfig
	createdName    string

	inspect    types.ContainerJSON
	inspectErr error
	logs       []byte
	logsErr    error
	removeErr  error
	stopErr    error
}

func newStubDockerAPI() *stubDockerAPI {
	return &stubDockerAPI{networkCreates: make(map[string]network.CreateOptions)}
}

func (s *stubDockerAPI) NegotiateAPIVersion(context.Context) {}

func (s *stubDockerAPI) NetworkCreate(_ context.Context, name string, options network.CreateOptions) (network.CreateResponse, error) {
	s.networkCreates[name] = options
	return network.CreateResponse{ID: "net-" + name}, nil
}

func (s *stubDockerAPI) NetworkRemove(_ context.Context, networkID string) error {
	s.networkRemoves = append(s.networkRemoves, networkID)
	return s.removeErr
}

func (s *stubDockerAPI) NetworkConnect(_ context.Context, networkID, containerID string, _ *network.EndpointSettings) error {
	s.connects = append(s.connects, networkID+":"+containerID)
	return nil
}

func (s *stubDockerAPI) ContainerCreate(_ context.Context, config *container.Config, _ *container.HostConfig,
	networkingConfig *network.NetworkingConfig, _ *ocispec.Platform, containerName string) (container.CreateResponse, error) {
	s.createdConfig = config
	s.createdNetwork = networkingConfig
	s.createdName = containerName
	return container.CreateResponse{ID: "ctr-" + containerName}, nil
}

func (s *stubDockerAPI) ContainerStart(context.Context, string, container.StartOptions) error {
	return nil
}

func (s *stubDockerAPI) ContainerStop(_ context.Context, _ string, _ container.StopOptions) error {
	return s.stopErr
}

func (s *stubDockerAPI) ContainerRemove(_ context.Context, _ string, _ container.RemoveOptions) error {
	return s.removeErr
}

func (s *stubDockerAPI) ContainerInspect(context.Context, string) (types.ContainerJSON, error) {
	return s.inspect, s.inspectErr
}

func (s *stubDockerAPI) ContainerLogs(context.Context, string, container.LogsOptions) (io.ReadCloser, error) {
	if s.logsErr != nil {
		return nil, s.logsErr
	}
	return io.NopCloser(bytes.NewReader(s.logs)), nil
}

func (s *stubDockerAPI) Close() error { return nil }

func stubRuntime(api *stubDockerAPI) *DockerRuntime {
	return &DockerRuntime{api: api, logger: DefaultDockerRuntimeConfig().Logger}
}

func TestDockerRuntimeCreateNetwork(t *testing.T) {
	api := newStubDockerAPI()
	r := stubRuntime(api)

	err := r.CreateNetwork(context.Background(), NetworkSpec{
		Name:     "nat-a",
		Subnet:   "10.91.0.0/24",
		Internal: true,
	})
	require.NoError(t, err)

	opts, ok := api.networkCreates["nat-a"]
	require.True(t, ok)
	assert.True(t, opts.Internal)
	require.NotNil(t, opts.IPAM)
	require.Len(t, opts.IPAM.Config, 1)
	assert.Equal(t, "10.91.0.0/24", opts.IPAM.Config[0].Subnet)
}

func TestDockerRuntimeCreateInstanceMultiHomed(t *testing.T) {
	api := newStubDockerAPI()
	r := stubRuntime(api)

	spec := InstanceSpec{
		Name:     "peer-a",
		Image:    "nat-test-node:latest",
		Cmd:      []string{"--log-nat-verbose", "--seed", "BOOTID1@bootstrap"},
		Env:      []string{"NODE_ROLE=peer"},
		Networks: []string{"nat-a", "public-net"},
		Labels:   map[string]string{"nattest.instance": "peer-a"},
	}
	require.NoError(t, r.CreateInstance(context.Background(), spec))

	assert.Equal(t, "peer-a", api.createdName)
	assert.Equal(t, "nat-test-node:latest", api.createdConfig.Image)
	assert.Contains(t, api.createdNetwork.EndpointsConfig, "nat-a", "primary network attached at create")
	assert.Equal(t, []string{"public-net:ctr-peer-a"}, api.connects, "secondary networks attached before start")
}

func TestDockerRuntimeCreateInstanceRequiresNetwork(t *testing.T) {
	r := stubRuntime(newStubDockerAPI())
	err := r.CreateInstance(context.Background(), InstanceSpec{Name: "peer-a"})
	assert.Error(t, err)
}

func TestDockerRuntimeRemovalsTolerateAbsence(t *testing.T) {
	api := newStubDockerAPI()
	api.removeErr = errdefs.NotFound(errors.New("no such container"))
	api.stopErr = errdefs.NotFound(errors.New("no such container"))
	r := stubRuntime(api)

	ctx := context.Background()
	assert.NoError(t, r.RemoveInstance(ctx, "ghost"))
	assert.NoError(t, r.StopInstance(ctx, "ghost"))
	assert.NoError(t, r.RemoveNetwork(ctx, "ghost-net"))
}

func TestDockerRuntimeInspectStartTime(t *testing.T) {
	api := newStubDockerAPI()
	api.inspect = types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{
			State: &types.ContainerState{
				Running:   true,
				StartedAt: "2025-06-01T12:00:01.500000000Z",
			},
		},
	}
	r := stubRuntime(api)

	started, err := r.InspectStartTime(context.Background(), "bootstrap")
	require.NoError(t, err)
	assert.Equal(t, testBase.Add(1500*time.Millisecond), started)
}

func TestDockerRuntimeInspectStartTimeUnavailable(t *testing.T) {
	api := newStubDockerAPI()
	api.inspectErr = errdefs.NotFound(errors.New("no such container"))
	r := stubRuntime(api)

	_, err := r.InspectStartTime(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrSourceUnavailable)

	// Created but not yet running reads the same way: retry later.
	api.inspectErr = nil
	api.inspect = types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{State: &types.ContainerState{Running: false}},
	}
	_, err = r.InspectStartTime(context.Background(), "bootstrap")
	assert.ErrorIs(t, err, ErrSourceUnavailable)
}

func TestDockerRuntimeLogsSinceDemultiplexes(t *testing.T) {
	var framed bytes.Buffer
	stdout := stdcopy.NewStdWriter(&framed, stdcopy.Stdout)
	stderr := stdcopy.NewStdWriter(&framed, stdcopy.Stderr)
	_, err := stdout.Write([]byte("2025-06-01T12:00:02Z identifier=ABC123\n"))
	require.NoError(t, err)
	_, err = stderr.Write([]byte("2025-06-01T12:00:03Z dcutr attempts=1 successes=0 failures=1\n"))
	require.NoError(t, err)

	api := newStubDockerAPI()
	api.logs = framed.Bytes()
	r := stubRuntime(api)

	rc, err := r.LogsSince(context.Background(), "bootstrap", testBase)
	require.NoError(t, err)
	defer rc.Close()

	out, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Contains(t, string(out), "identifier=ABC123")
	assert.Contains(t, string(out), "dcutr attempts=1")
	assert.NotContains(t, string(out), "\x01", "stream framing stripped")
}

func TestDockerRuntimeLogsSinceUnavailable(t *testing.T) {
	api := newStubDockerAPI()
	api.logsErr = errdefs.NotFound(errors.New("no such container"))
	r := stubRuntime(api)

	_, err := r.LogsSince(context.Background(), "ghost", testBase)
	assert.ErrorIs(t, err, ErrSourceUnavailable)
}
