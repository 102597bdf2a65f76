package docker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrpan/gateway/internal/engine"
)

// ---------------------------------------------------------------------------
// Fake Docker client
// ---------------------------------------------------------------------------

// fakeClient implements the calls the runtime makes; any other call
// panics on the nil embedded interface.
type fakeClient struct {
	dockerclient.APIClient

	mu        sync.Mutex
	created   []*container.Config
	networks  []*network.NetworkingConfig
	byName    map[string]string
	inspect   map[string]container.InspectResponse
	stopped   []string
	removed   []string
	stopOpts  []container.StopOptions
	list      []container.Summary
	createErr error
	removeErr error
	startErr  error
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		byName:  make(map[string]string),
		inspect: make(map[string]container.InspectResponse),
	}
}

func (f *fakeClient) ContainerCreate(_ context.Context, cfg *container.Config, _ *container.HostConfig, net *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return container.CreateResponse{}, f.createErr
	}
	if _, ok := f.byName[name]; ok {
		return container.CreateResponse{}, fmt.Errorf("name %q in use: %w", name, cerrdefs.ErrConflict)
	}
	id := fmt.Sprintf("id-%d", len(f.created)+1)
	f.created = append(f.created, cfg)
	f.networks = append(f.networks, net)
	f.byName[name] = id
	f.inspect[id] = container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{ID: id, Name: "/" + name},
	}
	return container.CreateResponse{ID: id}, nil
}

func (f *fakeClient) ContainerInspect(_ context.Context, id string) (container.InspectResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if byName, ok := f.byName[id]; ok {
		id = byName
	}
	resp, ok := f.inspect[id]
	if !ok {
		return container.InspectResponse{}, fmt.Errorf("no such container %s: %w", id, cerrdefs.ErrNotFound)
	}
	return resp, nil
}

func (f *fakeClient) ContainerStart(_ context.Context, id string, _ container.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	return nil
}

func (f *fakeClient) ContainerStop(_ context.Context, id string, opts container.StopOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	f.stopOpts = append(f.stopOpts, opts)
	return nil
}

func (f *fakeClient) ContainerRemove(_ context.Context, id string, _ container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removeErr != nil {
		return f.removeErr
	}
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeClient) ContainerList(_ context.Context, _ container.ListOptions) ([]container.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.list, nil
}

func (f *fakeClient) Close() error { return nil }

func newTestRuntime(f *fakeClient, cfg Config) *Runtime {
	return newRuntime(f, cfg, slog.New(slog.DiscardHandler))
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestCreateContainer(t *testing.T) {
	f := newFakeClient()
	rt := newTestRuntime(f, Config{Image: "example/runtime:latest", Network: "net-1"})

	id, err := rt.CreateContainer(context.Background(), engine.ContainerSpec{
		Name:      "gateway_alpha_run",
		Env:       []string{"PROJECT_NAME=alpha"},
		Labels:    map[string]string{"gateway.project": "alpha"},
		HealthCmd: []string{"curl", "-f", "localhost:8000"},
	})
	require.NoError(t, err)
	assert.Equal(t, "id-1", id)

	require.Len(t, f.created, 1)
	cfg := f.created[0]
	assert.Equal(t, "example/runtime:latest", cfg.Image)
	assert.Equal(t, []string{"PROJECT_NAME=alpha"}, cfg.Env)
	assert.Equal(t, "alpha", cfg.Labels["gateway.project"])
	require.NotNil(t, cfg.Healthcheck)
	assert.Equal(t, []string{"CMD", "curl", "-f", "localhost:8000"}, cfg.Healthcheck.Test)

	require.NotNil(t, f.networks[0])
	assert.Contains(t, f.networks[0].EndpointsConfig, "net-1")
}

func TestCreateContainer_AdoptsOnConflict(t *testing.T) {
	f := newFakeClient()
	rt := newTestRuntime(f, Config{Image: "example/runtime:latest"})
	spec := engine.ContainerSpec{Name: "gateway_alpha_run"}

	first, err := rt.CreateContainer(context.Background(), spec)
	require.NoError(t, err)
	second, err := rt.CreateContainer(context.Background(), spec)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, f.created, 1)
	assert.Nil(t, f.networks[0], "no network configured")
}

func TestCreateContainer_OtherErrors(t *testing.T) {
	f := newFakeClient()
	f.createErr = errors.New("daemon unreachable")
	rt := newTestRuntime(f, Config{})

	_, err := rt.CreateContainer(context.Background(), engine.ContainerSpec{Name: "x"})
	require.Error(t, err)
	assert.False(t, errors.Is(err, engine.ErrNotFound))
}

func TestInspectContainer(t *testing.T) {
	f := newFakeClient()
	f.inspect["id-7"] = container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{
			ID:   "id-7",
			Name: "/gateway_alpha_run",
			State: &container.State{
				Status:  "running",
				Running: true,
				Health:  &container.Health{Status: "healthy"},
			},
		},
		Config: &container.Config{Labels: map[string]string{"gateway.project": "alpha"}},
		NetworkSettings: &container.NetworkSettings{
			Networks: map[string]*network.EndpointSettings{
				"bridge": {NetworkID: "n-0", IPAddress: "172.17.0.2"},
				"net-1":  {NetworkID: "n-1", IPAddress: "10.1.0.5"},
			},
		},
	}
	rt := newTestRuntime(f, Config{Network: "net-1"})

	info, err := rt.InspectContainer(context.Background(), "id-7")
	require.NoError(t, err)
	assert.Equal(t, engine.ContainerInfo{
		ID:        "id-7",
		Name:      "gateway_alpha_run",
		Running:   true,
		Status:    "running",
		Health:    engine.HealthHealthy,
		IPAddress: "10.1.0.5",
		Labels:    map[string]string{"gateway.project": "alpha"},
	}, info)
	assert.True(t, info.Healthy())
}

func TestNotFoundIsTranslated(t *testing.T) {
	f := newFakeClient()
	f.startErr = fmt.Errorf("no such container: %w", cerrdefs.ErrNotFound)
	rt := newTestRuntime(f, Config{})

	_, err := rt.InspectContainer(context.Background(), "missing")
	assert.True(t, errors.Is(err, engine.ErrNotFound))

	err = rt.StartContainer(context.Background(), "missing")
	assert.True(t, errors.Is(err, engine.ErrNotFound))
}

func TestStopContainer_UsesTimeout(t *testing.T) {
	f := newFakeClient()
	rt := newTestRuntime(f, Config{StopTimeout: 3 * time.Second})

	require.NoError(t, rt.StopContainer(context.Background(), "id-1"))
	require.Len(t, f.stopOpts, 1)
	require.NotNil(t, f.stopOpts[0].Timeout)
	assert.Equal(t, 3, *f.stopOpts[0].Timeout)
}

func TestRemoveContainer_Idempotent(t *testing.T) {
	f := newFakeClient()
	f.removeErr = fmt.Errorf("no such container: %w", cerrdefs.ErrNotFound)
	rt := newTestRuntime(f, Config{})

	assert.NoError(t, rt.RemoveContainer(context.Background(), "id-1"))

	f.removeErr = errors.New("permission denied")
	assert.Error(t, rt.RemoveContainer(context.Background(), "id-1"))
}

func TestListContainers_FiltersPrefix(t *testing.T) {
	f := newFakeClient()
	f.list = []container.Summary{
		{ID: "id-1", Names: []string{"/gateway_alpha_run"}, State: "running"},
		{ID: "id-2", Names: []string{"/gateway_beta_run"}, State: "exited"},
		{ID: "id-3", Names: []string{"/other_gateway_run"}, State: "running"},
	}
	rt := newTestRuntime(f, Config{})

	infos, err := rt.ListContainers(context.Background(), "gateway_")
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "gateway_alpha_run", infos[0].Name)
	assert.True(t, infos[0].Running)
	assert.False(t, infos[1].Running)
}
