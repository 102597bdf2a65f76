// Package docker implements the engine.Runtime interface on top of the
// Docker daemon.  Project containers are attached to a shared network
// so the gateway proxy can reach them by address.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/gateway/internal/engine"
)

// Config holds Docker-specific settings.
type Config struct {
	// Image is the default image of project containers.
	Image string

	// Network is the id or name of the network every project container
	// joins.  Empty leaves containers on the daemon's default network.
	Network string

	// StopTimeout bounds how long a container gets to exit before it
	// is killed.  Default: 10s.
	StopTimeout time.Duration

	// Pull pulls Image when the engine is created.
	Pull bool
}

// Runtime manages project containers through the Docker API.
type Runtime struct {
	client      dockerclient.APIClient
	image       string
	network     string
	stopTimeout time.Duration
	logger      *slog.Logger
	tracer      trace.Tracer
}

// Compile-time check that Runtime satisfies the engine.Runtime interface.
var _ engine.Runtime = (*Runtime)(nil)

// New connects to the daemon found in the environment and, when asked
// to, pulls the default image so the first project does not wait on it.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Runtime, error) {
	client, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	r := newRuntime(client, cfg, logger)
	if cfg.Pull && cfg.Image != "" {
		if err := r.pull(ctx, cfg.Image); err != nil {
			_ = client.Close()
			return nil, err
		}
	}
	return r, nil
}

func newRuntime(client dockerclient.APIClient, cfg Config, logger *slog.Logger) *Runtime {
	if cfg.StopTimeout == 0 {
		cfg.StopTimeout = 10 * time.Second
	}
	return &Runtime{
		client:      client,
		image:       cfg.Image,
		network:     cfg.Network,
		stopTimeout: cfg.StopTimeout,
		logger:      logger,
		tracer:      otel.Tracer("gateway/engine/docker"),
	}
}

func (r *Runtime) pull(ctx context.Context, ref string) error {
	r.logger.Info("pulling project image", slog.String("image", ref))

	pull, err := r.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("image pull %s: %w", ref, err)
	}
	// Drain and close the pull stream so the image is fully downloaded.
	if _, err := io.ReadAll(pull); err != nil {
		_ = pull.Close()
		return fmt.Errorf("reading image pull response: %w", err)
	}
	if err := pull.Close(); err != nil {
		return fmt.Errorf("closing image pull stream: %w", err)
	}

	r.logger.Info("project image ready", slog.String("image", ref))
	return nil
}

// CreateContainer creates the container described by spec, adopting an
// existing container of the same name.
func (r *Runtime) CreateContainer(ctx context.Context, spec engine.ContainerSpec) (string, error) {
	ctx, span := r.tracer.Start(ctx, "docker.CreateContainer")
	defer span.End()
	span.SetAttributes(attribute.String("container.name", spec.Name))

	img := spec.Image
	if img == "" {
		img = r.image
	}

	cfg := &container.Config{
		Image:  img,
		Cmd:    spec.Cmd,
		Env:    spec.Env,
		Labels: spec.Labels,
	}
	if len(spec.HealthCmd) > 0 {
		cfg.Healthcheck = &container.HealthConfig{
			Test:     append([]string{"CMD"}, spec.HealthCmd...),
			Interval: 5 * time.Second,
			Timeout:  2 * time.Second,
			Retries:  3,
		}
	}

	var netCfg *network.NetworkingConfig
	if r.network != "" {
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				r.network: {},
			},
		}
	}

	resp, err := r.client.ContainerCreate(ctx, cfg, &container.HostConfig{}, netCfg, nil, spec.Name)
	if err != nil {
		if !cerrdefs.IsConflict(err) {
			return "", fmt.Errorf("container create %s: %w", spec.Name, err)
		}
		// A previous attempt created it before its state was committed.
		existing, ierr := r.client.ContainerInspect(ctx, spec.Name)
		if ierr != nil {
			return "", fmt.Errorf("container inspect %s: %w", spec.Name, ierr)
		}
		r.logger.Info("adopting existing container",
			slog.String("name", spec.Name),
			slog.String("containerID", existing.ID),
		)
		return existing.ID, nil
	}

	for _, w := range resp.Warnings {
		r.logger.Warn("container create warning",
			slog.String("name", spec.Name),
			slog.String("warning", w),
		)
	}

	r.logger.Info("container created",
		slog.String("name", spec.Name),
		slog.String("containerID", resp.ID),
	)
	return resp.ID, nil
}

// StartContainer starts the container identified by id.
func (r *Runtime) StartContainer(ctx context.Context, id string) error {
	ctx, span := r.tracer.Start(ctx, "docker.StartContainer")
	defer span.End()
	span.SetAttributes(attribute.String("container.id", id))

	if err := r.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("container start %s: %w", id, translate(err))
	}
	return nil
}

// InspectContainer reports the live state of the container.
func (r *Runtime) InspectContainer(ctx context.Context, id string) (engine.ContainerInfo, error) {
	resp, err := r.client.ContainerInspect(ctx, id)
	if err != nil {
		return engine.ContainerInfo{}, fmt.Errorf("container inspect %s: %w", id, translate(err))
	}

	info := engine.ContainerInfo{
		ID:     resp.ID,
		Name:   strings.TrimPrefix(resp.Name, "/"),
		Health: engine.HealthNone,
	}
	if resp.Config != nil {
		info.Labels = resp.Config.Labels
	}
	if st := resp.State; st != nil {
		info.Running = st.Running
		info.Status = string(st.Status)
		if st.Health != nil && st.Health.Status != "" {
			info.Health = string(st.Health.Status)
		}
	}
	if ns := resp.NetworkSettings; ns != nil {
		info.IPAddress = r.address(ns.Networks)
	}
	return info, nil
}

// StopContainer stops the container, killing it after the stop timeout.
func (r *Runtime) StopContainer(ctx context.Context, id string) error {
	ctx, span := r.tracer.Start(ctx, "docker.StopContainer")
	defer span.End()
	span.SetAttributes(attribute.String("container.id", id))

	timeout := int(r.stopTimeout.Seconds())
	if err := r.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("container stop %s: %w", id, translate(err))
	}
	return nil
}

// RemoveContainer force-removes the container; a missing container is
// already removed.
func (r *Runtime) RemoveContainer(ctx context.Context, id string) error {
	ctx, span := r.tracer.Start(ctx, "docker.RemoveContainer")
	defer span.End()
	span.SetAttributes(attribute.String("container.id", id))

	err := r.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("container remove %s: %w", id, err)
	}
	r.logger.Info("container removed", slog.String("containerID", id))
	return nil
}

// ListContainers lists containers whose name starts with prefix.
func (r *Runtime) ListContainers(ctx context.Context, prefix string) ([]engine.ContainerInfo, error) {
	list, err := r.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", "^/"+prefix)),
	})
	if err != nil {
		return nil, fmt.Errorf("container list: %w", err)
	}

	infos := make([]engine.ContainerInfo, 0, len(list))
	for _, c := range list {
		info := engine.ContainerInfo{
			ID:      c.ID,
			Status:  string(c.State),
			Running: string(c.State) == "running",
			Health:  engine.HealthNone,
			Labels:  c.Labels,
		}
		if len(c.Names) > 0 {
			info.Name = strings.TrimPrefix(c.Names[0], "/")
		}
		if !strings.HasPrefix(info.Name, prefix) {
			continue
		}
		if c.NetworkSettings != nil {
			info.IPAddress = r.address(c.NetworkSettings.Networks)
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// Close closes the Docker client.
func (r *Runtime) Close() error {
	return r.client.Close()
}

// address picks the container address on the configured network, or
// the first address found when no network is configured.
func (r *Runtime) address(networks map[string]*network.EndpointSettings) string {
	if ep, ok := networks[r.network]; ok && ep != nil {
		return ep.IPAddress
	}
	for _, ep := range networks {
		if ep == nil {
			continue
		}
		if r.network == "" || ep.NetworkID == r.network {
			return ep.IPAddress
		}
	}
	return ""
}

// translate maps daemon not-found errors onto engine.ErrNotFound.
func translate(err error) error {
	if cerrdefs.IsNotFound(err) {
		return fmt.Errorf("%w: %w", engine.ErrNotFound, err)
	}
	return err
}
