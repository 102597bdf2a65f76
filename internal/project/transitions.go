package project

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/terrpan/gateway/internal/engine"
	"github.com/terrpan/gateway/internal/gateway"
)

// Container labels set on every project container.
const (
	LabelProject = "gateway.project"
	LabelAccount = "gateway.account"
)

// Next performs one step of the lifecycle.  It never fails: runtime
// errors become the errored variant.  Waiting between probes happens
// here so that a driver pulling a ready project does not spin; when ctx
// is cancelled mid-wait the project is returned unchanged.
func (p Project) Next(ctx context.Context, c gateway.Context) Project {
	rt := c.Runtime()
	cfg := c.Config()

	switch p.Status {
	case StatusCreating:
		id, err := rt.CreateContainer(ctx, p.containerSpec(c))
		return gateway.IntoEndState(id, err, func(id string) Project {
			next := p.to(StatusStarting)
			next.ContainerID = id
			return next
		}, p.fail(gateway.Internal))

	case StatusStarting:
		err := rt.StartContainer(ctx, p.target(c))
		if errors.Is(err, engine.ErrNotFound) {
			// Removed behind our back; build a new one.
			next := p.to(StatusCreating)
			next.ContainerID = ""
			next.Address = ""
			return next
		}
		return gateway.IntoEndState(struct{}{}, err, func(struct{}) Project {
			return p.to(StatusStarted)
		}, p.fail(gateway.Internal))

	case StatusStarted:
		info, err := rt.InspectContainer(ctx, p.target(c))
		if err != nil {
			return p.fail(gateway.ProjectNotReady)(err)
		}
		if info.Healthy() {
			next := p.to(StatusReady)
			next.Address = info.IPAddress
			return next
		}
		if !info.Running {
			return p.fail(gateway.ProjectNotReady)(fmt.Errorf("container %s exited during startup (%s)", info.Name, info.Status))
		}
		next := p
		next.Attempts++
		if next.Attempts >= cfg.Project.StartAttempts {
			return p.fail(gateway.ProjectNotReady)(fmt.Errorf("container %s not healthy after %d probes", info.Name, next.Attempts))
		}
		if !wait(ctx, cfg.Project.PollInterval) {
			return p
		}
		return next

	case StatusReady:
		if !wait(ctx, cfg.Project.PollInterval) {
			return p
		}
		info, err := rt.InspectContainer(ctx, p.target(c))
		if err != nil {
			return p.fail(gateway.ProjectUnavailable)(err)
		}
		if !info.Healthy() {
			return p.fail(gateway.ProjectUnavailable)(fmt.Errorf("container %s is %s (health %s)", info.Name, info.Status, info.Health))
		}
		next := p
		next.Address = info.IPAddress
		return next

	case StatusStopping:
		err := rt.StopContainer(ctx, p.target(c))
		if errors.Is(err, engine.ErrNotFound) {
			err = nil
		}
		return gateway.IntoEndState(struct{}{}, err, func(struct{}) Project {
			next := p.to(StatusStopped)
			next.Address = ""
			return next
		}, p.fail(gateway.Internal))

	case StatusDestroying:
		err := rt.RemoveContainer(ctx, p.target(c))
		return gateway.IntoEndState(struct{}{}, err, func(struct{}) Project {
			next := p.to(StatusDestroyed)
			next.ContainerID = ""
			next.Address = ""
			return next
		}, p.fail(gateway.Internal))

	default:
		// stopped, destroyed and errored have nothing left to do.
		return p
	}
}

// Refresh reconciles the snapshot with what the runtime actually runs.
// It heals the window between a runtime call and the commit of its
// result, e.g. a crash after a container was started.
func (p Project) Refresh(ctx context.Context, c gateway.Context) (Project, error) {
	switch p.Status {
	case StatusDestroyed, StatusErrored:
		return p, nil
	}

	info, err := c.Runtime().InspectContainer(ctx, p.target(c))
	if errors.Is(err, engine.ErrNotFound) {
		switch p.Status {
		case StatusDestroying:
			next := p.to(StatusDestroyed)
			next.ContainerID = ""
			next.Address = ""
			return next, nil
		case StatusStopped, StatusStopping:
			next := p.to(StatusStopped)
			next.ContainerID = ""
			next.Address = ""
			return next, nil
		default:
			next := p.to(StatusCreating)
			next.ContainerID = ""
			next.Address = ""
			return next, nil
		}
	}
	if err != nil {
		return p, gateway.Source(gateway.Internal, fmt.Errorf("refreshing %s: %w", p.Name, err))
	}

	next := p
	next.ContainerID = info.ID
	switch p.Status {
	case StatusDestroying, StatusStopping:
		return next, nil
	case StatusStopped:
		if info.Running {
			return next.to(StatusStopping), nil
		}
		return next, nil
	}

	switch {
	case info.Healthy():
		next = next.to(StatusReady)
		next.Address = info.IPAddress
	case info.Running:
		next = next.to(StatusStarted)
	default:
		next = next.to(StatusStarting)
	}
	return next, nil
}

// target names the container for runtime calls: its id once known,
// its name before.
func (p Project) target(c gateway.Context) string {
	if p.ContainerID != "" {
		return p.ContainerID
	}
	return c.Config().ContainerName(p.Name.String())
}

func (p Project) containerSpec(c gateway.Context) engine.ContainerSpec {
	cfg := c.Config()
	return engine.ContainerSpec{
		Name: cfg.ContainerName(p.Name.String()),
		Env: []string{
			"PROJECT_NAME=" + p.Name.String(),
			"PROVISIONER_ADDRESS=" + cfg.Runtime.ProvisionerAddress,
			fmt.Sprintf("PORT=%d", cfg.Project.Port),
		},
		Labels: map[string]string{
			LabelProject: p.Name.String(),
			LabelAccount: p.Account.String(),
		},
		HealthCmd: cfg.Project.HealthCmd,
	}
}

// wait pauses for d, returning false if ctx ends first.
func wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
