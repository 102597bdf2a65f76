// Package engine defines the container runtime the gateway runs user
// projects on.  Project transitions talk to the runtime only through
// the Runtime interface so that the lifecycle stays backend-agnostic
// and can be exercised against fakes.
package engine

import (
	"context"
	"errors"
)

// ErrNotFound is returned (possibly wrapped) when a container does not
// exist.
var ErrNotFound = errors.New("container not found")

// Container health as reported by the runtime healthcheck.
const (
	HealthNone      = "none"
	HealthStarting  = "starting"
	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"
)

// ContainerSpec describes a project container to create.
type ContainerSpec struct {
	// Name is the runtime-wide unique container name.
	Name string

	// Image overrides the runtime's default image when set.
	Image string

	// Cmd overrides the image command when set.
	Cmd    []string
	Env    []string
	Labels map[string]string

	// HealthCmd is run inside the container to probe readiness.  Empty
	// disables the healthcheck.
	HealthCmd []string
}

// ContainerInfo is a runtime snapshot of one container.
type ContainerInfo struct {
	ID      string
	Name    string
	Running bool
	// Status is the raw runtime status (created, running, exited, ...).
	Status string
	// Health is one of the Health* constants.
	Health    string
	IPAddress string
	Labels    map[string]string
}

// Healthy reports whether the container is running and passes its
// healthcheck (or has none).
func (c ContainerInfo) Healthy() bool {
	return c.Running && (c.Health == HealthHealthy || c.Health == HealthNone)
}

// Runtime is the contract every container backend must satisfy.
//
// All methods must be safe for concurrent use: a single Runtime is
// shared by every project driver.
type Runtime interface {
	// CreateContainer creates (but does not start) a container and
	// returns its id.  If a container with the same name exists,
	// implementations return its id instead of failing.
	CreateContainer(ctx context.Context, spec ContainerSpec) (id string, err error)

	// StartContainer starts a created or stopped container.  Starting
	// a running container is not an error.
	StartContainer(ctx context.Context, id string) error

	// InspectContainer returns the live state of a container, or an
	// error wrapping ErrNotFound.
	InspectContainer(ctx context.Context, id string) (ContainerInfo, error)

	// StopContainer stops a running container.
	StopContainer(ctx context.Context, id string) error

	// RemoveContainer force-removes a container.  Removing a missing
	// container is not an error.
	RemoveContainer(ctx context.Context, id string) error

	// ListContainers lists the containers whose name starts with
	// prefix, running or not.
	ListContainers(ctx context.Context, prefix string) ([]ContainerInfo, error)

	// Close releases the connection to the backend.
	Close() error
}
