// Package project implements the lifecycle of a user project as a
// gateway.EndState: every step a project takes against the container
// runtime, including its failures, is a Project value that can be
// committed and observed.
package project

import (
	"context"
	"errors"

	"github.com/terrpan/gateway/internal/gateway"
)

// Status is the lifecycle variant of a project.
type Status string

const (
	StatusCreating   Status = "creating"
	StatusStarting   Status = "starting"
	StatusStarted    Status = "started"
	StatusReady      Status = "ready"
	StatusStopping   Status = "stopping"
	StatusStopped    Status = "stopped"
	StatusDestroying Status = "destroying"
	StatusDestroyed  Status = "destroyed"
	StatusErrored    Status = "errored"
)

// Retirement errors end the stream of a project that needs no more
// driving without being a failure.
var (
	ErrStopped   = errors.New("project stopped")
	ErrDestroyed = errors.New("project destroyed")
)

// Failure records why a project errored.
type Failure struct {
	Kind    gateway.ErrorKind `json:"kind"`
	Message string            `json:"message"`
}

// Err rebuilds the gateway error the failure was recorded from.
func (f Failure) Err() *gateway.Error {
	return gateway.Custom(f.Kind, f.Message)
}

// Project is one snapshot of a project's lifecycle.  It is a plain
// value: copying it is cloning it.
type Project struct {
	Name        gateway.ProjectName `json:"name"`
	Account     gateway.AccountName `json:"account"`
	Status      Status              `json:"status"`
	ContainerID string              `json:"container_id,omitempty"`
	Address     string              `json:"address,omitempty"`
	// Attempts counts unhealthy probes while starting.
	Attempts int     `json:"attempts,omitempty"`
	Failure  Failure `json:"failure,omitzero"`
}

// Compile-time checks.
var (
	_ gateway.EndState[Project]  = Project{}
	_ gateway.Refresher[Project] = Project{}
	_ gateway.State[Project]     = Start{}
	_ gateway.State[Project]     = Stop{}
	_ gateway.State[Project]     = Destroy{}
)

// New returns the initial snapshot of a project to create.
func New(name gateway.ProjectName, account gateway.AccountName) Project {
	return Project{
		Name:    name,
		Account: account,
		Status:  StatusCreating,
	}
}

// Key identifies the work item driving this project.
func (p Project) Key() string { return p.Name.String() }

// IsDone reports whether the project reached a stable condition.  A
// ready project is done but still monitored.
func (p Project) IsDone() bool {
	switch p.Status {
	case StatusReady, StatusStopped, StatusDestroyed, StatusErrored:
		return true
	default:
		return false
	}
}

// Result ends the stream of errored, stopped and destroyed projects.
func (p Project) Result() (Project, error) {
	switch p.Status {
	case StatusErrored:
		return p, p.Failure.Err()
	case StatusStopped:
		return p, ErrStopped
	case StatusDestroyed:
		return p, ErrDestroyed
	default:
		return p, nil
	}
}

// Retired reports whether the project's stream has ended for good.
func (p Project) Retired() bool {
	_, err := p.Result()
	return err != nil
}

func (p Project) to(status Status) Project {
	p.Status = status
	p.Attempts = 0
	p.Failure = Failure{}
	return p
}

// fail turns err into the errored variant, keeping its kind when err is
// a gateway error.
func (p Project) fail(kind gateway.ErrorKind) func(error) Project {
	return func(err error) Project {
		k := kind
		var gerr *gateway.Error
		if errors.As(err, &gerr) {
			k = gerr.Kind()
		}
		next := p.to(StatusErrored)
		next.Failure = Failure{Kind: k, Message: err.Error()}
		return next
	}
}

// ---------------------------------------------------------------------------
// Intents
// ---------------------------------------------------------------------------

// Start asks a stopped or errored project to run again.
type Start struct{ Project Project }

func (s Start) Next(_ context.Context, _ gateway.Context) (Project, error) {
	p := s.Project
	switch p.Status {
	case StatusStopped, StatusErrored:
		if p.ContainerID == "" {
			return p.to(StatusCreating), nil
		}
		return p.to(StatusStarting), nil
	default:
		return p, gateway.Custom(gateway.InvalidOperation, "cannot start a "+string(p.Status)+" project")
	}
}

// Stop asks a creating or running project to stop.
type Stop struct{ Project Project }

func (s Stop) Next(_ context.Context, _ gateway.Context) (Project, error) {
	p := s.Project
	switch p.Status {
	case StatusCreating, StatusStarting, StatusStarted, StatusReady:
		return p.to(StatusStopping), nil
	default:
		return p, gateway.Custom(gateway.InvalidOperation, "cannot stop a "+string(p.Status)+" project")
	}
}

// Destroy asks for a project's container to be removed.
type Destroy struct{ Project Project }

func (d Destroy) Next(_ context.Context, _ gateway.Context) (Project, error) {
	p := d.Project
	if p.Status == StatusDestroyed {
		return p, gateway.Custom(gateway.InvalidOperation, "project already destroyed")
	}
	return p.to(StatusDestroying), nil
}
