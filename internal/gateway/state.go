// Package gateway holds the reconciliation kernel every project
// lifecycle is built on: the transition contracts, the stream driver
// that turns one state into an endless sequence of snapshots, the
// persistence and refresh ports, the error taxonomy and the validated
// identifiers.
package gateway

import (
	"context"

	"github.com/terrpan/gateway/internal/config"
	"github.com/terrpan/gateway/internal/engine"
)

// Context is the read-only bundle of shared resources a transition may
// use.  Implementations must be safe for concurrent use: the same
// runtime handle is shared by every driver.
type Context interface {
	Runtime() engine.Runtime
	Config() *config.Config
}

// State is a unit of work that, given a Context, does some work and
// produces its successor.
type State[N any] interface {
	Next(ctx context.Context, c Context) (N, error)
}

// EndState is a state whose transitions are total: every failure is a
// variant of S rather than an error, so each condition can be
// committed and observed like any other step.
//
// Result splits ongoing or successful variants (nil error) from
// declared terminal failures.  A non-nil error is the only way a
// stream of S ends; the returned S is the failed variant itself.
type EndState[S any] interface {
	Next(ctx context.Context, c Context) S
	IsDone() bool
	Result() (S, error)
}

// Service is the commit port of the engine.
type Service[S any] interface {
	// Context returns the context for the next unit of work.  It is
	// called concurrently by drivers.
	Context() Context

	// Update durably records a snapshot.  It is called after every
	// step and before the next transition is computed.
	Update(ctx context.Context, state S) error
}

// Refresher reconciles an already-built value against the live
// runtime, outside of the step loop.
type Refresher[S any] interface {
	Refresh(ctx context.Context, c Context) (S, error)
}

// IntoEndState folds a fallible result into an end state: success
// through ok, failure through fail.  It never drops the error.
func IntoEndState[E, T any](v T, err error, ok func(T) E, fail func(error) E) E {
	if err != nil {
		return fail(err)
	}
	return ok(v)
}
