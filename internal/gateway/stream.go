package gateway

import (
	"context"
	"errors"
	"iter"
)

// ErrStreamEnded is returned by Stream.Next once the stream has yielded
// its terminal variant.
var ErrStreamEnded = errors.New("stream ended")

// Stream produces the successive snapshots of one EndState.  It holds
// only the current seed, performs exactly one transition per call to
// Next and does not end on success: a done state keeps being
// re-derived, which is how steady states are monitored.  Pacing is the
// business of the transitions themselves.
//
// A Stream is not safe for concurrent use.
type Stream[S EndState[S]] struct {
	state S
	c     Context
	ended bool
}

// Drive returns the stream of snapshots starting after s.
func Drive[S EndState[S]](s S, c Context) *Stream[S] {
	return &Stream[S]{state: s, c: c}
}

// Next computes the next snapshot.  When the snapshot is a declared
// terminal failure it is returned together with its error and the
// stream ends; later calls return ErrStreamEnded.
func (st *Stream[S]) Next(ctx context.Context) (S, error) {
	if st.ended {
		var zero S
		return zero, ErrStreamEnded
	}

	next, err := st.state.Next(ctx, st.c).Result()
	if err != nil {
		st.ended = true
		return next, err
	}
	st.state = next
	return next, nil
}

// Ended reports whether the terminal variant has been produced.
func (st *Stream[S]) Ended() bool { return st.ended }

// All ranges over the remaining snapshots.  Iteration stops after the
// terminal variant, when ctx is done, or when the consumer breaks.
func (st *Stream[S]) All(ctx context.Context) iter.Seq2[S, error] {
	return func(yield func(S, error) bool) {
		for !st.ended && ctx.Err() == nil {
			if !yield(st.Next(ctx)) {
				return
			}
		}
	}
}
