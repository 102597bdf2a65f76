package worker

import (
	"context"
	"sync"

	"github.com/terrpan/gateway/internal/gateway"
)

// ErrQueueFull is returned by Sender.Send when the queue is bounded,
// full, and configured not to block.
var ErrQueueFull = gateway.Custom(gateway.NotReady, "work queue is full")

// queue is a FIFO of work items, unbounded when capacity is 0.
type queue[S any] struct {
	mu       sync.Mutex
	items    []S
	capacity int
	block    bool

	// ready and space carry at most one wake-up each; waiters re-check
	// under mu and pass the wake-up on while work or room remains.
	ready chan struct{}
	space chan struct{}
}

func newQueue[S any](capacity int, block bool) *queue[S] {
	return &queue[S]{
		capacity: capacity,
		block:    block,
		ready:    make(chan struct{}, 1),
		space:    make(chan struct{}, 1),
	}
}

func (q *queue[S]) push(ctx context.Context, item S) error {
	for {
		q.mu.Lock()
		if q.capacity <= 0 || len(q.items) < q.capacity {
			q.items = append(q.items, item)
			room := q.capacity <= 0 || len(q.items) < q.capacity
			q.mu.Unlock()
			wake(q.ready)
			if room {
				wake(q.space)
			}
			return nil
		}
		q.mu.Unlock()

		if !q.block {
			return ErrQueueFull
		}
		select {
		case <-q.space:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (q *queue[S]) pop(ctx context.Context) (S, bool) {
	var zero S
	for ctx.Err() == nil {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items[0] = zero
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()
			wake(q.space)
			if more {
				wake(q.ready)
			}
			return item, true
		}
		q.mu.Unlock()

		select {
		case <-q.ready:
		case <-ctx.Done():
		}
	}
	return zero, false
}

func (q *queue[S]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func wake(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
