// Package worker drives work items to completion.  Every item taken
// off the queue gets its own goroutine that pulls the item's snapshot
// stream and commits each snapshot before asking for the next one.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/gateway/internal/gateway"
)

// Item is a work item: an end state that knows which logical unit of
// work it belongs to.
type Item[S any] interface {
	gateway.EndState[S]
	Key() string
}

// Config holds the parameters of a Worker.
type Config[S any] struct {
	// Service commits snapshots and supplies contexts.
	Service gateway.Service[S]

	// QueueSize bounds the queue; 0 means unbounded.
	QueueSize int

	// BlockOnFull makes Send wait for room instead of failing with
	// ErrQueueFull.
	BlockOnFull bool

	// CommitRetries is the number of extra commit attempts before the
	// item is abandoned.
	CommitRetries int

	// CommitBackoff is the initial delay between commit attempts.
	CommitBackoff time.Duration

	// OnError, when set, is called with every commit failure that
	// stopped an item.
	OnError func(key string, err error)

	Logger *slog.Logger
}

// Worker owns the work queue and one driver goroutine per active key.
type Worker[S Item[S]] struct {
	service       gateway.Service[S]
	queue         *queue[S]
	commitRetries int
	commitBackoff time.Duration
	onError       func(string, error)
	logger        *slog.Logger

	mu     sync.Mutex
	active map[string]*driver
	wg     sync.WaitGroup

	// OpenTelemetry instrumentation
	tracer trace.Tracer
	meter  metric.Meter

	// Metrics
	enqueued       metric.Int64Counter
	transitions    metric.Int64Counter
	commits        metric.Int64Counter
	commitFailures metric.Int64Counter
}

type driver struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Sender is the producing end of a Worker's queue.  It is safe for
// concurrent use.
type Sender[S any] struct {
	queue    *queue[S]
	enqueued metric.Int64Counter
}

// New creates a Worker.  Call Start to begin driving items.
func New[S Item[S]](cfg Config[S]) *Worker[S] {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	w := &Worker[S]{
		service:       cfg.Service,
		queue:         newQueue[S](cfg.QueueSize, cfg.BlockOnFull),
		commitRetries: cfg.CommitRetries,
		commitBackoff: cfg.CommitBackoff,
		onError:       cfg.OnError,
		logger:        cfg.Logger,
		active:        make(map[string]*driver),
		tracer:        otel.Tracer("gateway/worker"),
		meter:         otel.Meter("gateway/worker"),
	}

	// Initialize metrics (errors are logged but not fatal)
	var err error
	w.enqueued, err = w.meter.Int64Counter(
		"gateway.work.enqueued",
		metric.WithDescription("Total number of work items enqueued"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create enqueued counter", slog.String("error", err.Error()))
	}

	w.transitions, err = w.meter.Int64Counter(
		"gateway.work.transitions",
		metric.WithDescription("Total number of state transitions computed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create transitions counter", slog.String("error", err.Error()))
	}

	w.commits, err = w.meter.Int64Counter(
		"gateway.work.commits",
		metric.WithDescription("Total number of snapshots committed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create commits counter", slog.String("error", err.Error()))
	}

	w.commitFailures, err = w.meter.Int64Counter(
		"gateway.work.commit_failures",
		metric.WithDescription("Total number of work items stopped by a failed commit"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create commitFailures counter", slog.String("error", err.Error()))
	}

	_, err = w.meter.Int64ObservableGauge(
		"gateway.work.active",
		metric.WithDescription("Current number of active drivers"),
		metric.WithUnit("1"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(w.Active()))
			return nil
		}),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create active gauge", slog.String("error", err.Error()))
	}

	_, err = w.meter.Int64ObservableGauge(
		"gateway.work.queued",
		metric.WithDescription("Current number of queued work items"),
		metric.WithUnit("1"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(w.queue.len()))
			return nil
		}),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create queued gauge", slog.String("error", err.Error()))
	}

	return w
}

// Sender returns the handle producers enqueue work through.
func (w *Worker[S]) Sender() *Sender[S] {
	return &Sender[S]{queue: w.queue, enqueued: w.enqueued}
}

// Send hands item over to the worker.  On a full bounded queue it
// blocks or fails with ErrQueueFull, depending on configuration.
func (s *Sender[S]) Send(ctx context.Context, item S) error {
	if err := s.queue.push(ctx, item); err != nil {
		return err
	}
	if s.enqueued != nil {
		s.enqueued.Add(ctx, 1)
	}
	return nil
}

// Active returns the number of keys currently being driven.
func (w *Worker[S]) Active() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.active)
}

// Start consumes the queue until ctx is done, then cancels every driver
// and waits for them to return.  Snapshots committed before shutdown
// remain the resume point of their items.
func (w *Worker[S]) Start(ctx context.Context) error {
	w.logger.Info("worker started")

	for {
		item, ok := w.queue.pop(ctx)
		if !ok {
			break
		}
		w.dispatch(ctx, item)
	}

	w.mu.Lock()
	for _, d := range w.active {
		d.cancel()
	}
	w.mu.Unlock()
	w.wg.Wait()

	w.logger.Info("worker stopped")
	return nil
}

// dispatch starts a driver for item.  A driver already running for the
// same key is cancelled and awaited first, so a key never has two
// drivers committing at once.
func (w *Worker[S]) dispatch(ctx context.Context, item S) {
	key := item.Key()
	dctx, cancel := context.WithCancel(ctx)
	d := &driver{cancel: cancel, done: make(chan struct{})}

	w.mu.Lock()
	prev := w.active[key]
	w.active[key] = d
	w.mu.Unlock()

	if prev != nil {
		w.logger.Info("superseding active driver", slog.String("key", key))
		prev.cancel()
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer close(d.done)
		defer cancel()
		defer w.release(key, d)

		if prev != nil {
			<-prev.done
		}
		if dctx.Err() != nil {
			return
		}
		w.drive(dctx, key, item)
	}()
}

func (w *Worker[S]) release(key string, d *driver) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.active[key] == d {
		delete(w.active, key)
	}
}

// drive commits item, then pulls its stream one snapshot at a time,
// committing each before the next transition.  It returns when the
// stream ends, a commit fails, or ctx is cancelled.  Output computed
// under a cancelled ctx is never committed.
func (w *Worker[S]) drive(ctx context.Context, key string, item S) {
	runID := uuid.NewString()
	ctx, span := w.tracer.Start(ctx, "worker.drive", trace.WithAttributes(
		attribute.String("work.key", key),
		attribute.String("work.run_id", runID),
	))
	defer span.End()

	logger := w.logger.With(slog.String("key", key), slog.String("runID", runID))
	logger.Debug("driving work item")

	if err := w.commit(ctx, item); err != nil {
		w.fail(ctx, span, logger, key, err)
		return
	}

	stream := gateway.Drive(item, w.service.Context())
	for ctx.Err() == nil {
		state, ended := stream.Next(ctx)
		if ctx.Err() != nil {
			break
		}
		if w.transitions != nil {
			w.transitions.Add(ctx, 1)
		}

		if err := w.commit(ctx, state); err != nil {
			w.fail(ctx, span, logger, key, err)
			return
		}

		if ended != nil {
			span.SetAttributes(attribute.String("work.end", ended.Error()))
			logger.Info("work item retired", slog.String("reason", ended.Error()))
			return
		}
	}
	logger.Debug("driver cancelled")
}

// commit records state, retrying transient failures.
func (w *Worker[S]) commit(ctx context.Context, state S) error {
	b := backoff.NewExponentialBackOff()
	if w.commitBackoff > 0 {
		b.InitialInterval = w.commitBackoff
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, w.service.Update(ctx, state)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(w.commitRetries+1)),
	)
	if err != nil {
		return err
	}
	if w.commits != nil {
		w.commits.Add(ctx, 1)
	}
	return nil
}

func (w *Worker[S]) fail(ctx context.Context, span trace.Span, logger *slog.Logger, key string, err error) {
	if ctx.Err() != nil {
		// Shutdown interrupted the commit; nothing was lost.
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, "commit failed")
	if w.commitFailures != nil {
		w.commitFailures.Add(ctx, 1)
	}
	logger.Error("failed to commit snapshot, work item stopped", slog.String("error", err.Error()))
	if w.onError != nil {
		w.onError(key, err)
	}
}
