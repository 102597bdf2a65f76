// Package service is the gateway orchestrator.  It owns the project
// store and the runtime handle, turns administrative requests into
// committed snapshots and hands them to the worker for driving.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/gateway/internal/config"
	"github.com/terrpan/gateway/internal/engine"
	"github.com/terrpan/gateway/internal/gateway"
	"github.com/terrpan/gateway/internal/project"
)

// Store persists project snapshots.
type Store interface {
	Create(ctx context.Context, p project.Project) error
	Put(ctx context.Context, p project.Project) error
	Get(ctx context.Context, name gateway.ProjectName) (project.Project, error)
	List(ctx context.Context) ([]project.Project, error)
	ListByAccount(ctx context.Context, account gateway.AccountName) ([]project.Project, error)
}

// Sender enqueues projects for driving.
type Sender interface {
	Send(ctx context.Context, p project.Project) error
}

// Config holds the dependencies of a Service.
type Config struct {
	Config  *config.Config
	Runtime engine.Runtime
	Store   Store
	Logger  *slog.Logger
}

// Service is the gateway orchestrator.  It implements the commit port
// of the worker driving its projects.
type Service struct {
	cfg     *config.Config
	runtime engine.Runtime
	store   Store
	logger  *slog.Logger

	sender atomic.Pointer[senderBox]
	ready  atomic.Bool

	// intents serializes read-modify-write of stored snapshots.
	intents sync.Mutex

	// OpenTelemetry instrumentation
	tracer trace.Tracer
	meter  metric.Meter

	// Metrics
	operations metric.Int64Counter
}

type senderBox struct{ Sender }

var _ gateway.Service[project.Project] = (*Service)(nil)

// New creates a Service.  AttachSender must be called before any
// project can be created, changed or refreshed.
func New(cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	s := &Service{
		cfg:     cfg.Config,
		runtime: cfg.Runtime,
		store:   cfg.Store,
		logger:  cfg.Logger,
		tracer:  otel.Tracer("gateway/service"),
		meter:   otel.Meter("gateway/service"),
	}

	var err error
	s.operations, err = s.meter.Int64Counter(
		"gateway.project.operations",
		metric.WithDescription("Total number of project operations by kind and outcome"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create operations counter", slog.String("error", err.Error()))
	}

	return s
}

// AttachSender connects the service to the worker queue.
func (s *Service) AttachSender(sender Sender) {
	s.sender.Store(&senderBox{sender})
}

// gatewayContext is the bundle handed to every transition.
type gatewayContext struct {
	runtime engine.Runtime
	cfg     *config.Config
}

func (c gatewayContext) Runtime() engine.Runtime { return c.runtime }
func (c gatewayContext) Config() *config.Config  { return c.cfg }

// Context returns the context transitions run with.
func (s *Service) Context() gateway.Context {
	return gatewayContext{runtime: s.runtime, cfg: s.cfg}
}

// Update commits a snapshot produced by a driver.
func (s *Service) Update(ctx context.Context, p project.Project) error {
	return s.store.Put(ctx, p)
}

// Ready returns nil once the startup refresh completed, NotReady before.
func (s *Service) Ready() error {
	if !s.ready.Load() {
		return gateway.FromKind(gateway.NotReady)
	}
	return nil
}

// submit hands p to the worker.
func (s *Service) submit(ctx context.Context, p project.Project) error {
	box := s.sender.Load()
	if box == nil {
		return gateway.Custom(gateway.NotReady, "no worker attached")
	}
	return box.Send(ctx, p)
}

// Refresh reconciles every stored project with the runtime, commits
// the result and re-enqueues the ones that still need driving.  It is
// run once at startup; an error leaves the service not ready.
func (s *Service) Refresh(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "service.refresh")
	defer span.End()

	if s.sender.Load() == nil {
		return gateway.Custom(gateway.NotReady, "no worker attached")
	}

	projects, err := s.store.List(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "listing projects")
		return err
	}

	c := s.Context()
	resumed := 0
	known := make(map[string]bool, len(projects))
	for _, p := range projects {
		if p.Status == project.StatusDestroyed {
			continue
		}
		known[p.Name.String()] = true

		next, err := p.Refresh(ctx, c)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "refreshing project")
			return err
		}
		if next.Status != p.Status {
			s.logger.Info("project reconciled",
				slog.String("project", p.Name.String()),
				slog.String("from", string(p.Status)),
				slog.String("to", string(next.Status)),
			)
		}
		if err := s.store.Put(ctx, next); err != nil {
			return err
		}
		if next.Retired() {
			continue
		}
		if err := s.submit(ctx, next); err != nil {
			return fmt.Errorf("resuming %s: %w", next.Name, err)
		}
		resumed++
	}

	s.reportOrphans(ctx, known)

	span.SetAttributes(
		attribute.Int("projects.total", len(projects)),
		attribute.Int("projects.resumed", resumed),
	)
	s.ready.Store(true)
	s.logger.Info("refresh complete",
		slog.Int("projects", len(projects)),
		slog.Int("resumed", resumed),
	)
	return nil
}

// reportOrphans warns about gateway containers no live project owns.
// They are left in place.
func (s *Service) reportOrphans(ctx context.Context, known map[string]bool) {
	containers, err := s.runtime.ListContainers(ctx, s.cfg.Runtime.Prefix)
	if err != nil {
		s.logger.Warn("failed to list containers", slog.String("error", err.Error()))
		return
	}
	for _, c := range containers {
		if !known[c.Labels[project.LabelProject]] {
			s.logger.Warn("orphaned container",
				slog.String("container", c.Name),
				slog.String("containerID", c.ID),
			)
		}
	}
}

// CreateProject records a new project for account and starts driving it.
func (s *Service) CreateProject(ctx context.Context, account gateway.AccountName, name gateway.ProjectName) (project.Project, error) {
	ctx, span := s.startOp(ctx, "create", account, name)
	defer span.End()

	if s.sender.Load() == nil {
		return project.Project{}, s.endOp(ctx, span, "create", gateway.Custom(gateway.NotReady, "no worker attached"))
	}

	p := project.New(name, account)
	if err := s.store.Create(ctx, p); err != nil {
		return project.Project{}, s.endOp(ctx, span, "create", err)
	}
	if err := s.submit(ctx, p); err != nil {
		return p, s.endOp(ctx, span, "create", err)
	}

	s.logger.Info("project created",
		slog.String("project", name.String()),
		slog.String("account", account.String()),
	)
	return p, s.endOp(ctx, span, "create", nil)
}

// GetProject returns the latest snapshot of a project owned by account.
func (s *Service) GetProject(ctx context.Context, account gateway.AccountName, name gateway.ProjectName) (project.Project, error) {
	p, err := s.store.Get(ctx, name)
	if err != nil {
		return project.Project{}, err
	}
	if p.Account != account {
		return project.Project{}, gateway.FromKind(gateway.Forbidden)
	}
	return p, nil
}

// ListProjects returns the projects owned by account.
func (s *Service) ListProjects(ctx context.Context, account gateway.AccountName) ([]project.Project, error) {
	return s.store.ListByAccount(ctx, account)
}

// StartProject restarts a stopped or errored project.
func (s *Service) StartProject(ctx context.Context, account gateway.AccountName, name gateway.ProjectName) (project.Project, error) {
	return s.apply(ctx, "start", account, name, func(p project.Project) gateway.State[project.Project] {
		return project.Start{Project: p}
	})
}

// StopProject stops a creating or running project.
func (s *Service) StopProject(ctx context.Context, account gateway.AccountName, name gateway.ProjectName) (project.Project, error) {
	return s.apply(ctx, "stop", account, name, func(p project.Project) gateway.State[project.Project] {
		return project.Stop{Project: p}
	})
}

// DestroyProject removes a project's container.  The name may be
// re-created by the same account afterwards.
func (s *Service) DestroyProject(ctx context.Context, account gateway.AccountName, name gateway.ProjectName) (project.Project, error) {
	return s.apply(ctx, "destroy", account, name, func(p project.Project) gateway.State[project.Project] {
		return project.Destroy{Project: p}
	})
}

// apply runs intent on the stored snapshot, commits its outcome and
// hands it to the worker, which supersedes any driver of the project.
func (s *Service) apply(
	ctx context.Context,
	op string,
	account gateway.AccountName,
	name gateway.ProjectName,
	intent func(project.Project) gateway.State[project.Project],
) (project.Project, error) {
	ctx, span := s.startOp(ctx, op, account, name)
	defer span.End()

	if s.sender.Load() == nil {
		return project.Project{}, s.endOp(ctx, span, op, gateway.Custom(gateway.NotReady, "no worker attached"))
	}

	s.intents.Lock()
	defer s.intents.Unlock()

	p, err := s.GetProject(ctx, account, name)
	if err != nil {
		return project.Project{}, s.endOp(ctx, span, op, err)
	}

	next, err := intent(p).Next(ctx, s.Context())
	if err != nil {
		return p, s.endOp(ctx, span, op, err)
	}
	if err := s.store.Put(ctx, next); err != nil {
		return p, s.endOp(ctx, span, op, err)
	}
	if err := s.submit(ctx, next); err != nil {
		return next, s.endOp(ctx, span, op, err)
	}

	s.logger.Info("project "+op+" requested",
		slog.String("project", name.String()),
		slog.String("status", string(next.Status)),
	)
	return next, s.endOp(ctx, span, op, nil)
}

// ProjectAddress returns where a ready project can be reached.
func (s *Service) ProjectAddress(ctx context.Context, name gateway.ProjectName) (string, error) {
	p, err := s.store.Get(ctx, name)
	if err != nil {
		return "", err
	}
	if p.Status != project.StatusReady || p.Address == "" {
		return "", gateway.FromKind(gateway.ProjectNotReady)
	}
	return p.Address, nil
}

func (s *Service) startOp(ctx context.Context, op string, account gateway.AccountName, name gateway.ProjectName) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "service."+op, trace.WithAttributes(
		attribute.String("project.name", name.String()),
		attribute.String("project.account", account.String()),
	))
}

// endOp records the outcome of op and passes err through.
func (s *Service) endOp(ctx context.Context, span trace.Span, op string, err error) error {
	outcome := "ok"
	if err != nil {
		outcome = gateway.KindOf(err).String()
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	if s.operations != nil {
		s.operations.Add(ctx, 1, metric.WithAttributes(
			attribute.String("operation", op),
			attribute.String("outcome", outcome),
		))
	}
	return err
}
