// Package api serves the administrative HTTP boundary of the gateway:
// project lifecycle operations scoped to an account, health and
// readiness probes, and optionally Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"github.com/terrpan/gateway/internal/gateway"
	"github.com/terrpan/gateway/internal/health"
	"github.com/terrpan/gateway/internal/project"
)

// Gateway is the orchestrator the API drives.
type Gateway interface {
	CreateProject(ctx context.Context, account gateway.AccountName, name gateway.ProjectName) (project.Project, error)
	GetProject(ctx context.Context, account gateway.AccountName, name gateway.ProjectName) (project.Project, error)
	ListProjects(ctx context.Context, account gateway.AccountName) ([]project.Project, error)
	StartProject(ctx context.Context, account gateway.AccountName, name gateway.ProjectName) (project.Project, error)
	StopProject(ctx context.Context, account gateway.AccountName, name gateway.ProjectName) (project.Project, error)
	DestroyProject(ctx context.Context, account gateway.AccountName, name gateway.ProjectName) (project.Project, error)
	Ready() error
}

// Options configures the router.
type Options struct {
	// Runtime names the container runtime in health responses.
	Runtime string

	// RateLimit is the number of requests per minute per client IP on
	// project routes.  0 disables it.
	RateLimit int

	// Metrics, when set, is served on /metrics.
	Metrics http.Handler

	Logger *slog.Logger
}

type server struct {
	gw     Gateway
	logger *slog.Logger
}

// NewRouter returns the administrative handler.
func NewRouter(gw Gateway, opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	s := &server{gw: gw, logger: opts.Logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(requestLogger(opts.Logger))

	r.Get("/healthz", health.Handler(opts.Runtime))
	r.Get("/readyz", health.ReadyHandler(opts.Runtime, gw.Ready))
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}

	r.Route("/accounts/{account}/projects", func(r chi.Router) {
		if opts.RateLimit > 0 {
			r.Use(rateLimit(opts.RateLimit, time.Minute))
		}
		r.Get("/", s.listProjects)
		r.Route("/{project}", func(r chi.Router) {
			r.Get("/", s.getProject)
			r.Post("/", s.createProject)
			r.Delete("/", s.destroyProject)
			r.Post("/start", s.startProject)
			r.Post("/stop", s.stopProject)
		})
	})

	return r
}

func (s *server) listProjects(w http.ResponseWriter, r *http.Request) {
	account, err := gateway.ParseAccountName(chi.URLParam(r, "account"))
	if err != nil {
		gateway.WriteError(w, err)
		return
	}
	projects, err := s.gw.ListProjects(r.Context(), account)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if projects == nil {
		projects = []project.Project{}
	}
	writeJSON(w, http.StatusOK, projects)
}

func (s *server) getProject(w http.ResponseWriter, r *http.Request) {
	s.projectOp(w, r, http.StatusOK, s.gw.GetProject)
}

func (s *server) createProject(w http.ResponseWriter, r *http.Request) {
	s.projectOp(w, r, http.StatusCreated, s.gw.CreateProject)
}

func (s *server) destroyProject(w http.ResponseWriter, r *http.Request) {
	s.projectOp(w, r, http.StatusAccepted, s.gw.DestroyProject)
}

func (s *server) startProject(w http.ResponseWriter, r *http.Request) {
	s.projectOp(w, r, http.StatusAccepted, s.gw.StartProject)
}

func (s *server) stopProject(w http.ResponseWriter, r *http.Request) {
	s.projectOp(w, r, http.StatusAccepted, s.gw.StopProject)
}

type projectFunc func(context.Context, gateway.AccountName, gateway.ProjectName) (project.Project, error)

// projectOp validates the path identifiers, runs op and writes the
// resulting snapshot with status.
func (s *server) projectOp(w http.ResponseWriter, r *http.Request, status int, op projectFunc) {
	account, err := gateway.ParseAccountName(chi.URLParam(r, "account"))
	if err != nil {
		gateway.WriteError(w, err)
		return
	}
	name, err := gateway.ParseProjectName(chi.URLParam(r, "project"))
	if err != nil {
		gateway.WriteError(w, err)
		return
	}

	p, err := op(r.Context(), account, name)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, status, p)
}

// fail logs server-side failures with their cause and writes the
// external rendering.
func (s *server) fail(w http.ResponseWriter, r *http.Request, err error) {
	if status, _ := gateway.KindOf(err).Response(); status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			slog.String("requestID", middleware.GetReqID(r.Context())),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
	gateway.WriteError(w, err)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// rateLimit limits requests per client IP with a sliding window.
func rateLimit(limit int, window time.Duration) func(http.Handler) http.Handler {
	return httprate.Limit(
		limit,
		window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(window.Seconds())))
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "too many requests"})
		}),
	)
}

// requestLogger logs one line per request at debug level.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				slog.String("requestID", middleware.GetReqID(r.Context())),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Duration("duration", time.Since(start)),
			)
		})
	}
}
