package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/terrpan/gateway/internal/api"
	"github.com/terrpan/gateway/internal/buildinfo"
	"github.com/terrpan/gateway/internal/config"
	"github.com/terrpan/gateway/internal/otel"
	"github.com/terrpan/gateway/internal/project"
	"github.com/terrpan/gateway/internal/proxy"
	"github.com/terrpan/gateway/internal/service"
	"github.com/terrpan/gateway/internal/store"
	"github.com/terrpan/gateway/internal/worker"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgPath       string
	flagOverrides config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Deployment gateway -- runs user projects in containers and proxies traffic to them",
	Long: `gateway creates, starts, stops and destroys user projects, each running
in its own container, and routes "<project>.<fqdn>" traffic to them.

Project state is kept in a sqlite database and reconciled with the
container runtime at startup.  Configuration is read from a YAML file
(--config) with optional CLI flag overrides for the most common settings.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return run(ctx)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "gateway "+buildinfo.String())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)

	f := rootCmd.Flags()

	// Config file
	f.StringVar(&cfgPath, "config", "config.yaml", "Path to YAML configuration file")

	// Listeners
	f.StringVar(&flagOverrides.Control, "control", "", "Bind address of the administrative API (e.g. 127.0.0.1:8001)")
	f.StringVar(&flagOverrides.User, "user", "", "Bind address of the project proxy (e.g. 0.0.0.0:8000)")

	// Runtime overrides
	f.StringVar(&flagOverrides.Runtime.Image, "image", "", "Project container image")
	f.StringVar(&flagOverrides.Runtime.Prefix, "prefix", "", "Prefix of the containers owned by the gateway")
	f.StringVar(&flagOverrides.Runtime.ProvisionerAddress, "provisioner-address", "", "Provisioner address handed to project containers (host:port)")
	f.StringVar(&flagOverrides.Runtime.NetworkID, "network-id", "", "Network project containers join")

	// State
	f.StringVar(&flagOverrides.State.Path, "state", "", "Path of the sqlite state database")

	// Proxy
	f.StringVar(&flagOverrides.Proxy.FQDN, "fqdn", "", "Domain projects are served under")

	// Logging overrides
	f.StringVar(&flagOverrides.Logging.Level, "log-level", "", "Log level (debug, info, warn, error)")
	f.StringVar(&flagOverrides.Logging.Format, "log-format", "", "Log format (text, json)")
}

// applyFlagOverrides merges non-zero CLI flag values into the loaded config.
func applyFlagOverrides(cfg *config.Config) {
	if flagOverrides.Control != "" {
		cfg.Control = flagOverrides.Control
	}
	if flagOverrides.User != "" {
		cfg.User = flagOverrides.User
	}
	if flagOverrides.Runtime.Image != "" {
		cfg.Runtime.Image = flagOverrides.Runtime.Image
	}
	if flagOverrides.Runtime.Prefix != "" {
		cfg.Runtime.Prefix = flagOverrides.Runtime.Prefix
	}
	if flagOverrides.Runtime.ProvisionerAddress != "" {
		cfg.Runtime.ProvisionerAddress = flagOverrides.Runtime.ProvisionerAddress
	}
	if flagOverrides.Runtime.NetworkID != "" {
		cfg.Runtime.NetworkID = flagOverrides.Runtime.NetworkID
	}
	if flagOverrides.State.Path != "" {
		cfg.State.Path = flagOverrides.State.Path
	}
	if flagOverrides.Proxy.FQDN != "" {
		cfg.Proxy.FQDN = flagOverrides.Proxy.FQDN
	}
	if flagOverrides.Logging.Level != "" {
		cfg.Logging.Level = flagOverrides.Logging.Level
	}
	if flagOverrides.Logging.Format != "" {
		cfg.Logging.Format = flagOverrides.Logging.Format
	}
}

func run(ctx context.Context) error {
	// ---------------------------------------------------------------
	// 1. Load configuration
	// ---------------------------------------------------------------
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyFlagOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// ---------------------------------------------------------------
	// 2. Create logger
	// ---------------------------------------------------------------
	logger := cfg.NewLogger()
	logger.Info("configuration loaded",
		slog.String("configFile", cfgPath),
		slog.String("version", buildinfo.Version),
		slog.String("control", cfg.Control),
		slog.String("user", cfg.User),
		slog.String("image", cfg.Runtime.Image),
		slog.String("state", cfg.State.Path),
	)

	// ---------------------------------------------------------------
	// 3. Telemetry
	// ---------------------------------------------------------------
	tel, err := otel.SetupOTelSDK(ctx, "gateway", cfg.OTel)
	if err != nil {
		return fmt.Errorf("setting up telemetry: %w", err)
	}
	defer func() {
		if err := tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Error("failed to shut down telemetry", slog.String("error", err.Error()))
		}
	}()

	// ---------------------------------------------------------------
	// 4. Container runtime
	// ---------------------------------------------------------------
	rt, err := cfg.NewRuntime(ctx, logger)
	if err != nil {
		return fmt.Errorf("initializing runtime: %w", err)
	}
	defer rt.Close()

	// ---------------------------------------------------------------
	// 5. State
	// ---------------------------------------------------------------
	st, err := store.Open(ctx, cfg.State.Path, store.DefaultConfig())
	if err != nil {
		return fmt.Errorf("opening state: %w", err)
	}
	defer st.Close()

	// ---------------------------------------------------------------
	// 6. Orchestrator + worker
	// ---------------------------------------------------------------
	svc := service.New(service.Config{
		Config:  cfg,
		Runtime: rt,
		Store:   st,
		Logger:  logger.WithGroup("service"),
	})

	w := worker.New(worker.Config[project.Project]{
		Service:       svc,
		QueueSize:     cfg.Worker.QueueSize,
		BlockOnFull:   cfg.Worker.BlockOnFull,
		CommitRetries: cfg.Worker.CommitRetries,
		CommitBackoff: cfg.Worker.CommitBackoff,
		Logger:        logger.WithGroup("worker"),
	})
	svc.AttachSender(w.Sender())

	// ---------------------------------------------------------------
	// 7. Start the worker, then refresh from the stored state
	// ---------------------------------------------------------------
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return w.Start(ctx)
	})

	if err := svc.Refresh(ctx); err != nil {
		cancel()
		_ = g.Wait()
		return fmt.Errorf("refreshing projects: %w", err)
	}

	// ---------------------------------------------------------------
	// 8. Servers
	// ---------------------------------------------------------------
	control := &http.Server{
		Addr: cfg.Control,
		Handler: api.NewRouter(svc, api.Options{
			Runtime:   "docker",
			RateLimit: cfg.API.RateLimit,
			Metrics:   tel.MetricsHandler,
			Logger:    logger.WithGroup("api"),
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	user := &http.Server{
		Addr: cfg.User,
		Handler: proxy.New(svc, proxy.Config{
			FQDN:   cfg.Proxy.FQDN,
			Port:   cfg.Project.Port,
			Logger: logger.WithGroup("proxy"),
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		return serve(ctx, control, logger.With(slog.String("server", "control")))
	})
	g.Go(func() error {
		return serve(ctx, user, logger.With(slog.String("server", "user")))
	})

	err = g.Wait()
	logger.Info("shutting down gracefully")
	return err
}

// serve runs srv until ctx is done, then shuts it down.
func serve(ctx context.Context, srv *http.Server, logger *slog.Logger) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", srv.Addr, err)
	}
	logger.Info("listening", slog.String("addr", ln.Addr().String()))

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down %s: %w", srv.Addr, err)
	}
	return nil
}
