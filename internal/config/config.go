// Package config handles loading, validating, and applying
// configuration for the gateway.  Configuration is read from a YAML
// file and can be overridden by CLI flags.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/terrpan/gateway/internal/engine"
	"github.com/terrpan/gateway/internal/engine/docker"
)

// ---------------------------------------------------------------------------
// Top-level config
// ---------------------------------------------------------------------------

// Config is the root configuration structure.
type Config struct {
	// Control is the bind address of the administrative API.
	Control string `yaml:"control" validate:"required,hostname_port"`
	// User is the bind address of the project proxy.
	User string `yaml:"user" validate:"required,hostname_port"`

	Runtime RuntimeConfig `yaml:"runtime"`
	State   StateConfig   `yaml:"state"`
	Worker  WorkerConfig  `yaml:"worker"`
	Project ProjectConfig `yaml:"project"`
	Proxy   ProxyConfig   `yaml:"proxy"`
	API     APIConfig     `yaml:"api"`
	Logging LoggingConfig `yaml:"logging"`
	OTel    OTelConfig    `yaml:"otel"`
}

// ---------------------------------------------------------------------------
// Runtime
// ---------------------------------------------------------------------------

// RuntimeConfig configures the container runtime projects run on.
type RuntimeConfig struct {
	// Image is the project container image.
	Image string `yaml:"image" validate:"required"`

	// Prefix is prepended to every container name the gateway owns.
	// Default: "gateway_".
	Prefix string `yaml:"prefix" validate:"required"`

	// ProvisionerAddress is handed to project containers so they can
	// request their resources.
	ProvisionerAddress string `yaml:"provisioner_address" validate:"required"`

	// NetworkID is the network project containers join.  The gateway
	// must be attached to it to proxy traffic.
	NetworkID string `yaml:"network_id"`

	// Pull pulls Image at startup.  Default: false.
	Pull bool `yaml:"pull"`
}

// ---------------------------------------------------------------------------
// State
// ---------------------------------------------------------------------------

// StateConfig locates the persisted state.
type StateConfig struct {
	// Path is the sqlite database file.  Default: "gateway.sqlite".
	Path string `yaml:"path" validate:"required"`
}

// ---------------------------------------------------------------------------
// Worker
// ---------------------------------------------------------------------------

// WorkerConfig controls the work dispatcher.
type WorkerConfig struct {
	// QueueSize bounds the work queue.  0 means unbounded.
	QueueSize int `yaml:"queue_size" validate:"gte=0"`

	// BlockOnFull makes senders wait for room in a full queue instead
	// of failing.  Default: false.
	BlockOnFull bool `yaml:"block_on_full"`

	// CommitRetries is the number of extra attempts made to commit a
	// snapshot before the work item is abandoned.  Default: 0.
	CommitRetries int `yaml:"commit_retries" validate:"gte=0"`

	// CommitBackoff is the initial delay between commit attempts.
	// Default: 200ms.
	CommitBackoff time.Duration `yaml:"commit_backoff"`
}

// ---------------------------------------------------------------------------
// Project lifecycle
// ---------------------------------------------------------------------------

// ProjectConfig tunes project transitions.
type ProjectConfig struct {
	// PollInterval is the pause between two health probes.
	// Default: 1s.
	PollInterval time.Duration `yaml:"poll_interval"`

	// StartAttempts is the number of probes a starting project gets to
	// become healthy.  Default: 30.
	StartAttempts int `yaml:"start_attempts" validate:"gte=0"`

	// Port is the port projects listen on inside their container.
	// Default: 8000.
	Port int `yaml:"port" validate:"gte=0,lte=65535"`

	// HealthCmd is run inside the container as its healthcheck.
	HealthCmd []string `yaml:"health_cmd"`

	// StopTimeout is the grace period of a stopping container.
	// Default: 10s.
	StopTimeout time.Duration `yaml:"stop_timeout"`
}

// ---------------------------------------------------------------------------
// Proxy
// ---------------------------------------------------------------------------

// ProxyConfig controls Host header routing.
type ProxyConfig struct {
	// FQDN is the domain projects are served under: a request for
	// "<project>.<fqdn>" is routed to <project>.  Empty routes on the
	// first label of the Host header.
	FQDN string `yaml:"fqdn"`
}

// ---------------------------------------------------------------------------
// Admin API
// ---------------------------------------------------------------------------

// APIConfig controls the administrative API.
type APIConfig struct {
	// RateLimit is the number of requests per minute per client IP.
	// 0 disables rate limiting.  Default: 0.
	RateLimit int `yaml:"rate_limit" validate:"gte=0"`
}

// ---------------------------------------------------------------------------
// Logging
// ---------------------------------------------------------------------------

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	// Level: debug, info, warn, error.  Default: info.
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	// Format: text, json.  Default: text.
	Format string `yaml:"format" validate:"oneof=text json"`
}

// ---------------------------------------------------------------------------
// OpenTelemetry
// ---------------------------------------------------------------------------

// OTelConfig controls OpenTelemetry tracing and metrics.
type OTelConfig struct {
	// Enabled controls whether OTLP push is active.  Default: false.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	// If empty, falls back to OTEL_EXPORTER_OTLP_ENDPOINT env var.
	Endpoint string `yaml:"endpoint"`

	// Insecure enables plain HTTP (no TLS) for OTLP export.
	Insecure bool `yaml:"insecure"`

	// StdOut also prints traces and metrics to stdout (for debugging).
	StdOut bool `yaml:"stdout"`

	// Prometheus exposes metrics on /metrics of the control listener.
	Prometheus bool `yaml:"prometheus"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads a YAML config file from path and returns the parsed Config.
// If the file does not exist the returned Config will contain zero values
// which must be filled via flag overrides before calling Validate.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Config file is optional -- flags can supply everything.
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// ---------------------------------------------------------------------------
// Defaults & validation
// ---------------------------------------------------------------------------

// ApplyDefaults fills in sensible defaults for any unset fields.
func (c *Config) ApplyDefaults() {
	if c.Control == "" {
		c.Control = "127.0.0.1:8001"
	}
	if c.User == "" {
		c.User = "127.0.0.1:8000"
	}
	if c.Runtime.Prefix == "" {
		c.Runtime.Prefix = "gateway_"
	}
	if c.State.Path == "" {
		c.State.Path = "gateway.sqlite"
	}
	if c.Worker.CommitBackoff == 0 {
		c.Worker.CommitBackoff = 200 * time.Millisecond
	}
	if c.Project.PollInterval == 0 {
		c.Project.PollInterval = time.Second
	}
	if c.Project.StartAttempts == 0 {
		c.Project.StartAttempts = 30
	}
	if c.Project.Port == 0 {
		c.Project.Port = 8000
	}
	if c.Project.StopTimeout == 0 {
		c.Project.StopTimeout = 10 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if !c.OTel.Enabled && c.OTel.Endpoint == "" {
		c.OTel.Insecure = true
	}
	c.Proxy.FQDN = strings.Trim(strings.ToLower(c.Proxy.FQDN), ".")
}

// Validate checks that all required fields are present and consistent.
func (c *Config) Validate() error {
	c.ApplyDefaults()

	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Control == c.User {
		return fmt.Errorf("control and user must listen on different addresses (both %q)", c.Control)
	}
	if _, _, err := net.SplitHostPort(c.Runtime.ProvisionerAddress); err != nil {
		return fmt.Errorf("runtime.provisioner_address %q: %w", c.Runtime.ProvisionerAddress, err)
	}
	if c.Project.PollInterval < 0 {
		return fmt.Errorf("project.poll_interval must not be negative")
	}
	if c.Worker.CommitBackoff < 0 {
		return fmt.Errorf("worker.commit_backoff must not be negative")
	}
	for i, arg := range c.Project.HealthCmd {
		if strings.TrimSpace(arg) == "" {
			return fmt.Errorf("project.health_cmd[%d] is empty", i)
		}
	}

	return nil
}

// ---------------------------------------------------------------------------
// Factories
// ---------------------------------------------------------------------------

// NewLogger creates a *slog.Logger from the Logging configuration.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     c.slogLevel(),
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	default:
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
}

func (c *Config) slogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewRuntime connects to the container runtime projects run on.
func (c *Config) NewRuntime(ctx context.Context, logger *slog.Logger) (engine.Runtime, error) {
	return docker.New(ctx, docker.Config{
		Image:       c.Runtime.Image,
		Network:     c.Runtime.NetworkID,
		StopTimeout: c.Project.StopTimeout,
		Pull:        c.Runtime.Pull,
	}, logger.WithGroup("engine.docker"))
}

// ContainerName is the runtime name of the container running project.
func (c *Config) ContainerName(project string) string {
	return c.Runtime.Prefix + project + "_run"
}
