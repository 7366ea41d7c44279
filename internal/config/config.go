// Package config handles loading, validating, and applying
// configuration for runnerhost.  Configuration is read from a YAML
// file and can be overridden by CLI flags.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"

	"github.com/terrpan/runnerhost/internal/cache"
	"github.com/terrpan/runnerhost/internal/otel"
	"github.com/terrpan/runnerhost/internal/registry"
	"github.com/terrpan/runnerhost/internal/scope"
	"github.com/terrpan/runnerhost/internal/source/docker"
	"github.com/terrpan/runnerhost/internal/source/gcp"
	"github.com/terrpan/runnerhost/internal/source/sequence"
	"github.com/terrpan/runnerhost/internal/store"
)

// ---------------------------------------------------------------------------
// Top-level config
// ---------------------------------------------------------------------------

// Config is the root configuration structure.
type Config struct {
	Store   StoreConfig   `yaml:"store"`
	Sources SourcesConfig `yaml:"sources"`
	HTTP    HTTPConfig    `yaml:"http"`
	Logging LoggingConfig `yaml:"logging"`
	OTel    OTelConfig    `yaml:"otel"`
}

// ---------------------------------------------------------------------------
// Store
// ---------------------------------------------------------------------------

// StoreConfig controls the session object store and its cache.
type StoreConfig struct {
	// HostID qualifies runner references ("<host>/<number>").
	// Default: "local".
	HostID string `yaml:"host_id"`

	// Capacity caps the number of cache entries (sessions plus
	// runners).  0 means unbounded.  Default: 10000.
	Capacity uint64 `yaml:"capacity"`

	// SessionSize and RunnerSize are the accounted sizes of one entry.
	// Default: 1 each.
	SessionSize int64 `yaml:"session_size"`
	RunnerSize  int64 `yaml:"runner_size"`

	// SessionIdleTimeout evicts sessions nobody touched for this long.
	// Default: 20m.
	SessionIdleTimeout time.Duration `yaml:"session_idle_timeout"`

	// SessionMaxLifetime evicts sessions this long after creation
	// regardless of activity.  0 disables it.
	SessionMaxLifetime time.Duration `yaml:"session_max_lifetime"`

	// RunnerIdleTimeout evicts runners nobody fetched from for this
	// long.  Default: 5m.
	RunnerIdleTimeout time.Duration `yaml:"runner_idle_timeout"`

	// WaitForCleanup makes session eviction block until every runner
	// has been disposed.  Default: false.
	WaitForCleanup bool `yaml:"wait_for_cleanup"`

	// CleanupObserveTimeout logs a warning when a session's cleanup
	// runs longer than this.  Default: 30s.
	CleanupObserveTimeout time.Duration `yaml:"cleanup_observe_timeout"`

	// TrackStatistics enables Statistics().  Default: true.
	TrackStatistics *bool `yaml:"track_statistics"`

	Registry RegistryConfig `yaml:"registry"`
}

// RegistryConfig holds per-session registry limits.
type RegistryConfig struct {
	// MinNumber is the first runner number.  Numbers are positive; 0
	// selects the default, 1.
	MinNumber int `yaml:"min_number"`
	// MaxNumber is the last runner number.  Default: 2147483647.
	MaxNumber int `yaml:"max_number"`
	// DisposeTimeout bounds each runner's disposal.  Default: 30s.
	DisposeTimeout time.Duration `yaml:"dispose_timeout"`
}

// ---------------------------------------------------------------------------
// Sources
// ---------------------------------------------------------------------------

// SourcesConfig selects the runner result types the store serves.
type SourcesConfig struct {
	Sequence SequenceSourceConfig `yaml:"sequence"`
	Docker   DockerSourceConfig   `yaml:"docker"`
	GCP      GCPSourceConfig      `yaml:"gcp"`
}

// SequenceSourceConfig controls the in-memory sequence source.
type SequenceSourceConfig struct {
	// Enabled defaults to true.  A *bool distinguishes "not set" from
	// "explicitly disabled".
	Enabled *bool `yaml:"enabled"`
}

// DockerSourceConfig controls the Docker log and container sources.
type DockerSourceConfig struct {
	Enabled bool `yaml:"enabled"`
	// Host overrides DOCKER_HOST (e.g. "unix:///var/run/docker.sock").
	Host string `yaml:"host"`
}

// GCPSourceConfig controls the Compute Engine inventory source.
//
// Authentication uses Application Default Credentials (ADC) -- no
// credential fields are needed.
type GCPSourceConfig struct {
	Enabled bool `yaml:"enabled"`

	// Project is the default GCP project ID (required when enabled).
	Project string `yaml:"project"`

	// Zone is the default zone (required when enabled).
	Zone string `yaml:"zone"`

	// PageSize is the number of instances per API page.  Default: 100.
	PageSize uint32 `yaml:"page_size"`
}

// ---------------------------------------------------------------------------
// HTTP
// ---------------------------------------------------------------------------

// HTTPConfig controls the ops HTTP server of the serve command.
type HTTPConfig struct {
	// Addr is the listen address.  Default: ":8080".
	Addr string `yaml:"addr"`

	// StatsInterval is how often store statistics are logged.
	// Default: 1m.
	StatsInterval time.Duration `yaml:"stats_interval"`

	// ShutdownTimeout bounds the graceful shutdown.  Default: 30s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ---------------------------------------------------------------------------
// Logging
// ---------------------------------------------------------------------------

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	// Level: debug, info, warn, error.  Default: info.
	Level string `yaml:"level"`
	// Format: text, json.  Default: text.
	Format string `yaml:"format"`
	// File, when its path is set, writes logs to a rotated file
	// instead of stdout.
	File LogFileConfig `yaml:"file"`
}

// LogFileConfig configures log file rotation.
type LogFileConfig struct {
	Path string `yaml:"path"`
	// MaxSizeMB is the size that triggers rotation.  Default: 100.
	MaxSizeMB int `yaml:"max_size_mb"`
	// MaxBackups is the number of rotated files kept.  Default: 5.
	MaxBackups int `yaml:"max_backups"`
	// MaxAgeDays removes rotated files older than this.  0 keeps them.
	MaxAgeDays int  `yaml:"max_age_days"`
	Compress   bool `yaml:"compress"`
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

	// Insecure enables plain HTTP (no TLS) for OTLP export.  Default: true.
	Insecure *bool `yaml:"insecure"`

	// StdOut also prints traces and metrics to stdout (for debugging).
	StdOut bool `yaml:"stdout"`

	// Prometheus exposes metrics on the ops server's /metrics.
	// Default: true.
	Prometheus *bool `yaml:"prometheus"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads a YAML config file from path and returns the parsed Config.
// A missing file yields a zero Config; defaults and flag overrides
// fill it before Validate.
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
	if c.Store.HostID == "" {
		c.Store.HostID = "local"
	}
	if c.Store.Capacity == 0 {
		c.Store.Capacity = 10000
	}
	if c.Store.SessionSize == 0 {
		c.Store.SessionSize = 1
	}
	if c.Store.RunnerSize == 0 {
		c.Store.RunnerSize = 1
	}
	if c.Store.SessionIdleTimeout == 0 {
		c.Store.SessionIdleTimeout = 20 * time.Minute
	}
	if c.Store.RunnerIdleTimeout == 0 {
		c.Store.RunnerIdleTimeout = 5 * time.Minute
	}
	if c.Store.CleanupObserveTimeout == 0 {
		c.Store.CleanupObserveTimeout = 30 * time.Second
	}
	if c.Store.TrackStatistics == nil {
		c.Store.TrackStatistics = boolPtr(true)
	}
	if c.Store.Registry.MinNumber == 0 {
		c.Store.Registry.MinNumber = 1
	}
	if c.Store.Registry.MaxNumber == 0 {
		c.Store.Registry.MaxNumber = 1<<31 - 1
	}
	if c.Store.Registry.DisposeTimeout == 0 {
		c.Store.Registry.DisposeTimeout = 30 * time.Second
	}
	if c.Sources.Sequence.Enabled == nil {
		c.Sources.Sequence.Enabled = boolPtr(true)
	}
	if c.Sources.GCP.PageSize == 0 {
		c.Sources.GCP.PageSize = 100
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.HTTP.StatsInterval == 0 {
		c.HTTP.StatsInterval = time.Minute
	}
	if c.HTTP.ShutdownTimeout == 0 {
		c.HTTP.ShutdownTimeout = 30 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.File.MaxSizeMB == 0 {
		c.Logging.File.MaxSizeMB = 100
	}
	if c.Logging.File.MaxBackups == 0 {
		c.Logging.File.MaxBackups = 5
	}
	if c.OTel.Insecure == nil {
		c.OTel.Insecure = boolPtr(true)
	}
	if c.OTel.Prometheus == nil {
		c.OTel.Prometheus = boolPtr(true)
	}
}

// Validate checks that all required fields are present and consistent.
func (c *Config) Validate() error {
	c.ApplyDefaults()

	if strings.Contains(c.Store.HostID, "/") {
		return fmt.Errorf("store.host_id %q must not contain '/'", c.Store.HostID)
	}
	if c.Store.SessionSize < 0 || c.Store.RunnerSize < 0 {
		return fmt.Errorf("store.session_size and store.runner_size must not be negative")
	}
	for name, d := range map[string]time.Duration{
		"store.session_idle_timeout":     c.Store.SessionIdleTimeout,
		"store.session_max_lifetime":     c.Store.SessionMaxLifetime,
		"store.runner_idle_timeout":      c.Store.RunnerIdleTimeout,
		"store.cleanup_observe_timeout":  c.Store.CleanupObserveTimeout,
		"store.registry.dispose_timeout": c.Store.Registry.DisposeTimeout,
		"http.stats_interval":            c.HTTP.StatsInterval,
		"http.shutdown_timeout":          c.HTTP.ShutdownTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative (got %s)", name, d)
		}
	}
	if c.Store.Registry.MinNumber < 0 {
		return fmt.Errorf("store.registry.min_number must not be negative (got %d)", c.Store.Registry.MinNumber)
	}
	if c.Store.Registry.MaxNumber < c.Store.Registry.MinNumber {
		return fmt.Errorf("store.registry.max_number (%d) < store.registry.min_number (%d)",
			c.Store.Registry.MaxNumber, c.Store.Registry.MinNumber)
	}

	if !*c.Sources.Sequence.Enabled && !c.Sources.Docker.Enabled && !c.Sources.GCP.Enabled {
		return fmt.Errorf("no sources enabled: enable at least one of sources.sequence, sources.docker, sources.gcp")
	}
	if c.Sources.GCP.Enabled {
		if c.Sources.GCP.Project == "" {
			return fmt.Errorf("sources.gcp.project is required when sources.gcp.enabled is true")
		}
		if c.Sources.GCP.Zone == "" {
			return fmt.Errorf("sources.gcp.zone is required when sources.gcp.enabled is true")
		}
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not supported (supported: debug, info, warn, error)", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not supported (supported: text, json)", c.Logging.Format)
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

	w := c.logWriter()
	switch strings.ToLower(c.Logging.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts))
	default:
		return slog.New(slog.NewTextHandler(w, opts))
	}
}

// logWriter returns stdout, or a rotating file when logging.file.path
// is set.
func (c *Config) logWriter() io.Writer {
	f := c.Logging.File
	if f.Path == "" {
		return os.Stdout
	}
	return &lumberjack.Logger{
		Filename:   f.Path,
		MaxSize:    f.MaxSizeMB,
		MaxBackups: f.MaxBackups,
		MaxAge:     f.MaxAgeDays,
		Compress:   f.Compress,
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

// NewProvider creates the scope provider with the per-session services
// of every enabled source.
func (c *Config) NewProvider(logger *slog.Logger) *scope.Provider {
	p := scope.NewProvider(logger.WithGroup("scope"))
	if c.Sources.Docker.Enabled {
		docker.Register(p, docker.Config{Host: c.Sources.Docker.Host})
	}
	if c.Sources.GCP.Enabled {
		gcp.Register(p)
	}
	return p
}

// NewFactories returns the runner factories of every enabled source,
// keyed by result type.
func (c *Config) NewFactories() map[string]store.Factory {
	factories := make(map[string]store.Factory)
	if c.Sources.Sequence.Enabled == nil || *c.Sources.Sequence.Enabled {
		factories[sequence.ResultType] = sequence.Factory
	}
	if c.Sources.Docker.Enabled {
		for k, f := range docker.Factories() {
			factories[k] = f
		}
	}
	if c.Sources.GCP.Enabled {
		src := gcp.New(gcp.Config{
			Project:  c.Sources.GCP.Project,
			Zone:     c.Sources.GCP.Zone,
			PageSize: c.Sources.GCP.PageSize,
		})
		for k, f := range src.Factories() {
			factories[k] = f
		}
	}
	return factories
}

// NewCache creates the bounded cache backing the store.
func (c *Config) NewCache(logger *slog.Logger) cache.Cache {
	return cache.NewTTL(cache.TTLConfig{
		Capacity: c.Store.Capacity,
		Logger:   logger.WithGroup("cache"),
	})
}

// NewStore creates the session object store with its cache, scope
// provider and factories.
func (c *Config) NewStore(logger *slog.Logger) (*store.Store, error) {
	return store.New(store.Config{
		Cache:     c.NewCache(logger),
		Scopes:    c.NewProvider(logger),
		Factories: c.NewFactories(),
		Registry: registry.Config{
			MinNumber:      c.Store.Registry.MinNumber,
			MaxNumber:      c.Store.Registry.MaxNumber,
			DisposeTimeout: c.Store.Registry.DisposeTimeout,
			Logger:         logger.WithGroup("registry"),
		},
		SessionSize:           c.Store.SessionSize,
		RunnerSize:            c.Store.RunnerSize,
		SessionIdleTimeout:    c.Store.SessionIdleTimeout,
		SessionMaxLifetime:    c.Store.SessionMaxLifetime,
		RunnerIdleTimeout:     c.Store.RunnerIdleTimeout,
		WaitForCleanup:        c.Store.WaitForCleanup,
		CleanupObserveTimeout: c.Store.CleanupObserveTimeout,
		TrackStatistics:       c.Store.TrackStatistics == nil || *c.Store.TrackStatistics,
		HostID:                c.Store.HostID,
		Logger:                logger.WithGroup("store"),
	})
}

// TelemetryConfig returns the OpenTelemetry SDK settings.
func (c *Config) TelemetryConfig() otel.Config {
	return otel.Config{
		Enabled:    c.OTel.Enabled,
		Endpoint:   c.OTel.Endpoint,
		Insecure:   c.OTel.Insecure == nil || *c.OTel.Insecure,
		StdOut:     c.OTel.StdOut,
		Prometheus: c.OTel.Prometheus == nil || *c.OTel.Prometheus,
	}
}

func boolPtr(b bool) *bool { return &b }
