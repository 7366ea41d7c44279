package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/terrpan/runnerhost/internal/buildinfo"
	"github.com/terrpan/runnerhost/internal/config"
	"github.com/terrpan/runnerhost/internal/otel"
)

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
	Use:   "runnerhost",
	Short: "Session-scoped incremental result runners",
	Long: `runnerhost hosts long-running, incrementally produced result streams
("runners") inside sessions.  Idle or terminated sessions are evicted
from a bounded cache and every runner they own is aborted and disposed.

Configuration is read from a YAML file (--config) with optional CLI
flag overrides for the most common settings.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), buildinfo.String())
	},
}

func init() {
	f := rootCmd.PersistentFlags()

	// Config file
	f.StringVar(&cfgPath, "config", "config.yaml", "Path to YAML configuration file")

	// Store overrides
	f.StringVar(&flagOverrides.Store.HostID, "host-id", "", "Host id used in runner references")
	f.DurationVar(&flagOverrides.Store.SessionIdleTimeout, "session-idle-timeout", 0, "Evict sessions idle for this long")
	f.DurationVar(&flagOverrides.Store.RunnerIdleTimeout, "runner-idle-timeout", 0, "Evict runners idle for this long")

	// Source overrides
	f.BoolVar(&flagOverrides.Sources.Docker.Enabled, "docker", false, "Enable the docker sources")
	f.StringVar(&flagOverrides.Sources.GCP.Project, "gcp-project", "", "Enable the gcp source for this project")
	f.StringVar(&flagOverrides.Sources.GCP.Zone, "gcp-zone", "", "Default zone of the gcp source")

	// Logging overrides
	f.StringVar(&flagOverrides.Logging.Level, "log-level", "", "Log level (debug, info, warn, error)")
	f.StringVar(&flagOverrides.Logging.Format, "log-format", "", "Log format (text, json)")
	f.StringVar(&flagOverrides.Logging.File.Path, "log-file", "", "Write logs to this rotated file instead of stdout")

	rootCmd.AddCommand(serveCmd, runCmd, versionCmd)
}

// applyFlagOverrides merges non-zero CLI flag values into the loaded config.
func applyFlagOverrides(cfg *config.Config) {
	if flagOverrides.Store.HostID != "" {
		cfg.Store.HostID = flagOverrides.Store.HostID
	}
	if flagOverrides.Store.SessionIdleTimeout != 0 {
		cfg.Store.SessionIdleTimeout = flagOverrides.Store.SessionIdleTimeout
	}
	if flagOverrides.Store.RunnerIdleTimeout != 0 {
		cfg.Store.RunnerIdleTimeout = flagOverrides.Store.RunnerIdleTimeout
	}
	if flagOverrides.Sources.Docker.Enabled {
		cfg.Sources.Docker.Enabled = true
	}
	if flagOverrides.Sources.GCP.Project != "" {
		cfg.Sources.GCP.Enabled = true
		cfg.Sources.GCP.Project = flagOverrides.Sources.GCP.Project
	}
	if flagOverrides.Sources.GCP.Zone != "" {
		cfg.Sources.GCP.Zone = flagOverrides.Sources.GCP.Zone
	}
	if flagOverrides.Logging.Level != "" {
		cfg.Logging.Level = flagOverrides.Logging.Level
	}
	if flagOverrides.Logging.Format != "" {
		cfg.Logging.Format = flagOverrides.Logging.Format
	}
	if flagOverrides.Logging.File.Path != "" {
		cfg.Logging.File.Path = flagOverrides.Logging.File.Path
	}
}

// setup loads and validates the configuration and builds the logger
// and the otel SDK shared by every command.
func setup(ctx context.Context) (*config.Config, *slog.Logger, func(context.Context) error, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading config: %w", err)
	}
	applyFlagOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := cfg.NewLogger()

	shutdown, err := otel.Setup(ctx, cfg.TelemetryConfig())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("setting up telemetry: %w", err)
	}

	sources := resultTypes(cfg)
	logger.Info("configuration loaded",
		slog.String("configFile", cfgPath),
		slog.String("hostID", cfg.Store.HostID),
		slog.Any("sources", sources),
		slog.Duration("sessionIdleTimeout", cfg.Store.SessionIdleTimeout),
		slog.Duration("runnerIdleTimeout", cfg.Store.RunnerIdleTimeout),
	)
	return cfg, logger, shutdown, nil
}

// resultTypes returns the sorted result types served by cfg.
func resultTypes(cfg *config.Config) []string {
	factories := cfg.NewFactories()
	types := make([]string, 0, len(factories))
	for t := range factories {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}
