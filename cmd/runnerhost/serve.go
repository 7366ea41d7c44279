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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/terrpan/runnerhost/internal/health"
	"github.com/terrpan/runnerhost/internal/store"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Host the session store with an ops HTTP server",
	Long: `serve keeps a session store alive and exposes /healthz, /stats and
/metrics.  On shutdown every session is evicted and the command waits
until all runners have been disposed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return serve(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address of the ops server (overrides http.addr)")
}

func serve(ctx context.Context) error {
	// ---------------------------------------------------------------
	// 1. Load configuration, logger, telemetry
	// ---------------------------------------------------------------
	cfg, logger, shutdownOTel, err := setup(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownOTel(context.WithoutCancel(ctx)); err != nil {
			logger.Error("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()
	if serveAddr != "" {
		cfg.HTTP.Addr = serveAddr
	}

	// ---------------------------------------------------------------
	// 2. Create store
	// ---------------------------------------------------------------
	st, err := cfg.NewStore(logger)
	if err != nil {
		return fmt.Errorf("creating store: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := st.Close(closeCtx); err != nil {
			logger.Error("store close failed", slog.String("error", err.Error()))
		}
	}()

	// ---------------------------------------------------------------
	// 3. Start ops server
	// ---------------------------------------------------------------
	var metrics http.Handler
	if cfg.TelemetryConfig().Prometheus {
		metrics = promhttp.Handler()
	}
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           health.NewRouter(health.Info{HostID: st.HostID(), Sources: resultTypes(cfg)}, st.Statistics, metrics),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ops server listening", slog.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// ---------------------------------------------------------------
	// 4. Run until interrupted
	// ---------------------------------------------------------------
	go logStatistics(ctx, st, cfg.HTTP.StatsInterval, logger)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ops server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("ops server shutdown failed", slog.String("error", err.Error()))
	}
	return nil
}

// logStatistics logs the store statistics every interval until ctx
// ends.
func logStatistics(ctx context.Context, st *store.Store, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, ok := st.Statistics()
			if !ok {
				return
			}
			logger.Info("store statistics",
				slog.Int64("sessions", stats.Sessions),
				slog.Int64("runners", stats.Runners),
				slog.Int64("size", stats.Size),
				slog.Int64("sessionsCreated", stats.SessionsCreated),
				slog.Int64("sessionsEvicted", stats.SessionsEvicted),
				slog.Int64("runnersCreated", stats.RunnersCreated),
				slog.Int64("runnersEvicted", stats.RunnersEvicted),
			)
		}
	}
}
