package store

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/terrpan/runnerhost/internal/cache"
)

// metrics holds the store's otel instruments.  Instruments that failed
// to register stay nil and are skipped.
type metrics struct {
	sessionsCreated metric.Int64Counter
	sessionsEvicted metric.Int64Counter
	runnersCreated  metric.Int64Counter
	runnersEvicted  metric.Int64Counter
	creationFailed  metric.Int64Counter
}

func newMetrics(s *Store, logger *slog.Logger) *metrics {
	meter := otel.Meter("runnerhost/store")
	m := &metrics{}

	// Initialize metrics (errors are logged but not fatal)
	var err error
	m.sessionsCreated, err = meter.Int64Counter(
		"runnerhost.sessions.created",
		metric.WithDescription("Total number of sessions created"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Warn("failed to create sessionsCreated counter", slog.String("error", err.Error()))
	}

	m.sessionsEvicted, err = meter.Int64Counter(
		"runnerhost.sessions.evicted",
		metric.WithDescription("Total number of sessions evicted, by reason"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Warn("failed to create sessionsEvicted counter", slog.String("error", err.Error()))
	}

	m.runnersCreated, err = meter.Int64Counter(
		"runnerhost.runners.created",
		metric.WithDescription("Total number of runners created, by result type"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Warn("failed to create runnersCreated counter", slog.String("error", err.Error()))
	}

	m.runnersEvicted, err = meter.Int64Counter(
		"runnerhost.runners.evicted",
		metric.WithDescription("Total number of runners evicted, by reason"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Warn("failed to create runnersEvicted counter", slog.String("error", err.Error()))
	}

	m.creationFailed, err = meter.Int64Counter(
		"runnerhost.runners.creation_failed",
		metric.WithDescription("Total number of failed runner creations"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Warn("failed to create creationFailed counter", slog.String("error", err.Error()))
	}

	// Observable gauges read the store's counters and the cache size.
	_, err = meter.Int64ObservableGauge(
		"runnerhost.sessions.live",
		metric.WithDescription("Current number of live sessions"),
		metric.WithUnit("1"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(s.stats.sessions.Load())
			return nil
		}),
	)
	if err != nil {
		logger.Warn("failed to create sessions gauge", slog.String("error", err.Error()))
	}

	_, err = meter.Int64ObservableGauge(
		"runnerhost.runners.live",
		metric.WithDescription("Current number of live runners"),
		metric.WithUnit("1"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(s.stats.runners.Load())
			return nil
		}),
	)
	if err != nil {
		logger.Warn("failed to create runners gauge", slog.String("error", err.Error()))
	}

	_, err = meter.Int64ObservableGauge(
		"runnerhost.store.size",
		metric.WithDescription("Summed size of the cache entries"),
		metric.WithUnit("1"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(s.cache.Size())
			return nil
		}),
	)
	if err != nil {
		logger.Warn("failed to create size gauge", slog.String("error", err.Error()))
	}

	return m
}

func (m *metrics) sessionCreated(ctx context.Context) {
	if m.sessionsCreated != nil {
		m.sessionsCreated.Add(ctx, 1)
	}
}

func (m *metrics) sessionEvicted(reason cache.EvictionReason) {
	if m.sessionsEvicted != nil {
		m.sessionsEvicted.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("reason", reason.String())))
	}
}

func (m *metrics) runnerCreated(ctx context.Context, resultType string) {
	if m.runnersCreated != nil {
		m.runnersCreated.Add(ctx, 1,
			metric.WithAttributes(attribute.String("result_type", resultType)))
	}
}

func (m *metrics) runnerEvicted(reason cache.EvictionReason) {
	if m.runnersEvicted != nil {
		m.runnersEvicted.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("reason", reason.String())))
	}
}

func (m *metrics) runnerCreationFailed(ctx context.Context, resultType string) {
	if m.creationFailed != nil {
		m.creationFailed.Add(ctx, 1,
			metric.WithAttributes(attribute.String("result_type", resultType)))
	}
}
