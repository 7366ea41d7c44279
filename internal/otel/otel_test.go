package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// restoreProviders puts the global providers back after a test.
func restoreProviders(t *testing.T) {
	t.Helper()
	tp := otel.GetTracerProvider()
	mp := otel.GetMeterProvider()
	t.Cleanup(func() {
		otel.SetTracerProvider(tp)
		otel.SetMeterProvider(mp)
	})
}

func TestSetupDisabledKeepsNoopProviders(t *testing.T) {
	restoreProviders(t)
	before := otel.GetMeterProvider()

	shutdown, err := Setup(context.Background(), Config{})
	require.NoError(t, err)
	require.NotNil(t, shutdown)

	assert.Equal(t, before, otel.GetMeterProvider())
	assert.NoError(t, shutdown(context.Background()))
}

func TestSetupPrometheusInstallsMeterProvider(t *testing.T) {
	restoreProviders(t)

	shutdown, err := Setup(context.Background(), Config{Prometheus: true})
	require.NoError(t, err)

	_, ok := otel.GetMeterProvider().(*sdkmetric.MeterProvider)
	assert.True(t, ok)
	_, ok = otel.GetTracerProvider().(*sdktrace.TracerProvider)
	assert.False(t, ok, "no trace exporter configured")

	counter, err := otel.Meter("test").Int64Counter("test.counter")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)

	assert.NoError(t, shutdown(context.Background()))
	// A second shutdown is a no-op.
	assert.NoError(t, shutdown(context.Background()))
}

func TestSetupStdOutInstallsBothProviders(t *testing.T) {
	restoreProviders(t)

	shutdown, err := Setup(context.Background(), Config{StdOut: true})
	require.NoError(t, err)
	defer func() { _ = shutdown(context.Background()) }()

	_, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider)
	assert.True(t, ok)
	_, ok = otel.GetMeterProvider().(*sdkmetric.MeterProvider)
	assert.True(t, ok)
}

func TestNewResourceCarriesServiceName(t *testing.T) {
	res, err := newResource(context.Background())
	require.NoError(t, err)

	found := false
	for _, kv := range res.Attributes() {
		if string(kv.Key) == "service.name" {
			found = true
			assert.Equal(t, ServiceName, kv.Value.AsString())
		}
	}
	assert.True(t, found)
}
