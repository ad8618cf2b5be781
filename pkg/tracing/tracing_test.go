package tracing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const testTimeout = 2 * time.Second

func TestInitDisabled(t *testing.T) {
	tp, shutdown, err := Init(context.Background(), Config{ServiceName: "relay", Disabled: true})
	require.NoError(t, err)
	assert.Nil(t, tp)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))

	// Propagation still works without an exporter.
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(context.Background(), carrier)
	assert.Contains(t, otel.GetTextMapPropagator().Fields(), "traceparent")
}

func TestInit(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	tp, shutdown, err := Init(ctx, Config{
		ServiceName:    "relay",
		ServiceVersion: "v1.0.0",
		Environment:    "test",
		Endpoint:       "localhost:4317",
	})
	require.NoError(t, err)
	require.NotNil(t, tp)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(ctx))
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, defaultEndpoint, cfg.Endpoint)
	assert.Equal(t, 30*time.Second, cfg.RetryTimeout)
	assert.Equal(t, time.Second, cfg.BatchTimeout)

	cfg = Config{Endpoint: "collector:4317", BatchTimeout: 5 * time.Second}.withDefaults()
	assert.Equal(t, "collector:4317", cfg.Endpoint)
	assert.Equal(t, 5*time.Second, cfg.BatchTimeout)
}

func TestShutdown(t *testing.T) {
	t.Run("nil provider", func(t *testing.T) {
		assert.NoError(t, Shutdown(context.Background(), nil))
	})
	t.Run("sdk provider", func(t *testing.T) {
		tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.AlwaysSample()))
		_, span := tp.Tracer("test").Start(context.Background(), "span")
		assert.True(t, span.SpanContext().IsSampled())
		span.End()

		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		assert.NoError(t, Shutdown(ctx, tp))
	})
}
