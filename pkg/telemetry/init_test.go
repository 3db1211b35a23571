package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/zoff-tech/go-txoutbox/pkg/config"
)

func TestInit_Success(t *testing.T) {
	original := otel.GetTracerProvider()
	defer otel.SetTracerProvider(original)

	cfg := config.Observability{
		ServiceName: "test-service",
		TracingURL:  "http://localhost:4318", // exporter connects lazily
	}

	shutdown, err := Init(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, shutdown)

	assert.IsType(t, &sdktrace.TracerProvider{}, otel.GetTracerProvider())
	assert.Contains(t, otel.GetTextMapPropagator().Fields(), "traceparent")

	assert.NoError(t, shutdown(context.Background()))
}

func TestInit_InvalidTracingURL(t *testing.T) {
	cfg := config.Observability{
		ServiceName: "test-service",
		TracingURL:  "",
	}

	shutdown, err := Init(context.Background(), cfg)
	assert.Error(t, err)
	assert.Nil(t, shutdown)
}

func TestInit_EmptyServiceName(t *testing.T) {
	cfg := config.Observability{
		ServiceName: "",
		TracingURL:  "http://localhost:4318",
	}

	shutdown, err := Init(context.Background(), cfg)
	assert.Error(t, err)
	assert.Nil(t, shutdown)
}
