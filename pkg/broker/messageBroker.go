package broker

import (
	"context"
	"errors"
	"maps"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const tracerName = "go-txoutbox"

// ErrUnsupportedBroker is returned by NewBroker for an unknown broker type.
var ErrUnsupportedBroker = errors.New("unsupported broker type")

// MessageBroker defines the operations to publish messages to a broker.
type MessageBroker interface {
	// Publish sends data to topic with optional headers.
	Publish(ctx context.Context, topic string, data []byte, headers map[string]string) error
	// Close cleans up any resources (connections).
	Close() error
}

// traceHeaders returns a copy of headers carrying the trace context of ctx.
func traceHeaders(ctx context.Context, headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers)+2)
	maps.Copy(out, headers)
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(out))
	return out
}
