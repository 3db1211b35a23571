package broker

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/go-txoutbox/pkg/config"
)

// payloadField holds the message body in each stream entry; headers are
// stored as sibling fields.
const payloadField = "payload"

// NewRedisBroker appends messages to Redis streams named after the topic.
var NewRedisBroker BrokerCreator = func(ctx context.Context, settings *config.BrokerSettings) (MessageBroker, error) {
	opts, err := redis.ParseURL(settings.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &redisBroker{client: client}, nil
}

// streamClient is the part of *redis.Client the broker uses.
type streamClient interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	Close() error
}

type redisBroker struct {
	client streamClient
}

func (r *redisBroker) Publish(ctx context.Context, topic string, data []byte, headers map[string]string) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("redis"),
			semconv.MessagingDestinationKindKey.String("topic"),
			semconv.MessagingDestinationKey.String(topic),
		),
	)
	defer span.End()

	id, err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		Values: streamValues(data, traceHeaders(ctx, headers)),
	}).Result()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("redis: xadd to %q: %w", topic, err)
	}

	span.SetAttributes(
		semconv.MessagingMessageIDKey.String(id),
		attribute.Int("messaging.message_payload_size_bytes", len(data)),
	)
	return nil
}

func (r *redisBroker) Close() error {
	return r.client.Close()
}

func streamValues(data []byte, headers map[string]string) map[string]interface{} {
	values := make(map[string]interface{}, len(headers)+1)
	for k, v := range headers {
		values[k] = v
	}
	values[payloadField] = string(data)
	return values
}
