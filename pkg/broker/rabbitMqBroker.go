package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/zoff-tech/go-txoutbox/pkg/config"
)

const (
	defaultChannelPoolSize = 5
	reconnectInterval      = 5 * time.Second
)

// NewRabbitMqBroker connects to settings.URL and keeps a pool of channels.
// Messages are published to settings.Exchange with the topic as routing key;
// an empty exchange publishes straight to the queue named by the topic.
var NewRabbitMqBroker BrokerCreator = func(ctx context.Context, settings *config.BrokerSettings) (MessageBroker, error) {
	poolSize := settings.PoolSize
	if poolSize < 0 {
		return nil, fmt.Errorf("rabbitmq: pool size must not be negative, got %d", poolSize)
	}
	if poolSize == 0 {
		poolSize = defaultChannelPoolSize
	}

	broker := &rabbitMqBroker{
		url:             settings.URL,
		exchange:        settings.Exchange,
		poolSize:        poolSize,
		channelPool:     make(chan *pooledChannel, poolSize),
		reconnectTicker: time.NewTicker(reconnectInterval),
		stopReconnect:   make(chan struct{}),
		logger:          zap.L().Named("rabbitmq"),
	}

	if err := broker.connectAndInitialize(); err != nil {
		broker.reconnectTicker.Stop()
		return nil, err
	}

	go broker.recoverConnection()

	return broker, nil
}

type rabbitMqBroker struct {
	url      string
	exchange string
	poolSize int

	mu              sync.Mutex
	connection      *amqp.Connection
	channelPool     chan *pooledChannel
	closed          bool
	reconnectTicker *time.Ticker
	stopReconnect   chan struct{}
	logger          *zap.Logger
}

func (r *rabbitMqBroker) Publish(ctx context.Context, topic string, data []byte, headers map[string]string) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("rabbitmq"),
			semconv.MessagingDestinationKindKey.String("topic"),
			semconv.MessagingDestinationKey.String(r.exchange),
			semconv.MessagingRabbitmqRoutingKeyKey.String(topic),
		),
	)
	defer span.End()

	pooledChan, err := r.getChannel()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	defer r.releaseChannel(pooledChan)

	err = pooledChan.channel.Publish(r.exchange, topic, false, false, newPublishing(data, traceHeaders(ctx, headers)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("rabbitmq: publish to %q: %w", topic, err)
	}

	span.SetAttributes(
		attribute.Int("messaging.message_payload_size_bytes", len(data)),
	)
	return nil
}

func (r *rabbitMqBroker) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	// Stop the connection recovery goroutine
	close(r.stopReconnect)
	r.reconnectTicker.Stop()

	r.drainPool()

	if r.connection != nil && !r.connection.IsClosed() {
		return r.connection.Close()
	}
	return nil
}

func newPublishing(data []byte, headers map[string]string) amqp.Publishing {
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         data,
		Headers:      toAMQPTable(headers),
	}
}

func toAMQPTable(headers map[string]string) amqp.Table {
	table := make(amqp.Table, len(headers))
	for k, v := range headers {
		table[k] = v
	}
	return table
}
