package broker

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/go-txoutbox/pkg/config"
)

// NewKafkaBroker creates a synchronous producer against settings.Brokers.
var NewKafkaBroker BrokerCreator = func(ctx context.Context, settings *config.BrokerSettings) (MessageBroker, error) {
	producer, err := sarama.NewSyncProducer(settings.Brokers, newKafkaConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	return newKafkaBroker(producer), nil
}

func newKafkaConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Return.Successes = true
	return cfg
}

type kafkaBroker struct {
	producer sarama.SyncProducer
}

func newKafkaBroker(producer sarama.SyncProducer) *kafkaBroker {
	return &kafkaBroker{producer: producer}
}

func (k *kafkaBroker) Publish(ctx context.Context, topic string, data []byte, headers map[string]string) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("kafka"),
			semconv.MessagingDestinationKindKey.String("topic"),
			semconv.MessagingDestinationKey.String(topic),
		),
	)
	defer span.End()

	msg := &sarama.ProducerMessage{
		Topic:   topic,
		Value:   sarama.ByteEncoder(data),
		Headers: toRecordHeaders(traceHeaders(ctx, headers)),
	}
	if id, ok := headers[HeaderMessageID]; ok {
		// Keyed by message id so redeliveries of one message share a partition.
		msg.Key = sarama.StringEncoder(id)
	}

	partition, offset, err := k.producer.SendMessage(msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("kafka: publish to %q: %w", topic, err)
	}

	span.SetAttributes(
		semconv.MessagingKafkaPartitionKey.Int64(int64(partition)),
		attribute.Int64("messaging.kafka.offset", offset),
		attribute.Int("messaging.message_payload_size_bytes", len(data)),
	)
	return nil
}

func (k *kafkaBroker) Close() error {
	return k.producer.Close()
}

func toRecordHeaders(headers map[string]string) []sarama.RecordHeader {
	out := make([]sarama.RecordHeader, 0, len(headers))
	for k, v := range headers {
		out = append(out, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}
	return out
}
