package processor

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type pollMetrics struct {
	claimed   metric.Int64Counter
	processed metric.Int64Counter
	failed    metric.Int64Counter
	conflicts metric.Int64Counter
}

func newPollMetrics(meter metric.Meter) (pollMetrics, error) {
	var (
		m   pollMetrics
		err error
	)
	if m.claimed, err = meter.Int64Counter("outbox.messages.claimed",
		metric.WithDescription("Messages moved from Pending to Processing")); err != nil {
		return m, err
	}
	if m.processed, err = meter.Int64Counter("outbox.messages.processed",
		metric.WithDescription("Messages finalized as Processed")); err != nil {
		return m, err
	}
	if m.failed, err = meter.Int64Counter("outbox.messages.failed",
		metric.WithDescription("Messages finalized as Failed")); err != nil {
		return m, err
	}
	if m.conflicts, err = meter.Int64Counter("outbox.poll.conflicts",
		metric.WithDescription("Polls that lost a message to another poller")); err != nil {
		return m, err
	}
	return m, nil
}

func add(ctx context.Context, counter metric.Int64Counter, n int, messageType string) {
	if n == 0 {
		return
	}
	counter.Add(ctx, int64(n), metric.WithAttributes(attribute.String("message.type", messageType)))
}
