package processor

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/go-txoutbox/pkg/schema"
)

// Sender writes messages of one type into the outbox.
type Sender[Tx, P any] struct {
	orchestrator *Orchestrator[Tx]
	messageType  string
}

// Type returns the message type the sender stamps on every message.
func (s *Sender[Tx, P]) Type() string {
	return s.messageType
}

// Send saves msg as Pending inside the caller's transaction tx, so the
// message commits or rolls back with the caller's own writes. msg.Type is
// replaced by the sender's type; msg itself is not modified.
func (s *Sender[Tx, P]) Send(ctx context.Context, tx Tx, msg *schema.Message[P]) (saved *schema.OutboxMessage, err error) {
	ctx, span := s.orchestrator.tracer.Start(ctx, "outbox.send", trace.WithAttributes(
		attribute.String("message.type", s.messageType),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if msg == nil {
		return nil, errors.New("outbox: nil message")
	}
	stamped := *msg
	stamped.Type = s.messageType

	data, err := stamped.Encode()
	if err != nil {
		return nil, err
	}
	saved, err = s.orchestrator.store.Save(ctx, tx, data)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int64("message.id", saved.ID))
	return saved, nil
}
