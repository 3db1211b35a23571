package processor

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/zoff-tech/go-txoutbox/pkg/schema"
)

// Receiver claims pending messages of one type and hands them to a callback.
type Receiver[Tx, P any] struct {
	orchestrator *Orchestrator[Tx]
	messageType  string
	callback     Callback[P]
}

// Type returns the message type the receiver polls.
func (r *Receiver[Tx, P]) Type() string {
	return r.messageType
}

// Poll processes up to maxMessages pending messages in two transactions.
//
// The first claims the oldest pending messages by moving them to Processing.
// Callbacks then run with no transaction open. The second records Processed
// or Failed for every claimed message. If the process dies between the two,
// claimed messages stay Processing.
//
// A failed claim means no callback ran. Callback failures are not returned;
// they mark the message Failed.
func (r *Receiver[Tx, P]) Poll(ctx context.Context, maxMessages int) (err error) {
	if maxMessages <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidBatchSize, maxMessages)
	}

	o := r.orchestrator
	ctx, span := o.tracer.Start(ctx, "outbox.poll", trace.WithAttributes(
		attribute.String("message.type", r.messageType),
		attribute.Int("outbox.max_messages", maxMessages),
		attribute.String("outbox.strategy", string(o.store.Strategy())),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	claimed, err := r.claim(ctx, maxMessages)
	if err != nil {
		if IsConflict(err) {
			add(ctx, o.metrics.conflicts, 1, r.messageType)
		}
		return fmt.Errorf("claim %s messages: %w", r.messageType, err)
	}
	span.SetAttributes(attribute.Int("messagesCount", len(claimed)))
	if len(claimed) == 0 {
		return nil
	}
	add(ctx, o.metrics.claimed, len(claimed), r.messageType)

	for _, msg := range claimed {
		r.process(ctx, msg)
	}

	if err := r.finalize(ctx, claimed); err != nil {
		if IsConflict(err) {
			add(ctx, o.metrics.conflicts, 1, r.messageType)
		}
		return fmt.Errorf("finalize %s messages: %w", r.messageType, err)
	}

	var processed, failed int
	for _, msg := range claimed {
		if msg.Status == schema.StatusProcessed {
			processed++
		} else {
			failed++
		}
	}
	add(ctx, o.metrics.processed, processed, r.messageType)
	add(ctx, o.metrics.failed, failed, r.messageType)
	return nil
}

func (r *Receiver[Tx, P]) claim(ctx context.Context, maxMessages int) ([]*schema.OutboxMessage, error) {
	s := r.orchestrator.store
	var claimed []*schema.OutboxMessage
	err := s.InTx(ctx, func(ctx context.Context, tx Tx) error {
		// Engines may run this closure again after an abort.
		claimed = claimed[:0]

		pending, err := s.FetchPendingForUpdate(ctx, tx, r.messageType, maxMessages)
		if err != nil {
			return err
		}
		for _, msg := range pending {
			if err := msg.Transition(schema.StatusProcessing); err != nil {
				return err
			}
			updated, err := s.Update(ctx, tx, msg)
			if err != nil {
				return err
			}
			claimed = append(claimed, updated)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *Receiver[Tx, P]) finalize(ctx context.Context, claimed []*schema.OutboxMessage) error {
	s := r.orchestrator.store
	return s.InTx(ctx, func(ctx context.Context, tx Tx) error {
		for _, msg := range claimed {
			if _, err := s.Update(ctx, tx, msg); err != nil {
				return err
			}
		}
		return nil
	})
}

// process decodes msg's payload, runs the callback and moves msg to its
// final status. It never fails: every outcome is a status.
func (r *Receiver[Tx, P]) process(ctx context.Context, msg *schema.OutboxMessage) {
	o := r.orchestrator
	ctx, span := o.tracer.Start(ctx, "outbox.process", trace.WithAttributes(
		attribute.Int64("message.id", msg.ID),
		attribute.String("message.type", msg.Type),
	))
	defer span.End()

	next := schema.StatusProcessed
	payload, err := r.decode(msg)
	if err != nil {
		o.loggerFor(ctx).Error("Failed to decode outbox message", append(messageFields(msg), zap.Error(err))...)
		next = schema.StatusFailed
	} else if err = r.invoke(ctx, msg.ID, payload); err != nil {
		o.loggerFor(ctx).Warn("Outbox callback failed", append(messageFields(msg), zap.Error(err))...)
		next = schema.StatusFailed
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("message.status", string(next)))

	// Claimed messages are Processing, so this edge always exists.
	_ = msg.Transition(next)
}

func (r *Receiver[Tx, P]) decode(msg *schema.OutboxMessage) (*P, error) {
	if err := msg.Decode(); err != nil {
		return nil, err
	}
	payload, err := schema.DecodePayload[P](msg.Payload)
	if err != nil {
		return nil, fmt.Errorf("message %d: %w", msg.ID, err)
	}
	return payload, nil
}

func (r *Receiver[Tx, P]) invoke(ctx context.Context, id int64, payload *P) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: message %d: panic: %v", ErrCallback, id, rec)
		}
	}()
	if err := r.callback(ctx, id, payload); err != nil {
		return fmt.Errorf("%w: message %d: %w", ErrCallback, id, err)
	}
	return nil
}
