package store

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/go-txoutbox/pkg/schema"
)

const (
	tracerName       = "go-txoutbox"
	defaultTableName = "outbox"
)

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func validateTableName(table string) error {
	if !identifierPattern.MatchString(table) {
		return fmt.Errorf("invalid table name %q", table)
	}
	return nil
}

func validateLimit(limit int) error {
	if limit <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidLimit, limit)
	}
	return nil
}

// dbSpan times one store operation and reports it on an otel span.
type dbSpan struct {
	span      trace.Span
	system    string
	statement string
	start     time.Time
}

func startDBSpan(ctx context.Context, system, statement string) (context.Context, *dbSpan) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, statement)
	return ctx, &dbSpan{span: span, system: system, statement: statement, start: time.Now()}
}

func (s *dbSpan) end(messagesCount int, err error) {
	addDBStatsToSpan(s.span, s.system, s.statement, messagesCount, time.Since(s.start))
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	}
	s.span.End()
}

func addDBStatsToSpan(span trace.Span, system, statement string, messagesCount int, duration time.Duration) {
	span.SetAttributes(
		attribute.Int("messagesCount", messagesCount),
		attribute.String("db.system", system),
		attribute.String("db.statement", statement),
		attribute.Float64("db.execution_time_ms", float64(duration.Milliseconds())),
	)
}

// savedMessage builds the in-memory view of a freshly inserted row.
func savedMessage(id int64, data schema.NewOutboxMessage, envelope []byte, now time.Time) (*schema.OutboxMessage, error) {
	msg := schema.StoredMessage(id, 0, data.Type, schema.StatusPending, envelope, now, now)
	if err := msg.Decode(); err != nil {
		return nil, err
	}
	return msg, nil
}

// updatedMessage returns the caller's message advanced to the next version.
func updatedMessage(msg *schema.OutboxMessage, envelope []byte, now time.Time) *schema.OutboxMessage {
	out := msg.Clone()
	out.Version = msg.Version + 1
	out.Envelope = envelope
	out.UpdatedAt = now
	return out
}

func conflictError(msg *schema.OutboxMessage) error {
	return fmt.Errorf("%w: message %d at version %d", ErrOptimisticLock, msg.ID, msg.Version)
}

func notFoundError(id int64) error {
	return fmt.Errorf("%w: id %d", ErrNotFound, id)
}

func parseStatusColumn(id int64, raw string) (schema.Status, error) {
	status, err := schema.ParseStatus(raw)
	if err != nil {
		return "", fmt.Errorf("message %d: %w", id, err)
	}
	return status, nil
}
