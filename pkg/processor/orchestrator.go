package processor

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/zoff-tech/go-txoutbox/pkg/schema"
	"github.com/zoff-tech/go-txoutbox/pkg/store"
)

const instrumentationName = "go-txoutbox"

// Callback handles the decoded payload of one claimed message. A returned
// error or a panic marks the message Failed; nil marks it Processed.
type Callback[P any] func(ctx context.Context, id int64, payload *P) error

// Orchestrator binds typed channels to one outbox store.
type Orchestrator[Tx any] struct {
	store   store.OutboxStore[Tx]
	logger  *zap.Logger
	tracer  trace.Tracer
	metrics pollMetrics
}

type options struct {
	logger *zap.Logger
	tracer trace.Tracer
	meter  metric.Meter
}

// Option configures an Orchestrator.
type Option func(*options)

// WithLogger sets the logger used for callback and decode failures.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(o *options) {
		o.tracer = tracer
	}
}

func WithMeter(meter metric.Meter) Option {
	return func(o *options) {
		o.meter = meter
	}
}

// NewOrchestrator creates an orchestrator over s. Without options it logs
// nowhere and uses the global tracer and meter providers.
func NewOrchestrator[Tx any](s store.OutboxStore[Tx], opts ...Option) *Orchestrator[Tx] {
	o := options{
		logger: zap.NewNop(),
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	m, err := newPollMetrics(o.meter)
	if err != nil {
		otel.Handle(err)
		m, _ = newPollMetrics(noop.NewMeterProvider().Meter(instrumentationName))
	}

	return &Orchestrator[Tx]{
		store:   s,
		logger:  o.logger,
		tracer:  o.tracer,
		metrics: m,
	}
}

// Store returns the store the orchestrator was built with.
func (o *Orchestrator[Tx]) Store() store.OutboxStore[Tx] {
	return o.store
}

// Channel binds messageType and payload type P to a sender and a receiver.
// Both ends share the tag, so a receiver only ever sees what its sender wrote.
func Channel[Tx, P any](o *Orchestrator[Tx], messageType string, callback Callback[P]) (*Sender[Tx, P], *Receiver[Tx, P], error) {
	if o == nil {
		return nil, nil, fmt.Errorf("%w: nil orchestrator", ErrInvalidChannel)
	}
	if messageType == "" {
		return nil, nil, fmt.Errorf("%w: empty message type", ErrInvalidChannel)
	}
	if callback == nil {
		return nil, nil, fmt.Errorf("%w: nil callback for %q", ErrInvalidChannel, messageType)
	}

	sender := &Sender[Tx, P]{
		orchestrator: o,
		messageType:  messageType,
	}
	receiver := &Receiver[Tx, P]{
		orchestrator: o,
		messageType:  messageType,
		callback:     callback,
	}
	return sender, receiver, nil
}

// loggerFor returns o.logger carrying the trace of ctx, if any.
func (o *Orchestrator[Tx]) loggerFor(ctx context.Context) *zap.Logger {
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		return o.logger.With(
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	return o.logger
}

func messageFields(msg *schema.OutboxMessage) []zap.Field {
	return []zap.Field{
		zap.Int64("message.id", msg.ID),
		zap.String("message.type", msg.Type),
		zap.Int64("message.version", msg.Version),
	}
}
