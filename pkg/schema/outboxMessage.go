package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// OutboxMessage represents a message stored in the outbox table.
//
// Type and Status mirror the dedicated columns and are always populated by the
// store. Retries and Payload live inside the versioned data envelope and are
// only populated once Decode succeeds.
type OutboxMessage struct {
	ID        int64           `json:"id"`
	Version   int64           `json:"version"`
	Type      string          `json:"type"`
	Status    Status          `json:"status"`
	Retries   int             `json:"retries"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`

	// Envelope is the data column exactly as read from storage.
	Envelope []byte `json:"-"`
	decoded  bool
}

// StoredMessage builds a message from storage columns without decoding the envelope.
func StoredMessage(id, version int64, messageType string, status Status, envelope []byte, createdAt, updatedAt time.Time) *OutboxMessage {
	return &OutboxMessage{
		ID:        id,
		Version:   version,
		Type:      messageType,
		Status:    status,
		Envelope:  envelope,
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}
}

// Decode reads Retries and Payload out of the envelope.
// Type and Status keep the column values.
func (m *OutboxMessage) Decode() error {
	if m.decoded {
		return nil
	}
	data, err := DecodeData(m.Envelope)
	if err != nil {
		return fmt.Errorf("message %d: %w", m.ID, err)
	}
	m.Retries = data.Retries
	m.Payload = data.Payload
	m.decoded = true
	return nil
}

// EncodeEnvelope returns the data column to persist for the current state.
// An envelope this build cannot read is written back untouched; the status
// column stays authoritative for such rows.
func (m *OutboxMessage) EncodeEnvelope() ([]byte, error) {
	if err := m.Decode(); err != nil {
		return m.Envelope, nil
	}
	return EncodeData(m.Data())
}

// Transition moves the message to next if the lifecycle allows it.
func (m *OutboxMessage) Transition(next Status) error {
	if !m.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: message %d %s -> %s", ErrInvalidTransition, m.ID, m.Status, next)
	}
	m.Status = next
	return nil
}

// Data returns the envelope body for the current state.
func (m *OutboxMessage) Data() Data {
	return Data{
		Type:    m.Type,
		Status:  m.Status,
		Retries: m.Retries,
		Payload: m.Payload,
	}
}

// Clone returns a copy that shares no mutable state with m.
func (m *OutboxMessage) Clone() *OutboxMessage {
	c := *m
	c.Payload = append(json.RawMessage(nil), m.Payload...)
	c.Envelope = append([]byte(nil), m.Envelope...)
	return &c
}

// NewOutboxMessage is the input of a store insert.
type NewOutboxMessage struct {
	Type    string
	Retries int
	Payload json.RawMessage
}

// Data returns the envelope body of a message about to be inserted.
func (n NewOutboxMessage) Data() Data {
	return Data{
		Type:    n.Type,
		Status:  StatusPending,
		Retries: n.Retries,
		Payload: n.Payload,
	}
}

// Message is an unsaved message carrying a typed payload.
type Message[P any] struct {
	Type    string
	Retries int
	Payload P
}

// NewMessage creates a pending message with no retry budget.
func NewMessage[P any](messageType string, payload P) *Message[P] {
	return &Message[P]{
		Type:    messageType,
		Retries: 0,
		Payload: payload,
	}
}

// WithRetries overrides the initial retry budget.
func (m *Message[P]) WithRetries(n int) *Message[P] {
	m.Retries = n
	return m
}

// Status is always Pending for an unsaved message.
func (m *Message[P]) Status() Status {
	return StatusPending
}

// Encode converts the message into a store insert input.
func (m *Message[P]) Encode() (NewOutboxMessage, error) {
	payload, err := EncodePayload(m.Payload)
	if err != nil {
		return NewOutboxMessage{}, err
	}
	return NewOutboxMessage{
		Type:    m.Type,
		Retries: m.Retries,
		Payload: payload,
	}, nil
}
