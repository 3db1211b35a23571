package schema

import "errors"

var (
	// ErrInvalidStatus is returned when a stored status is not part of the lifecycle.
	ErrInvalidStatus = errors.New("invalid outbox message status")
	// ErrInvalidTransition is returned for a status change that skips or reverses a state.
	ErrInvalidTransition = errors.New("invalid outbox message status transition")
	// ErrSerialization is returned when a data envelope or payload cannot be encoded or decoded.
	ErrSerialization = errors.New("outbox message serialization failed")
	// ErrUnknownVersion is returned when a data envelope carries a version this build cannot read.
	ErrUnknownVersion = errors.New("unknown outbox data version")
)
