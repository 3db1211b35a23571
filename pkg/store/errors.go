package store

import "errors"

var (
	// ErrNotFound is returned by FetchByID when no row carries the id.
	ErrNotFound = errors.New("outbox message not found")
	// ErrOptimisticLock is returned by Update when the stored version differs
	// from the one the caller read. Another poller won the row.
	ErrOptimisticLock = errors.New("outbox message optimistic lock conflict")
	// ErrTransaction wraps failures to begin, commit or roll back a transaction.
	ErrTransaction = errors.New("outbox transaction failed")
	// ErrInvalidLimit is returned when a fetch limit is not positive.
	ErrInvalidLimit = errors.New("outbox fetch limit must be positive")
	// ErrUnsupportedDB is returned by the factory for an unknown engine.
	ErrUnsupportedDB = errors.New("unsupported DB type")
)
