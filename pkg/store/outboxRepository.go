package store

import (
	"context"

	"github.com/zoff-tech/go-txoutbox/pkg/schema"
)

// LockingStrategy names how a store keeps two pollers off the same row.
type LockingStrategy string

const (
	// StrategySkipLocked locks selected rows and hides rows locked by other transactions.
	StrategySkipLocked LockingStrategy = "skip-locked"
	// StrategyOptimistic selects without locks and rejects stale versions on update.
	StrategyOptimistic LockingStrategy = "optimistic"
)

// OutboxStore defines the database operations for outbox messages.
// Tx is the engine's transaction handle; every operation runs inside one.
type OutboxStore[Tx any] interface {
	// InTx begins a transaction, runs fn and commits, rolling back if fn fails.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	// FetchByID returns the message with the given id or ErrNotFound.
	FetchByID(ctx context.Context, tx Tx, id int64) (*schema.OutboxMessage, error)
	// FetchPendingForUpdate returns up to limit pending messages of messageType,
	// oldest first, claimed for the duration of tx according to Strategy.
	FetchPendingForUpdate(ctx context.Context, tx Tx, messageType string, limit int) ([]*schema.OutboxMessage, error)
	// Update persists msg's status and data if its version is still current,
	// returning the message with the incremented version or ErrOptimisticLock.
	Update(ctx context.Context, tx Tx, msg *schema.OutboxMessage) (*schema.OutboxMessage, error)
	// Save inserts a pending message at version 0.
	Save(ctx context.Context, tx Tx, data schema.NewOutboxMessage) (*schema.OutboxMessage, error)
	// Strategy reports the concurrency control used by FetchPendingForUpdate.
	Strategy() LockingStrategy
}
