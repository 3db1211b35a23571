package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/zoff-tech/go-txoutbox/pkg/schema"
)

// MemoryRepository keeps outbox messages in process memory. It emulates either
// locking strategy so code built on OutboxStore can be exercised without a
// database: skip-locked hides rows claimed by other open transactions, while
// optimistic validates versions again at commit (first committer wins).
type MemoryRepository struct {
	strategy LockingStrategy

	mu       sync.Mutex
	rows     map[int64]*schema.OutboxMessage
	lockedBy map[int64]*MemoryTx
	nextID   int64
}

var _ OutboxStore[*MemoryTx] = (*MemoryRepository)(nil)

// MemoryTx is a transaction over a MemoryRepository. Writes are staged and
// only become visible to other transactions on commit.
type MemoryTx struct {
	repo   *MemoryRepository
	writes map[int64]*schema.OutboxMessage
	// base holds the committed version each staged update was made against.
	base   map[int64]int64
	locked []int64
}

func NewMemoryRepository(strategy LockingStrategy) *MemoryRepository {
	if strategy != StrategySkipLocked {
		strategy = StrategyOptimistic
	}
	return &MemoryRepository{
		strategy: strategy,
		rows:     make(map[int64]*schema.OutboxMessage),
		lockedBy: make(map[int64]*MemoryTx),
	}
}

func (r *MemoryRepository) Strategy() LockingStrategy {
	return r.strategy
}

func (r *MemoryRepository) InTx(ctx context.Context, fn func(ctx context.Context, tx *MemoryTx) error) (err error) {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: begin: %w", ErrTransaction, err)
	}
	tx := &MemoryTx{
		repo:   r,
		writes: make(map[int64]*schema.OutboxMessage),
		base:   make(map[int64]int64),
	}
	defer r.release(tx)

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := r.commit(tx); err != nil {
		return fmt.Errorf("%w: commit: %w", ErrTransaction, err)
	}
	return nil
}

func (r *MemoryRepository) FetchByID(_ context.Context, tx *MemoryTx, id int64) (*schema.OutboxMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg := r.view(tx, id)
	if msg == nil {
		return nil, notFoundError(id)
	}
	return msg.Clone(), nil
}

func (r *MemoryRepository) FetchPendingForUpdate(_ context.Context, tx *MemoryTx, messageType string, limit int) ([]*schema.OutboxMessage, error) {
	if err := validateLimit(limit); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var candidates []*schema.OutboxMessage
	for id := range r.visibleIDs(tx) {
		msg := r.view(tx, id)
		if msg.Type != messageType || msg.Status != schema.StatusPending {
			continue
		}
		if r.strategy == StrategySkipLocked {
			if owner, ok := r.lockedBy[id]; ok && owner != tx {
				continue
			}
		}
		candidates = append(candidates, msg)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	messages := make([]*schema.OutboxMessage, 0, len(candidates))
	for _, msg := range candidates {
		if r.strategy == StrategySkipLocked && r.lockedBy[msg.ID] == nil {
			r.lockedBy[msg.ID] = tx
			tx.locked = append(tx.locked, msg.ID)
		}
		messages = append(messages, msg.Clone())
	}
	return messages, nil
}

func (r *MemoryRepository) Update(_ context.Context, tx *MemoryTx, msg *schema.OutboxMessage) (*schema.OutboxMessage, error) {
	envelope, err := msg.EncodeEnvelope()
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.view(tx, msg.ID)
	if current == nil || current.Version != msg.Version {
		return nil, conflictError(msg)
	}
	if owner, ok := r.lockedBy[msg.ID]; ok && owner != tx {
		return nil, conflictError(msg)
	}
	if _, staged := tx.writes[msg.ID]; !staged {
		tx.base[msg.ID] = current.Version
	}
	updated := updatedMessage(msg, envelope, time.Now().UTC())
	tx.writes[msg.ID] = updated
	return updated.Clone(), nil
}

func (r *MemoryRepository) Save(_ context.Context, tx *MemoryTx, data schema.NewOutboxMessage) (*schema.OutboxMessage, error) {
	envelope, err := schema.EncodeData(data.Data())
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.mu.Unlock()

	msg, err := savedMessage(id, data, envelope, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	tx.writes[id] = msg
	r.mu.Unlock()
	return msg.Clone(), nil
}

// Messages returns every committed message ordered by id.
func (r *MemoryRepository) Messages() []*schema.OutboxMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*schema.OutboxMessage, 0, len(r.rows))
	for _, msg := range r.rows {
		out = append(out, msg.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *MemoryRepository) commit(tx *MemoryTx) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var conflicts []error
	for id, version := range tx.base {
		committed, ok := r.rows[id]
		if !ok || committed.Version != version {
			conflicts = append(conflicts, fmt.Errorf("%w: message %d at version %d", ErrOptimisticLock, id, version))
		}
	}
	if len(conflicts) > 0 {
		return errors.Join(conflicts...)
	}
	for id, msg := range tx.writes {
		r.rows[id] = msg
	}
	return nil
}

func (r *MemoryRepository) release(tx *MemoryTx) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range tx.locked {
		if r.lockedBy[id] == tx {
			delete(r.lockedBy, id)
		}
	}
	tx.locked = nil
}

// view returns the row as tx sees it. Callers hold r.mu.
func (r *MemoryRepository) view(tx *MemoryTx, id int64) *schema.OutboxMessage {
	if msg, ok := tx.writes[id]; ok {
		return msg
	}
	return r.rows[id]
}

// visibleIDs returns committed ids plus ids staged by tx. Callers hold r.mu.
func (r *MemoryRepository) visibleIDs(tx *MemoryTx) map[int64]struct{} {
	ids := make(map[int64]struct{}, len(r.rows)+len(tx.writes))
	for id := range r.rows {
		ids[id] = struct{}{}
	}
	for id := range tx.writes {
		ids[id] = struct{}{}
	}
	return ids
}
