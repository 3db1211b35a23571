package processor

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/go-txoutbox/pkg/store"
)

func TestChannel_Validation(t *testing.T) {
	o := NewOrchestrator[*store.MemoryTx](store.NewMemoryRepository(store.StrategySkipLocked))

	_, _, err := Channel(o, "", newRecorder().callback)
	assert.ErrorIs(t, err, ErrInvalidChannel)

	_, _, err = Channel[*store.MemoryTx, orderPlaced](o, "orders", nil)
	assert.ErrorIs(t, err, ErrInvalidChannel)

	_, _, err = Channel[*store.MemoryTx](nil, "orders", newRecorder().callback)
	assert.ErrorIs(t, err, ErrInvalidChannel)

	sender, receiver, err := Channel(o, "orders", newRecorder().callback)
	require.NoError(t, err)
	assert.Equal(t, sender.Type(), receiver.Type())
}

func TestNewOrchestrator_Defaults(t *testing.T) {
	repo := store.NewMemoryRepository(store.StrategyOptimistic)
	o := NewOrchestrator[*store.MemoryTx](repo, WithLogger(nil))

	assert.NotNil(t, o.logger)
	assert.NotNil(t, o.tracer)
	assert.Same(t, repo, o.Store())
}

func TestIsConflict(t *testing.T) {
	assert.True(t, IsConflict(store.ErrOptimisticLock))
	assert.True(t, IsConflict(fmt.Errorf("claim orders messages: %w", store.ErrOptimisticLock)))
	assert.True(t, IsConflict(fmt.Errorf("%w: commit: %w", store.ErrTransaction, errors.Join(store.ErrOptimisticLock))))
	assert.False(t, IsConflict(store.ErrTransaction))
	assert.False(t, IsConflict(nil))
}
