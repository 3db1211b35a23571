package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/zoff-tech/go-txoutbox/pkg/schema"
	"github.com/zoff-tech/go-txoutbox/pkg/store"
)

var strategies = []store.LockingStrategy{store.StrategySkipLocked, store.StrategyOptimistic}

type orderPlaced struct {
	OrderID string `json:"order_id"`
	Amount  int    `json:"amount"`
}

// recorder collects callback invocations.
type recorder struct {
	mu       sync.Mutex
	calls    map[int64]int
	payloads map[int64]orderPlaced
	fail     map[int64]error
}

func newRecorder() *recorder {
	return &recorder{
		calls:    make(map[int64]int),
		payloads: make(map[int64]orderPlaced),
		fail:     make(map[int64]error),
	}
}

func (r *recorder) callback(_ context.Context, id int64, payload *orderPlaced) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[id]++
	r.payloads[id] = *payload
	return r.fail[id]
}

func (r *recorder) ids() map[int64]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[int64]int, len(r.calls))
	for id, n := range r.calls {
		out[id] = n
	}
	return out
}

func sendOrders(t *testing.T, repo store.OutboxStore[*store.MemoryTx], sender *Sender[*store.MemoryTx, orderPlaced], n int) []int64 {
	t.Helper()
	var ids []int64
	err := repo.InTx(context.Background(), func(ctx context.Context, tx *store.MemoryTx) error {
		for i := 0; i < n; i++ {
			saved, err := sender.Send(ctx, tx, schema.NewMessage("", orderPlaced{
				OrderID: fmt.Sprintf("o-%d", i),
				Amount:  i * 10,
			}))
			if err != nil {
				return err
			}
			ids = append(ids, saved.ID)
		}
		return nil
	})
	require.NoError(t, err)
	return ids
}

func statuses(repo *store.MemoryRepository) map[int64]schema.Status {
	out := make(map[int64]schema.Status)
	for _, msg := range repo.Messages() {
		out[msg.ID] = msg.Status
	}
	return out
}

func TestPoll_SuccessPath(t *testing.T) {
	for _, strategy := range strategies {
		t.Run(string(strategy), func(t *testing.T) {
			repo := store.NewMemoryRepository(strategy)
			rec := newRecorder()
			sender, receiver, err := Channel(NewOrchestrator[*store.MemoryTx](repo), "orders", rec.callback)
			require.NoError(t, err)

			ids := sendOrders(t, repo, sender, 2)

			require.NoError(t, receiver.Poll(context.Background(), 10))

			assert.Equal(t, map[int64]int{ids[0]: 1, ids[1]: 1}, rec.ids())
			assert.Equal(t, orderPlaced{OrderID: "o-1", Amount: 10}, rec.payloads[ids[1]])
			for _, msg := range repo.Messages() {
				assert.Equal(t, schema.StatusProcessed, msg.Status)
				assert.Equal(t, int64(2), msg.Version)
			}
		})
	}
}

func TestPoll_FailurePath(t *testing.T) {
	for _, strategy := range strategies {
		t.Run(string(strategy), func(t *testing.T) {
			repo := store.NewMemoryRepository(strategy)
			core, logs := observer.New(zapcore.DebugLevel)
			rec := newRecorder()
			sender, receiver, err := Channel(NewOrchestrator[*store.MemoryTx](repo, WithLogger(zap.New(core))), "orders", rec.callback)
			require.NoError(t, err)

			ids := sendOrders(t, repo, sender, 3)
			rec.fail[ids[1]] = errors.New("broker unavailable")

			require.NoError(t, receiver.Poll(context.Background(), 10))

			assert.Equal(t, map[int64]schema.Status{
				ids[0]: schema.StatusProcessed,
				ids[1]: schema.StatusFailed,
				ids[2]: schema.StatusProcessed,
			}, statuses(repo))

			entries := logs.FilterMessage("Outbox callback failed").All()
			require.Len(t, entries, 1)
			fields := entries[0].ContextMap()
			assert.Equal(t, ids[1], fields["message.id"])
			assert.Equal(t, "orders", fields["message.type"])
			assert.Contains(t, fields["error"], "broker unavailable")
		})
	}
}

func TestPoll_PanicMarksFailed(t *testing.T) {
	repo := store.NewMemoryRepository(store.StrategySkipLocked)
	o := NewOrchestrator[*store.MemoryTx](repo)
	panicky := func(_ context.Context, id int64, _ *orderPlaced) error {
		panic("nil map write")
	}
	sender, receiver, err := Channel(o, "orders", panicky)
	require.NoError(t, err)
	ids := sendOrders(t, repo, sender, 1)

	assert.NotPanics(t, func() {
		require.NoError(t, receiver.Poll(context.Background(), 1))
	})
	assert.Equal(t, schema.StatusFailed, statuses(repo)[ids[0]])
}

func TestReceiverInvoke_WrapsCallbackErrors(t *testing.T) {
	boom := errors.New("boom")
	r := &Receiver[*store.MemoryTx, orderPlaced]{
		callback: func(context.Context, int64, *orderPlaced) error { return boom },
	}
	err := r.invoke(context.Background(), 4, &orderPlaced{})
	assert.ErrorIs(t, err, ErrCallback)
	assert.ErrorIs(t, err, boom)

	r.callback = func(context.Context, int64, *orderPlaced) error { panic("boom") }
	err = r.invoke(context.Background(), 4, &orderPlaced{})
	assert.ErrorIs(t, err, ErrCallback)
	assert.Contains(t, err.Error(), "panic: boom")
}

func TestPoll_Empty(t *testing.T) {
	for _, strategy := range strategies {
		t.Run(string(strategy), func(t *testing.T) {
			repo := store.NewMemoryRepository(strategy)
			rec := newRecorder()
			_, receiver, err := Channel(NewOrchestrator[*store.MemoryTx](repo), "orders", rec.callback)
			require.NoError(t, err)

			assert.NoError(t, receiver.Poll(context.Background(), 5))
			assert.Empty(t, rec.ids())
		})
	}
}

func TestPoll_InvalidBatchSize(t *testing.T) {
	repo := store.NewMemoryRepository(store.StrategySkipLocked)
	rec := newRecorder()
	sender, receiver, err := Channel(NewOrchestrator[*store.MemoryTx](repo), "orders", rec.callback)
	require.NoError(t, err)
	sendOrders(t, repo, sender, 1)

	for _, n := range []int{0, -1} {
		assert.ErrorIs(t, receiver.Poll(context.Background(), n), ErrInvalidBatchSize)
	}
	assert.Empty(t, rec.ids())
	assert.Equal(t, schema.StatusPending, repo.Messages()[0].Status)
}

func TestPoll_TypeIsolation(t *testing.T) {
	for _, strategy := range strategies {
		t.Run(string(strategy), func(t *testing.T) {
			repo := store.NewMemoryRepository(strategy)
			o := NewOrchestrator[*store.MemoryTx](repo)
			orders, invoices := newRecorder(), newRecorder()
			orderSender, orderReceiver, err := Channel(o, "orders", orders.callback)
			require.NoError(t, err)
			invoiceSender, _, err := Channel(o, "invoices", invoices.callback)
			require.NoError(t, err)

			orderIDs := sendOrders(t, repo, orderSender, 2)
			invoiceIDs := sendOrders(t, repo, invoiceSender, 2)

			require.NoError(t, orderReceiver.Poll(context.Background(), 10))

			assert.Equal(t, map[int64]int{orderIDs[0]: 1, orderIDs[1]: 1}, orders.ids())
			assert.Empty(t, invoices.ids())
			all := statuses(repo)
			for _, id := range invoiceIDs {
				assert.Equal(t, schema.StatusPending, all[id])
			}
		})
	}
}

func TestPoll_BatchFairness(t *testing.T) {
	for _, strategy := range strategies {
		t.Run(string(strategy), func(t *testing.T) {
			repo := store.NewMemoryRepository(strategy)
			var order []int64
			callback := func(_ context.Context, id int64, _ *orderPlaced) error {
				order = append(order, id)
				return nil
			}
			sender, receiver, err := Channel(NewOrchestrator[*store.MemoryTx](repo), "orders", callback)
			require.NoError(t, err)
			ids := sendOrders(t, repo, sender, 5)
			ctx := context.Background()

			require.NoError(t, receiver.Poll(ctx, 3))
			assert.Equal(t, ids[:3], order)

			require.NoError(t, receiver.Poll(ctx, 3))
			assert.Equal(t, ids, order)

			require.NoError(t, receiver.Poll(ctx, 3))
			assert.Len(t, order, 5)
		})
	}
}

func TestPoll_ConcurrentPollers(t *testing.T) {
	for _, strategy := range strategies {
		t.Run(string(strategy), func(t *testing.T) {
			repo := store.NewMemoryRepository(strategy)
			rec := newRecorder()
			sender, receiver, err := Channel(NewOrchestrator[*store.MemoryTx](repo), "orders", rec.callback)
			require.NoError(t, err)
			ids := sendOrders(t, repo, sender, 10)

			// Optimistic pollers may lose whole batches to conflicts, so keep
			// polling until nothing is pending.
			for round := 0; round < 20 && len(rec.ids()) < len(ids); round++ {
				var wg sync.WaitGroup
				errs := make(chan error, 10)
				for i := 0; i < 10; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						if err := receiver.Poll(context.Background(), 3); err != nil {
							errs <- err
						}
					}()
				}
				wg.Wait()
				close(errs)

				for err := range errs {
					if strategy == store.StrategySkipLocked {
						t.Errorf("unexpected poll error: %v", err)
					} else {
						assert.True(t, IsConflict(err), "unexpected poll error: %v", err)
					}
				}
				if strategy == store.StrategySkipLocked {
					assert.Len(t, rec.ids(), 10, "skip-locked pollers drain the backlog in one round")
				}
			}

			calls := rec.ids()
			assert.Len(t, calls, 10)
			for _, id := range ids {
				assert.Equal(t, 1, calls[id], "message %d", id)
			}
			for _, status := range statuses(repo) {
				assert.Equal(t, schema.StatusProcessed, status)
			}
		})
	}
}

func TestPoll_ProcessingVisibleDuringCallback(t *testing.T) {
	for _, strategy := range strategies {
		t.Run(string(strategy), func(t *testing.T) {
			repo := store.NewMemoryRepository(strategy)
			var seen schema.Status
			callback := func(ctx context.Context, id int64, _ *orderPlaced) error {
				return repo.InTx(ctx, func(ctx context.Context, tx *store.MemoryTx) error {
					msg, err := repo.FetchByID(ctx, tx, id)
					if err != nil {
						return err
					}
					seen = msg.Status
					return nil
				})
			}
			sender, receiver, err := Channel(NewOrchestrator[*store.MemoryTx](repo), "orders", callback)
			require.NoError(t, err)
			sendOrders(t, repo, sender, 1)

			require.NoError(t, receiver.Poll(context.Background(), 1))
			assert.Equal(t, schema.StatusProcessing, seen)
			assert.Equal(t, schema.StatusProcessed, repo.Messages()[0].Status)
		})
	}
}

func TestPoll_UndecodablePayloadFails(t *testing.T) {
	repo := store.NewMemoryRepository(store.StrategySkipLocked)
	core, logs := observer.New(zapcore.DebugLevel)
	rec := newRecorder()
	_, receiver, err := Channel(NewOrchestrator[*store.MemoryTx](repo, WithLogger(zap.New(core))), "orders", rec.callback)
	require.NoError(t, err)

	err = repo.InTx(context.Background(), func(ctx context.Context, tx *store.MemoryTx) error {
		_, err := repo.Save(ctx, tx, schema.NewOutboxMessage{Type: "orders", Payload: json.RawMessage(`"not an order"`)})
		return err
	})
	require.NoError(t, err)

	require.NoError(t, receiver.Poll(context.Background(), 1))

	assert.Empty(t, rec.ids())
	final := repo.Messages()[0]
	assert.Equal(t, schema.StatusFailed, final.Status)
	require.NoError(t, final.Decode())
	assert.JSONEq(t, `"not an order"`, string(final.Payload))

	entries := logs.FilterMessage("Failed to decode outbox message").All()
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].ContextMap()["error"], schema.ErrSerialization.Error())
}

// faultyStore fails Update for messages matching failOn.
type faultyStore struct {
	*store.MemoryRepository
	failOn func(msg *schema.OutboxMessage) error
}

func (f *faultyStore) Update(ctx context.Context, tx *store.MemoryTx, msg *schema.OutboxMessage) (*schema.OutboxMessage, error) {
	if err := f.failOn(msg); err != nil {
		return nil, err
	}
	return f.MemoryRepository.Update(ctx, tx, msg)
}

func TestPoll_ClaimFailureRunsNoCallback(t *testing.T) {
	repo := store.NewMemoryRepository(store.StrategySkipLocked)
	rec := newRecorder()
	sender, _, err := Channel(NewOrchestrator[*store.MemoryTx](repo), "orders", rec.callback)
	require.NoError(t, err)
	ids := sendOrders(t, repo, sender, 3)

	diskFull := errors.New("disk full")
	faulty := &faultyStore{
		MemoryRepository: repo,
		failOn: func(msg *schema.OutboxMessage) error {
			if msg.ID == ids[2] {
				return diskFull
			}
			return nil
		},
	}
	_, receiver, err := Channel(NewOrchestrator[*store.MemoryTx](faulty), "orders", rec.callback)
	require.NoError(t, err)

	err = receiver.Poll(context.Background(), 3)
	assert.ErrorIs(t, err, diskFull)
	assert.False(t, IsConflict(err))
	assert.Empty(t, rec.ids())
	for _, status := range statuses(repo) {
		assert.Equal(t, schema.StatusPending, status)
	}
}

func TestPoll_FinalizeFailureIsReturned(t *testing.T) {
	repo := store.NewMemoryRepository(store.StrategyOptimistic)
	rec := newRecorder()
	faulty := &faultyStore{
		MemoryRepository: repo,
		failOn: func(msg *schema.OutboxMessage) error {
			if msg.Status.IsTerminal() {
				return errors.New("connection reset")
			}
			return nil
		},
	}
	sender, receiver, err := Channel(NewOrchestrator[*store.MemoryTx](faulty), "orders", rec.callback)
	require.NoError(t, err)
	ids := sendOrders(t, faulty, sender, 2)

	err = receiver.Poll(context.Background(), 2)
	assert.ErrorContains(t, err, "finalize orders messages")
	assert.ErrorContains(t, err, "connection reset")

	assert.Len(t, rec.ids(), 2)
	// Claimed but never finalized: left for an operator to resolve.
	for _, id := range ids {
		assert.Equal(t, schema.StatusProcessing, statuses(repo)[id])
	}
}

func TestPoll_ConflictIsReported(t *testing.T) {
	repo := store.NewMemoryRepository(store.StrategyOptimistic)
	reader := sdkmetric.NewManualReader()
	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test")
	faulty := &faultyStore{
		MemoryRepository: repo,
		failOn: func(msg *schema.OutboxMessage) error {
			return fmt.Errorf("%w: message %d at version %d", store.ErrOptimisticLock, msg.ID, msg.Version)
		},
	}
	rec := newRecorder()
	sender, receiver, err := Channel(NewOrchestrator[*store.MemoryTx](faulty, WithMeter(meter)), "orders", rec.callback)
	require.NoError(t, err)
	sendOrders(t, faulty, sender, 1)

	err = receiver.Poll(context.Background(), 1)
	assert.True(t, IsConflict(err))
	assert.Empty(t, rec.ids())
	assert.Equal(t, int64(1), counterValue(t, reader, "outbox.poll.conflicts"))
}

func TestPoll_Metrics(t *testing.T) {
	repo := store.NewMemoryRepository(store.StrategySkipLocked)
	reader := sdkmetric.NewManualReader()
	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test")
	rec := newRecorder()
	sender, receiver, err := Channel(NewOrchestrator[*store.MemoryTx](repo, WithMeter(meter)), "orders", rec.callback)
	require.NoError(t, err)
	ids := sendOrders(t, repo, sender, 3)
	rec.fail[ids[0]] = errors.New("rejected")

	require.NoError(t, receiver.Poll(context.Background(), 10))

	assert.Equal(t, int64(3), counterValue(t, reader, "outbox.messages.claimed"))
	assert.Equal(t, int64(2), counterValue(t, reader, "outbox.messages.processed"))
	assert.Equal(t, int64(1), counterValue(t, reader, "outbox.messages.failed"))
	assert.Equal(t, int64(0), counterValue(t, reader, "outbox.poll.conflicts"))
}

func TestPoll_Spans(t *testing.T) {
	repo := store.NewMemoryRepository(store.StrategySkipLocked)
	spans := tracetest.NewSpanRecorder()
	tracer := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans)).Tracer("test")
	rec := newRecorder()
	sender, receiver, err := Channel(NewOrchestrator[*store.MemoryTx](repo, WithTracer(tracer)), "orders", rec.callback)
	require.NoError(t, err)
	sendOrders(t, repo, sender, 2)

	require.NoError(t, receiver.Poll(context.Background(), 10))

	names := map[string]int{}
	for _, span := range spans.Ended() {
		names[span.Name()]++
	}
	assert.Equal(t, map[string]int{"outbox.send": 2, "outbox.poll": 1, "outbox.process": 2}, names)
}

func counterValue(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	var total int64
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}
