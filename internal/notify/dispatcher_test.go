package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medicore/internal/idempotency"
	"medicore/pkg/platform/faults"
)

// flakyTransport fails the first failures sends, then succeeds.
type flakyTransport struct {
	mu       sync.Mutex
	failures int
	sent     atomic.Int64
}

func (t *flakyTransport) Send(context.Context, string, string, map[string]string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failures > 0 {
		t.failures--
		return errors.New("transport unavailable")
	}
	t.sent.Add(1)
	return nil
}

func newDispatcher(store Store, transport Transport) *Dispatcher {
	d, _ := newDispatcherWithGuard(store, transport)
	return d
}

func newDispatcherWithGuard(store Store, transport Transport) (*Dispatcher, idempotency.Guard) {
	cfg := DispatcherConfig{
		MaxAttempts:      3,
		InitialInterval:  time.Millisecond,
		MaxInterval:      2 * time.Millisecond,
		BreakerThreshold: 100,
	}
	guard := idempotency.NewMemoryGuard(time.Hour)
	return NewDispatcher(store, transport, guard, cfg, slog.New(slog.DiscardHandler), nil), guard
}

func request(key string) Request {
	return Request{
		IdempotencyKey: key,
		Recipient:      "juan@hospital.mx",
		TemplateID:     TemplateAppointmentCreated,
		Payload:        map[string]string{"appointmentId": "a1"},
	}
}

func TestDispatch_DeliversAndMarksSent(t *testing.T) {
	store := NewMemoryStore()
	transport := &flakyTransport{}
	d := newDispatcher(store, transport)

	require.NoError(t, d.Dispatch(context.Background(), request("k1")))

	stored, ok := store.Get("k1")
	require.True(t, ok)
	assert.Equal(t, StateSent, stored.State)
	assert.Equal(t, 1, stored.Attempts)
	assert.Equal(t, int64(1), transport.sent.Load())
}

func TestDispatch_RetriesThenSucceeds(t *testing.T) {
	store := NewMemoryStore()
	transport := &flakyTransport{failures: 2}
	d := newDispatcher(store, transport)

	require.NoError(t, d.Dispatch(context.Background(), request("k1")))

	stored, _ := store.Get("k1")
	assert.Equal(t, StateSent, stored.State)
	assert.Equal(t, 3, stored.Attempts)
	assert.Equal(t, int64(1), transport.sent.Load())
}

func TestDispatch_ExhaustionDeadLetters(t *testing.T) {
	store := NewMemoryStore()
	transport := &flakyTransport{failures: 10}
	d := newDispatcher(store, transport)

	err := d.Dispatch(context.Background(), request("k1"))
	require.Error(t, err)

	var exhausted *faults.DeliveryExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, "k1", exhausted.IdempotencyKey)
	assert.Equal(t, 3, exhausted.Attempts)

	stored, _ := store.Get("k1")
	assert.Equal(t, StateDeadLettered, stored.State)

	dead, err := store.ListDeadLettered(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, dead, 1)
}

func TestDispatch_SameKeyIsDeliveredOnce(t *testing.T) {
	store := NewMemoryStore()
	transport := &flakyTransport{}
	d := newDispatcher(store, transport)
	ctx := context.Background()

	require.NoError(t, d.Dispatch(ctx, request("k1")))
	for i := 0; i < 5; i++ {
		require.NoError(t, d.Dispatch(ctx, request("k1")), "redelivery is a no-op")
	}
	assert.Equal(t, int64(1), transport.sent.Load())
}

func TestDispatch_ConcurrentSameKeyCollapses(t *testing.T) {
	store := NewMemoryStore()
	transport := &flakyTransport{}
	d := newDispatcher(store, transport)

	const callers = 16
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- d.Dispatch(context.Background(), request("contested"))
		}()
	}
	wg.Wait()
	close(errs)

	// Losers that hit the winner's in-flight claim are deferred, not
	// swallowed; redelivery settles to nil once the row is sent.
	ctx := context.Background()
	for err := range errs {
		if err == nil {
			continue
		}
		require.True(t, faults.Retryable(err), "loser errors must be retryable, got %v", err)
		assert.NoError(t, d.Dispatch(ctx, request("contested")))
	}
	assert.Equal(t, int64(1), transport.sent.Load(), "exactly one delivery for the contested key")
}

func TestDispatch_HeldClaimWithPendingRowIsDeferred(t *testing.T) {
	store := NewMemoryStore()
	transport := &flakyTransport{}
	d, guard := newDispatcherWithGuard(store, transport)
	ctx := context.Background()

	// A worker claimed the send and crashed: row pending, claim held.
	_, _, err := store.Create(ctx, request("k1"))
	require.NoError(t, err)
	require.NoError(t, guard.Admit(ctx, "notify:k1"))

	err = d.Dispatch(ctx, request("k1"))
	require.Error(t, err, "a pending row behind a foreign claim must not commit")
	assert.True(t, faults.Retryable(err))
	assert.Equal(t, int64(0), transport.sent.Load())
	stored, _ := store.Get("k1")
	assert.Equal(t, StatePending, stored.State)

	// Once the claim lapses, the redelivered event wins it and sends.
	require.NoError(t, guard.Release(ctx, "notify:k1"))
	require.NoError(t, d.Dispatch(ctx, request("k1")))
	stored, _ = store.Get("k1")
	assert.Equal(t, StateSent, stored.State)
	assert.Equal(t, int64(1), transport.sent.Load())
}

func TestDispatch_DeadLetteredKeyIsNotResurrected(t *testing.T) {
	store := NewMemoryStore()
	transport := &flakyTransport{failures: 10}
	d := newDispatcher(store, transport)
	ctx := context.Background()

	require.Error(t, d.Dispatch(ctx, request("k1")))
	transport.mu.Lock()
	transport.failures = 0
	transport.mu.Unlock()

	require.NoError(t, d.Dispatch(ctx, request("k1")), "redelivery after dead-letter is a no-op")
	stored, _ := store.Get("k1")
	assert.Equal(t, StateDeadLettered, stored.State)
	assert.Equal(t, int64(0), transport.sent.Load())
}

func TestDispatch_DistinctKeysAreIndependent(t *testing.T) {
	store := NewMemoryStore()
	transport := &flakyTransport{}
	d := newDispatcher(store, transport)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, d.Dispatch(ctx, request(fmt.Sprintf("k%d", i))))
	}
	assert.Equal(t, int64(4), transport.sent.Load())
}
