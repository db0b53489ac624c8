package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medicore/pkg/platform/faults"
)

func newRecorder(store Store, deadLetters DeadLetterStore) *Recorder {
	cfg := RecorderConfig{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
	}
	return NewRecorder(store, deadLetters, cfg, slog.New(slog.DiscardHandler), nil)
}

func TestRecorder_ExactlyOncePerEventID(t *testing.T) {
	store := NewMemoryStore()
	recorder := newRecorder(store, NewMemoryDeadLetters())
	ctx := context.Background()

	entry := Entry{
		EventID:   "evt-1",
		Action:    ActionConsultationCreated,
		PatientID: "P1",
		ActorID:   "D1",
	}

	first, err := recorder.Record(ctx, entry)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		again, err := recorder.Record(ctx, entry)
		require.NoError(t, err)
		assert.Equal(t, first.ID, again.ID, "duplicate Record returns the existing entry")
		assert.Equal(t, first.Seq, again.Seq)
	}
	assert.Equal(t, 1, store.Len())
}

func TestRecorder_RetriesTransientFailures(t *testing.T) {
	store := NewMemoryStore()
	store.FailAppends(2)
	recorder := newRecorder(store, NewMemoryDeadLetters())

	stored, err := recorder.Record(context.Background(), Entry{
		EventID: "evt-1", Action: ActionConsultationCreated, PatientID: "P1",
	})
	require.NoError(t, err, "two failures within three attempts should recover")
	assert.Equal(t, int64(1), stored.Seq)
}

func TestRecorder_ExhaustionParksAndEscalates(t *testing.T) {
	store := NewMemoryStore()
	store.FailAppends(10)
	deadLetters := NewMemoryDeadLetters()
	recorder := newRecorder(store, deadLetters)

	_, err := recorder.Record(context.Background(), Entry{
		EventID: "evt-1", Action: ActionPrescriptionCreated, PatientID: "P1",
	})
	require.Error(t, err)

	var fatal *faults.FatalAuditWriteError
	require.True(t, errors.As(err, &fatal))
	assert.Equal(t, "evt-1", fatal.EventID)

	letters, err := deadLetters.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "evt-1", letters[0].EventID)
	assert.Equal(t, ActionPrescriptionCreated, letters[0].Action)
}

func TestRecorder_ParkFailureStaysRetryable(t *testing.T) {
	store := NewMemoryStore()
	store.FailAppends(10)
	deadLetters := NewMemoryDeadLetters()
	deadLetters.SetFailing(true)
	recorder := newRecorder(store, deadLetters)

	_, err := recorder.Record(context.Background(), Entry{
		EventID: "evt-1", Action: ActionConsultationCreated, PatientID: "P1",
	})
	require.Error(t, err)
	assert.True(t, faults.Retryable(err), "unparkable events must be redelivered, never dropped")
	var fatal *faults.FatalAuditWriteError
	assert.False(t, errors.As(err, &fatal))
}

func TestMemoryStore_PerPatientSequencesAreGapless(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	const perPatient = 20
	var wg sync.WaitGroup
	for _, patient := range []string{"P1", "P2"} {
		for i := 0; i < perPatient; i++ {
			wg.Add(1)
			go func(patient string, i int) {
				defer wg.Done()
				_, err := store.Append(ctx, Entry{
					EventID:   fmt.Sprintf("%s-evt-%d", patient, i),
					Action:    ActionConsultationCreated,
					PatientID: patient,
				})
				assert.NoError(t, err)
			}(patient, i)
		}
	}
	wg.Wait()

	for _, patient := range []string{"P1", "P2"} {
		entries, err := store.ListByPatient(ctx, patient)
		require.NoError(t, err)
		require.Len(t, entries, perPatient)
		for i, entry := range entries {
			assert.Equal(t, int64(i+1), entry.Seq, "patient %s: strictly increasing, no gaps", patient)
		}
	}
}

func TestMemoryStore_TimestampsNonDecreasingPerPatient(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	_, err := store.Append(ctx, Entry{EventID: "e1", PatientID: "P1", Timestamp: base})
	require.NoError(t, err)
	// A worker with a lagging clock delivers an earlier wall-clock time.
	skewed, err := store.Append(ctx, Entry{EventID: "e2", PatientID: "P1", Timestamp: base.Add(-time.Hour)})
	require.NoError(t, err)
	assert.False(t, skewed.Timestamp.Before(base), "timestamps never decrease within a patient sequence")
}
