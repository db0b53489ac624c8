package audit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"medicore/internal/platform/metrics"
	"medicore/pkg/platform/faults"
	"medicore/pkg/platform/sentinel"
)

// RecorderConfig bounds the append retry policy.
type RecorderConfig struct {
	MaxAttempts     uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (c RecorderConfig) withDefaults() RecorderConfig {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = 100 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 2 * time.Second
	}
	return c
}

// Recorder appends audit entries exactly once per event ID, retrying
// transient store failures with backoff. An append that exhausts its retries
// is escalated: the event is parked on the dead-letter list and a fatal fault
// is returned. The one thing a Recorder never does is drop an event.
type Recorder struct {
	store       Store
	deadLetters DeadLetterStore
	cfg         RecorderConfig
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// NewRecorder constructs a Recorder.
func NewRecorder(store Store, deadLetters DeadLetterStore, cfg RecorderConfig, logger *slog.Logger, m *metrics.Metrics) *Recorder {
	return &Recorder{
		store:       store,
		deadLetters: deadLetters,
		cfg:         cfg.withDefaults(),
		logger:      logger,
		metrics:     m,
	}
}

// Recorded reports whether an entry for the event ID already exists. Callers
// suppressing a duplicate delivery use this to confirm the earlier delivery's
// write actually landed.
func (r *Recorder) Recorded(ctx context.Context, eventID string) (bool, error) {
	_, err := r.store.FindByEventID(ctx, eventID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, faults.Retry("audit entry lookup", err)
	}
	return true, nil
}

// Record persists the entry. On a duplicate event ID the already-stored entry
// is returned, which makes Record safe to call any number of times.
func (r *Recorder) Record(ctx context.Context, entry Entry) (Entry, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.cfg.InitialInterval
	bo.MaxInterval = r.cfg.MaxInterval

	var stored Entry
	operation := func() error {
		var err error
		stored, err = r.store.Append(ctx, entry)
		return err
	}

	err := backoff.Retry(operation,
		backoff.WithContext(backoff.WithMaxRetries(bo, r.cfg.MaxAttempts-1), ctx))
	if err == nil {
		r.metrics.IncAuditAppends()
		return stored, nil
	}

	// Shutdown is not exhaustion; let redelivery drive the retry.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Entry{}, faults.Retry("audit append interrupted", err)
	}

	r.logger.ErrorContext(ctx, "CRITICAL: audit write exhausted retries",
		"event_id", entry.EventID,
		"action", entry.Action,
		"patient_id", entry.PatientID,
		"error", err,
	)

	letter := DeadLetter{
		EventID:   entry.EventID,
		Action:    entry.Action,
		PatientID: entry.PatientID,
		Cause:     err.Error(),
	}
	if parkErr := r.deadLetters.Park(ctx, letter); parkErr != nil {
		// Cannot audit and cannot park: surface retryable so the event is
		// redelivered rather than lost.
		return Entry{}, faults.Retry("park audit dead letter", parkErr)
	}
	r.metrics.IncAuditDeadLetters()
	return Entry{}, &faults.FatalAuditWriteError{EventID: entry.EventID, Err: err}
}
