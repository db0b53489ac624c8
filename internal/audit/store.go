package audit

import (
	"context"

	"github.com/google/uuid"
)

// Store persists audit entries with exactly-once semantics per event ID.
type Store interface {
	// Append writes the entry unless one already exists for its EventID, in
	// which case the existing entry is returned unchanged. Implementations
	// assign ID, Seq, and Timestamp: Seq comes from the per-patient counter
	// under single-writer semantics, and Timestamp never decreases within a
	// patient's sequence.
	Append(ctx context.Context, entry Entry) (Entry, error)

	FindByEventID(ctx context.Context, eventID string) (*Entry, error)
	ListByPatient(ctx context.Context, patientID string) ([]Entry, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// DeadLetterStore holds events whose audit writes were escalated as fatal.
type DeadLetterStore interface {
	// Park records the failed event, idempotently per event ID.
	Park(ctx context.Context, letter DeadLetter) error
	List(ctx context.Context, limit int) ([]DeadLetter, error)
}
