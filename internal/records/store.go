// Package records adapts the clinical-records side of the document store.
// The pipeline reads patients and records and performs exactly one kind of
// write here: validity transitions. Clinical data is never deleted to undo an
// invalid write; quarantining preserves the record for audit.
package records

import (
	"context"

	"medicore/internal/domain"
)

// Store is the pipeline's view of clinical data.
type Store interface {
	GetPatient(ctx context.Context, patientID string) (*domain.Patient, error)
	GetRecord(ctx context.Context, recordID string) (*domain.ClinicalRecord, error)

	// SetValidity transitions a record's lifecycle flag. Transitions to
	// valid apply only from pending; transitions to quarantined apply from
	// any non-quarantined state. Re-applying the current state is a no-op,
	// which keeps the compensating write idempotent under redelivery.
	SetValidity(ctx context.Context, recordID string, validity domain.Validity, reason string) error

	// ListQuarantined exposes operator-visible quarantined records.
	ListQuarantined(ctx context.Context, limit int) ([]domain.ClinicalRecord, error)
}
