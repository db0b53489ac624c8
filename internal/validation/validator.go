// Package validation enforces authorization invariants for clinical-record
// mutations. The triggering mutation is already durably persisted by the time
// validation runs, so a negative verdict drives a compensating quarantine
// write rather than a rejection.
package validation

import (
	"context"
	"log/slog"

	"medicore/internal/domain"
	"medicore/internal/records"
	"medicore/pkg/platform/faults"
)

// Validator fetches the referenced patient and applies the rule chain.
type Validator struct {
	store   records.Store
	allowed map[string]struct{}
	logger  *slog.Logger
}

// New constructs a Validator with the configured medication allow-list.
func New(store records.Store, allowedMeds []string, logger *slog.Logger) *Validator {
	allowed := make(map[string]struct{}, len(allowedMeds))
	for _, med := range allowedMeds {
		allowed[med] = struct{}{}
	}
	return &Validator{store: store, allowed: allowed, logger: logger}
}

// Validate returns a definitive verdict for the record, or a retryable fault
// when the patient cannot be read. The distinction matters: a verdict means
// "we know", a retryable fault means "we do not yet know" and must never be
// treated as quarantine.
func (v *Validator) Validate(ctx context.Context, record domain.ClinicalRecord) (Verdict, error) {
	patient, err := v.store.GetPatient(ctx, record.PatientID)
	if err != nil {
		// Not-found is grouped with unreachable: the patient document may
		// lag the record's change event under eventual delivery, so absence
		// now is not evidence of anything.
		return Verdict{}, faults.Retry("fetch patient for validation", err)
	}

	verdict := EvaluateRecord(record, *patient, v.allowed)
	if verdict.Quarantined() {
		v.logger.WarnContext(ctx, "validation verdict: quarantine",
			"record_id", record.ID,
			"patient_id", record.PatientID,
			"doctor_id", record.DoctorID,
			"reason", verdict.Reason,
		)
	}
	return verdict, nil
}
