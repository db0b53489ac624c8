package validation

import "medicore/internal/domain"

// Outcome is the definitive result of validating a clinical record.
type Outcome string

const (
	OutcomeValid       Outcome = "valid"
	OutcomeQuarantined Outcome = "quarantined"
)

// Quarantine reasons. ReasonUnknownMedication wording is part of the
// operator-facing contract for prescription checks.
const (
	ReasonDoctorNotAssigned = "doctor not assigned to patient"
	ReasonUnknownMedication = "unrecognized medication"
)

// Verdict carries the outcome and, when quarantined, the reason.
type Verdict struct {
	Outcome Outcome
	Reason  string
}

// Quarantined reports whether the verdict demands a compensating write.
func (v Verdict) Quarantined() bool { return v.Outcome == OutcomeQuarantined }

// EvaluateRecord applies the authorization rule chain to a record. This is
// pure domain logic: no I/O, no side effects. The caller supplies the patient
// as observed at validation time.
//
// Rule priority (fail-fast):
//  1. Doctor assignment - the record's doctor must be the patient's assigned
//     doctor at validation time.
//  2. Medication allow-list - prescriptions only.
func EvaluateRecord(record domain.ClinicalRecord, patient domain.Patient, allowedMeds map[string]struct{}) Verdict {
	if record.DoctorID != patient.AssignedDoctorID {
		return Verdict{Outcome: OutcomeQuarantined, Reason: ReasonDoctorNotAssigned}
	}

	if record.Kind == domain.KindPrescription {
		if _, ok := allowedMeds[record.Medication]; !ok {
			return Verdict{Outcome: OutcomeQuarantined, Reason: ReasonUnknownMedication}
		}
	}

	return Verdict{Outcome: OutcomeValid}
}
