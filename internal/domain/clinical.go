package domain

import "time"

// Patient is owned by the clinical-records module. Read-only to the pipeline
// except for validity-driven status transitions on its records.
type Patient struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	Email            string `json:"email"`
	Phone            string `json:"phone"`
	AssignedDoctorID string `json:"assignedDoctorId"`
	Status           string `json:"status"`
}

// Doctor is read-only to the pipeline.
type Doctor struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	LicenseID string `json:"licenseId"`
	Specialty string `json:"specialty"`
	Status    string `json:"status"`
}

// RecordKind distinguishes the two clinical sub-collections.
type RecordKind string

const (
	KindConsultation RecordKind = "consultation"
	KindPrescription RecordKind = "prescription"
)

// Validity is the record lifecycle flag. Records are persisted before
// validation runs, so they start pending and move to valid or quarantined;
// they are never deleted to undo an invalid write.
type Validity string

const (
	ValidityPending     Validity = "pending"
	ValidityValid       Validity = "valid"
	ValidityQuarantined Validity = "quarantined"
)

// ClinicalRecord is a consultation or prescription. Immutable once created
// apart from the validity flag and its reason.
type ClinicalRecord struct {
	ID               string     `json:"id"`
	PatientID        string     `json:"patientId"`
	DoctorID         string     `json:"doctorId"`
	Kind             RecordKind `json:"kind"`
	Diagnostic       string     `json:"diagnostic,omitempty"`
	Medication       string     `json:"medication,omitempty"`
	Validity         Validity   `json:"validity"`
	QuarantineReason string     `json:"quarantineReason,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
}

// Appointment triggers a patient notification on creation. The snapshot
// carries the patient's email so the dispatcher never has to join against the
// patients collection.
type Appointment struct {
	ID           string    `json:"id"`
	PatientID    string    `json:"patientId"`
	PatientEmail string    `json:"patientEmail"`
	DoctorID     string    `json:"doctorId"`
	ScheduledFor time.Time `json:"scheduledFor"`
}
