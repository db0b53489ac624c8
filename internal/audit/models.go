// Package audit is the system of record for compliance. Every accepted
// mutation event produces exactly one immutable entry, ordered per patient by
// a monotonic sequence number rather than wall-clock time.
package audit

import (
	"time"

	"github.com/google/uuid"
)

// Action names the audited operation.
type Action string

const (
	ActionConsultationCreated Action = "consultation_created"
	ActionPrescriptionCreated Action = "prescription_created"
	ActionValidationFailed    Action = "validation_failed"
	ActionRoleAssigned        Action = "role_assigned"
)

// Entry is an append-only audit record. EventID is the dedup key: at most one
// entry per event ID ever exists. Seq is drawn from a per-patient monotonic
// counter and defines the authoritative ordering; Timestamp is stored for
// human inspection only.
type Entry struct {
	ID        uuid.UUID
	EventID   string
	Action    Action
	PatientID string
	ActorID   string
	Seq       int64
	Timestamp time.Time
	Details   map[string]string
}

// DeadLetter is an event whose audit write exhausted retries and awaits
// manual remediation. Parking is the only alternative to dropping, and
// dropping is forbidden.
type DeadLetter struct {
	ID        uuid.UUID
	EventID   string
	Action    Action
	PatientID string
	Cause     string
	CreatedAt time.Time
}
