// Package events normalizes raw change notifications from the document store
// and the identity provider into the pipeline's uniform event type. The
// adapter is a pure transform: no I/O, no side effects.
package events

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"medicore/pkg/platform/faults"
)

// Type classifies a normalized event for routing.
type Type string

const (
	TypeConsultationCreated Type = "consultation.created"
	TypePrescriptionCreated Type = "prescription.created"
	TypeAppointmentCreated  Type = "appointment.created"
	TypeIdentityCreated     Type = "identity.created"
)

// ChangeType is the document store's mutation kind.
type ChangeType string

const (
	ChangeCreated ChangeType = "created"
	ChangeUpdated ChangeType = "updated"
	ChangeDeleted ChangeType = "deleted"
)

// ErrIgnored marks a well-formed change the pipeline has no interest in
// (unknown collection, or a mutation kind with no consumer). Callers commit
// and move on.
var ErrIgnored = errors.New("event ignored")

// Change is the raw document-store change notification as delivered on the
// changes topic. Generation is the store's per-document change counter; the
// same underlying change is always redelivered with the same generation.
type Change struct {
	CollectionPath string          `json:"collectionPath"`
	EntityID       string          `json:"entityId"`
	ChangeType     ChangeType      `json:"changeType"`
	Generation     int64           `json:"generation"`
	OccurredAt     time.Time       `json:"occurredAt"`
	Snapshot       json.RawMessage `json:"snapshot"`
	ClientIP       string          `json:"clientIp,omitempty"`
}

// IdentityCreated is the raw identity-provider notification.
type IdentityCreated struct {
	IdentityID    string `json:"identityId"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"emailVerified"`
	DisplayName   string `json:"displayName"`
}

// Event is the normalized unit of work consumed by the pipeline. ID is
// derived deterministically from the underlying change so that redelivery of
// the same change yields the same ID.
type Event struct {
	ID             string
	Type           Type
	CollectionPath string
	EntityID       string
	PatientID      string
	Payload        json.RawMessage
	OccurredAt     time.Time
	ClientIP       string
}

// NormalizeChange parses a raw change notification into an Event.
func NormalizeChange(raw []byte) (Event, error) {
	var change Change
	if err := json.Unmarshal(raw, &change); err != nil {
		return Event{}, malformed("invalid change payload", err)
	}
	if change.CollectionPath == "" || change.EntityID == "" {
		return Event{}, malformed("change missing collectionPath or entityId", nil)
	}
	switch change.ChangeType {
	case ChangeCreated, ChangeUpdated, ChangeDeleted:
	default:
		return Event{}, malformed(fmt.Sprintf("unknown changeType %q", change.ChangeType), nil)
	}

	typ, patientID, ok := classify(change.CollectionPath, change.ChangeType)
	if !ok {
		return Event{}, ErrIgnored
	}

	occurredAt := change.OccurredAt
	if occurredAt.IsZero() {
		return Event{}, malformed("change missing occurredAt", nil)
	}

	return Event{
		ID:             eventID(change.CollectionPath, change.EntityID, change.Generation),
		Type:           typ,
		CollectionPath: change.CollectionPath,
		EntityID:       change.EntityID,
		PatientID:      patientID,
		Payload:        change.Snapshot,
		OccurredAt:     occurredAt,
		ClientIP:       change.ClientIP,
	}, nil
}

// NormalizeIdentity parses a raw identity-creation notification into an
// Event. Identity creation has no generation; the identity ID itself makes
// redelivery stable.
func NormalizeIdentity(raw []byte) (Event, error) {
	var created IdentityCreated
	if err := json.Unmarshal(raw, &created); err != nil {
		return Event{}, malformed("invalid identity payload", err)
	}
	if created.IdentityID == "" {
		return Event{}, malformed("identity notification missing identityId", nil)
	}
	return Event{
		ID:         eventID("identities", created.IdentityID, 0),
		Type:       TypeIdentityCreated,
		EntityID:   created.IdentityID,
		Payload:    raw,
		OccurredAt: time.Now().UTC(),
	}, nil
}

// SubEventID derives a deterministic child event ID for compensating writes
// (e.g. the quarantine audit entry spawned by a validation verdict), so the
// compensation path stays idempotent under redelivery.
func SubEventID(parentID, suffix string) string {
	sum := sha256.Sum256([]byte(parentID + "/" + suffix))
	return hex.EncodeToString(sum[:])
}

func eventID(collectionPath, entityID string, generation int64) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s/%s#%d", collectionPath, entityID, generation))
	return hex.EncodeToString(sum[:])
}

// classify maps a collection path and mutation kind to an event type. Only
// creations feed the pipeline; validity updates and purge deletions are
// pipeline output and must not loop back in.
func classify(path string, change ChangeType) (Type, string, bool) {
	if change != ChangeCreated {
		return "", "", false
	}
	parts := strings.Split(path, "/")
	switch {
	case len(parts) == 4 && parts[0] == "patients" && parts[2] == "consultations":
		return TypeConsultationCreated, parts[1], true
	case len(parts) == 4 && parts[0] == "patients" && parts[2] == "prescriptions":
		return TypePrescriptionCreated, parts[1], true
	case len(parts) == 2 && parts[0] == "appointments":
		return TypeAppointmentCreated, "", true
	}
	return "", "", false
}

func malformed(reason string, err error) error {
	return &faults.MalformedError{Reason: reason, Err: err}
}
