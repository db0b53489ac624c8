package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medicore/internal/audit"
	"medicore/internal/domain"
	"medicore/internal/events"
	"medicore/internal/identity"
	"medicore/internal/idempotency"
	"medicore/internal/notify"
	"medicore/internal/records"
	"medicore/internal/validation"
	"medicore/pkg/platform/faults"
)

type countingTransport struct {
	sent atomic.Int64
}

func (t *countingTransport) Send(context.Context, string, string, map[string]string) error {
	t.sent.Add(1)
	return nil
}

type fixture struct {
	handler     *Handler
	guard       idempotency.Guard
	records     *records.MemoryStore
	auditStore  *audit.MemoryStore
	deadLetters *audit.MemoryDeadLetters
	notifyStore *notify.MemoryStore
	identities  *identity.MemoryStore
	transport   *countingTransport
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	recordStore := records.NewMemoryStore()
	auditStore := audit.NewMemoryStore()
	deadLetters := audit.NewMemoryDeadLetters()
	notifyStore := notify.NewMemoryStore()
	identities := identity.NewMemoryStore()
	transport := &countingTransport{}

	recorder := audit.NewRecorder(auditStore, deadLetters, audit.RecorderConfig{
		MaxAttempts:     2,
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
	}, logger, nil)
	validator := validation.New(recordStore,
		[]string{"Paracetamol", "Ibuprofeno", "Amoxicilina", "Loratadina"}, logger)
	dispatcher := notify.NewDispatcher(notifyStore, transport,
		idempotency.NewMemoryGuard(time.Hour), notify.DispatcherConfig{
			MaxAttempts:     2,
			InitialInterval: time.Millisecond,
			MaxInterval:     time.Millisecond,
		}, logger, nil)
	assigner := identity.NewAssigner(identities, logger, nil)

	guard := idempotency.NewMemoryGuard(time.Hour)
	handler := NewHandler(
		guard,
		validator, recordStore, recorder, dispatcher, assigner,
		logger, nil,
	)
	return &fixture{
		handler:     handler,
		guard:       guard,
		records:     recordStore,
		auditStore:  auditStore,
		deadLetters: deadLetters,
		notifyStore: notifyStore,
		identities:  identities,
		transport:   transport,
	}
}

func changePayload(t *testing.T, collectionPath, entityID string, snapshot any) []byte {
	t.Helper()
	snap, err := json.Marshal(snapshot)
	require.NoError(t, err)
	raw, err := json.Marshal(events.Change{
		CollectionPath: collectionPath,
		EntityID:       entityID,
		ChangeType:     events.ChangeCreated,
		Generation:     1,
		OccurredAt:     time.Now().UTC(),
		Snapshot:       snap,
		ClientIP:       "10.0.0.7",
	})
	require.NoError(t, err)
	return raw
}

func TestHandleChange_ValidConsultationIsAuditedOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.records.PutPatient(domain.Patient{ID: "p1", AssignedDoctorID: "d1", Email: "p1@x.mx"})
	f.records.PutRecord(domain.ClinicalRecord{
		ID: "c1", PatientID: "p1", DoctorID: "d1",
		Kind: domain.KindConsultation, Validity: domain.ValidityPending,
	})

	raw := changePayload(t, "patients/p1/consultations/c1", "c1", map[string]string{
		"doctorId": "d1", "diagnostic": "gripe",
	})
	require.NoError(t, f.handler.HandleChange(ctx, raw))

	entries, err := f.auditStore.ListByPatient(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, audit.ActionConsultationCreated, entries[0].Action)
	assert.Equal(t, "d1", entries[0].ActorID)
	assert.Equal(t, "gripe", entries[0].Details["diagnostic"])
	assert.Equal(t, "10.0.0.7", entries[0].Details["ipAddress"])

	record, err := f.records.GetRecord(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, domain.ValidityValid, record.Validity)
}

func TestHandleChange_DuplicateDeliverySettlesToOneEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.records.PutPatient(domain.Patient{ID: "p1", AssignedDoctorID: "d1"})
	f.records.PutRecord(domain.ClinicalRecord{
		ID: "c1", PatientID: "p1", DoctorID: "d1",
		Kind: domain.KindConsultation, Validity: domain.ValidityPending,
	})

	raw := changePayload(t, "patients/p1/consultations/c1", "c1", map[string]string{
		"doctorId": "d1",
	})
	for i := 0; i < 5; i++ {
		require.NoError(t, f.handler.HandleChange(ctx, raw))
	}
	assert.Equal(t, 1, f.auditStore.Len())
}

func TestHandleChange_StrandedClaimWithoutEntryIsRedelivered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.records.PutPatient(domain.Patient{ID: "p1", AssignedDoctorID: "d1"})
	f.records.PutRecord(domain.ClinicalRecord{
		ID: "c1", PatientID: "p1", DoctorID: "d1",
		Kind: domain.KindConsultation, Validity: domain.ValidityPending,
	})

	raw := changePayload(t, "patients/p1/consultations/c1", "c1", map[string]string{
		"doctorId": "d1",
	})
	ev, err := events.NormalizeChange(raw)
	require.NoError(t, err)

	// A worker claimed the event and crashed before the audit append.
	require.NoError(t, f.guard.Admit(ctx, ev.ID))

	err = f.handler.HandleChange(ctx, raw)
	require.Error(t, err, "a claim with no audit entry must not commit")
	assert.True(t, faults.Retryable(err))
	assert.Equal(t, 0, f.auditStore.Len())

	// The claim lapsing unblocks the redelivered event.
	require.NoError(t, f.guard.Release(ctx, ev.ID))
	require.NoError(t, f.handler.HandleChange(ctx, raw))
	assert.Equal(t, 1, f.auditStore.Len())
}

func TestHandleChange_UnauthorizedPrescriptionIsQuarantined(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.records.PutPatient(domain.Patient{ID: "p1", AssignedDoctorID: "d1"})
	f.records.PutRecord(domain.ClinicalRecord{
		ID: "rx1", PatientID: "p1", DoctorID: "d2",
		Kind: domain.KindPrescription, Medication: "Paracetamol",
		Validity: domain.ValidityPending,
	})

	raw := changePayload(t, "patients/p1/prescriptions/rx1", "rx1", map[string]string{
		"doctorId": "d2", "medication": "Paracetamol",
	})
	require.NoError(t, f.handler.HandleChange(ctx, raw))

	record, err := f.records.GetRecord(ctx, "rx1")
	require.NoError(t, err)
	assert.Equal(t, domain.ValidityQuarantined, record.Validity)
	assert.Equal(t, validation.ReasonDoctorNotAssigned, record.QuarantineReason)

	entries, err := f.auditStore.ListByPatient(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, audit.ActionValidationFailed, entries[0].Action)
	assert.Equal(t, ActorSystem, entries[0].ActorID)
	assert.Equal(t, audit.ActionPrescriptionCreated, entries[1].Action)
}

func TestHandleChange_QuarantineRedeliveryIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.records.PutPatient(domain.Patient{ID: "p1", AssignedDoctorID: "d1"})
	f.records.PutRecord(domain.ClinicalRecord{
		ID: "rx1", PatientID: "p1", DoctorID: "d1",
		Kind: domain.KindPrescription, Medication: "Aspirin",
		Validity: domain.ValidityPending,
	})

	raw := changePayload(t, "patients/p1/prescriptions/rx1", "rx1", map[string]string{
		"doctorId": "d1", "medication": "Aspirin",
	})
	for i := 0; i < 3; i++ {
		require.NoError(t, f.handler.HandleChange(ctx, raw))
	}

	entries, err := f.auditStore.ListByPatient(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, entries, 2, "one creation entry plus one validation entry")

	record, err := f.records.GetRecord(ctx, "rx1")
	require.NoError(t, err)
	assert.Equal(t, validation.ReasonUnknownMedication, record.QuarantineReason)
}

func TestHandleChange_UnreachablePatientIsRedelivered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.records.PutRecord(domain.ClinicalRecord{
		ID: "c1", PatientID: "p1", DoctorID: "d1",
		Kind: domain.KindConsultation, Validity: domain.ValidityPending,
	})
	// No patient document yet: validation must defer, not quarantine.
	raw := changePayload(t, "patients/p1/consultations/c1", "c1", map[string]string{
		"doctorId": "d1",
	})
	err := f.handler.HandleChange(ctx, raw)
	require.Error(t, err)
	assert.True(t, faults.Retryable(err))
	assert.Equal(t, 0, f.auditStore.Len())

	// The guard claim was released, so the patient arriving later unblocks
	// the redelivered event.
	f.records.PutPatient(domain.Patient{ID: "p1", AssignedDoctorID: "d1"})
	require.NoError(t, f.handler.HandleChange(ctx, raw))
	assert.Equal(t, 1, f.auditStore.Len())
}

func TestHandleChange_MalformedIsDiscarded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.handler.HandleChange(ctx, []byte(`{"not json`)), "garbage commits")
	require.NoError(t, f.handler.HandleChange(ctx, []byte(`{"entityId":"x"}`)), "missing collectionPath commits")
	assert.Equal(t, 0, f.auditStore.Len())
}

func TestHandleChange_ForeignCollectionIsIgnored(t *testing.T) {
	f := newFixture(t)
	raw := changePayload(t, "invoices/i1", "i1", map[string]string{"amount": "10"})
	require.NoError(t, f.handler.HandleChange(context.Background(), raw))
	assert.Equal(t, 0, f.auditStore.Len())
}

func TestHandleChange_AppointmentDispatchesNotification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	raw := changePayload(t, "appointments/a1", "a1", map[string]string{
		"patientId": "p1", "patientEmail": "p1@x.mx", "doctorId": "d1",
	})
	require.NoError(t, f.handler.HandleChange(ctx, raw))
	require.NoError(t, f.handler.HandleChange(ctx, raw), "redelivery")
	assert.Equal(t, int64(1), f.transport.sent.Load())
}

func TestHandleIdentity_AssignsRoleAndAudits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	raw, err := json.Marshal(events.IdentityCreated{
		IdentityID: "uid-1", Email: "ana@x.mx", DisplayName: "Ana",
	})
	require.NoError(t, err)

	require.NoError(t, f.handler.HandleIdentity(ctx, raw))
	require.NoError(t, f.handler.HandleIdentity(ctx, raw), "redelivery")

	id, err := f.identities.Get(ctx, "uid-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RolePatient, id.Role)

	entries, err := f.auditStore.ListByPatient(ctx, "uid-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, audit.ActionRoleAssigned, entries[0].Action)
}

func TestHandleIdentity_AuditLandsOnRedeliveryAfterAssignment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	raw, err := json.Marshal(events.IdentityCreated{
		IdentityID: "uid-1", Email: "ana@x.mx",
	})
	require.NoError(t, err)

	// First delivery assigns the role, but the audit write fails even as a
	// dead letter, so the event must stay uncommitted.
	f.auditStore.FailAppends(2)
	f.deadLetters.SetFailing(true)
	err = f.handler.HandleIdentity(ctx, raw)
	require.Error(t, err)
	assert.True(t, faults.Retryable(err))

	id, err := f.identities.Get(ctx, "uid-1")
	require.NoError(t, err)
	require.Equal(t, domain.RolePatient, id.Role, "role assignment already happened")

	// Stores recover; the redelivered event must still produce the entry
	// even though the role is already assigned.
	f.deadLetters.SetFailing(false)
	require.NoError(t, f.handler.HandleIdentity(ctx, raw))

	entries, err := f.auditStore.ListByPatient(ctx, "uid-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, audit.ActionRoleAssigned, entries[0].Action)

	letters, err := f.deadLetters.List(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, letters)
}

func TestHandleChange_AuditExhaustionParksAndCommits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.records.PutPatient(domain.Patient{ID: "p1", AssignedDoctorID: "d1"})
	f.records.PutRecord(domain.ClinicalRecord{
		ID: "c1", PatientID: "p1", DoctorID: "d1",
		Kind: domain.KindConsultation, Validity: domain.ValidityPending,
	})
	f.auditStore.FailAppends(10)

	raw := changePayload(t, "patients/p1/consultations/c1", "c1", map[string]string{
		"doctorId": "d1",
	})
	require.NoError(t, f.handler.HandleChange(ctx, raw), "dead-lettered events commit")

	letters, err := f.deadLetters.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, audit.ActionConsultationCreated, letters[0].Action)
}
