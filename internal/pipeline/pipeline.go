// Package pipeline routes normalized change events to the compliance
// components. Commit semantics are error-driven: a nil or malformed result
// commits the message, a retryable result leaves it for redelivery.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"medicore/internal/audit"
	"medicore/internal/domain"
	"medicore/internal/events"
	"medicore/internal/identity"
	"medicore/internal/idempotency"
	"medicore/internal/notify"
	"medicore/internal/platform/metrics"
	"medicore/internal/records"
	"medicore/internal/validation"
	"medicore/pkg/platform/faults"
	"medicore/pkg/platform/sentinel"
)

// ActorSystem marks audit entries written by the pipeline itself rather than
// an interactive caller.
const ActorSystem = "system"

// Handler drives one event through the compliance chain.
type Handler struct {
	guard      idempotency.Guard
	validator  *validation.Validator
	records    records.Store
	recorder   *audit.Recorder
	dispatcher *notify.Dispatcher
	assigner   *identity.Assigner
	tracer     trace.Tracer
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

func NewHandler(
	guard idempotency.Guard,
	validator *validation.Validator,
	recordStore records.Store,
	recorder *audit.Recorder,
	dispatcher *notify.Dispatcher,
	assigner *identity.Assigner,
	logger *slog.Logger,
	m *metrics.Metrics,
) *Handler {
	return &Handler{
		guard:      guard,
		validator:  validator,
		records:    recordStore,
		recorder:   recorder,
		dispatcher: dispatcher,
		assigner:   assigner,
		tracer:     otel.Tracer("medicore/pipeline"),
		logger:     logger,
		metrics:    m,
	}
}

// HandleChange processes one raw document-store change notification.
func (h *Handler) HandleChange(ctx context.Context, raw []byte) error {
	ev, err := events.NormalizeChange(raw)
	if err != nil {
		return h.dismiss(ctx, err)
	}
	return h.handle(ctx, ev)
}

// HandleIdentity processes one raw identity-provider notification.
func (h *Handler) HandleIdentity(ctx context.Context, raw []byte) error {
	ev, err := events.NormalizeIdentity(raw)
	if err != nil {
		return h.dismiss(ctx, err)
	}
	return h.handle(ctx, ev)
}

// dismiss consumes normalization failures. Malformed and ignored events are
// committed; anything else is surfaced for redelivery.
func (h *Handler) dismiss(ctx context.Context, err error) error {
	if errors.Is(err, events.ErrIgnored) {
		return nil
	}
	if faults.IsMalformed(err) {
		h.metrics.IncEventsMalformed()
		h.logger.WarnContext(ctx, "discarding malformed event", "error", err)
		return nil
	}
	return err
}

func (h *Handler) handle(ctx context.Context, ev events.Event) error {
	ctx, span := h.tracer.Start(ctx, "pipeline.handle",
		trace.WithAttributes(
			attribute.String("event.id", ev.ID),
			attribute.String("event.type", string(ev.Type)),
		))
	defer span.End()
	start := time.Now()

	var err error
	switch ev.Type {
	case events.TypeConsultationCreated, events.TypePrescriptionCreated:
		err = h.handleClinicalRecord(ctx, ev)
	case events.TypeAppointmentCreated:
		err = h.handleAppointment(ctx, ev)
	case events.TypeIdentityCreated:
		err = h.handleIdentity(ctx, ev)
	default:
		h.logger.WarnContext(ctx, "no route for event type", "event_type", ev.Type)
		return nil
	}
	if err != nil {
		return err
	}

	h.metrics.IncEventsProcessed(string(ev.Type))
	h.metrics.ObserveHandleDuration(time.Since(start).Seconds())
	return nil
}

// handleClinicalRecord runs the guard, validation, the conditional
// compensating write, and the audit append for a created consultation or
// prescription. A retryable failure anywhere in the chain releases the guard
// claim so redelivery can retry from the top.
func (h *Handler) handleClinicalRecord(ctx context.Context, ev events.Event) error {
	if err := h.guard.Admit(ctx, ev.ID); err != nil {
		if errors.Is(err, sentinel.ErrDuplicate) {
			// The claim alone proves nothing: a worker that crashed between
			// claiming and appending leaves a claim with no entry behind it.
			// Only an existing audit entry makes the duplicate safe to drop.
			recorded, lookErr := h.recorder.Recorded(ctx, ev.ID)
			if lookErr != nil {
				return lookErr
			}
			if !recorded {
				return faults.Retry("event claim held without audit entry", err)
			}
			h.metrics.IncDuplicatesSuppressed()
			h.logger.InfoContext(ctx, "duplicate delivery suppressed", "event_id", ev.ID)
			return nil
		}
		return err
	}

	record, err := parseRecord(ev)
	if err != nil {
		h.metrics.IncEventsMalformed()
		h.logger.WarnContext(ctx, "discarding malformed record snapshot",
			"event_id", ev.ID, "error", err)
		return nil
	}

	verdict, err := h.validator.Validate(ctx, record)
	if err != nil {
		return h.redeliver(ctx, ev.ID, err)
	}

	if verdict.Quarantined() {
		if err := h.quarantine(ctx, ev, record, verdict); err != nil {
			return h.redeliver(ctx, ev.ID, err)
		}
	} else {
		if err := h.records.SetValidity(ctx, record.ID, domain.ValidityValid, ""); err != nil {
			return h.redeliver(ctx, ev.ID, faults.Retry("mark record valid", err))
		}
	}

	entry := audit.Entry{
		EventID:   ev.ID,
		Action:    actionFor(ev.Type),
		PatientID: ev.PatientID,
		ActorID:   record.DoctorID,
		Timestamp: ev.OccurredAt,
		Details:   recordDetails(record, ev.ClientIP),
	}
	if _, err := h.recorder.Record(ctx, entry); err != nil {
		var fatal *faults.FatalAuditWriteError
		if errors.As(err, &fatal) {
			// Parked in the dead-letter store; the event is consumed.
			return nil
		}
		return h.redeliver(ctx, ev.ID, err)
	}
	return nil
}

// quarantine performs the compensating write and its own audit entry. The
// child event ID keeps the entry idempotent under redelivery without
// colliding with the creation entry.
func (h *Handler) quarantine(ctx context.Context, ev events.Event, record domain.ClinicalRecord, verdict validation.Verdict) error {
	if err := h.records.SetValidity(ctx, record.ID, domain.ValidityQuarantined, verdict.Reason); err != nil {
		return faults.Retry("quarantine record", err)
	}
	h.metrics.IncRecordsQuarantined()

	entry := audit.Entry{
		EventID:   events.SubEventID(ev.ID, "validation"),
		Action:    audit.ActionValidationFailed,
		PatientID: ev.PatientID,
		ActorID:   ActorSystem,
		Timestamp: ev.OccurredAt,
		Details: map[string]string{
			"recordId": record.ID,
			"doctorId": record.DoctorID,
			"reason":   verdict.Reason,
		},
	}
	if _, err := h.recorder.Record(ctx, entry); err != nil {
		var fatal *faults.FatalAuditWriteError
		if errors.As(err, &fatal) {
			return nil
		}
		return err
	}
	return nil
}

func (h *Handler) handleAppointment(ctx context.Context, ev events.Event) error {
	var appt struct {
		PatientEmail string `json:"patientEmail"`
		ScheduledFor string `json:"scheduledFor"`
		DoctorID     string `json:"doctorId"`
	}
	if err := json.Unmarshal(ev.Payload, &appt); err != nil || appt.PatientEmail == "" {
		h.metrics.IncEventsMalformed()
		h.logger.WarnContext(ctx, "discarding appointment without patient email",
			"event_id", ev.ID, "error", err)
		return nil
	}

	err := h.dispatcher.Dispatch(ctx, notify.Request{
		IdempotencyKey: ev.ID,
		Recipient:      appt.PatientEmail,
		TemplateID:     notify.TemplateAppointmentCreated,
		Payload: map[string]string{
			"appointmentId": ev.EntityID,
			"doctorId":      appt.DoctorID,
			"scheduledFor":  appt.ScheduledFor,
		},
	})
	var exhausted *faults.DeliveryExhaustedError
	if errors.As(err, &exhausted) {
		// Dead-lettered by the dispatcher; the event is consumed.
		h.logger.ErrorContext(ctx, "notification dead-lettered",
			"event_id", ev.ID, "attempts", exhausted.Attempts)
		return nil
	}
	return err
}

func (h *Handler) handleIdentity(ctx context.Context, ev events.Event) error {
	var created events.IdentityCreated
	if err := json.Unmarshal(ev.Payload, &created); err != nil {
		h.metrics.IncEventsMalformed()
		return nil
	}

	// The entry is recorded on every delivery, not just the assigning one:
	// a redelivery after a failed audit write would otherwise take the
	// already-assigned branch and never write it. The recorder dedupes by
	// event ID, so the settled state stays one entry.
	if _, err := h.assigner.Assign(ctx, created, ev.OccurredAt); err != nil {
		return err
	}

	entry := audit.Entry{
		EventID:   ev.ID,
		Action:    audit.ActionRoleAssigned,
		PatientID: created.IdentityID,
		ActorID:   ActorSystem,
		Timestamp: ev.OccurredAt,
		Details:   map[string]string{"role": domain.RolePatient, "email": created.Email},
	}
	if _, err := h.recorder.Record(ctx, entry); err != nil {
		var fatal *faults.FatalAuditWriteError
		if errors.As(err, &fatal) {
			return nil
		}
		return err
	}
	return nil
}

// redeliver releases the guard claim and surfaces the failure so the message
// stays uncommitted. The release uses a detached context: a claim stranded by
// shutdown would otherwise block redelivery for the full dedup window.
func (h *Handler) redeliver(ctx context.Context, eventID string, err error) error {
	if relErr := h.guard.Release(context.WithoutCancel(ctx), eventID); relErr != nil {
		h.logger.WarnContext(ctx, "failed to release dedup claim",
			"event_id", eventID, "error", relErr)
	}
	return err
}

func actionFor(t events.Type) audit.Action {
	if t == events.TypePrescriptionCreated {
		return audit.ActionPrescriptionCreated
	}
	return audit.ActionConsultationCreated
}

func recordDetails(record domain.ClinicalRecord, clientIP string) map[string]string {
	details := map[string]string{"recordId": record.ID, "doctorId": record.DoctorID}
	if record.Diagnostic != "" {
		details["diagnostic"] = record.Diagnostic
	}
	if record.Medication != "" {
		details["medication"] = record.Medication
	}
	if clientIP != "" {
		details["ipAddress"] = clientIP
	}
	return details
}

func parseRecord(ev events.Event) (domain.ClinicalRecord, error) {
	var record domain.ClinicalRecord
	if len(ev.Payload) == 0 {
		return record, fmt.Errorf("change carries no snapshot")
	}
	if err := json.Unmarshal(ev.Payload, &record); err != nil {
		return record, fmt.Errorf("decode record snapshot: %w", err)
	}
	record.ID = ev.EntityID
	record.PatientID = ev.PatientID
	if ev.Type == events.TypePrescriptionCreated {
		record.Kind = domain.KindPrescription
	} else {
		record.Kind = domain.KindConsultation
	}
	if record.DoctorID == "" {
		return record, fmt.Errorf("record snapshot missing doctorId")
	}
	return record, nil
}
