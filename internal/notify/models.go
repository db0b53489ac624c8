// Package notify delivers at-least-once notifications with retry, a circuit
// breaker on the outbound transport, and dead-lettering on exhaustion.
// Duplicate idempotency keys never produce two delivered notifications.
package notify

import (
	"time"

	"github.com/google/uuid"
)

// State is the delivery lifecycle of a notification request.
type State string

const (
	StatePending      State = "pending"
	StateSent         State = "sent"
	StateDeadLettered State = "dead_lettered"
)

// TemplateAppointmentCreated is sent to a patient when an appointment is
// booked for them.
const TemplateAppointmentCreated = "appointment_created"

// Request is a single outbound notification. IdempotencyKey is derived from
// the triggering event ID, so redelivery of the event maps onto the same
// request.
type Request struct {
	ID             uuid.UUID         `json:"id"`
	IdempotencyKey string            `json:"idempotencyKey"`
	Recipient      string            `json:"recipient"`
	TemplateID     string            `json:"templateId"`
	Payload        map[string]string `json:"payload,omitempty"`
	Attempts       int               `json:"attempts"`
	State          State             `json:"state"`
	Cause          string            `json:"cause,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}
