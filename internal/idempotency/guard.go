// Package idempotency deduplicates events by their stable event ID before any
// side effect runs. Exactly one concurrent caller is admitted per ID; the
// rest see a duplicate. The guard is a recent-window cache: exactly-once
// audit semantics are ultimately backed by the audit store's unique
// constraint, so claims may safely expire.
package idempotency

import "context"

// Guard admits each event ID at most once within the dedup window.
//
// Admit returns nil when the caller won the claim, sentinel.ErrDuplicate when
// the ID was already admitted, and a retryable fault when the durability
// check itself failed; in that last case the event is neither admitted nor
// discarded and must be redelivered.
//
// Release withdraws a claim so redelivery can retry after downstream
// processing failed.
type Guard interface {
	Admit(ctx context.Context, eventID string) error
	Release(ctx context.Context, eventID string) error
}
