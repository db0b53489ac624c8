package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores and infrastructure layers
// return these (optionally wrapped) so services can translate them into the
// pipeline's fault taxonomy.
//
// These represent factual states about resources, not validation failures:
// - ErrNotFound: entity does not exist in store
// - ErrDuplicate: an idempotency claim or unique row already exists
// - ErrConflict: optimistic update lost a race and may be retried
// - ErrInvalidState: entity in wrong state for requested operation
// - ErrUnavailable: store or transport temporarily unreachable
var (
	ErrNotFound     = errors.New("not found")
	ErrDuplicate    = errors.New("duplicate")
	ErrConflict     = errors.New("conflict")
	ErrInvalidState = errors.New("invalid state")
	ErrUnavailable  = errors.New("unavailable")
)
