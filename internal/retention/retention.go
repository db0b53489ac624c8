// Package retention purges records past their retention horizon. Runs are
// single-flight per collection via an expiring lease, deletion is batched,
// rate-limited, and resumable, and the horizon boundary is computed once per
// run so clock movement between batches can never reach inside the horizon.
package retention

import (
	"context"
	"time"
)

// Item is one expired entry, identified by a collection-specific key.
type Item struct {
	Key       string
	Timestamp time.Time
}

// Cursor marks progress through a run's expired scan, ordered by
// (timestamp, key). The zero Cursor starts from the beginning.
type Cursor struct {
	Timestamp time.Time
	Key       string
}

// Collection is a purgeable view over one stored collection.
type Collection interface {
	ListExpired(ctx context.Context, cutoff time.Time, after Cursor, limit int) ([]Item, error)
	Delete(ctx context.Context, key string) error
	CountExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

// Policy binds a collection to its retention horizon. Policies are static
// configuration; they are never mutated at runtime.
type Policy struct {
	Name       string
	Collection Collection
	Horizon    time.Duration
}

// RunStatus is the operator-visible outcome of the latest purge runs.
type RunStatus struct {
	Collection    string    `json:"collection"`
	LastSuccessAt time.Time `json:"lastSuccessAt"`
	LastDeleted   int64     `json:"lastDeleted"`
	LastSkipped   int64     `json:"lastSkipped"`
}

// RunStore persists the resumable cursor and run outcomes per collection.
type RunStore interface {
	// LoadCursor returns the saved cursor of an interrupted run, or the zero
	// Cursor when the previous run completed.
	LoadCursor(ctx context.Context, collection string) (Cursor, error)
	SaveCursor(ctx context.Context, collection string, cursor Cursor) error
	// MarkCompleted records a successful run and resets the cursor.
	MarkCompleted(ctx context.Context, collection string, at time.Time, deleted, skipped int64) error
	ListStatus(ctx context.Context) ([]RunStatus, error)
}

// Lease grants a time-bounded exclusive claim on one collection's purge run.
type Lease interface {
	// Acquire claims the lease for owner; false means another run holds it.
	Acquire(ctx context.Context, collection, owner string, ttl time.Duration) (bool, error)
	// Release drops the lease if owner still holds it.
	Release(ctx context.Context, collection, owner string) error
}
