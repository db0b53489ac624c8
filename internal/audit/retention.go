package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"medicore/internal/retention"
)

// expirable is the slice of a store the retention purger needs.
type expirable interface {
	ListExpired(ctx context.Context, cutoff time.Time, after retention.Cursor, limit int) ([]retention.Item, error)
	CountExpired(ctx context.Context, cutoff time.Time) (int64, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// RetentionCollection exposes an audit store as a purgeable collection.
// Purge keys are the entries' UUIDs in string form.
type RetentionCollection struct {
	store expirable
}

func NewRetentionCollection(store expirable) *RetentionCollection {
	return &RetentionCollection{store: store}
}

func (c *RetentionCollection) ListExpired(ctx context.Context, cutoff time.Time, after retention.Cursor, limit int) ([]retention.Item, error) {
	return c.store.ListExpired(ctx, cutoff, after, limit)
}

func (c *RetentionCollection) CountExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	return c.store.CountExpired(ctx, cutoff)
}

func (c *RetentionCollection) Delete(ctx context.Context, key string) error {
	id, err := uuid.Parse(key)
	if err != nil {
		return fmt.Errorf("parse purge key %q: %w", key, err)
	}
	return c.store.Delete(ctx, id)
}
