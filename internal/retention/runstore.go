package retention

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
)

// PostgresRunStore persists purge cursors and run outcomes.
type PostgresRunStore struct {
	db *sql.DB
}

// NewPostgresRunStore creates the run store.
func NewPostgresRunStore(db *sql.DB) *PostgresRunStore {
	return &PostgresRunStore{db: db}
}

func (s *PostgresRunStore) LoadCursor(ctx context.Context, collection string) (Cursor, error) {
	var cursor Cursor
	err := s.db.QueryRowContext(ctx, `
		SELECT cursor_timestamp, cursor_key
		FROM purge_runs
		WHERE collection = $1
	`, collection).Scan(&cursor.Timestamp, &cursor.Key)
	if errors.Is(err, sql.ErrNoRows) {
		return Cursor{}, nil
	}
	if err != nil {
		return Cursor{}, fmt.Errorf("load purge cursor: %w", err)
	}
	return cursor, nil
}

func (s *PostgresRunStore) SaveCursor(ctx context.Context, collection string, cursor Cursor) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO purge_runs (collection, cursor_timestamp, cursor_key)
		VALUES ($1, $2, $3)
		ON CONFLICT (collection) DO UPDATE
		SET cursor_timestamp = EXCLUDED.cursor_timestamp,
		    cursor_key = EXCLUDED.cursor_key
	`, collection, cursor.Timestamp, cursor.Key)
	if err != nil {
		return fmt.Errorf("save purge cursor: %w", err)
	}
	return nil
}

func (s *PostgresRunStore) MarkCompleted(ctx context.Context, collection string, at time.Time, deleted, skipped int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO purge_runs (collection, cursor_timestamp, cursor_key, last_success_at, last_deleted, last_skipped)
		VALUES ($1, to_timestamp(0), '', $2, $3, $4)
		ON CONFLICT (collection) DO UPDATE
		SET cursor_timestamp = to_timestamp(0),
		    cursor_key = '',
		    last_success_at = EXCLUDED.last_success_at,
		    last_deleted = EXCLUDED.last_deleted,
		    last_skipped = EXCLUDED.last_skipped
	`, collection, at, deleted, skipped)
	if err != nil {
		return fmt.Errorf("mark purge run completed: %w", err)
	}
	return nil
}

func (s *PostgresRunStore) ListStatus(ctx context.Context) ([]RunStatus, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT collection, COALESCE(last_success_at, to_timestamp(0)), last_deleted, last_skipped
		FROM purge_runs
		ORDER BY collection
	`)
	if err != nil {
		return nil, fmt.Errorf("query purge runs: %w", err)
	}
	defer rows.Close()

	var statuses []RunStatus
	for rows.Next() {
		var status RunStatus
		if err := rows.Scan(&status.Collection, &status.LastSuccessAt,
			&status.LastDeleted, &status.LastSkipped); err != nil {
			return nil, fmt.Errorf("scan purge run: %w", err)
		}
		statuses = append(statuses, status)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate purge runs: %w", err)
	}
	return statuses, nil
}

// MemoryRunStore is an in-memory run store for tests.
type MemoryRunStore struct {
	mu       sync.Mutex
	cursors  map[string]Cursor
	statuses map[string]RunStatus
}

// NewMemoryRunStore constructs an empty in-memory run store.
func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{
		cursors:  make(map[string]Cursor),
		statuses: make(map[string]RunStatus),
	}
}

func (s *MemoryRunStore) LoadCursor(_ context.Context, collection string) (Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[collection], nil
}

func (s *MemoryRunStore) SaveCursor(_ context.Context, collection string, cursor Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[collection] = cursor
	return nil
}

func (s *MemoryRunStore) MarkCompleted(_ context.Context, collection string, at time.Time, deleted, skipped int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[collection] = Cursor{}
	s.statuses[collection] = RunStatus{
		Collection:    collection,
		LastSuccessAt: at,
		LastDeleted:   deleted,
		LastSkipped:   skipped,
	}
	return nil
}

func (s *MemoryRunStore) ListStatus(_ context.Context) ([]RunStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var statuses []RunStatus
	for _, status := range s.statuses {
		statuses = append(statuses, status)
	}
	return statuses, nil
}
