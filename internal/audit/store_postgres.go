package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"medicore/internal/retention"
	"medicore/pkg/platform/sentinel"
)

// PostgresStore persists audit entries in PostgreSQL. Exactly-once per event
// ID is enforced by a unique index on event_id; per-patient ordering is
// enforced by a counter row locked FOR UPDATE, which serializes concurrent
// appends for one patient without gaps.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL audit store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, entry Entry) (Entry, error) {
	// Cheap existence probe before taking the counter lock; the unique index
	// still backstops the race below.
	if existing, err := s.FindByEventID(ctx, entry.EventID); err == nil {
		return *existing, nil
	} else if !errors.Is(err, sentinel.ErrNotFound) {
		return Entry{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Entry{}, fmt.Errorf("begin audit append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_sequences (patient_id, last_seq, last_timestamp)
		VALUES ($1, 0, to_timestamp(0))
		ON CONFLICT (patient_id) DO NOTHING
	`, entry.PatientID)
	if err != nil {
		return Entry{}, fmt.Errorf("ensure audit sequence: %w", err)
	}

	var lastSeq int64
	var lastTimestamp time.Time
	err = tx.QueryRowContext(ctx, `
		SELECT last_seq, last_timestamp
		FROM audit_sequences
		WHERE patient_id = $1
		FOR UPDATE
	`, entry.PatientID).Scan(&lastSeq, &lastTimestamp)
	if err != nil {
		return Entry{}, fmt.Errorf("lock audit sequence: %w", err)
	}

	stored := entry
	stored.ID = uuid.New()
	stored.Seq = lastSeq + 1
	stored.Timestamp = entry.Timestamp
	if stored.Timestamp.IsZero() {
		stored.Timestamp = time.Now().UTC()
	}
	// Wall clocks may skew between workers; the stored timestamp never goes
	// backwards within one patient's sequence.
	if stored.Timestamp.Before(lastTimestamp) {
		stored.Timestamp = lastTimestamp
	}

	details, err := json.Marshal(stored.Details)
	if err != nil {
		return Entry{}, fmt.Errorf("marshal audit details: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO audit_entries (id, event_id, action, patient_id, actor_id, seq, timestamp, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (event_id) DO NOTHING
	`, stored.ID, stored.EventID, string(stored.Action), stored.PatientID,
		stored.ActorID, stored.Seq, stored.Timestamp, details)
	if err != nil {
		return Entry{}, fmt.Errorf("insert audit entry: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Entry{}, fmt.Errorf("insert audit entry: %w", err)
	}
	if affected == 0 {
		// A concurrent append for the same event ID committed first.
		existing, err := s.FindByEventID(ctx, entry.EventID)
		if err != nil {
			return Entry{}, err
		}
		return *existing, nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE audit_sequences
		SET last_seq = $2, last_timestamp = $3
		WHERE patient_id = $1
	`, stored.PatientID, stored.Seq, stored.Timestamp)
	if err != nil {
		return Entry{}, fmt.Errorf("advance audit sequence: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Entry{}, fmt.Errorf("commit audit append: %w", err)
	}
	return stored, nil
}

const entryColumns = `id, event_id, action, patient_id, actor_id, seq, timestamp, details`

func (s *PostgresStore) FindByEventID(ctx context.Context, eventID string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+`
		FROM audit_entries
		WHERE event_id = $1
	`, eventID)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query audit entry: %w", err)
	}
	return entry, nil
}

func (s *PostgresStore) ListByPatient(ctx context.Context, patientID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM audit_entries
		WHERE patient_id = $1
		ORDER BY seq ASC
	`, patientID)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return entries, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id uuid.UUID) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM audit_entries WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete audit entry: %w", err)
	}
	return nil
}

// ListExpired returns entries past the retention cutoff, oldest first,
// starting after the resumable cursor.
func (s *PostgresStore) ListExpired(ctx context.Context, cutoff time.Time, after retention.Cursor, limit int) ([]retention.Item, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp
		FROM audit_entries
		WHERE timestamp < $1
		  AND (timestamp > $2 OR (timestamp = $2 AND id::text > $3))
		ORDER BY timestamp ASC, id::text ASC
		LIMIT $4
	`, cutoff, after.Timestamp, after.Key, limit)
	if err != nil {
		return nil, fmt.Errorf("query expired audit entries: %w", err)
	}
	defer rows.Close()

	var items []retention.Item
	for rows.Next() {
		var item retention.Item
		if err := rows.Scan(&item.Key, &item.Timestamp); err != nil {
			return nil, fmt.Errorf("scan expired audit entry: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired audit entries: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) CountExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM audit_entries WHERE timestamp < $1
	`, cutoff).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count expired audit entries: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var entry Entry
	var action string
	var details []byte
	err := row.Scan(&entry.ID, &entry.EventID, &action, &entry.PatientID,
		&entry.ActorID, &entry.Seq, &entry.Timestamp, &details)
	if err != nil {
		return nil, err
	}
	entry.Action = Action(action)
	if len(details) > 0 {
		if err := json.Unmarshal(details, &entry.Details); err != nil {
			return nil, fmt.Errorf("unmarshal audit details: %w", err)
		}
	}
	return &entry, nil
}
