package audit

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PostgresDeadLetters persists escalated audit failures in PostgreSQL.
type PostgresDeadLetters struct {
	db *sql.DB
}

// NewPostgresDeadLetters creates the dead-letter store.
func NewPostgresDeadLetters(db *sql.DB) *PostgresDeadLetters {
	return &PostgresDeadLetters{db: db}
}

func (s *PostgresDeadLetters) Park(ctx context.Context, letter DeadLetter) error {
	if letter.ID == uuid.Nil {
		letter.ID = uuid.New()
	}
	if letter.CreatedAt.IsZero() {
		letter.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_dead_letters (id, event_id, action, patient_id, cause, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (event_id) DO NOTHING
	`, letter.ID, letter.EventID, string(letter.Action), letter.PatientID, letter.Cause, letter.CreatedAt)
	if err != nil {
		return fmt.Errorf("park audit dead letter: %w", err)
	}
	return nil
}

func (s *PostgresDeadLetters) List(ctx context.Context, limit int) ([]DeadLetter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_id, action, patient_id, cause, created_at
		FROM audit_dead_letters
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit dead letters: %w", err)
	}
	defer rows.Close()

	var letters []DeadLetter
	for rows.Next() {
		var letter DeadLetter
		var action string
		if err := rows.Scan(&letter.ID, &letter.EventID, &action, &letter.PatientID,
			&letter.Cause, &letter.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit dead letter: %w", err)
		}
		letter.Action = Action(action)
		letters = append(letters, letter)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit dead letters: %w", err)
	}
	return letters, nil
}

// MemoryDeadLetters is an in-memory dead-letter store for tests.
type MemoryDeadLetters struct {
	mu      sync.Mutex
	byEvent map[string]DeadLetter
	failing bool
}

// NewMemoryDeadLetters constructs an empty in-memory dead-letter store.
func NewMemoryDeadLetters() *MemoryDeadLetters {
	return &MemoryDeadLetters{byEvent: make(map[string]DeadLetter)}
}

// SetFailing toggles simulated unavailability.
func (s *MemoryDeadLetters) SetFailing(failing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = failing
}

func (s *MemoryDeadLetters) Park(_ context.Context, letter DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return fmt.Errorf("park audit dead letter: store unavailable")
	}
	if _, ok := s.byEvent[letter.EventID]; ok {
		return nil
	}
	if letter.ID == uuid.Nil {
		letter.ID = uuid.New()
	}
	if letter.CreatedAt.IsZero() {
		letter.CreatedAt = time.Now().UTC()
	}
	s.byEvent[letter.EventID] = letter
	return nil
}

func (s *MemoryDeadLetters) List(_ context.Context, limit int) ([]DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var letters []DeadLetter
	for _, letter := range s.byEvent {
		letters = append(letters, letter)
	}
	if limit > 0 && len(letters) > limit {
		letters = letters[:limit]
	}
	return letters, nil
}
