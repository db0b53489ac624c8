package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"medicore/pkg/platform/sentinel"
)

// Store persists notification requests keyed by idempotency key.
type Store interface {
	// Create inserts the request in pending state unless one already exists
	// for its idempotency key; the stored request and whether this call
	// created it are returned.
	Create(ctx context.Context, req Request) (Request, bool, error)
	MarkSent(ctx context.Context, idempotencyKey string, attempts int) error
	MarkDeadLettered(ctx context.Context, idempotencyKey string, attempts int, cause string) error
	ListDeadLettered(ctx context.Context, limit int) ([]Request, error)
}

// PostgresStore persists notification requests in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL notification store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, req Request) (Request, bool, error) {
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	now := time.Now().UTC()
	req.State = StatePending
	req.CreatedAt = now
	req.UpdatedAt = now

	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return Request{}, false, fmt.Errorf("marshal notification payload: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, idempotency_key, recipient, template_id, payload, attempts, state, cause, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, 'pending', '', $6, $6)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, req.ID, req.IdempotencyKey, req.Recipient, req.TemplateID, payload, now)
	if err != nil {
		return Request{}, false, fmt.Errorf("insert notification: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Request{}, false, fmt.Errorf("insert notification: %w", err)
	}
	if affected > 0 {
		return req, true, nil
	}

	existing, err := s.findByKey(ctx, req.IdempotencyKey)
	if err != nil {
		return Request{}, false, err
	}
	return *existing, false, nil
}

func (s *PostgresStore) MarkSent(ctx context.Context, idempotencyKey string, attempts int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE notifications
		SET state = 'sent', attempts = $2, updated_at = $3
		WHERE idempotency_key = $1 AND state = 'pending'
	`, idempotencyKey, attempts, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark notification sent: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkDeadLettered(ctx context.Context, idempotencyKey string, attempts int, cause string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE notifications
		SET state = 'dead_lettered', attempts = $2, cause = $3, updated_at = $4
		WHERE idempotency_key = $1 AND state = 'pending'
	`, idempotencyKey, attempts, cause, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark notification dead-lettered: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListDeadLettered(ctx context.Context, limit int) ([]Request, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, idempotency_key, recipient, template_id, payload, attempts, state, cause, created_at, updated_at
		FROM notifications
		WHERE state = 'dead_lettered'
		ORDER BY updated_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query dead-lettered notifications: %w", err)
	}
	defer rows.Close()

	var requests []Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, *req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead-lettered notifications: %w", err)
	}
	return requests, nil
}

func (s *PostgresStore) findByKey(ctx context.Context, idempotencyKey string) (*Request, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, idempotency_key, recipient, template_id, payload, attempts, state, cause, created_at, updated_at
		FROM notifications
		WHERE idempotency_key = $1
	`, idempotencyKey)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return req, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*Request, error) {
	var req Request
	var state string
	var payload []byte
	err := row.Scan(&req.ID, &req.IdempotencyKey, &req.Recipient, &req.TemplateID,
		&payload, &req.Attempts, &state, &req.Cause, &req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		return nil, err
	}
	req.State = State(state)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal notification payload: %w", err)
		}
	}
	return &req, nil
}

// MemoryStore is an in-memory notification store for tests.
type MemoryStore struct {
	mu    sync.Mutex
	byKey map[string]Request
}

// NewMemoryStore constructs an empty in-memory notification store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byKey: make(map[string]Request)}
}

func (s *MemoryStore) Create(_ context.Context, req Request) (Request, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.byKey[req.IdempotencyKey]; ok {
		return existing, false, nil
	}
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	now := time.Now().UTC()
	req.State = StatePending
	req.CreatedAt = now
	req.UpdatedAt = now
	s.byKey[req.IdempotencyKey] = req
	return req, true, nil
}

func (s *MemoryStore) MarkSent(_ context.Context, idempotencyKey string, attempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.byKey[idempotencyKey]
	if !ok || req.State != StatePending {
		return nil
	}
	req.State = StateSent
	req.Attempts = attempts
	req.UpdatedAt = time.Now().UTC()
	s.byKey[idempotencyKey] = req
	return nil
}

func (s *MemoryStore) MarkDeadLettered(_ context.Context, idempotencyKey string, attempts int, cause string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.byKey[idempotencyKey]
	if !ok || req.State != StatePending {
		return nil
	}
	req.State = StateDeadLettered
	req.Attempts = attempts
	req.Cause = cause
	req.UpdatedAt = time.Now().UTC()
	s.byKey[idempotencyKey] = req
	return nil
}

func (s *MemoryStore) ListDeadLettered(_ context.Context, limit int) ([]Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var requests []Request
	for _, req := range s.byKey {
		if req.State == StateDeadLettered {
			requests = append(requests, req)
		}
	}
	if limit > 0 && len(requests) > limit {
		requests = requests[:limit]
	}
	return requests, nil
}

// Get returns the stored request for an idempotency key, for assertions.
func (s *MemoryStore) Get(idempotencyKey string) (Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.byKey[idempotencyKey]
	return req, ok
}
