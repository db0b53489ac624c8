package identity

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"medicore/internal/domain"
	"medicore/pkg/platform/sentinel"
)

// Store persists identity profiles and their assigned roles.
type Store interface {
	// Upsert inserts the identity if it does not exist. Existing rows are
	// left untouched.
	Upsert(ctx context.Context, id domain.Identity) error

	// AssignDefaultRole sets the role to the given value only when no role
	// has been assigned yet. It reports whether the role was written.
	AssignDefaultRole(ctx context.Context, identityID, role string) (bool, error)

	Get(ctx context.Context, identityID string) (domain.Identity, error)
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Upsert(ctx context.Context, id domain.Identity) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO identities (id, email, email_verified, display_name, role, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`,
		id.ID, id.Email, id.EmailVerified, id.DisplayName, id.Role, id.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert identity: %w", err)
	}
	return nil
}

func (s *PostgresStore) AssignDefaultRole(ctx context.Context, identityID, role string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE identities SET role = $2
		WHERE id = $1 AND (role IS NULL OR role = '')`,
		identityID, role)
	if err != nil {
		return false, fmt.Errorf("assign default role: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("assign default role: %w", err)
	}
	return n > 0, nil
}

func (s *PostgresStore) Get(ctx context.Context, identityID string) (domain.Identity, error) {
	var id domain.Identity
	var createdAt time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, email_verified, display_name, COALESCE(role, ''), created_at
		FROM identities WHERE id = $1`, identityID).
		Scan(&id.ID, &id.Email, &id.EmailVerified, &id.DisplayName, &id.Role, &createdAt)
	if err == sql.ErrNoRows {
		return domain.Identity{}, sentinel.ErrNotFound
	}
	if err != nil {
		return domain.Identity{}, fmt.Errorf("get identity: %w", err)
	}
	id.CreatedAt = createdAt
	return id, nil
}

// MemoryStore is an in-memory Store for tests.
type MemoryStore struct {
	mu         sync.Mutex
	identities map[string]domain.Identity
	failing    bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{identities: make(map[string]domain.Identity)}
}

func (s *MemoryStore) SetFailing(failing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = failing
}

func (s *MemoryStore) Upsert(_ context.Context, id domain.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return sentinel.ErrUnavailable
	}
	if _, ok := s.identities[id.ID]; ok {
		return nil
	}
	s.identities[id.ID] = id
	return nil
}

func (s *MemoryStore) AssignDefaultRole(_ context.Context, identityID, role string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return false, sentinel.ErrUnavailable
	}
	id, ok := s.identities[identityID]
	if !ok || id.Role != "" {
		return false, nil
	}
	id.Role = role
	s.identities[identityID] = id
	return true, nil
}

func (s *MemoryStore) Get(_ context.Context, identityID string) (domain.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return domain.Identity{}, sentinel.ErrUnavailable
	}
	id, ok := s.identities[identityID]
	if !ok {
		return domain.Identity{}, sentinel.ErrNotFound
	}
	return id, nil
}
