package identity

import (
	"context"
	"log/slog"
	"time"

	"medicore/internal/domain"
	"medicore/internal/events"
	"medicore/internal/platform/metrics"
	"medicore/pkg/platform/faults"
)

// Result reports what the assigner did for an identity event.
type Result string

const (
	Assigned        Result = "assigned"
	AlreadyAssigned Result = "already_assigned"
)

// Assigner gives newly created identities the default patient role. The
// write is set-if-absent, so a role granted by an administrator between
// deliveries of the same event is never overwritten.
type Assigner struct {
	store   Store
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewAssigner(store Store, logger *slog.Logger, m *metrics.Metrics) *Assigner {
	return &Assigner{store: store, logger: logger, metrics: m}
}

func (a *Assigner) Assign(ctx context.Context, created events.IdentityCreated, occurredAt time.Time) (Result, error) {
	id := domain.Identity{
		ID:            created.IdentityID,
		Email:         created.Email,
		EmailVerified: created.EmailVerified,
		DisplayName:   created.DisplayName,
		CreatedAt:     occurredAt,
	}
	if err := a.store.Upsert(ctx, id); err != nil {
		return "", faults.Retry("upsert identity", err)
	}

	written, err := a.store.AssignDefaultRole(ctx, created.IdentityID, domain.RolePatient)
	if err != nil {
		return "", faults.Retry("assign default role", err)
	}
	if !written {
		a.logger.Debug("role already assigned", "identity_id", created.IdentityID)
		return AlreadyAssigned, nil
	}

	a.metrics.IncRolesAssigned()
	a.logger.Info("default role assigned",
		"identity_id", created.IdentityID,
		"role", domain.RolePatient)
	return Assigned, nil
}
