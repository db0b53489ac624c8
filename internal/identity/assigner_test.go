package identity

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medicore/internal/domain"
	"medicore/internal/events"
	"medicore/pkg/platform/faults"
)

func TestAssign_NewIdentityGetsPatientRole(t *testing.T) {
	store := NewMemoryStore()
	a := NewAssigner(store, slog.New(slog.DiscardHandler), nil)
	now := time.Now().UTC()

	res, err := a.Assign(context.Background(), events.IdentityCreated{
		IdentityID:    "uid-1",
		Email:         "ana@hospital.mx",
		EmailVerified: true,
		DisplayName:   "Ana",
	}, now)
	require.NoError(t, err)
	assert.Equal(t, Assigned, res)

	id, err := store.Get(context.Background(), "uid-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RolePatient, id.Role)
	assert.Equal(t, "ana@hospital.mx", id.Email)
	assert.Equal(t, now, id.CreatedAt)
}

func TestAssign_RedeliveryIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	a := NewAssigner(store, slog.New(slog.DiscardHandler), nil)
	created := events.IdentityCreated{IdentityID: "uid-1", Email: "ana@hospital.mx"}
	ctx := context.Background()

	res, err := a.Assign(ctx, created, time.Now())
	require.NoError(t, err)
	assert.Equal(t, Assigned, res)

	res, err = a.Assign(ctx, created, time.Now())
	require.NoError(t, err)
	assert.Equal(t, AlreadyAssigned, res)
}

func TestAssign_NeverOverwritesElevatedRole(t *testing.T) {
	store := NewMemoryStore()
	a := NewAssigner(store, slog.New(slog.DiscardHandler), nil)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, domain.Identity{
		ID:    "uid-admin",
		Email: "root@hospital.mx",
		Role:  domain.RoleAdmin,
	}))

	res, err := a.Assign(ctx, events.IdentityCreated{
		IdentityID: "uid-admin",
		Email:      "root@hospital.mx",
	}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, AlreadyAssigned, res)

	id, err := store.Get(ctx, "uid-admin")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleAdmin, id.Role, "elevated role survives redelivery")
}

func TestAssign_StoreFailureIsRetryable(t *testing.T) {
	store := NewMemoryStore()
	store.SetFailing(true)
	a := NewAssigner(store, slog.New(slog.DiscardHandler), nil)

	_, err := a.Assign(context.Background(), events.IdentityCreated{IdentityID: "uid-1"}, time.Now())
	require.Error(t, err)
	assert.True(t, faults.Retryable(err))
}
