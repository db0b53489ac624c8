package idempotency

import (
	"context"
	"sync"
	"time"

	"medicore/pkg/platform/sentinel"
)

// MemoryGuard is a process-local guard for tests and single-instance runs.
type MemoryGuard struct {
	mu     sync.Mutex
	claims map[string]time.Time
	window time.Duration
}

// NewMemoryGuard constructs an in-memory guard.
func NewMemoryGuard(window time.Duration) *MemoryGuard {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &MemoryGuard{claims: make(map[string]time.Time), window: window}
}

func (g *MemoryGuard) Admit(_ context.Context, eventID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if at, ok := g.claims[eventID]; ok && time.Since(at) < g.window {
		return sentinel.ErrDuplicate
	}
	g.claims[eventID] = time.Now()
	return nil
}

func (g *MemoryGuard) Release(_ context.Context, eventID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.claims, eventID)
	return nil
}
