//go:build integration

package idempotency_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"medicore/internal/idempotency"
	"medicore/pkg/platform/sentinel"
	"medicore/pkg/testutil/containers"
)

type RedisGuardSuite struct {
	suite.Suite
	redis *containers.RedisContainer
	guard *idempotency.RedisGuard
}

func TestRedisGuardSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisGuardSuite))
}

func (s *RedisGuardSuite) SetupSuite() {
	s.redis = containers.NewRedisContainer(s.T())
	s.guard = idempotency.NewRedisGuard(s.redis.Client, time.Hour)
}

func (s *RedisGuardSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
}

// TestConcurrentAdmitSingleWinner races many claimants for one event ID
// against a real Redis and expects exactly one winner.
func (s *RedisGuardSuite) TestConcurrentAdmitSingleWinner() {
	ctx := context.Background()
	const goroutines = 50

	var wg sync.WaitGroup
	var winners, duplicates atomic.Int32
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.guard.Admit(ctx, "evt-contested")
			switch {
			case err == nil:
				winners.Add(1)
			case errors.Is(err, sentinel.ErrDuplicate):
				duplicates.Add(1)
			default:
				s.Failf("unexpected admit error", "%v", err)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(1), winners.Load(), "exactly one admit should win")
	s.Equal(int32(goroutines-1), duplicates.Load())
}

// TestReleaseReopensClaim verifies Release makes the event admittable again.
func (s *RedisGuardSuite) TestReleaseReopensClaim() {
	ctx := context.Background()

	s.Require().NoError(s.guard.Admit(ctx, "evt-1"))
	s.Require().ErrorIs(s.guard.Admit(ctx, "evt-1"), sentinel.ErrDuplicate)

	s.Require().NoError(s.guard.Release(ctx, "evt-1"))
	s.NoError(s.guard.Admit(ctx, "evt-1"))
}

// TestWindowExpiry uses a short window and waits it out.
func (s *RedisGuardSuite) TestWindowExpiry() {
	ctx := context.Background()
	guard := idempotency.NewRedisGuard(s.redis.Client, 500*time.Millisecond)

	s.Require().NoError(guard.Admit(ctx, "evt-short"))
	s.Require().ErrorIs(guard.Admit(ctx, "evt-short"), sentinel.ErrDuplicate)

	time.Sleep(700 * time.Millisecond)
	s.NoError(guard.Admit(ctx, "evt-short"), "claim lapses with the window")
}

// TestDistinctEventsDoNotContend admits many distinct event IDs.
func (s *RedisGuardSuite) TestDistinctEventsDoNotContend() {
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		s.NoError(s.guard.Admit(ctx, fmt.Sprintf("evt-%d", i)))
	}
}
