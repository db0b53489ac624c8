package idempotency

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"

	"medicore/pkg/platform/faults"
	"medicore/pkg/platform/sentinel"
)

var admitDurationMs = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "medicore_idempotency_admit_duration_ms",
	Help:    "Latency of idempotency admission checks in milliseconds",
	Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 25},
})

const claimKeyPrefix = "dedup:evt:"

// RedisGuard is the production guard for distributed workers. SET NX gives
// compare-and-set semantics: under concurrent Admit calls for one event ID,
// Redis hands the claim to exactly one caller.
type RedisGuard struct {
	client *redis.Client
	window time.Duration
}

// NewRedisGuard constructs a Redis-backed guard. window bounds how long a
// claim is remembered; it must comfortably exceed the broker's redelivery
// horizon.
func NewRedisGuard(client *redis.Client, window time.Duration) *RedisGuard {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &RedisGuard{client: client, window: window}
}

// Admit claims the event ID via SET NX.
func (g *RedisGuard) Admit(ctx context.Context, eventID string) error {
	start := time.Now()
	defer func() {
		admitDurationMs.Observe(float64(time.Since(start).Microseconds()) / 1000.0)
	}()

	ok, err := g.client.SetNX(ctx, claimKeyPrefix+eventID, time.Now().UTC().Format(time.RFC3339), g.window).Result()
	if err != nil {
		return faults.Retry("idempotency admit", err)
	}
	if !ok {
		return sentinel.ErrDuplicate
	}
	return nil
}

// Release drops the claim so a redelivered event can be admitted again.
func (g *RedisGuard) Release(ctx context.Context, eventID string) error {
	if err := g.client.Del(ctx, claimKeyPrefix+eventID).Err(); err != nil {
		return faults.Retry("idempotency release", err)
	}
	return nil
}
