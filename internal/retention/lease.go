package retention

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const leaseKeyPrefix = "purge:lease:"

// releaseScript deletes the lease only while the caller still owns it, so a
// slow run whose lease already expired cannot release its successor's claim.
var releaseScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	end
	return 0
`)

// RedisLease implements Lease with SET NX PX. The TTL bounds how long a
// crashed run can block future runs.
type RedisLease struct {
	client *redis.Client
}

// NewRedisLease constructs a Redis-backed lease.
func NewRedisLease(client *redis.Client) *RedisLease {
	return &RedisLease{client: client}
}

func (l *RedisLease) Acquire(ctx context.Context, collection, owner string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, leaseKeyPrefix+collection, owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire purge lease: %w", err)
	}
	return ok, nil
}

func (l *RedisLease) Release(ctx context.Context, collection, owner string) error {
	if err := releaseScript.Run(ctx, l.client, []string{leaseKeyPrefix + collection}, owner).Err(); err != nil {
		return fmt.Errorf("release purge lease: %w", err)
	}
	return nil
}

// MemoryLease is a process-local lease for tests.
type MemoryLease struct {
	mu     sync.Mutex
	owners map[string]leaseClaim
}

type leaseClaim struct {
	owner   string
	expires time.Time
}

// NewMemoryLease constructs an in-memory lease.
func NewMemoryLease() *MemoryLease {
	return &MemoryLease{owners: make(map[string]leaseClaim)}
}

func (l *MemoryLease) Acquire(_ context.Context, collection, owner string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if claim, ok := l.owners[collection]; ok && time.Now().Before(claim.expires) {
		return false, nil
	}
	l.owners[collection] = leaseClaim{owner: owner, expires: time.Now().Add(ttl)}
	return true, nil
}

func (l *MemoryLease) Release(_ context.Context, collection, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if claim, ok := l.owners[collection]; ok && claim.owner == owner {
		delete(l.owners, collection)
	}
	return nil
}
