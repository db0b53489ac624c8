// Package circuit provides a small circuit breaker guarding calls to flaky
// external dependencies. When the dependency is unhealthy the circuit opens
// and callers fail fast instead of piling retries onto an outage.
package circuit

import (
	"sync"
	"time"
)

// Breaker tracks consecutive failures against a threshold. While open, Allow
// returns false until the cooldown expires; the first caller after cooldown
// is let through half-open to probe the dependency.
type Breaker struct {
	mu sync.RWMutex

	threshold int
	cooldown  time.Duration

	failures  int
	openUntil time.Time
	isOpen    bool
}

// New creates a breaker. threshold is the number of consecutive failures that
// opens the circuit; cooldown is how long it stays open.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = time.Minute
	}
	return &Breaker{threshold: threshold, cooldown: cooldown}
}

// Allow reports whether a call may proceed.
func (b *Breaker) Allow() bool {
	b.mu.RLock()
	if !b.isOpen {
		b.mu.RUnlock()
		return true
	}
	expired := time.Now().After(b.openUntil)
	b.mu.RUnlock()

	if !expired {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	// Re-check under the write lock; another goroutine may have probed first.
	if b.isOpen && time.Now().After(b.openUntil) {
		b.isOpen = false
		b.failures = 0
	}
	return !b.isOpen
}

// RecordSuccess closes the circuit and clears the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.isOpen = false
}

// RecordFailure counts a failure, opening the circuit at the threshold.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures >= b.threshold {
		b.isOpen = true
		b.openUntil = time.Now().Add(b.cooldown)
	}
}

// IsOpen reports whether the circuit is currently open.
func (b *Breaker) IsOpen() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.isOpen
}
