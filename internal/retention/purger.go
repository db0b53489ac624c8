package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"medicore/internal/platform/metrics"
)

// PurgerConfig bounds a purge run's load on the underlying store.
type PurgerConfig struct {
	BatchSize        int
	LeaseTTL         time.Duration
	DeletesPerSecond float64
}

func (c PurgerConfig) withDefaults() PurgerConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 200
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 15 * time.Minute
	}
	if c.DeletesPerSecond <= 0 {
		c.DeletesPerSecond = 50
	}
	return c
}

// Purger walks the configured policies on each scheduler tick and deletes
// expired entries in resumable, rate-limited batches.
type Purger struct {
	policies []Policy
	lease    Lease
	runs     RunStore
	limiter  *rate.Limiter
	cfg      PurgerConfig
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewPurger constructs a Purger over the given policies.
func NewPurger(policies []Policy, lease Lease, runs RunStore, cfg PurgerConfig, logger *slog.Logger, m *metrics.Metrics) *Purger {
	cfg = cfg.withDefaults()
	return &Purger{
		policies: policies,
		lease:    lease,
		runs:     runs,
		limiter:  rate.NewLimiter(rate.Limit(cfg.DeletesPerSecond), cfg.BatchSize),
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
	}
}

// Run executes one purge pass over all policies. Ticks arriving while a
// collection's run is in progress are no-ops for that collection.
func (p *Purger) Run(ctx context.Context, now time.Time) error {
	for _, policy := range p.policies {
		if err := p.runPolicy(ctx, policy, now); err != nil {
			return fmt.Errorf("purge %s: %w", policy.Name, err)
		}
	}
	return nil
}

func (p *Purger) runPolicy(ctx context.Context, policy Policy, now time.Time) error {
	owner := uuid.NewString()
	acquired, err := p.lease.Acquire(ctx, policy.Name, owner, p.cfg.LeaseTTL)
	if err != nil {
		return err
	}
	if !acquired {
		p.logger.InfoContext(ctx, "purge run already in progress, skipping tick",
			"collection", policy.Name,
		)
		return nil
	}
	defer func() {
		if err := p.lease.Release(context.WithoutCancel(ctx), policy.Name, owner); err != nil {
			p.logger.WarnContext(ctx, "failed to release purge lease",
				"collection", policy.Name, "error", err,
			)
		}
	}()

	// The boundary is computed once and held fixed for the entire run so
	// clock movement between batches never reaches inside the horizon.
	cutoff := now.Add(-policy.Horizon)

	if expired, err := policy.Collection.CountExpired(ctx, cutoff); err == nil {
		p.logger.InfoContext(ctx, "purge run starting",
			"collection", policy.Name,
			"cutoff", cutoff,
			"expired", expired,
		)
	}

	cursor, err := p.runs.LoadCursor(ctx, policy.Name)
	if err != nil {
		return err
	}

	var deleted, skipped int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		items, err := policy.Collection.ListExpired(ctx, cutoff, cursor, p.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			break
		}

		for _, item := range items {
			if err := p.limiter.Wait(ctx); err != nil {
				return err
			}
			if err := policy.Collection.Delete(ctx, item.Key); err != nil {
				// Skip for a later run; the cursor still advances so one
				// stuck item cannot stall the batch.
				skipped++
				p.logger.WarnContext(ctx, "failed to delete expired entry, skipping",
					"collection", policy.Name, "key", item.Key, "error", err,
				)
			} else {
				deleted++
			}
			cursor = Cursor{Timestamp: item.Timestamp, Key: item.Key}
		}

		if err := p.runs.SaveCursor(ctx, policy.Name, cursor); err != nil {
			return err
		}
	}

	if err := p.runs.MarkCompleted(ctx, policy.Name, now, deleted, skipped); err != nil {
		return err
	}
	p.metrics.AddEntriesPurged(float64(deleted))
	p.logger.InfoContext(ctx, "purge run completed",
		"collection", policy.Name,
		"deleted", deleted,
		"skipped", skipped,
	)
	return nil
}
