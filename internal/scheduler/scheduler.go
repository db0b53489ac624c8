// Package scheduler drives periodic jobs with a cooperative ticker per job.
// Cross-process mutual exclusion is not its concern; jobs that need it (the
// retention purger) hold their own lease.
package scheduler

import (
	"context"
	"log/slog"
	"time"
)

// Job is one unit of periodic work. Run receives the tick time so the job's
// time boundary is fixed at tick, not at first use.
type Job interface {
	Name() string
	Run(ctx context.Context, now time.Time) error
}

// JobFunc adapts a function to the Job interface.
type JobFunc struct {
	JobName string
	Fn      func(ctx context.Context, now time.Time) error
}

func (j JobFunc) Name() string                                 { return j.JobName }
func (j JobFunc) Run(ctx context.Context, now time.Time) error { return j.Fn(ctx, now) }

type entry struct {
	job      Job
	interval time.Duration
}

// Scheduler runs registered jobs on their intervals until its context ends.
type Scheduler struct {
	entries []entry
	logger  *slog.Logger
}

func New(logger *slog.Logger) *Scheduler {
	return &Scheduler{logger: logger}
}

// Register adds a job. Must be called before Run.
func (s *Scheduler) Register(job Job, interval time.Duration) {
	s.entries = append(s.entries, entry{job: job, interval: interval})
}

// Run blocks until ctx is done. Each job ticks independently; a slow run
// delays only its own next tick. Job failures are logged, never fatal: the
// next tick retries.
func (s *Scheduler) Run(ctx context.Context) error {
	done := make(chan struct{}, len(s.entries))
	for _, e := range s.entries {
		go s.loop(ctx, e, done)
	}
	<-ctx.Done()
	for range s.entries {
		<-done
	}
	return ctx.Err()
}

func (s *Scheduler) loop(ctx context.Context, e entry, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := e.job.Run(ctx, now.UTC()); err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.ErrorContext(ctx, "scheduled job failed",
					"job", e.job.Name(), "error", err)
			}
		}
	}
}
