package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"medicore/internal/idempotency"
	"medicore/internal/platform/metrics"
	"medicore/pkg/platform/circuit"
	"medicore/pkg/platform/faults"
)

// errCircuitOpen signals that no delivery attempt was made because the
// transport circuit is open. It must not count as delivery exhaustion.
var errCircuitOpen = errors.New("notification transport circuit open")

// DispatcherConfig bounds delivery retries and the transport breaker.
type DispatcherConfig struct {
	MaxAttempts      uint64
	InitialInterval  time.Duration
	MaxInterval      time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 5
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = 250 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 10 * time.Second
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = time.Minute
	}
	return c
}

// Dispatcher delivers notification requests at-least-once. The store row
// keyed by idempotency key plus a send-claim through the idempotency guard
// collapse concurrent dispatches for one key into a single delivery.
type Dispatcher struct {
	store     Store
	transport Transport
	guard     idempotency.Guard
	breaker   *circuit.Breaker
	cfg       DispatcherConfig
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(store Store, transport Transport, guard idempotency.Guard, cfg DispatcherConfig, logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	cfg = cfg.withDefaults()
	return &Dispatcher{
		store:     store,
		transport: transport,
		guard:     guard,
		breaker:   circuit.New(cfg.BreakerThreshold, cfg.BreakerCooldown),
		cfg:       cfg,
		logger:    logger,
		metrics:   m,
	}
}

// Dispatch delivers the request unless its idempotency key was already
// delivered or dead-lettered. Retryable faults mean the request is still
// pending and the triggering event must be redelivered.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) error {
	stored, created, err := d.store.Create(ctx, req)
	if err != nil {
		return faults.Retry("create notification request", err)
	}
	if !created {
		switch stored.State {
		case StateSent:
			// AlreadyDelivered: a previous dispatch for this key succeeded.
			return nil
		case StateDeadLettered:
			// Operator owns it now; redelivery must not resurrect it.
			return nil
		}
		// Pending: fall through and race for the send claim below.
	}

	claimKey := "notify:" + req.IdempotencyKey
	if err := d.guard.Admit(ctx, claimKey); err != nil {
		if faults.Retryable(err) {
			return err
		}
		// Another worker holds the in-flight claim while the row is still
		// pending. The claim holder may yet crash before sending, leaving the
		// request stranded, so the event must not be committed on its word
		// alone: defer, and let redelivery settle once the claim expires or
		// the row reaches sent or dead_lettered.
		return faults.Retry("notification claim held while pending", err)
	}

	attempts := 0
	operation := func() error {
		if !d.breaker.Allow() {
			return errCircuitOpen
		}
		attempts++
		if attempts > 1 {
			d.metrics.IncNotificationRetries()
		}
		if err := d.transport.Send(ctx, stored.Recipient, stored.TemplateID, stored.Payload); err != nil {
			d.breaker.RecordFailure()
			return err
		}
		d.breaker.RecordSuccess()
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.cfg.InitialInterval
	bo.MaxInterval = d.cfg.MaxInterval
	sendErr := backoff.Retry(operation,
		backoff.WithContext(backoff.WithMaxRetries(bo, d.cfg.MaxAttempts-1), ctx))

	if sendErr == nil {
		if err := d.store.MarkSent(ctx, stored.IdempotencyKey, attempts); err != nil {
			// The notification went out; a failed state write only risks one
			// extra delivery attempt, which at-least-once permits.
			d.logger.WarnContext(ctx, "notification sent but state write failed",
				"idempotency_key", stored.IdempotencyKey, "error", err,
			)
		}
		d.metrics.IncNotificationsSent()
		return nil
	}

	// No attempt was made, or shutdown interrupted the attempts: release the
	// claim and let redelivery retry.
	if errors.Is(sendErr, errCircuitOpen) ||
		errors.Is(sendErr, context.Canceled) || errors.Is(sendErr, context.DeadlineExceeded) {
		_ = d.guard.Release(context.WithoutCancel(ctx), claimKey)
		return faults.Retry("notification delivery deferred", sendErr)
	}

	if err := d.store.MarkDeadLettered(ctx, stored.IdempotencyKey, attempts, sendErr.Error()); err != nil {
		_ = d.guard.Release(context.WithoutCancel(ctx), claimKey)
		return faults.Retry("dead-letter notification", err)
	}
	d.metrics.IncNotificationsDeadLettered()
	d.logger.ErrorContext(ctx, "notification delivery exhausted, dead-lettered",
		"idempotency_key", stored.IdempotencyKey,
		"recipient", stored.Recipient,
		"attempts", attempts,
		"error", sendErr,
	)
	return &faults.DeliveryExhaustedError{
		IdempotencyKey: stored.IdempotencyKey,
		Attempts:       attempts,
		Err:            sendErr,
	}
}
