// Package consumer runs the Kafka poll/commit loop. Commits are explicit:
// a record is committed only after its handler consumed it, so retryable
// handler failures retry in place and survive restarts via redelivery.
package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"medicore/pkg/platform/faults"
)

// Message is one inbound Kafka record.
type Message struct {
	Topic     string
	Key       []byte
	Value     []byte
	Partition int32
	Offset    int64
	Timestamp time.Time
}

// Handler handles messages from a specific topic.
type Handler interface {
	Handle(ctx context.Context, msg *Message) error
}

// Config wires the consumer group.
type Config struct {
	Brokers []string
	Group   string
	Topics  []string

	// RetryBackoff paces in-place retries of a retryable handler failure.
	RetryBackoff time.Duration
}

// Consumer polls the configured topics and feeds records to the handler.
type Consumer struct {
	client       *kgo.Client
	handler      Handler
	logger       *slog.Logger
	retryBackoff time.Duration
}

func New(cfg Config, handler Handler, logger *slog.Logger) (*Consumer, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.DisableAutoCommit(),
		kgo.FetchMaxWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer client: %w", err)
	}
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = 2 * time.Second
	}
	return &Consumer{
		client:       client,
		handler:      handler,
		logger:       logger,
		retryBackoff: backoff,
	}, nil
}

// Run polls until ctx is done. Records are handled in partition order; a
// retryable failure blocks its partition's progress, which is exactly the
// redelivery semantics the pipeline relies on.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.client.Close()
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.ErrorContext(ctx, "kafka fetch error",
				"topic", topic, "partition", partition, "error", err)
		})

		var failed bool
		fetches.EachRecord(func(rec *kgo.Record) {
			if failed {
				return
			}
			if err := c.consume(ctx, rec); err != nil {
				// Stop the batch; uncommitted records redeliver.
				failed = true
			}
		})
		if failed && ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// consume drives one record to completion, retrying in place while the
// handler reports retryable failures.
func (c *Consumer) consume(ctx context.Context, rec *kgo.Record) error {
	msg := &Message{
		Topic:     rec.Topic,
		Key:       rec.Key,
		Value:     rec.Value,
		Partition: rec.Partition,
		Offset:    rec.Offset,
		Timestamp: rec.Timestamp,
	}
	for {
		err := c.handler.Handle(ctx, msg)
		if err == nil {
			break
		}
		if !faults.Retryable(err) {
			c.logger.ErrorContext(ctx, "handler rejected message, committing to avoid poison loop",
				"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset,
				"error", err)
			break
		}
		c.logger.WarnContext(ctx, "retryable handler failure, retrying in place",
			"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset,
			"error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.retryBackoff):
		}
	}
	if err := c.client.CommitRecords(ctx, rec); err != nil {
		c.logger.ErrorContext(ctx, "commit failed, record will redeliver",
			"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset,
			"error", err)
		return err
	}
	return nil
}
