package redpanda

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/relayce/outdial/internal/adapter/observability"
	"github.com/relayce/outdial/internal/domain"
	"github.com/relayce/outdial/internal/usecase"
)

// TriggerConsumer drains dial triggers from the topic into the job queue.
// Offsets commit only after a poll batch lands in the store, so a crash
// replays triggers; the idempotency key collapses the duplicates.
type TriggerConsumer struct {
	client  *kgo.Client
	jobs    usecase.JobService
	topic   string
	groupID string
	logger  *slog.Logger
}

// NewTriggerConsumer constructs a consumer group member for the topic.
func NewTriggerConsumer(brokers []string, topic, groupID string, jobs usecase.JobService, logger *slog.Logger) (*TriggerConsumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	if groupID == "" {
		return nil, fmt.Errorf("missing required group ID")
	}
	if logger == nil {
		logger = slog.Default()
	}

	tempClient, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("temp client: %w", err)
	}
	if err := createTopicIfNotExists(context.Background(), tempClient, topic, 1, 1); err != nil {
		logger.Warn("failed to create topic, it may already exist",
			slog.String("topic", topic),
			slog.Any("error", err))
	}
	tempClient.Close()

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topic),
		kgo.FetchMaxWait(2*time.Second),
		kgo.DisableAutoCommit(),
		kgo.WithHooks(kafkaTracingHooks()...),
	)
	if err != nil {
		return nil, fmt.Errorf("redpanda consumer: %w", err)
	}
	return &TriggerConsumer{client: client, jobs: jobs, topic: topic, groupID: groupID, logger: logger}, nil
}

// Run polls until the context is canceled.
func (c *TriggerConsumer) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0

	c.logger.Info("trigger consumer starting",
		slog.String("topic", c.topic),
		slog.String("group_id", c.groupID))

	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, fe := range errs {
				c.logger.Error("trigger fetch error",
					slog.String("topic", fe.Topic),
					slog.Any("error", fe.Err))
			}
			select {
			case <-time.After(bo.NextBackOff()):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		bo.Reset()

		ok := true
		fetches.EachRecord(func(record *kgo.Record) {
			if !c.processRecord(ctx, record) {
				ok = false
			}
		})
		if !ok {
			// Skip the commit so the failed batch redelivers.
			continue
		}
		if err := c.client.CommitUncommittedOffsets(ctx); err != nil {
			c.logger.Error("offset commit failed", slog.Any("error", err))
		}
	}
}

// processRecord enqueues one trigger. Malformed or invalid triggers are
// dropped; only store failures report false for redelivery.
func (c *TriggerConsumer) processRecord(ctx context.Context, record *kgo.Record) bool {
	var in usecase.EnqueueInput
	if err := json.Unmarshal(record.Value, &in); err != nil {
		c.logger.Warn("dropping malformed trigger",
			slog.String("topic", record.Topic),
			slog.Int64("offset", record.Offset),
			slog.Any("error", err))
		return true
	}

	job, created, err := c.jobs.Enqueue(ctx, in)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidArgument) {
			c.logger.Warn("dropping invalid trigger",
				slog.String("account_ref", in.AccountRef),
				slog.Any("error", err))
			return true
		}
		c.logger.Error("trigger enqueue failed",
			slog.String("account_ref", in.AccountRef),
			slog.Any("error", err))
		return false
	}

	if created {
		observability.JobsEnqueuedTotal.WithLabelValues(string(job.TriggerSource)).Inc()
	}
	c.logger.Info("trigger enqueued",
		slog.String("job_id", job.JobID),
		slog.String("campaign_id", job.CampaignID),
		slog.Bool("created", created))
	return true
}

// Close releases the underlying client.
func (c *TriggerConsumer) Close() { c.client.Close() }
