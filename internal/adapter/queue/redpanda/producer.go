// Package redpanda publishes and consumes dial-trigger messages on a
// Redpanda/Kafka topic. Triggers use the same wire shape as the enqueue API,
// and the orchestrator's idempotency key makes at-least-once delivery safe.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/relayce/outdial/internal/usecase"
)

// Producer publishes dial triggers to a topic.
type Producer struct {
	client *kgo.Client
	topic  string
}

// NewProducer constructs a Producer and ensures the topic exists.
func NewProducer(brokers []string, topic string) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(10),
		kgo.WithHooks(kafkaTracingHooks()...),
	)
	if err != nil {
		return nil, fmt.Errorf("redpanda client: %w", err)
	}
	if err := createTopicIfNotExists(context.Background(), client, topic, 1, 1); err != nil {
		slog.Warn("failed to create topic, it may already exist",
			slog.String("topic", topic),
			slog.Any("error", err))
	}
	return &Producer{client: client, topic: topic}, nil
}

// PublishTrigger publishes one dial trigger. The record key is the campaign
// and account pair so triggers for one account stay ordered.
func (p *Producer) PublishTrigger(ctx context.Context, in usecase.EnqueueInput) error {
	b, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("op=queue.publish_trigger: %w", err)
	}
	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(in.CampaignID + "/" + in.AccountRef),
		Value: b,
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("op=queue.publish_trigger: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (p *Producer) Close() { p.client.Close() }
