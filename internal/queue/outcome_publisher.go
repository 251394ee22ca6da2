package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// OutcomePublisher publishes send outcome events.
type OutcomePublisher struct {
	writer *kafka.Writer
}

// NewOutcomePublisher constructs a publisher for the given topic.
func NewOutcomePublisher(k *Kafka, topic string) *OutcomePublisher {
	return &OutcomePublisher{writer: k.NewWriter(topic)}
}

// Publish emits an outcome event keyed by campaign.
func (p *OutcomePublisher) Publish(ctx context.Context, evt OutcomeEvent) error {
	value, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("outcome publisher: marshal event: %w", err)
	}
	record := kafka.Message{
		Key:   evt.CampaignID[:],
		Value: value,
		Time:  time.Now().UTC(),
	}
	if err := p.writer.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("outcome publisher: write event: %w", err)
	}
	return nil
}

// Close closes the publisher.
func (p *OutcomePublisher) Close() error {
	return p.writer.Close()
}
