package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// OutboundWriter publishes messages for the delivery gateway.
type OutboundWriter struct {
	writer *kafka.Writer
}

// NewOutboundWriter constructs a writer for the given topic.
func NewOutboundWriter(k *Kafka, topic string) *OutboundWriter {
	return &OutboundWriter{writer: k.NewWriter(topic)}
}

// Write sends one message keyed by account so each account's sends stay ordered.
func (w *OutboundWriter) Write(ctx context.Context, msg OutboundMessage) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("outbound writer: marshal message: %w", err)
	}

	record := kafka.Message{
		Key:   []byte(msg.AccountID),
		Value: value,
		Time:  time.Now().UTC(),
	}

	if err := w.writer.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("outbound writer: write message: %w", err)
	}
	return nil
}

// Close closes the underlying writer.
func (w *OutboundWriter) Close() error {
	return w.writer.Close()
}
