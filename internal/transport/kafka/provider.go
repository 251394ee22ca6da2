// Package kafka hands messages to the delivery gateway through a Kafka topic.
package kafka

import (
	"context"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/acme/blast-dispatch/internal/queue"
	"github.com/acme/blast-dispatch/internal/transport"
)

// Writer is the subset of queue.OutboundWriter the provider needs.
type Writer interface {
	Write(ctx context.Context, msg queue.OutboundMessage) error
}

// Provider treats an acknowledged write as a successful send.
type Provider struct {
	writer Writer
	clock  clockwork.Clock
}

// NewProvider constructs the provider. A nil clock uses wall time.
func NewProvider(writer Writer, clock clockwork.Clock) *Provider {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Provider{writer: writer, clock: clock}
}

// Send publishes the message. Broker errors are retryable.
func (p *Provider) Send(ctx context.Context, msg transport.Message) (transport.Result, error) {
	id := uuid.New()
	err := p.writer.Write(ctx, queue.OutboundMessage{
		MessageID:  id,
		CampaignID: msg.CampaignID,
		TaskID:     msg.TaskID,
		AccountID:  msg.AccountID,
		Recipient:  msg.Recipient,
		Content:    msg.Content,
		MediaURL:   msg.MediaURL,
		Attempt:    msg.Attempt,
		EnqueuedAt: p.clock.Now().UTC(),
	})
	if err != nil {
		return transport.Result{}, &transport.Error{Reason: err.Error(), Retryable: true}
	}
	return transport.Result{ProviderMessageID: id.String()}, nil
}
