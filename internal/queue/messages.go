package queue

import (
	"time"

	"github.com/google/uuid"
)

// OutboundMessage is handed to the messaging gateway for delivery.
type OutboundMessage struct {
	MessageID  uuid.UUID `json:"message_id"`
	CampaignID uuid.UUID `json:"campaign_id"`
	TaskID     uuid.UUID `json:"task_id"`
	AccountID  string    `json:"account_id"`
	Recipient  string    `json:"recipient"`
	Content    string    `json:"content"`
	MediaURL   string    `json:"media_url,omitempty"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// OutcomeEvent records the result of one send attempt.
type OutcomeEvent struct {
	EventID    uuid.UUID `json:"event_id"`
	CampaignID uuid.UUID `json:"campaign_id"`
	TaskID     uuid.UUID `json:"task_id"`
	AccountID  string    `json:"account_id"`
	Recipient  string    `json:"recipient"`
	Attempt    int       `json:"attempt"`
	Outcome    string    `json:"outcome"`
	Final      bool      `json:"final"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	OccurredAt time.Time `json:"occurred_at"`
}
