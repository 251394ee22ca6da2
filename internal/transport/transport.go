// Package transport defines how a message leaves the system.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	apperrors "github.com/acme/blast-dispatch/pkg/errors"
)

// Message is one send to one recipient.
type Message struct {
	CampaignID uuid.UUID
	TaskID     uuid.UUID
	AccountID  string
	Recipient  string
	Content    string
	MediaURL   string
	Attempt    int
}

// Result is returned by a successful send.
type Result struct {
	ProviderMessageID string
}

// Transport delivers messages. Implementations must honour ctx cancellation.
type Transport interface {
	Send(ctx context.Context, msg Message) (Result, error)
}

// Error is a classified send failure.
type Error struct {
	Reason    string
	Retryable bool
	// Blocked marks a recipient-side block of the sending account.
	Blocked bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport: %s", e.Reason)
}

func (e *Error) Unwrap() error {
	return apperrors.ErrTransport
}

// Retryable reports whether err is worth another attempt. Unclassified errors
// and timeouts are retryable; blocks never are.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var terr *Error
	if errors.As(err, &terr) {
		return terr.Retryable && !terr.Blocked
	}
	return !errors.Is(err, context.Canceled)
}

// Blocked reports whether err is a recipient-side block.
func Blocked(err error) bool {
	var terr *Error
	return errors.As(err, &terr) && terr.Blocked
}
