package domain

import (
	"fmt"
	"time"

	apperrors "github.com/acme/blast-dispatch/pkg/errors"
)

var transitions = map[CampaignState][]CampaignState{
	CampaignStatePending: {CampaignStateRunning, CampaignStateFailed},
	CampaignStateRunning: {CampaignStatePaused, CampaignStateCompleted, CampaignStateFailed},
	CampaignStatePaused:  {CampaignStateRunning, CampaignStateFailed},
}

// CanTransition reports whether the lifecycle table allows from -> to.
func CanTransition(from, to CampaignState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionError is returned for a state change outside the lifecycle table.
type TransitionError struct {
	From CampaignState
	To   CampaignState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("campaign cannot move from %s to %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return apperrors.ErrInvalidTransition
}

// Transition moves the campaign to the target state, stamping the lifecycle
// timestamps. The campaign is left untouched when the move is not allowed.
func (c *Campaign) Transition(to CampaignState, reason string, now time.Time) error {
	if !CanTransition(c.State, to) {
		return &TransitionError{From: c.State, To: to}
	}
	c.State = to
	c.StateReason = reason
	c.UpdatedAt = now
	switch to {
	case CampaignStateRunning:
		if c.StartedAt == nil {
			started := now
			c.StartedAt = &started
		}
	case CampaignStateCompleted, CampaignStateFailed:
		done := now
		c.CompletedAt = &done
	}
	return nil
}
