package domain

import (
	"time"

	"github.com/google/uuid"
)

// CampaignState enumerates lifecycle states of a blast campaign.
type CampaignState string

const (
	CampaignStatePending   CampaignState = "pending"
	CampaignStateRunning   CampaignState = "running"
	CampaignStatePaused    CampaignState = "paused"
	CampaignStateCompleted CampaignState = "completed"
	CampaignStateFailed    CampaignState = "failed"
)

// Terminal reports whether no transition may leave the state.
func (s CampaignState) Terminal() bool {
	return s == CampaignStateCompleted || s == CampaignStateFailed
}

// Valid reports whether s is a known campaign state.
func (s CampaignState) Valid() bool {
	switch s {
	case CampaignStatePending, CampaignStateRunning, CampaignStatePaused, CampaignStateCompleted, CampaignStateFailed:
		return true
	}
	return false
}

// Reasons recorded alongside engine-initiated state changes.
const (
	ReasonRiskBlocked = "risk-blocked"
	ReasonAutoPaused  = "auto-paused"
	ReasonAccountHalt = "account-paused"
	ReasonCorrupted   = "corrupted-state"
	ReasonAdminPause  = "admin-paused"
	ReasonAborted     = "aborted"
	ReasonNoDispatch  = "dispatch-unavailable"
)

// Campaign models a bulk send to many recipients through one messaging account.
type Campaign struct {
	ID             uuid.UUID
	OrganizationID string
	AccountID      string
	Name           string
	Content        string
	MediaURL       string
	Recipients     []string
	State          CampaignState
	StateReason    string
	Counters       CampaignCounters
	Safety         SafetyConfig
	ScheduledAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
}

// HasMedia reports whether the campaign carries an attachment.
func (c *Campaign) HasMedia() bool {
	return c.MediaURL != ""
}

// CampaignCounters aggregates per-recipient outcomes.
type CampaignCounters struct {
	Sent   int64
	Failed int64
	Total  int64
}

// Processed is the number of recipients with a terminal outcome.
func (c CampaignCounters) Processed() int64 {
	return c.Sent + c.Failed
}

// Remaining is the number of recipients without a terminal outcome.
func (c CampaignCounters) Remaining() int64 {
	return c.Total - c.Processed()
}

// Consistent reports whether the counters satisfy sent+failed <= total.
func (c CampaignCounters) Consistent() bool {
	return c.Sent >= 0 && c.Failed >= 0 && c.Processed() <= c.Total
}

// TaskState enumerates the per-recipient lifecycle.
type TaskState string

const (
	TaskStatePending TaskState = "pending"
	TaskStateSent    TaskState = "sent"
	TaskStateFailed  TaskState = "failed"
)

// RecipientTask is one send to one recipient within one campaign.
type RecipientTask struct {
	ID          uuid.UUID
	CampaignID  uuid.UUID
	Seq         int
	Recipient   string
	State       TaskState
	Attempts    int
	LastOutcome OutcomeKind
	LastError   *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Progress summarises a campaign for status queries.
type Progress struct {
	CampaignID  uuid.UUID
	State       CampaignState
	StateReason string
	Sent        int64
	Failed      int64
	Total       int64
	Pending     int64
	Percent     float64
}

// NewProgress derives a progress summary from a campaign snapshot.
func NewProgress(c *Campaign) Progress {
	p := Progress{
		CampaignID:  c.ID,
		State:       c.State,
		StateReason: c.StateReason,
		Sent:        c.Counters.Sent,
		Failed:      c.Counters.Failed,
		Total:       c.Counters.Total,
		Pending:     c.Counters.Remaining(),
	}
	if p.Total > 0 {
		p.Percent = float64(c.Counters.Processed()) * 100 / float64(p.Total)
	}
	return p
}

// SendAttempt captures one transport call for the audit log.
type SendAttempt struct {
	ID         uuid.UUID
	CampaignID uuid.UUID
	TaskID     uuid.UUID
	AccountID  string
	Recipient  string
	AttemptNum int
	Outcome    OutcomeKind
	Error      string
	CreatedAt  time.Time
	Duration   time.Duration
}
