package domain

import "time"

// OutcomeKind classifies what happened to one send.
type OutcomeKind string

const (
	OutcomeSent     OutcomeKind = "sent"
	OutcomeFailed   OutcomeKind = "failed"
	OutcomeBlocked  OutcomeKind = "blocked"
	OutcomeReported OutcomeKind = "reported"
)

// Valid reports whether the outcome is known.
func (k OutcomeKind) Valid() bool {
	switch k {
	case OutcomeSent, OutcomeFailed, OutcomeBlocked, OutcomeReported:
		return true
	}
	return false
}

// HealthStatus buckets the quality score.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthWarning  HealthStatus = "warning"
	HealthCritical HealthStatus = "critical"
)

// HealthBucket holds one hour of outcome counts for an account.
type HealthBucket struct {
	AccountID string
	HourStart time.Time
	Sent      int64
	Failed    int64
	Blocked   int64
	Reported  int64
}

// Add increments the counter matching the outcome. A block is also a
// delivered attempt, so it counts as sent.
func (b *HealthBucket) Add(kind OutcomeKind) {
	switch kind {
	case OutcomeSent:
		b.Sent++
	case OutcomeFailed:
		b.Failed++
	case OutcomeBlocked:
		b.Sent++
		b.Blocked++
	case OutcomeReported:
		b.Reported++
	}
}

// AccountHealth is the derived health of a messaging account over the
// trailing window.
type AccountHealth struct {
	AccountID        string
	WindowStart      time.Time
	Sent             int64
	Failed           int64
	Blocked          int64
	Reported         int64
	MessagesLimit24h int
	BlockRate        float64
	ReportRate       float64
	FailureRate      float64
	QualityScore     float64
	Status           HealthStatus
}
