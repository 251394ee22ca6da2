package domain

import "time"

// RiskLevel buckets a risk score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// RiskAssessment is the pre-flight verdict for a campaign. It is computed on
// demand and never stored.
type RiskAssessment struct {
	Level          RiskLevel
	Score          int
	Factors        []string
	ShouldProceed  bool
	SuggestedDelay time.Duration
}
