package campaign

import "github.com/acme/blast-dispatch/internal/domain"

// minAutoPauseSample is the number of processed recipients below which the
// failure rate is not trusted.
const minAutoPauseSample = 10

// ShouldAutoPause reports whether the campaign must pause after recording an
// outcome of the given kind. It holds when the failure rate so far exceeds the
// configured maximum and the outcome was not a success: a success never raises
// the rate, and a campaign resumed above the limit keeps running until it
// fails again.
func ShouldAutoPause(c *domain.Campaign, cfg domain.SafetyConfig, last domain.OutcomeKind) bool {
	if !cfg.AutoPause || cfg.MaxFailureRate <= 0 {
		return false
	}
	if last == domain.OutcomeSent {
		return false
	}
	processed := c.Counters.Processed()
	if processed < minAutoPauseSample {
		return false
	}
	return float64(c.Counters.Failed)/float64(processed) > cfg.MaxFailureRate
}

// failureRate is the failed share of processed recipients.
func failureRate(c domain.CampaignCounters) float64 {
	if c.Processed() == 0 {
		return 0
	}
	return float64(c.Failed) / float64(c.Processed())
}
