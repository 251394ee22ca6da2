package health

import "github.com/acme/blast-dispatch/internal/domain"

// Quality score weights and thresholds.
const (
	blockWeight     = 200.0
	reportWeight    = 300.0
	healthyAtLeast  = 70.0
	warningAtLeast  = 40.0
	limitWarnRatio  = 0.8
	limitHighRatio  = 0.9
	limitFullRatio  = 1.0
	limitWarnCost   = 10.0
	limitHighCost   = 15.0
	limitFullCost   = 20.0
	maxQualityScore = 100.0
)

// Derive fills the rates, quality score and status of h from its counters.
// Rates are zero when nothing was sent.
func Derive(h *domain.AccountHealth) {
	h.BlockRate, h.ReportRate, h.FailureRate = 0, 0, 0
	if h.Sent > 0 {
		h.BlockRate = float64(h.Blocked) / float64(h.Sent)
		h.ReportRate = float64(h.Reported) / float64(h.Sent)
	}
	if attempts := h.Sent + h.Failed; attempts > 0 {
		h.FailureRate = float64(h.Failed) / float64(attempts)
	}

	score := maxQualityScore - blockWeight*h.BlockRate - reportWeight*h.ReportRate - limitPenalty(h.Sent, h.MessagesLimit24h)
	if score < 0 {
		score = 0
	}
	if score > maxQualityScore {
		score = maxQualityScore
	}
	h.QualityScore = score
	h.Status = StatusFor(score)
}

// StatusFor buckets a quality score.
func StatusFor(score float64) domain.HealthStatus {
	switch {
	case score >= healthyAtLeast:
		return domain.HealthHealthy
	case score >= warningAtLeast:
		return domain.HealthWarning
	default:
		return domain.HealthCritical
	}
}

func limitPenalty(sent int64, limit int) float64 {
	if limit <= 0 {
		return 0
	}
	used := float64(sent) / float64(limit)
	switch {
	case used >= limitFullRatio:
		return limitFullCost
	case used >= limitHighRatio:
		return limitHighCost
	case used >= limitWarnRatio:
		return limitWarnCost
	default:
		return 0
	}
}
