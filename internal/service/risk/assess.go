// Package risk scores a campaign before it starts.
package risk

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/acme/blast-dispatch/internal/domain"
)

// Scoring weights and level boundaries.
const (
	mediaPenalty      = 5
	longContentLimit  = 1000
	longContentCost   = 5
	spamSignalCost    = 5
	spamSignalCap     = 15
	poorWindowPenalty = 10
	poorWindowStart   = 22
	poorWindowEnd     = 6
	warningPenalty    = 20
	criticalPenalty   = 40

	mediumFrom   = 25
	highFrom     = 50
	criticalFrom = 75
)

var recipientTiers = []struct {
	upTo  int
	score int
}{
	{50, 0},
	{200, 10},
	{500, 20},
	{1000, 30},
}

const recipientTierMax = 40

var spamPhrases = []string{"free", "winner", "click here", "act now", "limited time", "urgent", "100%"}

// Input carries the snapshots a risk assessment is computed from.
type Input struct {
	AccountID        string
	RecipientCount   int
	Content          string
	HasMedia         bool
	ScheduledAt      *time.Time
	Now              time.Time
	Location         *time.Location
	Health           domain.AccountHealth
	Config           domain.SafetyConfig
	RecommendedDelay time.Duration
}

// Assess scores the input. It reads only the provided snapshots.
func Assess(in Input) domain.RiskAssessment {
	var (
		score   int
		factors []string
	)
	add := func(points int, format string, args ...any) {
		if points <= 0 {
			return
		}
		score += points
		factors = append(factors, fmt.Sprintf(format, args...))
	}

	add(recipientScore(in.RecipientCount), "recipient count %d", in.RecipientCount)

	switch in.Health.Status {
	case domain.HealthCritical:
		add(criticalPenalty, "account health critical (quality %.0f)", in.Health.QualityScore)
	case domain.HealthWarning:
		add(warningPenalty, "account health warning (quality %.0f)", in.Health.QualityScore)
	}

	if in.HasMedia {
		add(mediaPenalty, "message carries media")
	}
	if n := len([]rune(in.Content)); n > longContentLimit {
		add(longContentCost, "message length %d", n)
	}
	if signals := spamSignals(in.Content); signals > 0 {
		points := signals * spamSignalCost
		if points > spamSignalCap {
			points = spamSignalCap
		}
		add(points, "%d spam-like content signals", signals)
	}

	sendAt := in.Now
	if in.ScheduledAt != nil {
		sendAt = *in.ScheduledAt
	}
	if !sendAt.IsZero() && inPoorWindow(sendAt, in.Location) {
		add(poorWindowPenalty, "scheduled in low-engagement hours")
	}

	if score > 100 {
		score = 100
	}

	level := LevelFor(score)
	proceed := level != domain.RiskCritical
	if in.Config.PauseOnHighRisk && level == domain.RiskHigh {
		proceed = false
	}

	return domain.RiskAssessment{
		Level:          level,
		Score:          score,
		Factors:        factors,
		ShouldProceed:  proceed,
		SuggestedDelay: in.RecommendedDelay + in.RecommendedDelay*time.Duration(score)/100,
	}
}

// LevelFor buckets a score: low <25, medium <50, high <75, critical otherwise.
func LevelFor(score int) domain.RiskLevel {
	switch {
	case score >= criticalFrom:
		return domain.RiskCritical
	case score >= highFrom:
		return domain.RiskHigh
	case score >= mediumFrom:
		return domain.RiskMedium
	default:
		return domain.RiskLow
	}
}

func recipientScore(n int) int {
	for _, tier := range recipientTiers {
		if n <= tier.upTo {
			return tier.score
		}
	}
	return recipientTierMax
}

func spamSignals(content string) int {
	lower := strings.ToLower(content)
	signals := 0
	for _, phrase := range spamPhrases {
		if strings.Contains(lower, phrase) {
			signals++
		}
	}
	if strings.Count(content, "!") > 3 {
		signals++
	}
	if strings.Count(lower, "http://")+strings.Count(lower, "https://") > 1 {
		signals++
	}

	var letters, upper int
	for _, r := range content {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		}
	}
	if letters >= 20 && float64(upper)/float64(letters) > 0.5 {
		signals++
	}
	return signals
}

func inPoorWindow(t time.Time, loc *time.Location) bool {
	if loc != nil {
		t = t.In(loc)
	}
	h := t.Hour()
	return h >= poorWindowStart || h < poorWindowEnd
}
