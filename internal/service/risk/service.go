package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/acme/blast-dispatch/internal/domain"
	apperrors "github.com/acme/blast-dispatch/pkg/errors"
)

// HealthSource reports the current health of an account.
type HealthSource interface {
	CurrentHealth(ctx context.Context, accountID string) (domain.AccountHealth, error)
}

// DelayAdvisor recommends the pacing delay for a config and health.
type DelayAdvisor interface {
	RecommendedDelay(cfg domain.SafetyConfig, h domain.AccountHealth) time.Duration
}

// Request describes a real or hypothetical campaign.
type Request struct {
	AccountID      string
	RecipientCount int
	Content        string
	HasMedia       bool
	ScheduledAt    *time.Time
	Config         domain.SafetyConfig
}

// Service gathers the snapshots an assessment needs and runs Assess.
type Service struct {
	health HealthSource
	delay  DelayAdvisor
	clock  clockwork.Clock
	loc    *time.Location
}

// NewService constructs the assessor.
func NewService(health HealthSource, delay DelayAdvisor, clock clockwork.Clock, loc *time.Location) *Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Service{health: health, delay: delay, clock: clock, loc: loc}
}

// Evaluate reads the account's current health and scores the request.
func (s *Service) Evaluate(ctx context.Context, req Request) (domain.RiskAssessment, error) {
	if req.AccountID == "" {
		return domain.RiskAssessment{}, fmt.Errorf("%w: account id is required", apperrors.ErrValidation)
	}
	if req.RecipientCount < 0 {
		return domain.RiskAssessment{}, fmt.Errorf("%w: recipient count must not be negative", apperrors.ErrValidation)
	}

	h, err := s.health.CurrentHealth(ctx, req.AccountID)
	if err != nil {
		return domain.RiskAssessment{}, fmt.Errorf("risk: read health for %s: %w", req.AccountID, err)
	}

	var recommended time.Duration
	if s.delay != nil {
		recommended = s.delay.RecommendedDelay(req.Config, h)
	}

	return Assess(Input{
		AccountID:        req.AccountID,
		RecipientCount:   req.RecipientCount,
		Content:          req.Content,
		HasMedia:         req.HasMedia,
		ScheduledAt:      req.ScheduledAt,
		Now:              s.clock.Now(),
		Location:         s.loc,
		Health:           h,
		Config:           req.Config,
		RecommendedDelay: recommended,
	}), nil
}
