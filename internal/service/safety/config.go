package safety

import (
	"context"
	"errors"
	"fmt"

	"github.com/acme/blast-dispatch/internal/config"
	"github.com/acme/blast-dispatch/internal/domain"
	"github.com/acme/blast-dispatch/internal/repository"
	apperrors "github.com/acme/blast-dispatch/pkg/errors"
)

// ConfigSource names where a resolved SafetyConfig came from.
type ConfigSource string

const (
	SourceAccount      ConfigSource = "account"
	SourceOrganization ConfigSource = "organization"
	SourceDefault      ConfigSource = "default"
)

// ConfigService resolves safety settings: account override, then
// organization override, then deployment defaults.
type ConfigService struct {
	repo     repository.SafetyConfigRepository
	defaults domain.SafetyConfig
}

// NewConfigService constructs the service.
func NewConfigService(repo repository.SafetyConfigRepository, defaults domain.SafetyConfig) *ConfigService {
	return &ConfigService{repo: repo, defaults: defaults}
}

// DefaultsFromConfig converts the deployment defaults.
func DefaultsFromConfig(cfg config.SafetyConfig) domain.SafetyConfig {
	return domain.SafetyConfig{
		DailyLimit:            cfg.DailyLimit,
		HourlyLimit:           cfg.HourlyLimit,
		MinDelayMs:            cfg.MinDelayMs,
		MaxDelayMs:            cfg.MaxDelayMs,
		AdaptiveDelay:         cfg.AdaptiveDelay,
		MaxFailureRate:        cfg.MaxFailureRate,
		PauseOnHighRisk:       cfg.PauseOnHighRisk,
		AutoPause:             cfg.AutoPause,
		PauseAccountOnFailure: cfg.PauseAccountOnFailure,
	}
}

// Defaults returns the deployment defaults.
func (s *ConfigService) Defaults() domain.SafetyConfig {
	return s.defaults
}

// Resolve returns the effective config for an account within an organization.
func (s *ConfigService) Resolve(ctx context.Context, accountID, organizationID string) (domain.SafetyConfig, ConfigSource, error) {
	lookups := []struct {
		scope  domain.SafetyScope
		id     string
		source ConfigSource
	}{
		{domain.SafetyScopeAccount, accountID, SourceAccount},
		{domain.SafetyScopeOrganization, organizationID, SourceOrganization},
	}
	for _, l := range lookups {
		if l.id == "" {
			continue
		}
		cfg, err := s.repo.Get(ctx, l.scope, l.id)
		if err == nil {
			return *cfg, l.source, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return domain.SafetyConfig{}, "", fmt.Errorf("safety config: resolve %s %s: %w", l.scope, l.id, err)
		}
	}
	return s.defaults, SourceDefault, nil
}

// Get returns the override stored for the scope.
func (s *ConfigService) Get(ctx context.Context, scope domain.SafetyScope, id string) (domain.SafetyConfig, error) {
	if err := validateScope(scope, id); err != nil {
		return domain.SafetyConfig{}, err
	}
	cfg, err := s.repo.Get(ctx, scope, id)
	if err != nil {
		return domain.SafetyConfig{}, err
	}
	return *cfg, nil
}

// Set validates and stores an override. Campaigns already created keep their
// snapshot.
func (s *ConfigService) Set(ctx context.Context, scope domain.SafetyScope, id string, cfg domain.SafetyConfig) error {
	if err := validateScope(scope, id); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := s.repo.Upsert(ctx, scope, id, cfg); err != nil {
		return fmt.Errorf("safety config: store %s %s: %w", scope, id, err)
	}
	return nil
}

// Delete removes an override so resolution falls back to the next level.
func (s *ConfigService) Delete(ctx context.Context, scope domain.SafetyScope, id string) error {
	if err := validateScope(scope, id); err != nil {
		return err
	}
	return s.repo.Delete(ctx, scope, id)
}

// DailyLimit reports the 24h limit of an account for health scoring.
func (s *ConfigService) DailyLimit(ctx context.Context, accountID string) (int, error) {
	cfg, _, err := s.Resolve(ctx, accountID, "")
	if err != nil {
		return 0, err
	}
	return cfg.DailyLimit, nil
}

func validateScope(scope domain.SafetyScope, id string) error {
	if !scope.Valid() {
		return fmt.Errorf("%w: unknown scope %q", apperrors.ErrValidation, scope)
	}
	if id == "" {
		return fmt.Errorf("%w: scope id is required", apperrors.ErrValidation)
	}
	return nil
}
