package domain

import (
	"fmt"
	"time"

	apperrors "github.com/acme/blast-dispatch/pkg/errors"
)

// SafetyScope identifies who a SafetyConfig override belongs to.
type SafetyScope string

const (
	SafetyScopeAccount      SafetyScope = "account"
	SafetyScopeOrganization SafetyScope = "organization"
)

// Valid reports whether the scope is known.
func (s SafetyScope) Valid() bool {
	return s == SafetyScopeAccount || s == SafetyScopeOrganization
}

// SafetyConfig bounds how fast and how much an account may send.
type SafetyConfig struct {
	DailyLimit            int     `json:"dailyLimit"`
	HourlyLimit           int     `json:"hourlyLimit"`
	MinDelayMs            int64   `json:"minDelayMs"`
	MaxDelayMs            int64   `json:"maxDelayMs"`
	AdaptiveDelay         bool    `json:"adaptiveDelay"`
	MaxFailureRate        float64 `json:"maxFailureRate"`
	PauseOnHighRisk       bool    `json:"pauseOnHighRisk"`
	AutoPause             bool    `json:"autoPause"`
	PauseAccountOnFailure bool    `json:"pauseAccountOnFailure"`
}

// Validate rejects configurations the limiter cannot honour.
func (c SafetyConfig) Validate() error {
	if c.DailyLimit <= 0 || c.HourlyLimit <= 0 {
		return fmt.Errorf("%w: limits must be positive", apperrors.ErrValidation)
	}
	if c.HourlyLimit > c.DailyLimit {
		return fmt.Errorf("%w: hourly limit exceeds daily limit", apperrors.ErrValidation)
	}
	if c.MinDelayMs < 0 || c.MaxDelayMs < c.MinDelayMs {
		return fmt.Errorf("%w: delay bounds invalid", apperrors.ErrValidation)
	}
	if c.MaxFailureRate <= 0 || c.MaxFailureRate > 1 {
		return fmt.Errorf("%w: max failure rate must be in (0,1]", apperrors.ErrValidation)
	}
	return nil
}

// MinDelay returns the lower delay bound as a duration.
func (c SafetyConfig) MinDelay() time.Duration {
	return time.Duration(c.MinDelayMs) * time.Millisecond
}

// MaxDelay returns the upper delay bound as a duration.
func (c SafetyConfig) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelayMs) * time.Millisecond
}
