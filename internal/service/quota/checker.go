// Package quota answers whether an organization may create more campaigns.
package quota

import (
	"context"
	"fmt"

	apperrors "github.com/acme/blast-dispatch/pkg/errors"
)

// ActiveCounter counts an organization's non-terminal campaigns.
type ActiveCounter interface {
	CountActive(ctx context.Context, organizationID string) (int, error)
}

// Checker caps the number of concurrently active campaigns per organization.
type Checker struct {
	campaigns ActiveCounter
	maxActive int
}

// NewChecker constructs a checker. maxActive <= 0 disables the cap.
func NewChecker(campaigns ActiveCounter, maxActive int) *Checker {
	return &Checker{campaigns: campaigns, maxActive: maxActive}
}

// MaxActive returns the configured cap; zero or less means unlimited.
func (c *Checker) MaxActive() int {
	return c.maxActive
}

// CheckCampaignQuota returns an error wrapping ErrQuotaExceeded when the
// organization already has the maximum number of active campaigns.
func (c *Checker) CheckCampaignQuota(ctx context.Context, organizationID string) error {
	if c.maxActive <= 0 {
		return nil
	}
	active, err := c.campaigns.CountActive(ctx, organizationID)
	if err != nil {
		return fmt.Errorf("quota: count active campaigns: %w", err)
	}
	if active >= c.maxActive {
		return fmt.Errorf("%w: organization %q has %d active campaigns (max %d)",
			apperrors.ErrQuotaExceeded, organizationID, active, c.maxActive)
	}
	return nil
}
