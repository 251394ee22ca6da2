// Package memory holds in-process repositories for local development and
// tests. State does not survive a restart.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acme/blast-dispatch/internal/domain"
	"github.com/acme/blast-dispatch/internal/repository"
)

// CampaignRepository implements repository.CampaignRepository in memory.
type CampaignRepository struct {
	mu        sync.RWMutex
	campaigns map[uuid.UUID]*domain.Campaign
}

// NewCampaignRepository constructs an empty repository.
func NewCampaignRepository() *CampaignRepository {
	return &CampaignRepository{campaigns: make(map[uuid.UUID]*domain.Campaign)}
}

func (r *CampaignRepository) Create(_ context.Context, campaign *domain.Campaign) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.campaigns[campaign.ID]; ok {
		return repository.ErrConflict
	}
	r.campaigns[campaign.ID] = cloneCampaign(campaign)
	return nil
}

func (r *CampaignRepository) CreateWithinLimit(_ context.Context, campaign *domain.Campaign, maxActive int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.campaigns[campaign.ID]; ok {
		return repository.ErrConflict
	}
	if maxActive > 0 && r.countActiveLocked(campaign.OrganizationID) >= maxActive {
		return fmt.Errorf("%w: organization %q has %d active campaigns", repository.ErrQuotaExceeded, campaign.OrganizationID, maxActive)
	}
	r.campaigns[campaign.ID] = cloneCampaign(campaign)
	return nil
}

func (r *CampaignRepository) Get(_ context.Context, id uuid.UUID) (*domain.Campaign, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.campaigns[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneCampaign(c), nil
}

func (r *CampaignRepository) Update(_ context.Context, campaign *domain.Campaign) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.campaigns[campaign.ID]
	if !ok {
		return repository.ErrNotFound
	}
	next := cloneCampaign(existing)
	next.Name = campaign.Name
	next.State = campaign.State
	next.StateReason = campaign.StateReason
	next.ScheduledAt = campaign.ScheduledAt
	next.UpdatedAt = campaign.UpdatedAt
	next.StartedAt = campaign.StartedAt
	next.CompletedAt = campaign.CompletedAt
	r.campaigns[campaign.ID] = next
	return nil
}

func (r *CampaignRepository) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.campaigns[id]; !ok {
		return repository.ErrNotFound
	}
	delete(r.campaigns, id)
	return nil
}

func (r *CampaignRepository) List(_ context.Context, filter repository.CampaignFilter) ([]*domain.Campaign, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	return r.collect(limit, func(c *domain.Campaign) bool {
		if filter.OrganizationID != "" && c.OrganizationID != filter.OrganizationID {
			return false
		}
		if filter.AccountID != "" && c.AccountID != filter.AccountID {
			return false
		}
		if filter.State != "" && c.State != filter.State {
			return false
		}
		if filter.AfterID != nil && bytes.Compare(c.ID[:], filter.AfterID[:]) <= 0 {
			return false
		}
		return true
	}), nil
}

func (r *CampaignRepository) ListByState(_ context.Context, state domain.CampaignState, limit int) ([]*domain.Campaign, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.collect(limit, func(c *domain.Campaign) bool { return c.State == state }), nil
}

func (r *CampaignRepository) ListDue(_ context.Context, now time.Time, limit int) ([]*domain.Campaign, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.collect(limit, func(c *domain.Campaign) bool {
		return c.State == domain.CampaignStatePending && c.ScheduledAt != nil && !c.ScheduledAt.After(now)
	}), nil
}

func (r *CampaignRepository) CountActive(_ context.Context, organizationID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.countActiveLocked(organizationID), nil
}

func (r *CampaignRepository) countActiveLocked(organizationID string) int {
	n := 0
	for _, c := range r.campaigns {
		if c.OrganizationID == organizationID && !c.State.Terminal() {
			n++
		}
	}
	return n
}

func (r *CampaignRepository) collect(limit int, keep func(*domain.Campaign) bool) []*domain.Campaign {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.Campaign
	for _, c := range r.campaigns {
		if keep(c) {
			out = append(out, cloneCampaign(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func cloneCampaign(c *domain.Campaign) *domain.Campaign {
	cp := *c
	cp.Recipients = append([]string(nil), c.Recipients...)
	return &cp
}
