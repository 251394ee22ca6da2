package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/acme/blast-dispatch/internal/domain"
	"github.com/acme/blast-dispatch/internal/repository"
)

// CampaignStatisticsRepository keeps campaign counters in memory.
type CampaignStatisticsRepository struct {
	mu    sync.Mutex
	stats map[uuid.UUID]domain.CampaignCounters
}

// NewCampaignStatisticsRepository constructs an empty repository.
func NewCampaignStatisticsRepository() *CampaignStatisticsRepository {
	return &CampaignStatisticsRepository{stats: make(map[uuid.UUID]domain.CampaignCounters)}
}

func (r *CampaignStatisticsRepository) Ensure(_ context.Context, campaignID uuid.UUID, total int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.stats[campaignID]; !ok {
		r.stats[campaignID] = domain.CampaignCounters{Total: total}
	}
	return nil
}

func (r *CampaignStatisticsRepository) Get(_ context.Context, campaignID uuid.UUID) (domain.CampaignCounters, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.stats[campaignID]
	if !ok {
		return domain.CampaignCounters{}, repository.ErrNotFound
	}
	return c, nil
}

func (r *CampaignStatisticsRepository) ApplyDelta(_ context.Context, campaignID uuid.UUID, delta repository.StatsDelta) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.stats[campaignID]
	if !ok {
		return repository.ErrNotFound
	}
	c.Sent += delta.SentDelta
	c.Failed += delta.FailedDelta
	if !c.Consistent() {
		return fmt.Errorf("campaign stats: apply delta to %s: %w", campaignID, repository.ErrConflict)
	}
	r.stats[campaignID] = c
	return nil
}

func (r *CampaignStatisticsRepository) Delete(_ context.Context, campaignID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.stats, campaignID)
	return nil
}

// Put overwrites the counters of a campaign.
func (r *CampaignStatisticsRepository) Put(campaignID uuid.UUID, counters domain.CampaignCounters) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats[campaignID] = counters
}
