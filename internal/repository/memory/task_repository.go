package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/acme/blast-dispatch/internal/domain"
	"github.com/acme/blast-dispatch/internal/repository"
)

// RecipientTaskRepository implements repository.RecipientTaskRepository in memory.
type RecipientTaskRepository struct {
	mu    sync.RWMutex
	tasks map[uuid.UUID]map[uuid.UUID]*domain.RecipientTask
}

// NewRecipientTaskRepository constructs an empty repository.
func NewRecipientTaskRepository() *RecipientTaskRepository {
	return &RecipientTaskRepository{tasks: make(map[uuid.UUID]map[uuid.UUID]*domain.RecipientTask)}
}

func (r *RecipientTaskRepository) BulkInsert(_ context.Context, campaignID uuid.UUID, tasks []*domain.RecipientTask) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	byID, ok := r.tasks[campaignID]
	if !ok {
		byID = make(map[uuid.UUID]*domain.RecipientTask, len(tasks))
		r.tasks[campaignID] = byID
	}
	for _, t := range tasks {
		if _, exists := byID[t.ID]; exists {
			continue
		}
		cp := *t
		cp.CampaignID = campaignID
		byID[t.ID] = &cp
	}
	return nil
}

func (r *RecipientTaskRepository) ListPending(_ context.Context, campaignID uuid.UUID) ([]*domain.RecipientTask, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.RecipientTask
	for _, t := range r.tasks[campaignID] {
		if t.State == domain.TaskStatePending {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (r *RecipientTaskRepository) Update(_ context.Context, task *domain.RecipientTask) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.tasks[task.CampaignID][task.ID]
	if !ok {
		return repository.ErrNotFound
	}
	existing.State = task.State
	existing.Attempts = task.Attempts
	existing.LastOutcome = task.LastOutcome
	existing.LastError = task.LastError
	existing.UpdatedAt = task.UpdatedAt
	return nil
}

func (r *RecipientTaskRepository) CountByState(_ context.Context, campaignID uuid.UUID) (map[domain.TaskState]int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[domain.TaskState]int64)
	for _, t := range r.tasks[campaignID] {
		counts[t.State]++
	}
	return counts, nil
}

func (r *RecipientTaskRepository) DeleteByCampaign(_ context.Context, campaignID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, campaignID)
	return nil
}
