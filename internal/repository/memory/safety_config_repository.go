package memory

import (
	"context"
	"sync"

	"github.com/acme/blast-dispatch/internal/domain"
	"github.com/acme/blast-dispatch/internal/repository"
)

type scopeKey struct {
	scope domain.SafetyScope
	id    string
}

// SafetyConfigRepository keeps safety overrides in memory.
type SafetyConfigRepository struct {
	mu      sync.RWMutex
	configs map[scopeKey]domain.SafetyConfig
}

// NewSafetyConfigRepository constructs an empty repository.
func NewSafetyConfigRepository() *SafetyConfigRepository {
	return &SafetyConfigRepository{configs: make(map[scopeKey]domain.SafetyConfig)}
}

func (r *SafetyConfigRepository) Get(_ context.Context, scope domain.SafetyScope, id string) (*domain.SafetyConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.configs[scopeKey{scope, id}]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &cfg, nil
}

func (r *SafetyConfigRepository) Upsert(_ context.Context, scope domain.SafetyScope, id string, cfg domain.SafetyConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[scopeKey{scope, id}] = cfg
	return nil
}

func (r *SafetyConfigRepository) Delete(_ context.Context, scope domain.SafetyScope, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := scopeKey{scope, id}
	if _, ok := r.configs[k]; !ok {
		return repository.ErrNotFound
	}
	delete(r.configs, k)
	return nil
}
