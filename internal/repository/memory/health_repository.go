package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/acme/blast-dispatch/internal/domain"
)

type bucketKey struct {
	account string
	hour    int64
}

// HealthRepository keeps hourly outcome buckets in memory.
type HealthRepository struct {
	mu      sync.Mutex
	buckets map[bucketKey]*domain.HealthBucket
}

// NewHealthRepository constructs an empty repository.
func NewHealthRepository() *HealthRepository {
	return &HealthRepository{buckets: make(map[bucketKey]*domain.HealthBucket)}
}

func (r *HealthRepository) ListBuckets(_ context.Context, accountID string, since time.Time) ([]domain.HealthBucket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.HealthBucket
	for k, b := range r.buckets {
		if k.account == accountID && !b.HourStart.Before(since) {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HourStart.Before(out[j].HourStart) })
	return out, nil
}

func (r *HealthRepository) IncrementBucket(_ context.Context, accountID string, hourStart time.Time, kind domain.OutcomeKind) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := bucketKey{account: accountID, hour: hourStart.Unix()}
	b, ok := r.buckets[k]
	if !ok {
		b = &domain.HealthBucket{AccountID: accountID, HourStart: hourStart.UTC()}
		r.buckets[k] = b
	}
	b.Add(kind)
	return nil
}
