package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/acme/blast-dispatch/internal/domain"
	"github.com/acme/blast-dispatch/internal/repository"
	apperrors "github.com/acme/blast-dispatch/pkg/errors"
	"github.com/acme/blast-dispatch/pkg/logger"
)

// DefaultWindow is the trailing interval health is computed over.
const DefaultWindow = 24 * time.Hour

// LimitResolver reports the 24h message limit applied to an account.
type LimitResolver interface {
	DailyLimit(ctx context.Context, accountID string) (int, error)
}

// Tracker maintains per-account outcome counts over a trailing window of
// hourly buckets. Updates for one account are applied one at a time in the
// order they acquire the account lock; different accounts never contend.
type Tracker struct {
	repo   repository.HealthRepository
	limits LimitResolver
	clock  clockwork.Clock
	window time.Duration
	log    *logger.Logger

	mu       sync.Mutex
	accounts map[string]*accountState
}

type accountState struct {
	mu      sync.Mutex
	loaded  bool
	buckets map[int64]*domain.HealthBucket
}

// NewTracker constructs a tracker. A nil clock uses the wall clock.
func NewTracker(repo repository.HealthRepository, limits LimitResolver, clock clockwork.Clock, window time.Duration, log *logger.Logger) *Tracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if window < time.Hour {
		window = DefaultWindow
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Tracker{
		repo:     repo,
		limits:   limits,
		clock:    clock,
		window:   window.Truncate(time.Hour),
		log:      log.Named("health"),
		accounts: make(map[string]*accountState),
	}
}

// RecordOutcome adds one outcome to the account's current hourly bucket. The
// bucket is persisted before the in-memory view changes.
func (t *Tracker) RecordOutcome(ctx context.Context, accountID string, kind domain.OutcomeKind) error {
	if accountID == "" {
		return fmt.Errorf("%w: account id is required", apperrors.ErrValidation)
	}
	if !kind.Valid() {
		return fmt.Errorf("%w: unknown outcome %q", apperrors.ErrValidation, kind)
	}

	st := t.state(accountID)
	st.mu.Lock()
	defer st.mu.Unlock()

	now := t.clock.Now().UTC()
	if err := t.ensureLoaded(ctx, accountID, st, now); err != nil {
		return err
	}

	hour := now.Truncate(time.Hour)
	if err := t.repo.IncrementBucket(ctx, accountID, hour, kind); err != nil {
		return fmt.Errorf("health: record %s for %s: %w", kind, accountID, err)
	}

	b, ok := st.buckets[hour.Unix()]
	if !ok {
		b = &domain.HealthBucket{AccountID: accountID, HourStart: hour}
		st.buckets[hour.Unix()] = b
	}
	b.Add(kind)
	t.prune(st, now)
	return nil
}

// CurrentHealth derives the account's health over the trailing window.
func (t *Tracker) CurrentHealth(ctx context.Context, accountID string) (domain.AccountHealth, error) {
	st := t.state(accountID)
	st.mu.Lock()
	defer st.mu.Unlock()

	now := t.clock.Now().UTC()
	if err := t.ensureLoaded(ctx, accountID, st, now); err != nil {
		return domain.AccountHealth{}, err
	}
	t.prune(st, now)

	h := domain.AccountHealth{AccountID: accountID, WindowStart: t.windowStart(now)}
	for _, b := range st.buckets {
		h.Sent += b.Sent
		h.Failed += b.Failed
		h.Blocked += b.Blocked
		h.Reported += b.Reported
	}

	if t.limits != nil {
		limit, err := t.limits.DailyLimit(ctx, accountID)
		if err != nil {
			t.log.Warn("health: resolve daily limit", zap.String("account_id", accountID), zap.Error(err))
		} else {
			h.MessagesLimit24h = limit
		}
	}

	Derive(&h)
	return h, nil
}

func (t *Tracker) state(accountID string) *accountState {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.accounts[accountID]
	if !ok {
		st = &accountState{buckets: make(map[int64]*domain.HealthBucket)}
		t.accounts[accountID] = st
	}
	return st
}

// ensureLoaded reads persisted buckets the first time an account is touched
// so restarts keep the window intact.
func (t *Tracker) ensureLoaded(ctx context.Context, accountID string, st *accountState, now time.Time) error {
	if st.loaded {
		return nil
	}
	buckets, err := t.repo.ListBuckets(ctx, accountID, t.windowStart(now))
	if err != nil {
		return fmt.Errorf("health: load buckets for %s: %w", accountID, err)
	}
	for i := range buckets {
		b := buckets[i]
		hour := b.HourStart.UTC().Truncate(time.Hour)
		b.HourStart = hour
		if existing, ok := st.buckets[hour.Unix()]; ok {
			existing.Sent += b.Sent
			existing.Failed += b.Failed
			existing.Blocked += b.Blocked
			existing.Reported += b.Reported
			continue
		}
		st.buckets[hour.Unix()] = &b
	}
	st.loaded = true
	return nil
}

func (t *Tracker) prune(st *accountState, now time.Time) {
	cutoff := t.windowStart(now).Unix()
	for k := range st.buckets {
		if k < cutoff {
			delete(st.buckets, k)
		}
	}
}

// windowStart is the start of the oldest hourly bucket still in the window.
func (t *Tracker) windowStart(now time.Time) time.Time {
	return now.Truncate(time.Hour).Add(-t.window + time.Hour)
}
