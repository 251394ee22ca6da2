package safety

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/acme/blast-dispatch/internal/domain"
	apperrors "github.com/acme/blast-dispatch/pkg/errors"
	"github.com/acme/blast-dispatch/pkg/logger"
)

// Adaptive delay policy.
const (
	adaptiveThreshold = 70.0
	adaptiveSpan      = 35.0
	failureRateFactor = 1.5
)

// HealthSource reports the current health of an account.
type HealthSource interface {
	CurrentHealth(ctx context.Context, accountID string) (domain.AccountHealth, error)
}

// Slot is a granted reservation. The caller waits Delay before sending.
type Slot struct {
	AccountID string
	Delay     time.Duration
	HourStart time.Time
	DayStart  time.Time
}

// Limiter decides when the next send for an account may happen.
type Limiter struct {
	store  CounterStore
	health HealthSource
	clock  clockwork.Clock
	loc    *time.Location
	log    *logger.Logger

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewLimiter constructs a limiter. Day windows are cut in loc.
func NewLimiter(store CounterStore, health HealthSource, clock clockwork.Clock, loc *time.Location, log *logger.Logger) *Limiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if loc == nil {
		loc = time.UTC
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Limiter{
		store:  store,
		health: health,
		clock:  clock,
		loc:    loc,
		log:    log.Named("limiter"),
		rng:    rand.New(rand.NewSource(clock.Now().UnixNano())),
	}
}

// ReserveSlot takes one send from the account's hour and day quotas and
// returns the delay to wait before sending. A full window yields a
// *QuotaError carrying the rollover time.
func (l *Limiter) ReserveSlot(ctx context.Context, accountID string, cfg domain.SafetyConfig) (Slot, error) {
	if accountID == "" {
		return Slot{}, fmt.Errorf("%w: account id is required", apperrors.ErrValidation)
	}

	now := l.clock.Now()
	w := l.windows(now)

	full, err := l.store.Reserve(ctx, accountID, w, cfg.HourlyLimit, cfg.DailyLimit)
	if err != nil {
		return Slot{}, fmt.Errorf("limiter: reserve for %s: %w", accountID, err)
	}
	switch full {
	case WindowHour:
		return Slot{}, &QuotaError{AccountID: accountID, Window: WindowHour, Limit: cfg.HourlyLimit, RetryAt: w.HourStart.Add(time.Hour)}
	case WindowDay:
		return Slot{}, &QuotaError{AccountID: accountID, Window: WindowDay, Limit: cfg.DailyLimit, RetryAt: nextDay(w.DayStart)}
	}

	var h domain.AccountHealth
	if cfg.AdaptiveDelay && l.health != nil {
		h, err = l.health.CurrentHealth(ctx, accountID)
		if err != nil {
			l.log.Warn("limiter: health unavailable, using base delay", zap.String("account_id", accountID), zap.Error(err))
			h = domain.AccountHealth{QualityScore: 100}
		}
	}

	return Slot{
		AccountID: accountID,
		Delay:     computeDelay(l.uniform(), cfg, h),
		HourStart: w.HourStart,
		DayStart:  w.DayStart,
	}, nil
}

// ReleaseSlot returns a reservation whose send never started.
func (l *Limiter) ReleaseSlot(ctx context.Context, slot Slot) error {
	if err := l.store.Release(ctx, slot.AccountID, Windows{HourStart: slot.HourStart, DayStart: slot.DayStart}); err != nil {
		return fmt.Errorf("limiter: release for %s: %w", slot.AccountID, err)
	}
	return nil
}

// Usage reports the account's counts in the current windows.
func (l *Limiter) Usage(ctx context.Context, accountID string) (Usage, error) {
	u, err := l.store.Usage(ctx, accountID, l.windows(l.clock.Now()))
	if err != nil {
		return Usage{}, fmt.Errorf("limiter: usage for %s: %w", accountID, err)
	}
	return u, nil
}

// RecommendedDelay is the midpoint delay for the config, scaled by health.
func (l *Limiter) RecommendedDelay(cfg domain.SafetyConfig, h domain.AccountHealth) time.Duration {
	return computeDelay(0.5, cfg, h)
}

func (l *Limiter) windows(now time.Time) Windows {
	local := now.In(l.loc)
	return Windows{
		HourStart: time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), 0, 0, 0, l.loc),
		DayStart:  time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, l.loc),
	}
}

func (l *Limiter) uniform() float64 {
	l.rngMu.Lock()
	defer l.rngMu.Unlock()
	return l.rng.Float64()
}

func nextDay(dayStart time.Time) time.Time {
	return time.Date(dayStart.Year(), dayStart.Month(), dayStart.Day()+1, 0, 0, 0, 0, dayStart.Location())
}

// computeDelay maps u in [0,1) onto [min,max] and applies the adaptive factor.
func computeDelay(u float64, cfg domain.SafetyConfig, h domain.AccountHealth) time.Duration {
	lo, hi := cfg.MinDelay(), cfg.MaxDelay()
	if hi < lo {
		hi = lo
	}
	base := lo + time.Duration(u*float64(hi-lo))
	if !cfg.AdaptiveDelay {
		return base
	}
	return time.Duration(float64(base) * AdaptiveFactor(cfg, h))
}

// AdaptiveFactor grows as quality falls below the healthy threshold, and again
// when the window failure rate exceeds the configured maximum.
func AdaptiveFactor(cfg domain.SafetyConfig, h domain.AccountHealth) float64 {
	factor := 1.0
	if h.QualityScore < adaptiveThreshold {
		factor += (adaptiveThreshold - h.QualityScore) / adaptiveSpan
	}
	if cfg.MaxFailureRate > 0 && h.FailureRate > cfg.MaxFailureRate {
		factor *= failureRateFactor
	}
	return factor
}
