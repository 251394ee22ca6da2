package safety

import (
	"context"
	"sync"
	"time"
)

// Windows identifies the quota intervals a reservation falls into.
type Windows struct {
	HourStart time.Time
	DayStart  time.Time
}

// Usage reports the counts of the current quota windows.
type Usage struct {
	AccountID string    `json:"accountId"`
	HourStart time.Time `json:"hourStart"`
	HourCount int       `json:"hourCount"`
	DayStart  time.Time `json:"dayStart"`
	DayCount  int       `json:"dayCount"`
}

// CounterStore keeps per-account hour and day counters. Counters are keyed by
// window start, so a window that has rolled over reads as empty without any
// reset step.
type CounterStore interface {
	// Reserve increments both windows when both are below their limits. It
	// returns the window that is full, or "" when the reservation was taken.
	Reserve(ctx context.Context, accountID string, w Windows, hourLimit, dayLimit int) (Window, error)
	Release(ctx context.Context, accountID string, w Windows) error
	Usage(ctx context.Context, accountID string, w Windows) (Usage, error)
}

// MemoryCounterStore is a process-local CounterStore with one lock per account.
type MemoryCounterStore struct {
	mu       sync.Mutex
	accounts map[string]*memoryCounter
}

type memoryCounter struct {
	mu        sync.Mutex
	hourStart time.Time
	hourCount int
	dayStart  time.Time
	dayCount  int
}

// NewMemoryCounterStore constructs an empty store.
func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{accounts: make(map[string]*memoryCounter)}
}

func (s *MemoryCounterStore) Reserve(_ context.Context, accountID string, w Windows, hourLimit, dayLimit int) (Window, error) {
	c := s.counter(accountID)
	c.mu.Lock()
	defer c.mu.Unlock()

	c.roll(w)
	if c.hourCount >= hourLimit {
		return WindowHour, nil
	}
	if c.dayCount >= dayLimit {
		return WindowDay, nil
	}
	c.hourCount++
	c.dayCount++
	return "", nil
}

func (s *MemoryCounterStore) Release(_ context.Context, accountID string, w Windows) error {
	c := s.counter(accountID)
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.hourStart.Equal(w.HourStart) && c.hourCount > 0 {
		c.hourCount--
	}
	if c.dayStart.Equal(w.DayStart) && c.dayCount > 0 {
		c.dayCount--
	}
	return nil
}

func (s *MemoryCounterStore) Usage(_ context.Context, accountID string, w Windows) (Usage, error) {
	c := s.counter(accountID)
	c.mu.Lock()
	defer c.mu.Unlock()

	c.roll(w)
	return Usage{
		AccountID: accountID,
		HourStart: w.HourStart,
		HourCount: c.hourCount,
		DayStart:  w.DayStart,
		DayCount:  c.dayCount,
	}, nil
}

func (s *MemoryCounterStore) counter(accountID string) *memoryCounter {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.accounts[accountID]
	if !ok {
		c = &memoryCounter{}
		s.accounts[accountID] = c
	}
	return c
}

// roll zeroes any counter whose stored window start differs from the current one.
func (c *memoryCounter) roll(w Windows) {
	if !c.hourStart.Equal(w.HourStart) {
		c.hourStart = w.HourStart
		c.hourCount = 0
	}
	if !c.dayStart.Equal(w.DayStart) {
		c.dayStart = w.DayStart
		c.dayCount = 0
	}
}
