package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/blast-dispatch/internal/domain"
	"github.com/acme/blast-dispatch/internal/queue"
	"github.com/acme/blast-dispatch/internal/service/safety"
	"github.com/acme/blast-dispatch/internal/transport"
	apperrors "github.com/acme/blast-dispatch/pkg/errors"
)

type stubLimiter struct {
	mu       sync.Mutex
	quotaFor int
	reserved int
	released int
}

func (s *stubLimiter) ReserveSlot(_ context.Context, accountID string, _ domain.SafetyConfig) (safety.Slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.quotaFor > 0 {
		s.quotaFor--
		return safety.Slot{}, &safety.QuotaError{
			AccountID: accountID,
			Window:    safety.WindowHour,
			Limit:     1,
			RetryAt:   time.Now().Add(20 * time.Millisecond),
		}
	}
	s.reserved++
	return safety.Slot{AccountID: accountID}, nil
}

func (s *stubLimiter) ReleaseSlot(context.Context, safety.Slot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released++
	return nil
}

type sendFunc func(ctx context.Context, msg transport.Message) (transport.Result, error)

func (f sendFunc) Send(ctx context.Context, msg transport.Message) (transport.Result, error) {
	return f(ctx, msg)
}

type recorder struct {
	mu      sync.Mutex
	results []Result
	health  []domain.OutcomeKind
	events  []queue.OutcomeEvent
	done    chan struct{}
	want    int
}

func newRecorder(want int) *recorder {
	return &recorder{done: make(chan struct{}), want: want}
}

func (r *recorder) RecordResult(_ context.Context, res Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
	if len(r.results) == r.want {
		close(r.done)
	}
	return nil
}

func (r *recorder) RecordOutcome(_ context.Context, _ string, kind domain.OutcomeKind) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.health = append(r.health, kind)
	return nil
}

func (r *recorder) Publish(_ context.Context, evt queue.OutcomeEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func (r *recorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		r.mu.Lock()
		defer r.mu.Unlock()
		t.Fatalf("timed out with %d of %d results", len(r.results), r.want)
	}
}

func (r *recorder) snapshot() []Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Result(nil), r.results...)
}

func newTestPool(t *testing.T, limiter SlotReserver, tr transport.Transport, rec *recorder) *Pool {
	t.Helper()
	pool := NewPool(Config{WorkersPerAccount: 1, MaxAttempts: 3, SendTimeout: time.Second}, Deps{
		Limiter:   limiter,
		Transport: tr,
		Health:    rec,
		Publisher: rec,
	})
	pool.SetReporter(rec)
	t.Cleanup(pool.Close)
	return pool
}

func newJob(account string, recipients ...string) Job {
	id := uuid.New()
	tasks := make([]*domain.RecipientTask, 0, len(recipients))
	for i, r := range recipients {
		tasks = append(tasks, &domain.RecipientTask{
			ID:         uuid.New(),
			CampaignID: id,
			Seq:        i,
			Recipient:  r,
			State:      domain.TaskStatePending,
		})
	}
	return Job{CampaignID: id, AccountID: account, Content: "hello", Tasks: tasks}
}

func okTransport() transport.Transport {
	return sendFunc(func(context.Context, transport.Message) (transport.Result, error) {
		return transport.Result{ProviderMessageID: "ok"}, nil
	})
}

func TestPoolSendsInInsertionOrder(t *testing.T) {
	rec := newRecorder(3)
	pool := newTestPool(t, &stubLimiter{}, okTransport(), rec)

	job := newJob("acct-1", "+1", "+2", "+3")
	require.NoError(t, pool.Submit(job))
	rec.wait(t)

	results := rec.snapshot()
	for i, res := range results {
		assert.Equal(t, job.CampaignID, res.CampaignID)
		assert.Equal(t, domain.OutcomeSent, res.Outcome)
		assert.Equal(t, i, res.Task.Seq)
		assert.Equal(t, 1, res.Task.Attempts)
	}
	assert.Equal(t, []domain.OutcomeKind{domain.OutcomeSent, domain.OutcomeSent, domain.OutcomeSent}, rec.health)
}

func TestPoolRejectsDuplicateSubmit(t *testing.T) {
	rec := newRecorder(1)
	pool := newTestPool(t, &stubLimiter{}, okTransport(), rec)

	job := newJob("acct-1", "+1")
	require.NoError(t, pool.Submit(job))
	assert.Error(t, pool.Submit(job))
	rec.wait(t)
}

func TestPoolRetriesRetryableFailures(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	tr := sendFunc(func(context.Context, transport.Message) (transport.Result, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return transport.Result{}, &transport.Error{Reason: "gateway timeout", Retryable: true}
	})

	rec := newRecorder(1)
	pool := newTestPool(t, &stubLimiter{}, tr, rec)
	require.NoError(t, pool.Submit(newJob("acct-1", "+1")))
	rec.wait(t)

	res := rec.snapshot()[0]
	assert.Equal(t, domain.OutcomeFailed, res.Outcome)
	assert.Equal(t, 3, res.Task.Attempts)
	assert.ErrorIs(t, res.Err, apperrors.ErrTransport)
	mu.Lock()
	assert.Equal(t, 3, calls)
	mu.Unlock()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.events, 3)
	assert.False(t, rec.events[0].Final)
	assert.True(t, rec.events[2].Final)
}

func TestPoolDoesNotRetryBlocks(t *testing.T) {
	tr := sendFunc(func(context.Context, transport.Message) (transport.Result, error) {
		return transport.Result{}, &transport.Error{Reason: "blocked by recipient", Blocked: true}
	})

	rec := newRecorder(1)
	pool := newTestPool(t, &stubLimiter{}, tr, rec)
	require.NoError(t, pool.Submit(newJob("acct-1", "+1")))
	rec.wait(t)

	res := rec.snapshot()[0]
	assert.Equal(t, domain.OutcomeBlocked, res.Outcome)
	assert.Equal(t, 1, res.Task.Attempts)
	assert.Equal(t, []domain.OutcomeKind{domain.OutcomeBlocked}, rec.health)
}

func TestPoolDefersOnQuota(t *testing.T) {
	limiter := &stubLimiter{quotaFor: 2}
	rec := newRecorder(2)
	pool := newTestPool(t, limiter, okTransport(), rec)

	require.NoError(t, pool.Submit(newJob("acct-1", "+1", "+2")))
	rec.wait(t)

	for _, res := range rec.snapshot() {
		assert.Equal(t, domain.OutcomeSent, res.Outcome)
	}
	limiter.mu.Lock()
	assert.Equal(t, 2, limiter.reserved)
	limiter.mu.Unlock()
}

func TestPoolQuotaHoldsOnlyTheExhaustedCampaign(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 10, 15, 0, 0, time.UTC))
	limiter := safety.NewLimiter(safety.NewMemoryCounterStore(), nil, clock, time.UTC, nil)

	rec := newRecorder(3)
	pool := NewPool(Config{WorkersPerAccount: 1, MaxAttempts: 1, SendTimeout: time.Second}, Deps{
		Limiter:   limiter,
		Transport: okTransport(),
		Health:    rec,
		Clock:     clock,
	})
	pool.SetReporter(rec)
	t.Cleanup(pool.Close)

	tight := newJob("acct-1", "+1", "+2")
	tight.Safety = domain.SafetyConfig{HourlyLimit: 1, DailyLimit: 100}
	roomy := newJob("acct-1", "+3", "+4")
	roomy.Safety = domain.SafetyConfig{HourlyLimit: 100, DailyLimit: 100}

	require.NoError(t, pool.Submit(tight))
	require.NoError(t, pool.Submit(roomy))
	rec.wait(t)

	seen := map[uuid.UUID]int{}
	for _, res := range rec.snapshot() {
		assert.Equal(t, domain.OutcomeSent, res.Outcome)
		seen[res.CampaignID]++
	}
	assert.Equal(t, 1, seen[tight.CampaignID])
	assert.Equal(t, 2, seen[roomy.CampaignID])
	assert.Equal(t, 1, pool.Queued(tight.CampaignID))
	assert.Equal(t, 0, pool.Queued(roomy.CampaignID))

	clock.Advance(time.Hour)
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 4 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, pool.Queued(tight.CampaignID))
}

func TestPoolRecoversPanics(t *testing.T) {
	tr := sendFunc(func(_ context.Context, msg transport.Message) (transport.Result, error) {
		if msg.Recipient == "+1" {
			panic("gateway exploded")
		}
		return transport.Result{}, nil
	})

	rec := newRecorder(2)
	pool := newTestPool(t, &stubLimiter{}, tr, rec)
	require.NoError(t, pool.Submit(newJob("acct-1", "+1", "+2")))
	rec.wait(t)

	results := rec.snapshot()
	assert.Equal(t, domain.OutcomeFailed, results[0].Outcome)
	assert.Equal(t, domain.OutcomeSent, results[1].Outcome)
}

func TestPoolPauseLetsInFlightSendFinish(t *testing.T) {
	started := make(chan struct{})
	unblock := make(chan struct{})
	var once sync.Once
	tr := sendFunc(func(ctx context.Context, msg transport.Message) (transport.Result, error) {
		if msg.Recipient == "+1" {
			once.Do(func() { close(started) })
			<-unblock
			if ctx.Err() != nil {
				return transport.Result{}, errors.New("send context cancelled")
			}
		}
		return transport.Result{}, nil
	})

	rec := newRecorder(3)
	pool := newTestPool(t, &stubLimiter{}, tr, rec)
	job := newJob("acct-1", "+1", "+2", "+3")
	require.NoError(t, pool.Submit(job))

	<-started
	require.True(t, pool.Pause(job.CampaignID))
	close(unblock)

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.OutcomeSent, rec.snapshot()[0].Outcome)

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, rec.snapshot(), 1)
	assert.Equal(t, 2, pool.Queued(job.CampaignID))

	require.True(t, pool.Resume(job.CampaignID))
	rec.wait(t)
	assert.Equal(t, 0, pool.Queued(job.CampaignID))
}

func TestPoolResumeUnknownCampaign(t *testing.T) {
	pool := newTestPool(t, &stubLimiter{}, okTransport(), newRecorder(0))
	assert.False(t, pool.Resume(uuid.New()))
	assert.False(t, pool.Pause(uuid.New()))
}

func TestPoolSharesAccountAcrossCampaigns(t *testing.T) {
	rec := newRecorder(4)
	pool := newTestPool(t, &stubLimiter{}, okTransport(), rec)

	first := newJob("acct-1", "+1", "+2")
	second := newJob("acct-1", "+3", "+4")
	require.NoError(t, pool.Submit(first))
	require.NoError(t, pool.Submit(second))
	rec.wait(t)

	seen := map[uuid.UUID]int{}
	for _, res := range rec.snapshot() {
		seen[res.CampaignID]++
	}
	assert.Equal(t, 2, seen[first.CampaignID])
	assert.Equal(t, 2, seen[second.CampaignID])
}

func TestBackoffBounds(t *testing.T) {
	pool := NewPool(Config{BaseDelay: time.Second, MaxDelay: 10 * time.Second, Jitter: 0.2}, Deps{})
	defer pool.Close()

	for attempt := 1; attempt <= 6; attempt++ {
		d := pool.backoff(attempt)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, 11*time.Second)
	}
}
