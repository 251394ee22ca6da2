package campaign

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/blast-dispatch/internal/domain"
	"github.com/acme/blast-dispatch/internal/repository/memory"
	"github.com/acme/blast-dispatch/internal/service/dispatch"
	"github.com/acme/blast-dispatch/internal/service/health"
	"github.com/acme/blast-dispatch/internal/service/quota"
	"github.com/acme/blast-dispatch/internal/service/risk"
	"github.com/acme/blast-dispatch/internal/service/safety"
	"github.com/acme/blast-dispatch/internal/transport"
	apperrors "github.com/acme/blast-dispatch/pkg/errors"
)

func testSafety() domain.SafetyConfig {
	return domain.SafetyConfig{
		DailyLimit:     10000,
		HourlyLimit:    1000,
		MaxFailureRate: 0.1,
		AutoPause:      true,
	}
}

type stores struct {
	campaigns *memory.CampaignRepository
	tasks     *memory.RecipientTaskRepository
	stats     *memory.CampaignStatisticsRepository
	configs   *safety.ConfigService
}

func newStores() stores {
	return stores{
		campaigns: memory.NewCampaignRepository(),
		tasks:     memory.NewRecipientTaskRepository(),
		stats:     memory.NewCampaignStatisticsRepository(),
		configs:   safety.NewConfigService(memory.NewSafetyConfigRepository(), testSafety()),
	}
}

type stubRisk struct {
	assessment domain.RiskAssessment
}

func (s stubRisk) Evaluate(context.Context, risk.Request) (domain.RiskAssessment, error) {
	return s.assessment, nil
}

func proceed() stubRisk {
	return stubRisk{assessment: domain.RiskAssessment{Level: domain.RiskLow, ShouldProceed: true}}
}

// gatedRisk holds Evaluate until release is closed.
type gatedRisk struct {
	entered chan struct{}
	release chan struct{}
}

func (g gatedRisk) Evaluate(ctx context.Context, _ risk.Request) (domain.RiskAssessment, error) {
	close(g.entered)
	select {
	case <-g.release:
	case <-ctx.Done():
		return domain.RiskAssessment{}, ctx.Err()
	}
	return domain.RiskAssessment{Level: domain.RiskLow, ShouldProceed: true}, nil
}

type stubDispatcher struct {
	mu        sync.Mutex
	known     map[uuid.UUID]bool
	submitted []dispatch.Job
	paused    []uuid.UUID
}

func newStubDispatcher() *stubDispatcher {
	return &stubDispatcher{known: make(map[uuid.UUID]bool)}
}

func (d *stubDispatcher) Submit(job dispatch.Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.known[job.CampaignID] = true
	d.submitted = append(d.submitted, job)
	return nil
}

func (d *stubDispatcher) Pause(id uuid.UUID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.paused = append(d.paused, id)
	return d.known[id]
}

func (d *stubDispatcher) Resume(id uuid.UUID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.known[id]
}

func (d *stubDispatcher) Remove(id uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.known, id)
}

func (d *stubDispatcher) forget(id uuid.UUID) {
	d.Remove(id)
}

type denyQuota struct{}

func (denyQuota) CheckCampaignQuota(context.Context, string) error {
	return apperrors.ErrQuotaExceeded
}

func (denyQuota) MaxActive() int { return 1 }

func newStubService(st stores, r RiskEvaluator, d Dispatcher) *Service {
	return NewService(Deps{
		Campaigns:  st.campaigns,
		Tasks:      st.tasks,
		Stats:      st.stats,
		Configs:    st.configs,
		Risk:       r,
		Dispatcher: d,
	})
}

func createInput(recipients ...string) CreateCampaignInput {
	return CreateCampaignInput{
		OrganizationID: "org-1",
		AccountID:      "acct-1",
		Name:           "spring sale",
		Content:        "hello there",
		Recipients:     recipients,
	}
}

func TestValidateCreateInputFailures(t *testing.T) {
	cases := []CreateCampaignInput{
		{AccountID: "acct-1", Content: "hi", Recipients: []string{"+1"}},
		{Name: "test", Content: "hi", Recipients: []string{"+1"}},
		{Name: "test", AccountID: "acct-1", Recipients: []string{"+1"}},
		{Name: "test", AccountID: "acct-1", Content: "hi"},
		{Name: "test", AccountID: "acct-1", Content: "hi", Recipients: []string{" ", ""}},
	}

	for _, tc := range cases {
		_, err := validateCreateInput(tc)
		if !errors.Is(err, apperrors.ErrValidation) {
			t.Errorf("expected validation error for input %+v, got %v", tc, err)
		}
	}
}

func TestValidateCreateInputDeduplicatesRecipients(t *testing.T) {
	got, err := validateCreateInput(createInput("+1", " +2 ", "+1", "+3"))
	require.NoError(t, err)
	assert.Equal(t, []string{"+1", "+2", "+3"}, got)
}

func TestCreateSnapshotsSafetyConfig(t *testing.T) {
	st := newStores()
	ctx := context.Background()
	override := testSafety()
	override.HourlyLimit = 42
	require.NoError(t, st.configs.Set(ctx, domain.SafetyScopeAccount, "acct-1", override))

	svc := newStubService(st, proceed(), newStubDispatcher())
	c, err := svc.Create(ctx, createInput("+1", "+2"))
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignStatePending, c.State)
	assert.Equal(t, 42, c.Safety.HourlyLimit)

	override.HourlyLimit = 7
	require.NoError(t, st.configs.Set(ctx, domain.SafetyScopeAccount, "acct-1", override))

	stored, err := svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 42, stored.Safety.HourlyLimit)
	assert.Equal(t, domain.CampaignCounters{Total: 2}, stored.Counters)
}

func TestCreateRespectsQuota(t *testing.T) {
	st := newStores()
	svc := NewService(Deps{
		Campaigns: st.campaigns, Tasks: st.tasks, Stats: st.stats, Configs: st.configs,
		Risk: proceed(), Quota: denyQuota{}, Dispatcher: newStubDispatcher(),
	})

	_, err := svc.Create(context.Background(), createInput("+1"))
	assert.ErrorIs(t, err, apperrors.ErrQuotaExceeded)
}

func TestConcurrentCreatesRespectActiveCap(t *testing.T) {
	st := newStores()
	svc := NewService(Deps{
		Campaigns: st.campaigns, Tasks: st.tasks, Stats: st.stats, Configs: st.configs,
		Risk: proceed(), Quota: quota.NewChecker(st.campaigns, 2), Dispatcher: newStubDispatcher(),
	})

	const attempts = 10
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		created  int
		rejected int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Create(context.Background(), createInput("+1"))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, apperrors.ErrQuotaExceeded):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 2, created)
	assert.Equal(t, attempts-2, rejected)
	active, err := st.campaigns.CountActive(context.Background(), "org-1")
	require.NoError(t, err)
	assert.Equal(t, 2, active)
}

func TestStartRiskBlocked(t *testing.T) {
	st := newStores()
	d := newStubDispatcher()
	blocked := stubRisk{assessment: domain.RiskAssessment{Level: domain.RiskCritical, Score: 90}}
	svc := newStubService(st, blocked, d)
	ctx := context.Background()

	c, err := svc.Create(ctx, createInput("+1", "+2"))
	require.NoError(t, err)

	_, err = svc.Start(ctx, c.ID)
	require.ErrorIs(t, err, apperrors.ErrRiskBlocked)
	var rerr *RiskBlockedError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, domain.RiskCritical, rerr.Assessment.Level)

	stored, err := svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignStateFailed, stored.State)
	assert.Equal(t, domain.ReasonRiskBlocked, stored.StateReason)

	counts, err := st.tasks.CountByState(ctx, c.ID)
	require.NoError(t, err)
	assert.Zero(t, counts[domain.TaskStatePending])
	assert.Empty(t, d.submitted)
}

func TestStartRequiresPending(t *testing.T) {
	st := newStores()
	svc := newStubService(st, proceed(), newStubDispatcher())
	ctx := context.Background()

	c, err := svc.Create(ctx, createInput("+1"))
	require.NoError(t, err)
	_, err = svc.Start(ctx, c.ID)
	require.NoError(t, err)

	_, err = svc.Start(ctx, c.ID)
	assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)
}

func TestPauseIsIdempotent(t *testing.T) {
	st := newStores()
	d := newStubDispatcher()
	svc := newStubService(st, proceed(), d)
	ctx := context.Background()

	c, err := svc.Create(ctx, createInput("+1", "+2", "+3"))
	require.NoError(t, err)
	_, err = svc.Pause(ctx, c.ID, "operator")
	assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)

	_, err = svc.Start(ctx, c.ID)
	require.NoError(t, err)

	first, err := svc.Pause(ctx, c.ID, "operator")
	require.NoError(t, err)
	second, err := svc.Pause(ctx, c.ID, "someone else")
	require.NoError(t, err)

	assert.Equal(t, domain.CampaignStatePaused, second.State)
	assert.Equal(t, first.StateReason, second.StateReason)
	assert.Equal(t, first.Counters, second.Counters)
	assert.Len(t, d.paused, 1)
}

func TestResumeResubmitsPendingTasksWhenDispatcherForgot(t *testing.T) {
	st := newStores()
	d := newStubDispatcher()
	svc := newStubService(st, proceed(), d)
	ctx := context.Background()

	c, err := svc.Create(ctx, createInput("+1", "+2", "+3"))
	require.NoError(t, err)
	_, err = svc.Start(ctx, c.ID)
	require.NoError(t, err)
	_, err = svc.Pause(ctx, c.ID, "")
	require.NoError(t, err)

	d.forget(c.ID)
	resumed, err := svc.Resume(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignStateRunning, resumed.State)
	require.Len(t, d.submitted, 2)
	assert.Len(t, d.submitted[1].Tasks, 3)
}

func TestAbortAndDelete(t *testing.T) {
	st := newStores()
	svc := newStubService(st, proceed(), newStubDispatcher())
	ctx := context.Background()

	c, err := svc.Create(ctx, createInput("+1"))
	require.NoError(t, err)
	_, err = svc.Start(ctx, c.ID)
	require.NoError(t, err)

	assert.ErrorIs(t, svc.Delete(ctx, c.ID), apperrors.ErrConflict)

	aborted, err := svc.Abort(ctx, c.ID, "")
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignStateFailed, aborted.State)
	assert.Equal(t, domain.ReasonAborted, aborted.StateReason)

	_, err = svc.Abort(ctx, c.ID, "")
	assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)

	require.NoError(t, svc.Delete(ctx, c.ID))
	_, err = svc.Get(ctx, c.ID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestPauseAllAndResumeAll(t *testing.T) {
	st := newStores()
	d := newStubDispatcher()
	svc := newStubService(st, proceed(), d)
	ctx := context.Background()

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		c, err := svc.Create(ctx, createInput("+1", "+2"))
		require.NoError(t, err)
		_, err = svc.Start(ctx, c.ID)
		require.NoError(t, err)
		ids = append(ids, c.ID)
	}

	paused, err := svc.PauseAll(ctx, "")
	require.NoError(t, err)
	assert.ElementsMatch(t, ids, paused)
	for _, id := range ids {
		c, err := svc.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.CampaignStatePaused, c.State)
		assert.Equal(t, domain.ReasonAdminPause, c.StateReason)
	}

	resumed, err := svc.ResumeAll(ctx, ids[:1])
	require.NoError(t, err)
	assert.Equal(t, ids[:1], resumed)

	resumed, err = svc.ResumeAll(ctx, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, ids[1:], resumed)
}

func TestPauseAllWaitsForInFlightStart(t *testing.T) {
	st := newStores()
	d := newStubDispatcher()
	gate := gatedRisk{entered: make(chan struct{}), release: make(chan struct{})}
	svc := newStubService(st, gate, d)
	ctx := context.Background()

	c, err := svc.Create(ctx, createInput("+1", "+2"))
	require.NoError(t, err)

	startErr := make(chan error, 1)
	go func() {
		_, err := svc.Start(ctx, c.ID)
		startErr <- err
	}()
	<-gate.entered

	type pauseResult struct {
		ids []uuid.UUID
		err error
	}
	pauseDone := make(chan pauseResult, 1)
	go func() {
		ids, err := svc.PauseAll(ctx, "")
		pauseDone <- pauseResult{ids: ids, err: err}
	}()

	select {
	case <-pauseDone:
		t.Fatal("pause-all finished while start was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate.release)
	require.NoError(t, <-startErr)

	var res pauseResult
	select {
	case res = <-pauseDone:
	case <-time.After(5 * time.Second):
		t.Fatal("pause-all did not finish")
	}
	require.NoError(t, res.err)
	assert.Equal(t, []uuid.UUID{c.ID}, res.ids)

	got, err := svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignStatePaused, got.State)
	assert.Equal(t, domain.ReasonAdminPause, got.StateReason)

	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Equal(t, []uuid.UUID{c.ID}, d.paused)
}

func TestRecoverFailsCorruptedAndResubmitsRunning(t *testing.T) {
	st := newStores()
	d := newStubDispatcher()
	svc := newStubService(st, proceed(), d)
	ctx := context.Background()

	healthy, err := svc.Create(ctx, createInput("+1", "+2", "+3"))
	require.NoError(t, err)
	_, err = svc.Start(ctx, healthy.ID)
	require.NoError(t, err)

	corrupted, err := svc.Create(ctx, createInput("+4", "+5"))
	require.NoError(t, err)
	_, err = svc.Start(ctx, corrupted.ID)
	require.NoError(t, err)
	st.stats.Put(corrupted.ID, domain.CampaignCounters{Sent: 3, Total: 2})

	restarted := newStubDispatcher()
	svc = newStubService(st, proceed(), restarted)
	require.NoError(t, svc.Recover(ctx))

	c, err := svc.Get(ctx, corrupted.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignStateFailed, c.State)
	assert.True(t, strings.HasPrefix(c.StateReason, domain.ReasonCorrupted))

	require.Len(t, restarted.submitted, 1)
	assert.Equal(t, healthy.ID, restarted.submitted[0].CampaignID)
	assert.Len(t, restarted.submitted[0].Tasks, 3)
}

func TestRecordResultRejectsOverflow(t *testing.T) {
	st := newStores()
	svc := newStubService(st, proceed(), newStubDispatcher())
	ctx := context.Background()

	c, err := svc.Create(ctx, createInput("+1"))
	require.NoError(t, err)
	_, err = svc.Start(ctx, c.ID)
	require.NoError(t, err)

	pending, err := st.tasks.ListPending(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	st.stats.Put(c.ID, domain.CampaignCounters{Sent: 1, Total: 1})
	err = svc.RecordResult(ctx, dispatch.Result{CampaignID: c.ID, AccountID: "acct-1", Task: pending[0], Outcome: domain.OutcomeSent})
	assert.ErrorIs(t, err, apperrors.ErrConflict)

	stored, err := svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignStateFailed, stored.State)
	assert.True(t, stored.Counters.Consistent())
}

func TestShouldAutoPause(t *testing.T) {
	cfg := domain.SafetyConfig{MaxFailureRate: 0.1, AutoPause: true}
	cases := []struct {
		counters domain.CampaignCounters
		last     domain.OutcomeKind
		want     bool
	}{
		{domain.CampaignCounters{Sent: 0, Failed: 5, Total: 100}, domain.OutcomeFailed, false},
		{domain.CampaignCounters{Sent: 9, Failed: 1, Total: 100}, domain.OutcomeFailed, false},
		{domain.CampaignCounters{Sent: 8, Failed: 2, Total: 100}, domain.OutcomeFailed, true},
		{domain.CampaignCounters{Sent: 8, Failed: 2, Total: 100}, domain.OutcomeBlocked, true},
		{domain.CampaignCounters{Sent: 8, Failed: 2, Total: 100}, domain.OutcomeSent, false},
	}
	for _, tc := range cases {
		got := ShouldAutoPause(&domain.Campaign{Counters: tc.counters}, cfg, tc.last)
		assert.Equal(t, tc.want, got, "counters %+v after %s", tc.counters, tc.last)
	}

	cfg.AutoPause = false
	assert.False(t, ShouldAutoPause(&domain.Campaign{Counters: domain.CampaignCounters{Failed: 50, Total: 100}}, cfg, domain.OutcomeFailed))
}

func TestResumedCampaignAboveLimitPausesOnNextFailure(t *testing.T) {
	st := newStores()
	svc := newStubService(st, proceed(), newStubDispatcher())
	ctx := context.Background()

	c, err := svc.Create(ctx, createInput("+1", "+2", "+3", "+4", "+5", "+6", "+7", "+8", "+9", "+10", "+11", "+12", "+13", "+14", "+15"))
	require.NoError(t, err)
	_, err = svc.Start(ctx, c.ID)
	require.NoError(t, err)

	pending, err := st.tasks.ListPending(ctx, c.ID)
	require.NoError(t, err)
	st.stats.Put(c.ID, domain.CampaignCounters{Sent: 5, Failed: 5, Total: 15})

	require.NoError(t, svc.RecordResult(ctx, dispatch.Result{CampaignID: c.ID, AccountID: "acct-1", Task: pending[0], Outcome: domain.OutcomeSent}))
	stored, err := svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignStateRunning, stored.State)

	require.NoError(t, svc.RecordResult(ctx, dispatch.Result{CampaignID: c.ID, AccountID: "acct-1", Task: pending[1], Outcome: domain.OutcomeFailed}))
	stored, err = svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignStatePaused, stored.State)
	assert.True(t, strings.HasPrefix(stored.StateReason, domain.ReasonAutoPaused), stored.StateReason)
}

// engine wires the real pool, limiter, tracker and assessor over memory stores.
type engine struct {
	svc    *Service
	stores stores
	health *health.Tracker
}

func newEngine(t *testing.T, tr transport.Transport) engine {
	t.Helper()
	st := newStores()
	tracker := health.NewTracker(memory.NewHealthRepository(), st.configs, nil, 0, nil)
	limiter := safety.NewLimiter(safety.NewMemoryCounterStore(), tracker, nil, time.UTC, nil)
	assessor := risk.NewService(tracker, limiter, nil, time.UTC)

	pool := dispatch.NewPool(dispatch.Config{WorkersPerAccount: 1, MaxAttempts: 1, SendTimeout: time.Second}, dispatch.Deps{
		Limiter:   limiter,
		Transport: tr,
		Health:    tracker,
	})
	t.Cleanup(pool.Close)

	svc := NewService(Deps{
		Campaigns:  st.campaigns,
		Tasks:      st.tasks,
		Stats:      st.stats,
		Configs:    st.configs,
		Risk:       assessor,
		Dispatcher: pool,
	})
	pool.SetReporter(svc)
	return engine{svc: svc, stores: st, health: tracker}
}

func waitForState(t *testing.T, svc *Service, id uuid.UUID, state domain.CampaignState) *domain.Campaign {
	t.Helper()
	var c *domain.Campaign
	require.Eventually(t, func() bool {
		var err error
		c, err = svc.Get(context.Background(), id)
		return err == nil && c.State == state
	}, 5*time.Second, 5*time.Millisecond, "campaign never reached %s", state)
	return c
}

func TestEndToEndCompletesCampaign(t *testing.T) {
	tr := transportFunc(func(context.Context, transport.Message) (transport.Result, error) {
		return transport.Result{ProviderMessageID: uuid.NewString()}, nil
	})
	e := newEngine(t, tr)
	ctx := context.Background()

	c, err := e.svc.Create(ctx, createInput("+1", "+2", "+3"))
	require.NoError(t, err)
	_, err = e.svc.Start(ctx, c.ID)
	require.NoError(t, err)

	done := waitForState(t, e.svc, c.ID, domain.CampaignStateCompleted)
	assert.Equal(t, domain.CampaignCounters{Sent: 3, Failed: 0, Total: 3}, done.Counters)
	assert.NotNil(t, done.CompletedAt)

	counts, err := e.stores.tasks.CountByState(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), counts[domain.TaskStateSent])

	h, err := e.health.CurrentHealth(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), h.Sent)
	assert.Equal(t, domain.HealthHealthy, h.Status)
}

func TestEndToEndAutoPausesOnFailureRate(t *testing.T) {
	tr := transportFunc(func(_ context.Context, msg transport.Message) (transport.Result, error) {
		if strings.HasSuffix(msg.Recipient, "-fail") {
			return transport.Result{}, &transport.Error{Reason: "invalid recipient"}
		}
		return transport.Result{}, nil
	})
	e := newEngine(t, tr)
	ctx := context.Background()

	list := make([]string, 100)
	for i := range list {
		list[i] = "+1555" + uuid.NewString()[:8]
		if i%3 == 0 {
			list[i] += "-fail"
		}
	}

	c, err := e.svc.Create(ctx, createInput(list...))
	require.NoError(t, err)
	_, err = e.svc.Start(ctx, c.ID)
	require.NoError(t, err)

	paused := waitForState(t, e.svc, c.ID, domain.CampaignStatePaused)
	assert.True(t, strings.HasPrefix(paused.StateReason, domain.ReasonAutoPaused), paused.StateReason)
	assert.Equal(t, domain.CampaignCounters{Sent: 6, Failed: 4, Total: 100}, paused.Counters)

	// Nothing further is dequeued while paused.
	time.Sleep(50 * time.Millisecond)
	again, err := e.svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, paused.Counters, again.Counters)

	counts, err := e.stores.tasks.CountByState(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(90), counts[domain.TaskStatePending])
	assert.Equal(t, int64(4), counts[domain.TaskStateFailed])

	repeat, err := e.svc.Pause(ctx, c.ID, "operator")
	require.NoError(t, err)
	assert.Equal(t, paused.StateReason, repeat.StateReason)
	assert.Equal(t, paused.Counters, repeat.Counters)
}

type transportFunc func(ctx context.Context, msg transport.Message) (transport.Result, error)

func (f transportFunc) Send(ctx context.Context, msg transport.Message) (transport.Result, error) {
	return f(ctx, msg)
}
