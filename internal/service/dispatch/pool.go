// Package dispatch runs the per-account sender pools.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/blast-dispatch/internal/domain"
	"github.com/acme/blast-dispatch/internal/queue"
	"github.com/acme/blast-dispatch/internal/service/safety"
	"github.com/acme/blast-dispatch/internal/transport"
	apperrors "github.com/acme/blast-dispatch/pkg/errors"
	"github.com/acme/blast-dispatch/pkg/logger"
)

const gatePollInterval = 50 * time.Millisecond

// SlotReserver grants send slots for an account.
type SlotReserver interface {
	ReserveSlot(ctx context.Context, accountID string, cfg domain.SafetyConfig) (safety.Slot, error)
	ReleaseSlot(ctx context.Context, slot safety.Slot) error
}

// OutcomeRecorder receives every final outcome for account health.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, accountID string, kind domain.OutcomeKind) error
}

// Publisher emits outcome events.
type Publisher interface {
	Publish(ctx context.Context, evt queue.OutcomeEvent) error
}

// Gate caps in-flight sends per account across processes.
type Gate interface {
	Acquire(ctx context.Context, accountID string, limit int) (bool, error)
	Release(ctx context.Context, accountID string) error
}

// Reporter receives the final outcome of each task.
type Reporter interface {
	RecordResult(ctx context.Context, res Result) error
}

// Result is the final outcome of one recipient task.
type Result struct {
	CampaignID uuid.UUID
	AccountID  string
	Task       *domain.RecipientTask
	Outcome    domain.OutcomeKind
	Err        error
}

// Job is a campaign's queue of pending tasks.
type Job struct {
	CampaignID uuid.UUID
	AccountID  string
	Content    string
	MediaURL   string
	Safety     domain.SafetyConfig
	Tasks      []*domain.RecipientTask
}

// Config bounds the pool.
type Config struct {
	WorkersPerAccount int
	SendTimeout       time.Duration
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	Jitter            float64
	ErrorBackoff      time.Duration
}

// Deps are the collaborators of the pool. Publisher and Gate are optional.
type Deps struct {
	Limiter   SlotReserver
	Transport transport.Transport
	Health    OutcomeRecorder
	Publisher Publisher
	Gate      Gate
	Clock     clockwork.Clock
	Logger    *logger.Logger
}

// Pool runs a fixed number of workers per account. Workers of one account
// share every campaign queued on it and pick campaigns round-robin; tasks of
// one campaign are taken in queue order.
type Pool struct {
	cfg       Config
	limiter   SlotReserver
	transport transport.Transport
	health    OutcomeRecorder
	publisher Publisher
	gate      Gate
	clock     clockwork.Clock
	log       *logger.Logger
	tracer    trace.Tracer

	rngMu sync.Mutex
	rng   *rand.Rand

	mu       sync.Mutex
	reporter Reporter
	accounts map[string]*account
	jobs     map[uuid.UUID]*job

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type account struct {
	id           string
	jobs         []*job
	next         int
	blockedUntil time.Time
	wake         chan struct{}
}

type job struct {
	Job
	queue        []*domain.RecipientTask
	paused       bool
	blockedUntil time.Time
	ctx          context.Context
	cancel       context.CancelFunc
}

// NewPool constructs a pool. Workers start when the first job for an account
// is submitted.
func NewPool(cfg Config, deps Deps) *Pool {
	if cfg.WorkersPerAccount < 1 {
		cfg.WorkersPerAccount = 1
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = 5 * time.Second
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Logger == nil {
		deps.Logger = logger.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:       cfg,
		limiter:   deps.Limiter,
		transport: deps.Transport,
		health:    deps.Health,
		publisher: deps.Publisher,
		gate:      deps.Gate,
		clock:     deps.Clock,
		log:       deps.Logger.Named("dispatch"),
		tracer:    otel.Tracer("blast.dispatch"),
		rng:       rand.New(rand.NewSource(deps.Clock.Now().UnixNano())),
		accounts:  make(map[string]*account),
		jobs:      make(map[uuid.UUID]*job),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SetReporter wires the receiver of final task outcomes. It must be called
// before the first Submit.
func (p *Pool) SetReporter(r Reporter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reporter = r
}

// Submit queues a campaign's tasks.
func (p *Pool) Submit(j Job) error {
	if j.AccountID == "" {
		return fmt.Errorf("%w: job without account", apperrors.ErrValidation)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ctx.Err() != nil {
		return fmt.Errorf("%w: dispatch pool stopped", apperrors.ErrUnavailable)
	}
	if _, ok := p.jobs[j.CampaignID]; ok {
		return fmt.Errorf("%w: campaign %s already dispatching", apperrors.ErrConflict, j.CampaignID)
	}

	ctx, cancel := context.WithCancel(p.ctx)
	jb := &job{
		Job:    j,
		queue:  append([]*domain.RecipientTask(nil), j.Tasks...),
		ctx:    ctx,
		cancel: cancel,
	}
	jb.Tasks = nil
	p.jobs[j.CampaignID] = jb

	a := p.accountLocked(j.AccountID)
	a.jobs = append(a.jobs, jb)
	p.broadcastLocked(a)
	return nil
}

// Pause stops dequeuing for a campaign and interrupts its waiting tasks.
// Sends already handed to the transport finish normally.
func (p *Pool) Pause(campaignID uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	j, ok := p.jobs[campaignID]
	if !ok {
		return false
	}
	j.paused = true
	j.cancel()
	return true
}

// Resume lets workers dequeue a paused campaign again. It reports false when
// the pool holds no job for the campaign.
func (p *Pool) Resume(campaignID uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	j, ok := p.jobs[campaignID]
	if !ok {
		return false
	}
	if j.paused {
		j.paused = false
		j.ctx, j.cancel = context.WithCancel(p.ctx)
	}
	p.broadcastLocked(p.accounts[j.AccountID])
	return true
}

// Remove drops a campaign's job. Unstarted tasks stay pending in storage.
func (p *Pool) Remove(campaignID uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	j, ok := p.jobs[campaignID]
	if !ok {
		return
	}
	j.cancel()
	delete(p.jobs, campaignID)

	a := p.accounts[j.AccountID]
	for i, candidate := range a.jobs {
		if candidate == j {
			a.jobs = append(a.jobs[:i], a.jobs[i+1:]...)
			if a.next > i {
				a.next--
			}
			break
		}
	}
}

// Queued reports how many tasks of the campaign wait in the pool.
func (p *Pool) Queued(campaignID uuid.UUID) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if j, ok := p.jobs[campaignID]; ok {
		return len(j.queue)
	}
	return 0
}

// Close stops every worker and waits for in-flight sends.
func (p *Pool) Close() {
	p.cancel()
	p.wg.Wait()
}

func (p *Pool) accountLocked(id string) *account {
	a, ok := p.accounts[id]
	if ok {
		return a
	}
	a = &account{id: id, wake: make(chan struct{})}
	p.accounts[id] = a
	for i := 0; i < p.cfg.WorkersPerAccount; i++ {
		p.wg.Add(1)
		go p.runWorker(a)
	}
	return a
}

func (p *Pool) broadcastLocked(a *account) {
	if a == nil {
		return
	}
	close(a.wake)
	a.wake = make(chan struct{})
}

func (p *Pool) runWorker(a *account) {
	defer p.wg.Done()
	for {
		j, task, jctx, wake, wait := p.next(a)
		if p.ctx.Err() != nil {
			if task != nil {
				p.requeue(j, task)
			}
			return
		}
		if task != nil {
			p.process(jctx, a, j, task)
			continue
		}

		var timeout <-chan time.Time
		var timer clockwork.Timer
		if wait > 0 {
			timer = p.clock.NewTimer(wait)
			timeout = timer.Chan()
		}
		select {
		case <-p.ctx.Done():
		case <-wake:
		case <-timeout:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// next dequeues the next task for the account, or returns the channel to wait
// on and, when the account or every runnable campaign is blocked by quota, how
// long to wait.
func (p *Pool) next(a *account) (*job, *domain.RecipientTask, context.Context, <-chan struct{}, time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	if now.Before(a.blockedUntil) {
		return nil, nil, nil, a.wake, a.blockedUntil.Sub(now)
	}

	var wait time.Duration
	n := len(a.jobs)
	for i := 0; i < n; i++ {
		idx := (a.next + i) % n
		j := a.jobs[idx]
		if j.paused || len(j.queue) == 0 {
			continue
		}
		if now.Before(j.blockedUntil) {
			if d := j.blockedUntil.Sub(now); wait == 0 || d < wait {
				wait = d
			}
			continue
		}
		task := j.queue[0]
		j.queue = j.queue[1:]
		a.next = (idx + 1) % n
		return j, task, j.ctx, nil, 0
	}
	return nil, nil, nil, a.wake, wait
}

// requeue puts an unstarted task back at the head of its campaign queue.
func (p *Pool) requeue(j *job, task *domain.RecipientTask) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.jobs[j.CampaignID] != j {
		return
	}
	j.queue = append([]*domain.RecipientTask{task}, j.queue...)
	p.broadcastLocked(p.accounts[j.AccountID])
}

// deferAccount requeues a task and blocks every campaign of the account until
// the given time.
func (p *Pool) deferAccount(a *account, j *job, task *domain.RecipientTask, until time.Time) {
	p.mu.Lock()
	if until.After(a.blockedUntil) {
		a.blockedUntil = until
	}
	p.mu.Unlock()
	p.requeue(j, task)
}

// deferJob requeues a task and holds only its campaign until the given time.
// Quota limits come from each campaign's own safety snapshot, so other
// campaigns on the account may still have headroom.
func (p *Pool) deferJob(j *job, task *domain.RecipientTask, until time.Time) {
	p.mu.Lock()
	if until.After(j.blockedUntil) {
		j.blockedUntil = until
	}
	p.mu.Unlock()
	p.requeue(j, task)
}

func (p *Pool) process(jctx context.Context, a *account, j *job, task *domain.RecipientTask) {
	attempt := task.Attempts + 1
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("dispatch: task panicked",
				zap.String("campaign_id", j.CampaignID.String()),
				zap.String("task_id", task.ID.String()),
				zap.Any("panic", r))
			task.Attempts = attempt
			p.finish(a, j, task, domain.OutcomeFailed, fmt.Errorf("%w: panic: %v", apperrors.ErrTransport, r), 0)
		}
	}()

	for {
		attempt = task.Attempts + 1

		slot, err := p.limiter.ReserveSlot(jctx, a.id, j.Safety)
		if err != nil {
			var qerr *safety.QuotaError
			switch {
			case errors.As(err, &qerr):
				p.log.Debug("dispatch: quota reached, deferring campaign",
					zap.String("account_id", a.id),
					zap.String("campaign_id", j.CampaignID.String()),
					zap.String("window", string(qerr.Window)),
					zap.Time("retry_at", qerr.RetryAt))
				p.deferJob(j, task, qerr.RetryAt)
			case jctx.Err() != nil:
				p.requeue(j, task)
			default:
				p.log.Warn("dispatch: reserve slot", zap.String("account_id", a.id), zap.Error(err))
				p.deferAccount(a, j, task, p.clock.Now().Add(p.cfg.ErrorBackoff))
			}
			return
		}

		if !p.sleep(jctx, slot.Delay) {
			p.releaseSlot(slot)
			p.requeue(j, task)
			return
		}

		release, ok := p.acquireGate(jctx, a.id)
		if !ok {
			p.releaseSlot(slot)
			p.requeue(j, task)
			return
		}
		elapsed, sendErr := p.send(jctx, j, task, attempt)
		release()
		task.Attempts = attempt

		if sendErr == nil {
			p.finish(a, j, task, domain.OutcomeSent, nil, elapsed)
			return
		}

		if transport.Blocked(sendErr) {
			p.finish(a, j, task, domain.OutcomeBlocked, sendErr, elapsed)
			return
		}
		if !transport.Retryable(sendErr) || attempt >= p.cfg.MaxAttempts {
			p.finish(a, j, task, domain.OutcomeFailed, sendErr, elapsed)
			return
		}

		p.log.Debug("dispatch: retrying send",
			zap.String("task_id", task.ID.String()), zap.Int("attempt", attempt), zap.Error(sendErr))
		p.publish(j, task, attempt, domain.OutcomeFailed, sendErr, elapsed, false)

		if !p.sleep(jctx, p.backoff(attempt)) {
			p.requeue(j, task)
			return
		}
	}
}

func (p *Pool) send(jctx context.Context, j *job, task *domain.RecipientTask, attempt int) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(jctx), p.cfg.SendTimeout)
	defer cancel()

	ctx, span := p.tracer.Start(ctx, "dispatch.send", trace.WithAttributes(
		attribute.String("campaign.id", j.CampaignID.String()),
		attribute.String("task.id", task.ID.String()),
		attribute.String("account.id", j.AccountID),
		attribute.Int("attempt", attempt),
	))
	defer span.End()

	started := p.clock.Now()
	_, err := p.transport.Send(ctx, transport.Message{
		CampaignID: j.CampaignID,
		TaskID:     task.ID,
		AccountID:  j.AccountID,
		Recipient:  task.Recipient,
		Content:    j.Content,
		MediaURL:   j.MediaURL,
		Attempt:    attempt,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return p.clock.Since(started), err
}

func (p *Pool) finish(a *account, j *job, task *domain.RecipientTask, kind domain.OutcomeKind, err error, elapsed time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.SendTimeout)
	defer cancel()

	if p.health != nil {
		if herr := p.health.RecordOutcome(ctx, a.id, kind); herr != nil {
			p.log.Error("dispatch: record health outcome", zap.String("account_id", a.id), zap.Error(herr))
		}
	}

	p.publish(j, task, task.Attempts, kind, err, elapsed, true)

	p.mu.Lock()
	reporter := p.reporter
	p.mu.Unlock()
	if reporter == nil {
		return
	}
	res := Result{CampaignID: j.CampaignID, AccountID: a.id, Task: task, Outcome: kind, Err: err}
	if rerr := reporter.RecordResult(ctx, res); rerr != nil {
		p.log.Error("dispatch: record result",
			zap.String("campaign_id", j.CampaignID.String()),
			zap.String("task_id", task.ID.String()),
			zap.Error(rerr))
	}
}

func (p *Pool) publish(j *job, task *domain.RecipientTask, attempt int, kind domain.OutcomeKind, err error, elapsed time.Duration, final bool) {
	if p.publisher == nil {
		return
	}
	evt := queue.OutcomeEvent{
		EventID:    uuid.New(),
		CampaignID: j.CampaignID,
		TaskID:     task.ID,
		AccountID:  j.AccountID,
		Recipient:  task.Recipient,
		Attempt:    attempt,
		Outcome:    string(kind),
		Final:      final,
		DurationMs: elapsed.Milliseconds(),
		OccurredAt: p.clock.Now().UTC(),
	}
	if err != nil {
		evt.Error = err.Error()
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.SendTimeout)
	defer cancel()
	if perr := p.publisher.Publish(ctx, evt); perr != nil {
		p.log.Warn("dispatch: publish outcome", zap.String("task_id", task.ID.String()), zap.Error(perr))
	}
}

func (p *Pool) acquireGate(ctx context.Context, accountID string) (func(), bool) {
	noop := func() {}
	if p.gate == nil {
		return noop, true
	}
	for {
		acquired, err := p.gate.Acquire(ctx, accountID, p.cfg.WorkersPerAccount)
		if err != nil {
			if ctx.Err() != nil {
				return nil, false
			}
			p.log.Warn("dispatch: gate unavailable, sending ungated", zap.String("account_id", accountID), zap.Error(err))
			return noop, true
		}
		if acquired {
			return func() {
				if err := p.gate.Release(context.Background(), accountID); err != nil {
					p.log.Warn("dispatch: release gate", zap.String("account_id", accountID), zap.Error(err))
				}
			}, true
		}
		if !p.sleep(ctx, gatePollInterval) {
			return nil, false
		}
	}
}

func (p *Pool) releaseSlot(slot safety.Slot) {
	if err := p.limiter.ReleaseSlot(context.Background(), slot); err != nil {
		p.log.Warn("dispatch: release slot", zap.String("account_id", slot.AccountID), zap.Error(err))
	}
}

// sleep waits d or until ctx is done. It reports whether the full wait elapsed.
func (p *Pool) sleep(ctx context.Context, d time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	if d <= 0 {
		return true
	}
	timer := p.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.Chan():
		return true
	}
}

func (p *Pool) backoff(attempt int) time.Duration {
	base := p.cfg.BaseDelay
	if base <= 0 {
		return 0
	}
	maxDelay := p.cfg.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Minute
	}

	delay := time.Duration(math.Pow(2, float64(attempt-1))) * base
	if delay > maxDelay {
		delay = maxDelay
	}

	if p.cfg.Jitter > 0 {
		p.rngMu.Lock()
		fraction := p.rng.Float64()*p.cfg.Jitter - p.cfg.Jitter/2
		p.rngMu.Unlock()
		delay += time.Duration(float64(delay) * fraction)
		if delay < base {
			delay = base
		}
	}
	return delay
}
