package campaign

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/blast-dispatch/internal/domain"
	"github.com/acme/blast-dispatch/internal/repository"
	"github.com/acme/blast-dispatch/internal/service/dispatch"
	"github.com/acme/blast-dispatch/internal/service/risk"
	"github.com/acme/blast-dispatch/internal/service/safety"
	apperrors "github.com/acme/blast-dispatch/pkg/errors"
	"github.com/acme/blast-dispatch/pkg/logger"
)

const listPageSize = 200

// Dispatcher runs recipient tasks. It is satisfied by *dispatch.Pool.
type Dispatcher interface {
	Submit(job dispatch.Job) error
	Pause(campaignID uuid.UUID) bool
	Resume(campaignID uuid.UUID) bool
	Remove(campaignID uuid.UUID)
}

// RiskEvaluator runs the pre-flight assessment.
type RiskEvaluator interface {
	Evaluate(ctx context.Context, req risk.Request) (domain.RiskAssessment, error)
}

// ConfigResolver returns the effective safety settings for an account.
type ConfigResolver interface {
	Resolve(ctx context.Context, accountID, organizationID string) (domain.SafetyConfig, safety.ConfigSource, error)
}

// QuotaChecker answers whether an organization may create another campaign.
// MaxActive is the cap the repository enforces again at insert time.
type QuotaChecker interface {
	CheckCampaignQuota(ctx context.Context, organizationID string) error
	MaxActive() int
}

// Deps are the collaborators of the service. Quota is optional.
type Deps struct {
	Campaigns  repository.CampaignRepository
	Tasks      repository.RecipientTaskRepository
	Stats      repository.CampaignStatisticsRepository
	Configs    ConfigResolver
	Risk       RiskEvaluator
	Quota      QuotaChecker
	Dispatcher Dispatcher
	Clock      clockwork.Clock
	Logger     *logger.Logger
}

// Service owns the campaign lifecycle. Every state change goes through
// domain.Campaign.Transition under the campaign's lock.
type Service struct {
	repo       repository.CampaignRepository
	tasks      repository.RecipientTaskRepository
	stats      repository.CampaignStatisticsRepository
	configs    ConfigResolver
	risk       RiskEvaluator
	quota      QuotaChecker
	dispatcher Dispatcher
	clock      clockwork.Clock
	log        *logger.Logger
	tracer     trace.Tracer

	// lifecycle is held shared by Start and exclusively by PauseAll and
	// ResumeAll so a start cannot slip past a global pause.
	lifecycle sync.RWMutex

	locksMu sync.Mutex
	locks   map[uuid.UUID]*sync.Mutex
}

// NewService constructs a campaign service.
func NewService(deps Deps) *Service {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Logger == nil {
		deps.Logger = logger.NewNop()
	}
	return &Service{
		repo:       deps.Campaigns,
		tasks:      deps.Tasks,
		stats:      deps.Stats,
		configs:    deps.Configs,
		risk:       deps.Risk,
		quota:      deps.Quota,
		dispatcher: deps.Dispatcher,
		clock:      deps.Clock,
		log:        deps.Logger.Named("campaign"),
		tracer:     otel.Tracer("blast.campaign"),
		locks:      make(map[uuid.UUID]*sync.Mutex),
	}
}

// CreateCampaignInput captures campaign creation parameters.
type CreateCampaignInput struct {
	OrganizationID string
	AccountID      string
	Name           string
	Content        string
	MediaURL       string
	Recipients     []string
	ScheduledAt    *time.Time
	// Safety overrides the resolved account/organization settings.
	Safety *domain.SafetyConfig
}

// Create validates the input, consults the quota collaborator, snapshots the
// effective safety settings and stores the campaign as pending.
func (s *Service) Create(ctx context.Context, input CreateCampaignInput) (*domain.Campaign, error) {
	recipients, err := validateCreateInput(input)
	if err != nil {
		return nil, err
	}

	maxActive := 0
	if s.quota != nil {
		if err := s.quota.CheckCampaignQuota(ctx, input.OrganizationID); err != nil {
			return nil, err
		}
		maxActive = s.quota.MaxActive()
	}

	var cfg domain.SafetyConfig
	if input.Safety != nil {
		cfg = *input.Safety
	} else {
		cfg, _, err = s.configs.Resolve(ctx, input.AccountID, input.OrganizationID)
		if err != nil {
			return nil, fmt.Errorf("campaign service: resolve safety config: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	campaign := &domain.Campaign{
		ID:             uuid.New(),
		OrganizationID: input.OrganizationID,
		AccountID:      input.AccountID,
		Name:           strings.TrimSpace(input.Name),
		Content:        input.Content,
		MediaURL:       input.MediaURL,
		Recipients:     recipients,
		State:          domain.CampaignStatePending,
		Counters:       domain.CampaignCounters{Total: int64(len(recipients))},
		Safety:         cfg,
		ScheduledAt:    input.ScheduledAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.repo.CreateWithinLimit(ctx, campaign, maxActive); err != nil {
		return nil, fmt.Errorf("campaign service: create campaign: %w", err)
	}
	if err := s.stats.Ensure(ctx, campaign.ID, campaign.Counters.Total); err != nil {
		return nil, fmt.Errorf("campaign service: ensure stats: %w", err)
	}

	s.log.Info("campaign created",
		zap.String("campaign_id", campaign.ID.String()),
		zap.String("account_id", campaign.AccountID),
		zap.Int64("recipients", campaign.Counters.Total))
	return campaign, nil
}

// Get returns a campaign with its current counters.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	campaign, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.loadCounters(ctx, campaign); err != nil {
		return nil, err
	}
	return campaign, nil
}

// List returns campaigns matching the filter with their counters.
func (s *Service) List(ctx context.Context, filter repository.CampaignFilter) ([]*domain.Campaign, error) {
	campaigns, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	for _, c := range campaigns {
		if err := s.loadCounters(ctx, c); err != nil {
			return nil, err
		}
	}
	return campaigns, nil
}

// Progress summarises a campaign's state and counters.
func (s *Service) Progress(ctx context.Context, id uuid.UUID) (domain.Progress, error) {
	campaign, err := s.Get(ctx, id)
	if err != nil {
		return domain.Progress{}, err
	}
	return domain.NewProgress(campaign), nil
}

// Start assesses a pending campaign and, if allowed, materialises its
// recipient tasks and hands them to the dispatcher. A refused assessment
// fails the campaign and returns *RiskBlockedError.
func (s *Service) Start(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	s.lifecycle.RLock()
	defer s.lifecycle.RUnlock()

	unlock := s.lock(id)
	defer unlock()

	ctx, span := s.tracer.Start(ctx, "campaign.start", trace.WithAttributes(attribute.String("campaign.id", id.String())))
	defer span.End()

	campaign, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if campaign.State != domain.CampaignStatePending {
		return nil, &domain.TransitionError{From: campaign.State, To: domain.CampaignStateRunning}
	}

	assessment, err := s.risk.Evaluate(ctx, risk.Request{
		AccountID:      campaign.AccountID,
		RecipientCount: len(campaign.Recipients),
		Content:        campaign.Content,
		HasMedia:       campaign.HasMedia(),
		ScheduledAt:    campaign.ScheduledAt,
		Config:         campaign.Safety,
	})
	if err != nil {
		return nil, fmt.Errorf("campaign service: assess risk: %w", err)
	}
	span.SetAttributes(attribute.Int("risk.score", assessment.Score), attribute.String("risk.level", string(assessment.Level)))

	now := s.clock.Now().UTC()
	if !assessment.ShouldProceed {
		if err := s.transition(ctx, campaign, domain.CampaignStateFailed, domain.ReasonRiskBlocked, now); err != nil {
			return nil, err
		}
		s.log.Warn("campaign blocked by risk assessment",
			zap.String("campaign_id", id.String()),
			zap.String("level", string(assessment.Level)),
			zap.Int("score", assessment.Score),
			zap.Strings("factors", assessment.Factors))
		return campaign, &RiskBlockedError{Assessment: assessment}
	}

	tasks := make([]*domain.RecipientTask, 0, len(campaign.Recipients))
	for i, recipient := range campaign.Recipients {
		tasks = append(tasks, &domain.RecipientTask{
			ID:         uuid.New(),
			CampaignID: campaign.ID,
			Seq:        i,
			Recipient:  recipient,
			State:      domain.TaskStatePending,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	}
	if err := s.tasks.BulkInsert(ctx, campaign.ID, tasks); err != nil {
		return nil, fmt.Errorf("campaign service: store recipient tasks: %w", err)
	}

	if err := s.transition(ctx, campaign, domain.CampaignStateRunning, "", now); err != nil {
		return nil, err
	}
	if err := s.dispatcher.Submit(jobFor(campaign, tasks)); err != nil {
		s.log.Error("campaign dispatch rejected",
			zap.String("campaign_id", id.String()), zap.Error(err))
		if terr := s.transition(ctx, campaign, domain.CampaignStateFailed, domain.ReasonNoDispatch, s.clock.Now().UTC()); terr != nil {
			return nil, errors.Join(err, terr)
		}
		return nil, fmt.Errorf("campaign service: submit dispatch job: %w", err)
	}

	s.log.Info("campaign started",
		zap.String("campaign_id", id.String()),
		zap.String("risk_level", string(assessment.Level)),
		zap.Int("tasks", len(tasks)))
	return campaign, nil
}

// Pause stops new dispatches for a running campaign. Pausing a paused
// campaign is a no-op.
func (s *Service) Pause(ctx context.Context, id uuid.UUID, reason string) (*domain.Campaign, error) {
	unlock := s.lock(id)
	defer unlock()
	return s.pauseLocked(ctx, id, reason)
}

func (s *Service) pauseLocked(ctx context.Context, id uuid.UUID, reason string) (*domain.Campaign, error) {
	campaign, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if campaign.State == domain.CampaignStatePaused {
		return campaign, nil
	}
	if !domain.CanTransition(campaign.State, domain.CampaignStatePaused) {
		return nil, &domain.TransitionError{From: campaign.State, To: domain.CampaignStatePaused}
	}

	s.dispatcher.Pause(id)
	if err := s.transition(ctx, campaign, domain.CampaignStatePaused, reason, s.clock.Now().UTC()); err != nil {
		s.dispatcher.Resume(id)
		return nil, err
	}
	return campaign, nil
}

// Resume re-attaches a paused campaign's remaining tasks to the dispatcher.
// A paused campaign with no remaining recipients completes instead.
func (s *Service) Resume(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	unlock := s.lock(id)
	defer unlock()
	return s.resumeLocked(ctx, id)
}

func (s *Service) resumeLocked(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	campaign, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if campaign.State == domain.CampaignStateRunning {
		return campaign, nil
	}
	if campaign.State != domain.CampaignStatePaused {
		return nil, &domain.TransitionError{From: campaign.State, To: domain.CampaignStateRunning}
	}

	now := s.clock.Now().UTC()
	if err := s.transition(ctx, campaign, domain.CampaignStateRunning, "", now); err != nil {
		return nil, err
	}

	if campaign.Counters.Remaining() == 0 {
		s.dispatcher.Remove(id)
		if err := s.transition(ctx, campaign, domain.CampaignStateCompleted, "", now); err != nil {
			return nil, err
		}
		return campaign, nil
	}

	if s.dispatcher.Resume(id) {
		return campaign, nil
	}
	if err := s.submitPending(ctx, campaign); err != nil {
		return nil, err
	}
	return campaign, nil
}

// Abort fails a non-terminal campaign. Unstarted tasks stay pending.
func (s *Service) Abort(ctx context.Context, id uuid.UUID, reason string) (*domain.Campaign, error) {
	unlock := s.lock(id)
	defer unlock()

	campaign, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = domain.ReasonAborted
	}
	if !domain.CanTransition(campaign.State, domain.CampaignStateFailed) {
		return nil, &domain.TransitionError{From: campaign.State, To: domain.CampaignStateFailed}
	}

	s.dispatcher.Remove(id)
	if err := s.transition(ctx, campaign, domain.CampaignStateFailed, reason, s.clock.Now().UTC()); err != nil {
		return nil, err
	}
	s.log.Info("campaign aborted", zap.String("campaign_id", id.String()), zap.String("reason", reason))
	return campaign, nil
}

// Delete removes a terminal campaign with its tasks and counters.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	unlock := s.lock(id)
	campaign, err := s.repo.Get(ctx, id)
	if err != nil {
		unlock()
		return err
	}
	if !campaign.State.Terminal() {
		unlock()
		return fmt.Errorf("%w: campaign %s is %s, only completed or failed campaigns can be deleted",
			apperrors.ErrConflict, id, campaign.State)
	}

	if err := s.tasks.DeleteByCampaign(ctx, id); err != nil {
		unlock()
		return fmt.Errorf("campaign service: delete tasks: %w", err)
	}
	if err := s.stats.Delete(ctx, id); err != nil && !errors.Is(err, repository.ErrNotFound) {
		unlock()
		return fmt.Errorf("campaign service: delete stats: %w", err)
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		unlock()
		return err
	}
	unlock()

	s.locksMu.Lock()
	delete(s.locks, id)
	s.locksMu.Unlock()
	return nil
}

// RecordResult applies a task's final outcome to the campaign. It persists
// the task, bumps the counters, completes the campaign when every recipient
// is done and auto-pauses it when the failure rate crosses the limit.
func (s *Service) RecordResult(ctx context.Context, res dispatch.Result) error {
	unlock := s.lock(res.CampaignID)
	haltAccount, err := s.recordResultLocked(ctx, res)
	unlock()
	if err != nil {
		return err
	}

	if haltAccount != "" {
		paused, err := s.pauseAccount(ctx, haltAccount, res.CampaignID, domain.ReasonAccountHalt)
		if err != nil {
			return err
		}
		if len(paused) > 0 {
			s.log.Warn("account campaigns paused after failure spike",
				zap.String("account_id", haltAccount), zap.Int("campaigns", len(paused)))
		}
	}
	return nil
}

func (s *Service) recordResultLocked(ctx context.Context, res dispatch.Result) (string, error) {
	now := s.clock.Now().UTC()
	task := res.Task
	task.LastOutcome = res.Outcome
	task.UpdatedAt = now
	delta := repository.StatsDelta{}
	if res.Outcome == domain.OutcomeSent {
		task.State = domain.TaskStateSent
		task.LastError = nil
		delta.SentDelta = 1
	} else {
		task.State = domain.TaskStateFailed
		if res.Err != nil {
			msg := res.Err.Error()
			task.LastError = &msg
		}
		delta.FailedDelta = 1
	}

	if err := s.tasks.Update(ctx, task); err != nil {
		return "", fmt.Errorf("campaign service: update task %s: %w", task.ID, err)
	}

	campaign, err := s.repo.Get(ctx, res.CampaignID)
	if err != nil {
		return "", err
	}

	if err := s.stats.ApplyDelta(ctx, res.CampaignID, delta); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			s.failCorrupted(ctx, campaign, "counter overflow on task "+task.ID.String())
		}
		return "", fmt.Errorf("campaign service: apply counters: %w", err)
	}
	if err := s.loadCounters(ctx, campaign); err != nil {
		return "", err
	}

	if campaign.State != domain.CampaignStateRunning {
		return "", nil
	}

	if campaign.Counters.Remaining() == 0 {
		s.dispatcher.Remove(campaign.ID)
		if err := s.transition(ctx, campaign, domain.CampaignStateCompleted, "", now); err != nil {
			return "", err
		}
		s.log.Info("campaign completed",
			zap.String("campaign_id", campaign.ID.String()),
			zap.Int64("sent", campaign.Counters.Sent),
			zap.Int64("failed", campaign.Counters.Failed))
		return "", nil
	}

	if !ShouldAutoPause(campaign, campaign.Safety, res.Outcome) {
		return "", nil
	}

	rate := failureRate(campaign.Counters)
	reason := fmt.Sprintf("%s: failure rate %.2f exceeds %.2f", domain.ReasonAutoPaused, rate, campaign.Safety.MaxFailureRate)
	s.dispatcher.Pause(campaign.ID)
	if err := s.transition(ctx, campaign, domain.CampaignStatePaused, reason, now); err != nil {
		return "", err
	}
	s.log.Warn("campaign auto-paused",
		zap.String("campaign_id", campaign.ID.String()),
		zap.String("account_id", campaign.AccountID),
		zap.Float64("failure_rate", rate),
		zap.Int64("processed", campaign.Counters.Processed()))

	if campaign.Safety.PauseAccountOnFailure {
		return campaign.AccountID, nil
	}
	return "", nil
}

// PauseAll pauses every running campaign and returns the ids it paused.
func (s *Service) PauseAll(ctx context.Context, reason string) ([]uuid.UUID, error) {
	if reason == "" {
		reason = domain.ReasonAdminPause
	}

	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	running, err := s.collect(ctx, repository.CampaignFilter{State: domain.CampaignStateRunning})
	if err != nil {
		return nil, err
	}

	var (
		paused []uuid.UUID
		errs   []error
	)
	for _, c := range running {
		if _, err := s.Pause(ctx, c.ID, reason); err != nil {
			errs = append(errs, fmt.Errorf("pause %s: %w", c.ID, err))
			continue
		}
		paused = append(paused, c.ID)
	}
	s.log.Warn("all campaigns paused", zap.String("reason", reason), zap.Int("campaigns", len(paused)))
	return paused, errors.Join(errs...)
}

// ResumeAll resumes the given campaigns, or every paused campaign when ids is
// empty, and returns the ids it resumed.
func (s *Service) ResumeAll(ctx context.Context, ids []uuid.UUID) ([]uuid.UUID, error) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if len(ids) == 0 {
		paused, err := s.collect(ctx, repository.CampaignFilter{State: domain.CampaignStatePaused})
		if err != nil {
			return nil, err
		}
		for _, c := range paused {
			ids = append(ids, c.ID)
		}
	}

	var (
		resumed []uuid.UUID
		errs    []error
	)
	for _, id := range ids {
		if _, err := s.Resume(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("resume %s: %w", id, err))
			continue
		}
		resumed = append(resumed, id)
	}
	s.log.Info("campaigns resumed", zap.Int("campaigns", len(resumed)))
	return resumed, errors.Join(errs...)
}

// Recover re-attaches running campaigns to the dispatcher after a restart.
// Campaigns whose stored counters are inconsistent are failed.
func (s *Service) Recover(ctx context.Context) error {
	var errs []error
	for _, state := range []domain.CampaignState{domain.CampaignStateRunning, domain.CampaignStatePaused} {
		campaigns, err := s.collect(ctx, repository.CampaignFilter{State: state})
		if err != nil {
			return fmt.Errorf("campaign service: recover %s: %w", state, err)
		}
		for _, c := range campaigns {
			if err := s.recoverOne(ctx, c.ID); err != nil {
				errs = append(errs, fmt.Errorf("recover %s: %w", c.ID, err))
			}
		}
	}
	return errors.Join(errs...)
}

func (s *Service) recoverOne(ctx context.Context, id uuid.UUID) error {
	unlock := s.lock(id)
	defer unlock()

	campaign, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !campaign.Counters.Consistent() {
		s.failCorrupted(ctx, campaign, fmt.Sprintf("sent %d + failed %d exceeds total %d",
			campaign.Counters.Sent, campaign.Counters.Failed, campaign.Counters.Total))
		return nil
	}
	if campaign.State != domain.CampaignStateRunning {
		return nil
	}
	if campaign.Counters.Remaining() == 0 {
		return s.transition(ctx, campaign, domain.CampaignStateCompleted, "", s.clock.Now().UTC())
	}
	if err := s.submitPending(ctx, campaign); err != nil {
		return err
	}
	s.log.Info("campaign recovered",
		zap.String("campaign_id", id.String()),
		zap.Int64("remaining", campaign.Counters.Remaining()))
	return nil
}

// StartDue starts pending campaigns whose schedule time has passed and
// returns how many it started.
func (s *Service) StartDue(ctx context.Context, limit int) (int, error) {
	due, err := s.repo.ListDue(ctx, s.clock.Now().UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("campaign service: list due: %w", err)
	}

	started := 0
	var errs []error
	for _, c := range due {
		_, err := s.Start(ctx, c.ID)
		var blocked *RiskBlockedError
		switch {
		case err == nil:
			started++
		case errors.As(err, &blocked):
		default:
			errs = append(errs, fmt.Errorf("start %s: %w", c.ID, err))
		}
	}
	return started, errors.Join(errs...)
}

func (s *Service) pauseAccount(ctx context.Context, accountID string, except uuid.UUID, reason string) ([]uuid.UUID, error) {
	running, err := s.collect(ctx, repository.CampaignFilter{AccountID: accountID, State: domain.CampaignStateRunning})
	if err != nil {
		return nil, err
	}
	var paused []uuid.UUID
	for _, c := range running {
		if c.ID == except {
			continue
		}
		if _, err := s.Pause(ctx, c.ID, reason); err != nil {
			var terr *domain.TransitionError
			if errors.As(err, &terr) {
				continue
			}
			return paused, err
		}
		paused = append(paused, c.ID)
	}
	return paused, nil
}

func (s *Service) submitPending(ctx context.Context, campaign *domain.Campaign) error {
	pending, err := s.tasks.ListPending(ctx, campaign.ID)
	if err != nil {
		return fmt.Errorf("campaign service: list pending tasks: %w", err)
	}
	if err := s.dispatcher.Submit(jobFor(campaign, pending)); err != nil {
		return fmt.Errorf("campaign service: submit dispatch job: %w", err)
	}
	return nil
}

func (s *Service) failCorrupted(ctx context.Context, campaign *domain.Campaign, detail string) {
	s.dispatcher.Remove(campaign.ID)
	reason := domain.ReasonCorrupted + ": " + detail
	s.log.Error("campaign state corrupted",
		zap.String("campaign_id", campaign.ID.String()),
		zap.String("detail", detail))
	if campaign.State.Terminal() {
		return
	}
	if err := s.transition(ctx, campaign, domain.CampaignStateFailed, reason, s.clock.Now().UTC()); err != nil {
		s.log.Error("fail corrupted campaign", zap.String("campaign_id", campaign.ID.String()), zap.Error(err))
	}
}

func (s *Service) transition(ctx context.Context, campaign *domain.Campaign, to domain.CampaignState, reason string, now time.Time) error {
	from := campaign.State
	if err := campaign.Transition(to, reason, now); err != nil {
		return err
	}
	if err := s.repo.Update(ctx, campaign); err != nil {
		return fmt.Errorf("campaign service: persist %s -> %s: %w", from, to, err)
	}
	return nil
}

func (s *Service) loadCounters(ctx context.Context, campaign *domain.Campaign) error {
	counters, err := s.stats.Get(ctx, campaign.ID)
	if err != nil {
		return fmt.Errorf("campaign service: load counters for %s: %w", campaign.ID, err)
	}
	campaign.Counters = counters
	return nil
}

// collect pages through every campaign matching the filter.
func (s *Service) collect(ctx context.Context, filter repository.CampaignFilter) ([]*domain.Campaign, error) {
	filter.Limit = listPageSize
	var out []*domain.Campaign
	for {
		page, err := s.repo.List(ctx, filter)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < listPageSize {
			return out, nil
		}
		last := page[len(page)-1].ID
		filter.AfterID = &last
	}
}

func (s *Service) lock(id uuid.UUID) func() {
	s.locksMu.Lock()
	mu, ok := s.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[id] = mu
	}
	s.locksMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

func jobFor(c *domain.Campaign, tasks []*domain.RecipientTask) dispatch.Job {
	return dispatch.Job{
		CampaignID: c.ID,
		AccountID:  c.AccountID,
		Content:    c.Content,
		MediaURL:   c.MediaURL,
		Safety:     c.Safety,
		Tasks:      tasks,
	}
}

func validateCreateInput(input CreateCampaignInput) ([]string, error) {
	if strings.TrimSpace(input.Name) == "" {
		return nil, fmt.Errorf("%w: campaign name is required", apperrors.ErrValidation)
	}
	if input.AccountID == "" {
		return nil, fmt.Errorf("%w: account id is required", apperrors.ErrValidation)
	}
	if strings.TrimSpace(input.Content) == "" {
		return nil, fmt.Errorf("%w: message content is required", apperrors.ErrValidation)
	}

	seen := make(map[string]struct{}, len(input.Recipients))
	recipients := make([]string, 0, len(input.Recipients))
	for _, r := range input.Recipients {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		recipients = append(recipients, r)
	}
	if len(recipients) == 0 {
		return nil, fmt.Errorf("%w: at least one recipient is required", apperrors.ErrValidation)
	}
	return recipients, nil
}
