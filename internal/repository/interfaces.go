package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/acme/blast-dispatch/internal/domain"
	apperrors "github.com/acme/blast-dispatch/pkg/errors"
)

var (
	// ErrNotFound indicates the entity was not located.
	ErrNotFound = apperrors.ErrNotFound
	// ErrConflict indicates a unique constraint violation.
	ErrConflict = apperrors.ErrConflict
	// ErrQuotaExceeded indicates an organization is at its active campaign cap.
	ErrQuotaExceeded = apperrors.ErrQuotaExceeded
)

// CampaignFilter narrows campaign listings.
type CampaignFilter struct {
	OrganizationID string
	AccountID      string
	State          domain.CampaignState
	AfterID        *uuid.UUID
	Limit          int
}

// CampaignRepository manages campaign metadata persistence. Counters live in
// CampaignStatisticsRepository and are not written by this repository.
type CampaignRepository interface {
	Create(ctx context.Context, campaign *domain.Campaign) error
	// CreateWithinLimit inserts the campaign only while its organization has
	// fewer than maxActive non-terminal campaigns. maxActive <= 0 means no cap.
	CreateWithinLimit(ctx context.Context, campaign *domain.Campaign, maxActive int) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error)
	Update(ctx context.Context, campaign *domain.Campaign) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, filter CampaignFilter) ([]*domain.Campaign, error)
	ListByState(ctx context.Context, state domain.CampaignState, limit int) ([]*domain.Campaign, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]*domain.Campaign, error)
	CountActive(ctx context.Context, organizationID string) (int, error)
}

// RecipientTaskRepository stores the per-recipient work items of a campaign.
type RecipientTaskRepository interface {
	BulkInsert(ctx context.Context, campaignID uuid.UUID, tasks []*domain.RecipientTask) error
	ListPending(ctx context.Context, campaignID uuid.UUID) ([]*domain.RecipientTask, error)
	Update(ctx context.Context, task *domain.RecipientTask) error
	CountByState(ctx context.Context, campaignID uuid.UUID) (map[domain.TaskState]int64, error)
	DeleteByCampaign(ctx context.Context, campaignID uuid.UUID) error
}

// CampaignStatisticsRepository keeps aggregate counters.
type CampaignStatisticsRepository interface {
	Ensure(ctx context.Context, campaignID uuid.UUID, total int64) error
	Get(ctx context.Context, campaignID uuid.UUID) (domain.CampaignCounters, error)
	ApplyDelta(ctx context.Context, campaignID uuid.UUID, delta StatsDelta) error
	Delete(ctx context.Context, campaignID uuid.UUID) error
}

// HealthRepository persists hourly outcome buckets per account.
type HealthRepository interface {
	ListBuckets(ctx context.Context, accountID string, since time.Time) ([]domain.HealthBucket, error)
	IncrementBucket(ctx context.Context, accountID string, hourStart time.Time, kind domain.OutcomeKind) error
}

// SafetyConfigRepository stores account and organization overrides.
type SafetyConfigRepository interface {
	Get(ctx context.Context, scope domain.SafetyScope, id string) (*domain.SafetyConfig, error)
	Upsert(ctx context.Context, scope domain.SafetyScope, id string, cfg domain.SafetyConfig) error
	Delete(ctx context.Context, scope domain.SafetyScope, id string) error
}

// AttemptStore persists the send attempt audit log.
type AttemptStore interface {
	AppendAttempt(ctx context.Context, attempt domain.SendAttempt) error
	ListAttemptsByCampaign(ctx context.Context, campaignID uuid.UUID, limit int, pagingState []byte) ([]domain.SendAttempt, []byte, error)
}

// StatsDelta captures atomic counter increments.
type StatsDelta struct {
	SentDelta   int64
	FailedDelta int64
}
