package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"github.com/acme/blast-dispatch/internal/domain"
)

// AttemptStore persists send attempts in Scylla, partitioned by campaign.
type AttemptStore struct {
	session *gocql.Session
}

// NewAttemptStore creates a new attempt store.
func NewAttemptStore(session *gocql.Session) *AttemptStore {
	return &AttemptStore{session: session}
}

// AppendAttempt writes one attempt row.
func (s *AttemptStore) AppendAttempt(ctx context.Context, attempt domain.SendAttempt) error {
	durationMs := int64(attempt.Duration / time.Millisecond)
	if err := s.session.Query(`INSERT INTO send_attempts (campaign_id, created_at, attempt_id, task_id, account_id, recipient, attempt_number, outcome, error, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		attempt.CampaignID.String(), attempt.CreatedAt, attempt.ID.String(), attempt.TaskID.String(), attempt.AccountID,
		attempt.Recipient, attempt.AttemptNum, string(attempt.Outcome), attempt.Error, durationMs,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("attempt store: append attempt: %w", err)
	}
	return nil
}

// ListAttemptsByCampaign lists attempts of a campaign with driver paging.
func (s *AttemptStore) ListAttemptsByCampaign(ctx context.Context, campaignID uuid.UUID, limit int, pagingState []byte) ([]domain.SendAttempt, []byte, error) {
	if limit <= 0 {
		limit = 100
	}

	query := s.session.Query(`SELECT created_at, attempt_id, task_id, account_id, recipient, attempt_number, outcome, error, duration_ms
		FROM send_attempts WHERE campaign_id = ?`, campaignID.String()).WithContext(ctx)
	query = query.PageSize(limit)
	if len(pagingState) > 0 {
		query = query.PageState(pagingState)
	}

	iter := query.Iter()
	attempts := make([]domain.SendAttempt, 0, limit)

	var (
		created    time.Time
		attemptStr string
		taskStr    string
		accountID  string
		recipient  string
		attemptNum int
		outcome    string
		errMsg     string
		durationMs int64
	)

	for iter.Scan(&created, &attemptStr, &taskStr, &accountID, &recipient, &attemptNum, &outcome, &errMsg, &durationMs) {
		id, err := uuid.Parse(attemptStr)
		if err != nil {
			continue
		}
		taskID, err := uuid.Parse(taskStr)
		if err != nil {
			continue
		}

		attempts = append(attempts, domain.SendAttempt{
			ID:         id,
			CampaignID: campaignID,
			TaskID:     taskID,
			AccountID:  accountID,
			Recipient:  recipient,
			AttemptNum: attemptNum,
			Outcome:    domain.OutcomeKind(outcome),
			Error:      errMsg,
			CreatedAt:  created,
			Duration:   time.Duration(durationMs) * time.Millisecond,
		})
	}

	if err := iter.Close(); err != nil {
		return nil, nil, fmt.Errorf("attempt store: iter close: %w", err)
	}

	return attempts, iter.PageState(), nil
}
