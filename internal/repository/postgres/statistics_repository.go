package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/blast-dispatch/internal/domain"
	"github.com/acme/blast-dispatch/internal/repository"
)

// CampaignStatisticsRepository implements repository.CampaignStatisticsRepository.
type CampaignStatisticsRepository struct {
	db *sqlx.DB
}

// NewCampaignStatisticsRepository builds the repository.
func NewCampaignStatisticsRepository(db *sqlx.DB) *CampaignStatisticsRepository {
	return &CampaignStatisticsRepository{db: db}
}

// Ensure ensures a row exists for the campaign with the given total.
func (r *CampaignStatisticsRepository) Ensure(ctx context.Context, campaignID uuid.UUID, total int64) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO campaign_statistics (campaign_id, total)
		VALUES ($1, $2) ON CONFLICT (campaign_id) DO NOTHING`, campaignID, total)
	if err != nil {
		return fmt.Errorf("campaign stats: ensure: %w", err)
	}
	return nil
}

// Get retrieves statistics.
func (r *CampaignStatisticsRepository) Get(ctx context.Context, campaignID uuid.UUID) (domain.CampaignCounters, error) {
	row := r.db.QueryRowxContext(ctx, `SELECT sent, failed, total
		FROM campaign_statistics WHERE campaign_id = $1`, campaignID)

	var rec statsRecord
	if err := row.StructScan(&rec); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.CampaignCounters{}, repository.ErrNotFound
		}
		return domain.CampaignCounters{}, fmt.Errorf("campaign stats: get: %w", err)
	}
	return domain.CampaignCounters{Sent: rec.Sent, Failed: rec.Failed, Total: rec.Total}, nil
}

// ApplyDelta applies counter deltas atomically. The update is refused when it
// would push sent+failed above total.
func (r *CampaignStatisticsRepository) ApplyDelta(ctx context.Context, campaignID uuid.UUID, delta repository.StatsDelta) error {
	res, err := r.db.ExecContext(ctx, `UPDATE campaign_statistics SET
		sent = sent + $2,
		failed = failed + $3,
		updated_at = NOW()
	WHERE campaign_id = $1 AND sent + failed + $2 + $3 <= total`,
		campaignID,
		delta.SentDelta,
		delta.FailedDelta,
	)
	if err != nil {
		return fmt.Errorf("campaign stats: apply delta: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("campaign stats: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("campaign stats: apply delta to %s: %w", campaignID, repository.ErrConflict)
	}
	return nil
}

// Delete removes the statistics row.
func (r *CampaignStatisticsRepository) Delete(ctx context.Context, campaignID uuid.UUID) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM campaign_statistics WHERE campaign_id = $1`, campaignID); err != nil {
		return fmt.Errorf("campaign stats: delete: %w", err)
	}
	return nil
}

type statsRecord struct {
	Sent   int64 `db:"sent"`
	Failed int64 `db:"failed"`
	Total  int64 `db:"total"`
}
