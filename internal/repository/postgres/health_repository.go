package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/acme/blast-dispatch/internal/domain"
)

// HealthRepository persists hourly outcome buckets per account.
type HealthRepository struct {
	db *sqlx.DB
}

// NewHealthRepository constructs the repository.
func NewHealthRepository(db *sqlx.DB) *HealthRepository {
	return &HealthRepository{db: db}
}

// ListBuckets returns buckets starting at or after since, oldest first.
func (r *HealthRepository) ListBuckets(ctx context.Context, accountID string, since time.Time) ([]domain.HealthBucket, error) {
	var records []bucketRecord
	err := r.db.SelectContext(ctx, &records, `SELECT account_id, hour_start, sent, failed, blocked, reported
		FROM account_health_buckets
		WHERE account_id = $1 AND hour_start >= $2
		ORDER BY hour_start ASC`, accountID, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("health repo: list buckets: %w", err)
	}

	buckets := make([]domain.HealthBucket, 0, len(records))
	for _, rec := range records {
		buckets = append(buckets, domain.HealthBucket{
			AccountID: rec.AccountID,
			HourStart: rec.HourStart.UTC(),
			Sent:      rec.Sent,
			Failed:    rec.Failed,
			Blocked:   rec.Blocked,
			Reported:  rec.Reported,
		})
	}
	return buckets, nil
}

// IncrementBucket adds one outcome to the bucket starting at hourStart.
func (r *HealthRepository) IncrementBucket(ctx context.Context, accountID string, hourStart time.Time, kind domain.OutcomeKind) error {
	var b domain.HealthBucket
	b.Add(kind)

	_, err := r.db.ExecContext(ctx, `INSERT INTO account_health_buckets (account_id, hour_start, sent, failed, blocked, reported)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (account_id, hour_start) DO UPDATE SET
			sent = account_health_buckets.sent + EXCLUDED.sent,
			failed = account_health_buckets.failed + EXCLUDED.failed,
			blocked = account_health_buckets.blocked + EXCLUDED.blocked,
			reported = account_health_buckets.reported + EXCLUDED.reported`,
		accountID, hourStart.UTC(), b.Sent, b.Failed, b.Blocked, b.Reported)
	if err != nil {
		return fmt.Errorf("health repo: increment bucket: %w", err)
	}
	return nil
}

type bucketRecord struct {
	AccountID string    `db:"account_id"`
	HourStart time.Time `db:"hour_start"`
	Sent      int64     `db:"sent"`
	Failed    int64     `db:"failed"`
	Blocked   int64     `db:"blocked"`
	Reported  int64     `db:"reported"`
}
