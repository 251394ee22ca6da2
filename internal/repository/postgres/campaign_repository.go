package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/acme/blast-dispatch/internal/domain"
	"github.com/acme/blast-dispatch/internal/repository"
)

const campaignColumns = `id, organization_id, account_id, name, content, media_url, recipients,
	state, state_reason, safety_config, scheduled_at, created_at, updated_at, started_at, completed_at`

const countActiveQuery = `SELECT COUNT(*) FROM campaigns
	WHERE organization_id = $1 AND state IN ($2, $3, $4)`

// CampaignRepository implements repository.CampaignRepository using PostgreSQL.
type CampaignRepository struct {
	db *sqlx.DB
}

// NewCampaignRepository constructs a new repository.
func NewCampaignRepository(db *sqlx.DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

// Create inserts a new campaign.
func (r *CampaignRepository) Create(ctx context.Context, campaign *domain.Campaign) error {
	return insertCampaign(ctx, r.db, campaign)
}

// CreateWithinLimit inserts a campaign while holding a transaction-scoped
// advisory lock on its organization, so concurrent creates see each other's
// rows when counting.
func (r *CampaignRepository) CreateWithinLimit(ctx context.Context, campaign *domain.Campaign, maxActive int) error {
	if maxActive <= 0 {
		return r.Create(ctx, campaign)
	}
	return withTx(ctx, r.db, nil, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, campaign.OrganizationID); err != nil {
			return fmt.Errorf("campaign repo: lock organization: %w", err)
		}
		var active int
		if err := tx.GetContext(ctx, &active, countActiveQuery, campaign.OrganizationID,
			domain.CampaignStatePending, domain.CampaignStateRunning, domain.CampaignStatePaused); err != nil {
			return fmt.Errorf("campaign repo: count active: %w", err)
		}
		if active >= maxActive {
			return fmt.Errorf("%w: organization %q has %d active campaigns (max %d)",
				repository.ErrQuotaExceeded, campaign.OrganizationID, active, maxActive)
		}
		return insertCampaign(ctx, tx, campaign)
	})
}

func insertCampaign(ctx context.Context, db sqlx.ExtContext, campaign *domain.Campaign) error {
	q := `INSERT INTO campaigns (
		id, organization_id, account_id, name, content, media_url, recipients,
		state, state_reason, safety_config, scheduled_at, created_at, updated_at, started_at, completed_at
	) VALUES (
		:id, :organization_id, :account_id, :name, :content, :media_url, :recipients,
		:state, :state_reason, :safety_config, :scheduled_at, :created_at, :updated_at, :started_at, :completed_at
	)`

	params, err := campaignParams(campaign)
	if err != nil {
		return err
	}

	if _, err := sqlx.NamedExecContext(ctx, db, q, params); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return repository.ErrConflict
		}
		if strings.Contains(err.Error(), "SQLSTATE 23505") {
			return repository.ErrConflict
		}
		return fmt.Errorf("campaign repo: insert: %w", err)
	}

	return nil
}

// Get fetches a campaign by id.
func (r *CampaignRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	row := r.db.QueryRowxContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id)
	var record campaignRecord
	if err := row.StructScan(&record); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("campaign repo: get: %w", err)
	}

	return record.toDomain()
}

// Update persists lifecycle fields. Recipients and the safety snapshot are
// immutable after creation and are not rewritten.
func (r *CampaignRepository) Update(ctx context.Context, campaign *domain.Campaign) error {
	q := `UPDATE campaigns SET
		name = :name,
		state = :state,
		state_reason = :state_reason,
		scheduled_at = :scheduled_at,
		updated_at = :updated_at,
		started_at = :started_at,
		completed_at = :completed_at
	 WHERE id = :id`

	params, err := campaignParams(campaign)
	if err != nil {
		return err
	}

	res, err := r.db.NamedExecContext(ctx, q, params)
	if err != nil {
		return fmt.Errorf("campaign repo: update: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("campaign repo: rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// Delete removes a campaign row. Tasks and statistics cascade.
func (r *CampaignRepository) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM campaigns WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("campaign repo: delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("campaign repo: rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// List returns campaigns matching the filter ordered by id.
func (r *CampaignRepository) List(ctx context.Context, filter repository.CampaignFilter) ([]*domain.Campaign, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	var (
		clauses []string
		args    []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if filter.OrganizationID != "" {
		add("organization_id = $%d", filter.OrganizationID)
	}
	if filter.AccountID != "" {
		add("account_id = $%d", filter.AccountID)
	}
	if filter.State != "" {
		add("state = $%d", filter.State)
	}
	if filter.AfterID != nil {
		add("id > $%d", *filter.AfterID)
	}

	q := `SELECT ` + campaignColumns + ` FROM campaigns`
	if len(clauses) > 0 {
		q += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	args = append(args, limit)
	q += fmt.Sprintf(` ORDER BY id ASC LIMIT $%d`, len(args))

	return r.query(ctx, "list", q, args...)
}

// ListByState returns campaigns in the given state, oldest update first.
func (r *CampaignRepository) ListByState(ctx context.Context, state domain.CampaignState, limit int) ([]*domain.Campaign, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.query(ctx, "list by state", `SELECT `+campaignColumns+`
		FROM campaigns WHERE state = $1 ORDER BY updated_at ASC LIMIT $2`, state, limit)
}

// ListDue returns pending campaigns whose schedule time has passed.
func (r *CampaignRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*domain.Campaign, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.query(ctx, "list due", `SELECT `+campaignColumns+`
		FROM campaigns WHERE state = $1 AND scheduled_at IS NOT NULL AND scheduled_at <= $2
		ORDER BY scheduled_at ASC LIMIT $3`, domain.CampaignStatePending, now, limit)
}

// CountActive counts non-terminal campaigns of an organization.
func (r *CampaignRepository) CountActive(ctx context.Context, organizationID string) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n, countActiveQuery,
		organizationID, domain.CampaignStatePending, domain.CampaignStateRunning, domain.CampaignStatePaused)
	if err != nil {
		return 0, fmt.Errorf("campaign repo: count active: %w", err)
	}
	return n, nil
}

func (r *CampaignRepository) query(ctx context.Context, op, q string, args ...any) ([]*domain.Campaign, error) {
	rows, err := r.db.QueryxContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("campaign repo: %s: %w", op, err)
	}
	defer rows.Close()

	var results []*domain.Campaign
	for rows.Next() {
		var record campaignRecord
		if err := rows.StructScan(&record); err != nil {
			return nil, fmt.Errorf("campaign repo: scan: %w", err)
		}
		campaign, err := record.toDomain()
		if err != nil {
			return nil, err
		}
		results = append(results, campaign)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("campaign repo: rows err: %w", err)
	}

	return results, nil
}

func campaignParams(c *domain.Campaign) (map[string]any, error) {
	safety, err := json.Marshal(c.Safety)
	if err != nil {
		return nil, fmt.Errorf("campaign repo: marshal safety config: %w", err)
	}
	return map[string]any{
		"id":              c.ID,
		"organization_id": c.OrganizationID,
		"account_id":      c.AccountID,
		"name":            c.Name,
		"content":         c.Content,
		"media_url":       c.MediaURL,
		"recipients":      pq.StringArray(c.Recipients),
		"state":           c.State,
		"state_reason":    c.StateReason,
		"safety_config":   safety,
		"scheduled_at":    c.ScheduledAt,
		"created_at":      c.CreatedAt,
		"updated_at":      c.UpdatedAt,
		"started_at":      c.StartedAt,
		"completed_at":    c.CompletedAt,
	}, nil
}

type campaignRecord struct {
	ID             uuid.UUID      `db:"id"`
	OrganizationID string         `db:"organization_id"`
	AccountID      string         `db:"account_id"`
	Name           string         `db:"name"`
	Content        string         `db:"content"`
	MediaURL       sql.NullString `db:"media_url"`
	Recipients     pq.StringArray `db:"recipients"`
	State          string         `db:"state"`
	StateReason    sql.NullString `db:"state_reason"`
	SafetyConfig   []byte         `db:"safety_config"`
	ScheduledAt    sql.NullTime   `db:"scheduled_at"`
	CreatedAt      sql.NullTime   `db:"created_at"`
	UpdatedAt      sql.NullTime   `db:"updated_at"`
	StartedAt      sql.NullTime   `db:"started_at"`
	CompletedAt    sql.NullTime   `db:"completed_at"`
}

func (r campaignRecord) toDomain() (*domain.Campaign, error) {
	campaign := &domain.Campaign{
		ID:             r.ID,
		OrganizationID: r.OrganizationID,
		AccountID:      r.AccountID,
		Name:           r.Name,
		Content:        r.Content,
		MediaURL:       r.MediaURL.String,
		Recipients:     []string(r.Recipients),
		State:          domain.CampaignState(r.State),
		StateReason:    r.StateReason.String,
		ScheduledAt:    nullTime(r.ScheduledAt),
		CreatedAt:      r.CreatedAt.Time,
		UpdatedAt:      r.UpdatedAt.Time,
		StartedAt:      nullTime(r.StartedAt),
		CompletedAt:    nullTime(r.CompletedAt),
	}
	if len(r.SafetyConfig) > 0 {
		if err := json.Unmarshal(r.SafetyConfig, &campaign.Safety); err != nil {
			return nil, fmt.Errorf("campaign repo: decode safety config for %s: %w", r.ID, err)
		}
	}
	return campaign, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
