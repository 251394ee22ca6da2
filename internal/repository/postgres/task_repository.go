package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/blast-dispatch/internal/domain"
	"github.com/acme/blast-dispatch/internal/repository"
)

// RecipientTaskRepository persists per-recipient campaign tasks.
type RecipientTaskRepository struct {
	db *sqlx.DB
}

// NewRecipientTaskRepository constructs the repository.
func NewRecipientTaskRepository(db *sqlx.DB) *RecipientTaskRepository {
	return &RecipientTaskRepository{db: db}
}

// BulkInsert inserts the tasks of a campaign in a single transaction.
func (r *RecipientTaskRepository) BulkInsert(ctx context.Context, campaignID uuid.UUID, tasks []*domain.RecipientTask) error {
	if len(tasks) == 0 {
		return nil
	}

	return withTx(ctx, r.db, nil, func(tx *sqlx.Tx) error {
		stmt, err := tx.PreparexContext(ctx, `INSERT INTO recipient_tasks (
			id, campaign_id, seq, recipient, state, attempts, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`)
		if err != nil {
			return fmt.Errorf("recipient tasks: prepare insert: %w", err)
		}
		defer stmt.Close()

		for _, t := range tasks {
			if _, err := stmt.ExecContext(ctx, t.ID, campaignID, t.Seq, t.Recipient, t.State, t.Attempts, t.CreatedAt, t.CreatedAt); err != nil {
				return fmt.Errorf("recipient tasks: insert: %w", err)
			}
		}
		return nil
	})
}

// ListPending returns the pending tasks of a campaign in insertion order.
func (r *RecipientTaskRepository) ListPending(ctx context.Context, campaignID uuid.UUID) ([]*domain.RecipientTask, error) {
	rows, err := r.db.QueryxContext(ctx, `SELECT id, campaign_id, seq, recipient, state, attempts, last_outcome, last_error, created_at, updated_at
		FROM recipient_tasks
		WHERE campaign_id = $1 AND state = $2
		ORDER BY seq ASC`, campaignID, domain.TaskStatePending)
	if err != nil {
		return nil, fmt.Errorf("recipient tasks: list pending: %w", err)
	}
	defer rows.Close()

	var results []*domain.RecipientTask
	for rows.Next() {
		var rec taskRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("recipient tasks: scan: %w", err)
		}
		results = append(results, rec.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recipient tasks: rows err: %w", err)
	}
	return results, nil
}

// Update writes the outcome fields of a task.
func (r *RecipientTaskRepository) Update(ctx context.Context, task *domain.RecipientTask) error {
	res, err := r.db.ExecContext(ctx, `UPDATE recipient_tasks SET
		state = $2, attempts = $3, last_outcome = $4, last_error = $5, updated_at = $6
		WHERE id = $1`,
		task.ID, task.State, task.Attempts, nullString(string(task.LastOutcome)), task.LastError, task.UpdatedAt)
	if err != nil {
		return fmt.Errorf("recipient tasks: update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("recipient tasks: rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// CountByState groups the tasks of a campaign by state.
func (r *RecipientTaskRepository) CountByState(ctx context.Context, campaignID uuid.UUID) (map[domain.TaskState]int64, error) {
	rows, err := r.db.QueryxContext(ctx, `SELECT state, COUNT(*) FROM recipient_tasks WHERE campaign_id = $1 GROUP BY state`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("recipient tasks: count: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.TaskState]int64)
	for rows.Next() {
		var (
			state string
			n     int64
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("recipient tasks: scan count: %w", err)
		}
		counts[domain.TaskState(state)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recipient tasks: rows err: %w", err)
	}
	return counts, nil
}

// DeleteByCampaign removes every task of a campaign.
func (r *RecipientTaskRepository) DeleteByCampaign(ctx context.Context, campaignID uuid.UUID) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM recipient_tasks WHERE campaign_id = $1`, campaignID); err != nil {
		return fmt.Errorf("recipient tasks: delete: %w", err)
	}
	return nil
}

type taskRecord struct {
	ID          uuid.UUID      `db:"id"`
	CampaignID  uuid.UUID      `db:"campaign_id"`
	Seq         int            `db:"seq"`
	Recipient   string         `db:"recipient"`
	State       string         `db:"state"`
	Attempts    int            `db:"attempts"`
	LastOutcome sql.NullString `db:"last_outcome"`
	LastError   sql.NullString `db:"last_error"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

func (r taskRecord) toDomain() *domain.RecipientTask {
	task := &domain.RecipientTask{
		ID:          r.ID,
		CampaignID:  r.CampaignID,
		Seq:         r.Seq,
		Recipient:   r.Recipient,
		State:       domain.TaskState(r.State),
		Attempts:    r.Attempts,
		LastOutcome: domain.OutcomeKind(r.LastOutcome.String),
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if r.LastError.Valid {
		msg := r.LastError.String
		task.LastError = &msg
	}
	return task
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
