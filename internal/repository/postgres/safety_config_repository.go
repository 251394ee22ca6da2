package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/acme/blast-dispatch/internal/domain"
	"github.com/acme/blast-dispatch/internal/repository"
)

// SafetyConfigRepository stores safety overrides keyed by scope and id.
type SafetyConfigRepository struct {
	db *sqlx.DB
}

// NewSafetyConfigRepository constructs the repository.
func NewSafetyConfigRepository(db *sqlx.DB) *SafetyConfigRepository {
	return &SafetyConfigRepository{db: db}
}

// Get returns the override for the scope, or ErrNotFound.
func (r *SafetyConfigRepository) Get(ctx context.Context, scope domain.SafetyScope, id string) (*domain.SafetyConfig, error) {
	var raw []byte
	err := r.db.GetContext(ctx, &raw, `SELECT config FROM safety_configs WHERE scope = $1 AND scope_id = $2`, scope, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("safety config repo: get: %w", err)
	}

	var cfg domain.SafetyConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("safety config repo: decode %s/%s: %w", scope, id, err)
	}
	return &cfg, nil
}

// Upsert stores or replaces the override.
func (r *SafetyConfigRepository) Upsert(ctx context.Context, scope domain.SafetyScope, id string, cfg domain.SafetyConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("safety config repo: encode: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `INSERT INTO safety_configs (scope, scope_id, config, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (scope, scope_id) DO UPDATE SET config = EXCLUDED.config, updated_at = NOW()`,
		scope, id, raw)
	if err != nil {
		return fmt.Errorf("safety config repo: upsert: %w", err)
	}
	return nil
}

// Delete removes the override.
func (r *SafetyConfigRepository) Delete(ctx context.Context, scope domain.SafetyScope, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM safety_configs WHERE scope = $1 AND scope_id = $2`, scope, id)
	if err != nil {
		return fmt.Errorf("safety config repo: delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("safety config repo: rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}
