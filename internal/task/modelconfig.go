package task

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/forgebase/taskcore/internal/apperr"
	v1 "github.com/forgebase/taskcore/pkg/api/v1"
)

// UpsertModelConfig clears isDefault on every other row when the supplied
// config sets isDefault=true, enforcing "at most one default" (spec §3).
func (s *Store) UpsertModelConfig(ctx context.Context, cfg v1.ModelConfig, now time.Time) (*v1.ModelConfig, error) {
	cfg.UpdatedAt = now
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if cfg.IsDefault {
			if _, err := tx.Exec(`UPDATE model_configs SET is_default = 0 WHERE id != ?`, cfg.ID); err != nil {
				return apperr.IOFault("clear prior default model config", err)
			}
		}
		_, err := tx.Exec(`INSERT INTO model_configs (id, display_name, provider, is_enabled, is_default, config_json, updated_at)
			VALUES (?,?,?,?,?,?,?)
			ON CONFLICT(id) DO UPDATE SET
				display_name = excluded.display_name, provider = excluded.provider,
				is_enabled = excluded.is_enabled, is_default = excluded.is_default,
				config_json = excluded.config_json, updated_at = excluded.updated_at`,
			cfg.ID, cfg.DisplayName, cfg.Provider, boolToInt(cfg.IsEnabled), boolToInt(cfg.IsDefault), cfg.ConfigJSON, cfg.UpdatedAt)
		if err != nil {
			return apperr.IOFault("upsert model config", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ListModelConfigs returns every configured model.
func (s *Store) ListModelConfigs(ctx context.Context) ([]v1.ModelConfig, error) {
	var rows []struct {
		ID          string    `db:"id"`
		DisplayName string    `db:"display_name"`
		Provider    string    `db:"provider"`
		IsEnabled   int       `db:"is_enabled"`
		IsDefault   int       `db:"is_default"`
		ConfigJSON  string    `db:"config_json"`
		UpdatedAt   time.Time `db:"updated_at"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT id, display_name, provider, is_enabled, is_default, config_json, updated_at
		FROM model_configs ORDER BY display_name ASC`); err != nil {
		return nil, apperr.IOFault("list model configs", err)
	}
	out := make([]v1.ModelConfig, 0, len(rows))
	for _, r := range rows {
		out = append(out, v1.ModelConfig{
			ID: r.ID, DisplayName: r.DisplayName, Provider: r.Provider,
			IsEnabled: r.IsEnabled != 0, IsDefault: r.IsDefault != 0,
			ConfigJSON: r.ConfigJSON, UpdatedAt: r.UpdatedAt,
		})
	}
	return out, nil
}

// DeleteModelConfig removes a model config row.
func (s *Store) DeleteModelConfig(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM model_configs WHERE id = ?`, id)
	if err != nil {
		return apperr.IOFault("delete model config", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.Conflict("model config %s not found", id)
	}
	return nil
}
