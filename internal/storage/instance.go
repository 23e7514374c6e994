package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// GetInstance returns the singleton instance row, or ErrNotFound before
// first configuration.
func (s *Store) GetInstance(ctx context.Context) (*Instance, error) {
	var inst Instance
	var cfg []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT name, api_token, edition, COALESCE(config, '{}'::jsonb)
		FROM instance WHERE id = 1`).Scan(&inst.Name, &inst.APIToken, &inst.Edition, &cfg)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("instance: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get instance: %w", err)
	}
	if err := json.Unmarshal(cfg, &inst.Config); err != nil {
		return nil, fmt.Errorf("decode instance config: %w", err)
	}
	return &inst, nil
}

// SetInstance creates or replaces the singleton instance row. Edition
// defaults to community on first write and is otherwise preserved; use
// UpgradeToEE to change it.
func (s *Store) SetInstance(ctx context.Context, inst *Instance) error {
	cfg, err := json.Marshal(inst.Config)
	if err != nil {
		return fmt.Errorf("encode instance config: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO instance (id, name, api_token, edition, config)
		VALUES (1, $1, $2, 'ce', $3)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			api_token = EXCLUDED.api_token,
			config = EXCLUDED.config`,
		inst.Name, inst.APIToken, cfg)
	if err != nil {
		return fmt.Errorf("set instance: %w", err)
	}
	return nil
}

// UpgradeToEE flips the instance edition to enterprise. Idempotent.
func (s *Store) UpgradeToEE(ctx context.Context) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE instance SET edition = 'ee' WHERE id = 1`)
	if err != nil {
		return fmt.Errorf("upgrade edition: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("instance: %w", ErrNotFound)
	}
	return nil
}
