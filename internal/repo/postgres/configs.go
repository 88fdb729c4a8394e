package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/animus-labs/deploypipe/internal/domain"
)

type ConfigStore struct {
	db DB
}

const (
	upsertConfigQuery = `INSERT INTO pipeline_configs (application_ref, config, updated_at)
	VALUES ($1,$2,$3)
	ON CONFLICT (application_ref) DO UPDATE SET config = EXCLUDED.config, updated_at = EXCLUDED.updated_at`

	selectConfigQuery = `SELECT config, updated_at FROM pipeline_configs WHERE application_ref = $1`
)

func NewConfigStore(db DB) *ConfigStore {
	if db == nil {
		return nil
	}
	return &ConfigStore{db: db}
}

func (s *ConfigStore) PutConfig(ctx context.Context, cfg domain.PipelineConfig) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("config store not initialized")
	}
	ref := strings.TrimSpace(cfg.ApplicationRef)
	if ref == "" {
		return fmt.Errorf("application ref is required")
	}
	cfg.ApplicationRef = ref
	cfg.UpdatedAt = normalizeTime(cfg.UpdatedAt)

	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, upsertConfigQuery, ref, raw, cfg.UpdatedAt); err != nil {
		return fmt.Errorf("upsert pipeline config: %w", err)
	}
	return nil
}

func (s *ConfigStore) GetConfig(ctx context.Context, applicationRef string) (domain.PipelineConfig, error) {
	if s == nil || s.db == nil {
		return domain.PipelineConfig{}, fmt.Errorf("config store not initialized")
	}
	ref := strings.TrimSpace(applicationRef)
	if ref == "" {
		return domain.PipelineConfig{}, fmt.Errorf("application ref is required")
	}

	var raw []byte
	var cfg domain.PipelineConfig
	if err := s.db.QueryRowContext(ctx, selectConfigQuery, ref).Scan(&raw, &cfg.UpdatedAt); err != nil {
		return domain.PipelineConfig{}, handleNotFound(err)
	}
	updatedAt := cfg.UpdatedAt
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return domain.PipelineConfig{}, fmt.Errorf("decode pipeline config: %w", err)
	}
	cfg.ApplicationRef = ref
	cfg.UpdatedAt = updatedAt.UTC()
	return cfg, nil
}
