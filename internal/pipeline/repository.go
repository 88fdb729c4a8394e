package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/deploypipe/internal/domain"
	"github.com/animus-labs/deploypipe/internal/repo"
)

// Repository validates configs before handing them to the store.
type Repository struct {
	store repo.ConfigStore
	now   func() time.Time
}

func NewRepository(store repo.ConfigStore) *Repository {
	if store == nil {
		return nil
	}
	return &Repository{store: store, now: time.Now}
}

// Load returns repo.ErrNotFound when the application has no pipeline.
func (r *Repository) Load(ctx context.Context, applicationRef string) (domain.PipelineConfig, error) {
	if r == nil || r.store == nil {
		return domain.PipelineConfig{}, fmt.Errorf("pipeline repository not initialized")
	}
	return r.store.GetConfig(ctx, strings.TrimSpace(applicationRef))
}

// Save returns a *ValidationError for invalid configs.
func (r *Repository) Save(ctx context.Context, cfg domain.PipelineConfig) (domain.PipelineConfig, error) {
	if r == nil || r.store == nil {
		return domain.PipelineConfig{}, fmt.Errorf("pipeline repository not initialized")
	}
	cfg.ApplicationRef = strings.TrimSpace(cfg.ApplicationRef)
	if mode := domain.NormalizeTriggerMode(string(cfg.TriggerMode)); mode != "" {
		cfg.TriggerMode = mode
	}
	if err := Validate(cfg); err != nil {
		return domain.PipelineConfig{}, err
	}
	cfg.UpdatedAt = r.now().UTC()
	if err := r.store.PutConfig(ctx, cfg); err != nil {
		return domain.PipelineConfig{}, fmt.Errorf("save pipeline config: %w", err)
	}
	return cfg.Clone(), nil
}
