package repo

import (
	"context"
	"errors"
	"time"

	"github.com/animus-labs/deploypipe/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict reports a lost optimistic write or a duplicate insert.
	ErrConflict = errors.New("conflict")
)

type ExecutionFilter struct {
	ApplicationRef string
	Status         domain.ExecutionStatus
	UpdatedBefore  time.Time
	Limit          int
	Offset         int
}

type LogFilter struct {
	ExecutionID string
	// StageID restricts results to one stage when non-empty.
	StageID string
	Limit   int
}

// ConfigStore persists pipeline configs keyed by application.
type ConfigStore interface {
	GetConfig(ctx context.Context, applicationRef string) (domain.PipelineConfig, error)
	PutConfig(ctx context.Context, cfg domain.PipelineConfig) error
}

// ExecutionRepository persists executions. Update is a compare-and-swap on
// Version and returns ErrConflict when the stored version moved.
type ExecutionRepository interface {
	Create(ctx context.Context, exec domain.Execution) error
	Get(ctx context.Context, id string) (domain.Execution, error)
	Update(ctx context.Context, exec domain.Execution) (domain.Execution, error)
	List(ctx context.Context, filter ExecutionFilter) ([]domain.Execution, error)
	// RequestCancel flags an execution without touching its version.
	RequestCancel(ctx context.Context, id string) error
	CancelRequested(ctx context.Context, id string) (bool, error)
}

// LogRepository is append-only.
type LogRepository interface {
	Append(ctx context.Context, entry domain.LogEntry) (int64, error)
	Query(ctx context.Context, filter LogFilter) ([]domain.LogEntry, error)
}
