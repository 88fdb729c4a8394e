// Package logsink records execution log entries. Appends never fail the
// caller: entries that cannot be stored go to the fallback logger.
package logsink

import (
	"context"
	"log/slog"
	"time"

	"github.com/animus-labs/deploypipe/internal/domain"
	"github.com/animus-labs/deploypipe/internal/repo"
)

const appendTimeout = 5 * time.Second

// FailureObserver counts entries that fell back to the diagnostic logger.
type FailureObserver interface {
	LogSinkFailed()
}

type Recorder struct {
	store    repo.LogRepository
	fallback *slog.Logger
	observer FailureObserver
	now      func() time.Time
}

func New(store repo.LogRepository, fallback *slog.Logger, observer FailureObserver) *Recorder {
	if fallback == nil {
		fallback = slog.Default()
	}
	return &Recorder{store: store, fallback: fallback, observer: observer, now: time.Now}
}

// Append persists one entry. Cancellation of ctx does not drop the entry.
func (r *Recorder) Append(ctx context.Context, level domain.LogLevel, executionID, stageID, message string, meta domain.Metadata) {
	entry := domain.LogEntry{
		ExecutionID: executionID,
		StageID:     stageID,
		Level:       domain.NormalizeLogLevel(string(level)),
		Message:     message,
		Metadata:    meta.Clone(),
		LoggedAt:    r.now().UTC(),
	}
	if entry.Level == "" {
		entry.Level = domain.LogLevelInfo
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), appendTimeout)
	defer cancel()
	if _, err := r.store.Append(writeCtx, entry); err != nil {
		if r.observer != nil {
			r.observer.LogSinkFailed()
		}
		r.fallback.Warn("log_sink_error",
			"execution_id", executionID,
			"stage_id", stageID,
			"level", string(entry.Level),
			"message", message,
			"error", err,
		)
	}
}

func (r *Recorder) Info(ctx context.Context, executionID, stageID, message string, meta domain.Metadata) {
	r.Append(ctx, domain.LogLevelInfo, executionID, stageID, message, meta)
}

func (r *Recorder) Warn(ctx context.Context, executionID, stageID, message string, meta domain.Metadata) {
	r.Append(ctx, domain.LogLevelWarn, executionID, stageID, message, meta)
}

func (r *Recorder) Error(ctx context.Context, executionID, stageID, message string, meta domain.Metadata) {
	r.Append(ctx, domain.LogLevelError, executionID, stageID, message, meta)
}

// Query returns entries ordered by loggedAt then insertion order.
func (r *Recorder) Query(ctx context.Context, executionID, stageID string) ([]domain.LogEntry, error) {
	return r.store.Query(ctx, repo.LogFilter{ExecutionID: executionID, StageID: stageID})
}
