package logsink

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/animus-labs/deploypipe/internal/domain"
	"github.com/animus-labs/deploypipe/internal/repo"
	"github.com/animus-labs/deploypipe/internal/repo/memory"
)

type failingStore struct{}

func (failingStore) Append(context.Context, domain.LogEntry) (int64, error) {
	return 0, errors.New("disk full")
}

func (failingStore) Query(context.Context, repo.LogFilter) ([]domain.LogEntry, error) {
	return nil, errors.New("disk full")
}

type countingObserver struct{ n int }

func (c *countingObserver) LogSinkFailed() { c.n++ }

func TestAppendAndQueryByStage(t *testing.T) {
	store := memory.NewLogStore()
	r := New(store, nil, nil)
	base := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	tick := 0
	r.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Millisecond)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.Info(ctx, "exec-1", "", "pipeline started", nil)
	r.Info(ctx, "exec-1", "clone", "stage started", domain.Metadata{"attempt": 1})
	cancel()
	r.Error(ctx, "exec-1", "clone", "stage failed", nil)
	r.Append(ctx, "", "exec-2", "", "other", nil)

	all, err := r.Query(context.Background(), "exec-1", "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "pipeline started", all[0].Message)

	clone, err := r.Query(context.Background(), "exec-1", "clone")
	require.NoError(t, err)
	require.Len(t, clone, 2)
	require.Equal(t, domain.LogLevelError, clone[1].Level)
	require.True(t, clone[0].LoggedAt.Before(clone[1].LoggedAt))

	other, err := r.Query(context.Background(), "exec-2", "")
	require.NoError(t, err)
	require.Equal(t, domain.LogLevelInfo, other[0].Level)
}

func TestAppendFailureGoesToFallback(t *testing.T) {
	var buf bytes.Buffer
	fallback := slog.New(slog.NewJSONHandler(&buf, nil))
	obs := &countingObserver{}
	r := New(failingStore{}, fallback, obs)

	require.NotPanics(t, func() {
		r.Warn(context.Background(), "exec-1", "scan", "report upload failed", nil)
	})
	require.Equal(t, 1, obs.n)
	require.Contains(t, buf.String(), `"msg":"log_sink_error"`)
	require.Contains(t, buf.String(), `"execution_id":"exec-1"`)
	require.Contains(t, buf.String(), "disk full")
}
