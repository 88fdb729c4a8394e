package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/animus-labs/deploypipe/internal/domain"
	"github.com/animus-labs/deploypipe/internal/repo"
)

func TestConfigStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewConfigStore()

	_, err := store.GetConfig(ctx, "app")
	require.ErrorIs(t, err, repo.ErrNotFound)

	cfg := domain.PipelineConfig{ApplicationRef: "app", Enabled: true, TriggerBranches: []string{"main"}}
	require.NoError(t, store.PutConfig(ctx, cfg))
	cfg.TriggerBranches[0] = "dev"

	got, err := store.GetConfig(ctx, "app")
	require.NoError(t, err)
	require.Equal(t, []string{"main"}, got.TriggerBranches)
}

func TestExecutionStoreOptimisticUpdate(t *testing.T) {
	ctx := context.Background()
	store := NewExecutionStore()
	exec := domain.NewExecution("e1", "app", domain.PipelineConfig{}, domain.TriggerKindManual, domain.TriggerInfo{}, time.Now())
	require.NoError(t, store.Create(ctx, exec))
	require.ErrorIs(t, store.Create(ctx, exec), repo.ErrConflict)

	loaded, err := store.Get(ctx, "e1")
	require.NoError(t, err)
	require.EqualValues(t, 1, loaded.Version)

	loaded.Status = domain.ExecutionStatusRunning
	updated, err := store.Update(ctx, loaded)
	require.NoError(t, err)
	require.EqualValues(t, 2, updated.Version)

	_, err = store.Update(ctx, loaded)
	require.ErrorIs(t, err, repo.ErrConflict)
}

func TestExecutionStoreCancelFlagSurvivesUpdates(t *testing.T) {
	ctx := context.Background()
	store := NewExecutionStore()
	exec := domain.NewExecution("e1", "app", domain.PipelineConfig{}, domain.TriggerKindManual, domain.TriggerInfo{}, time.Now())
	require.NoError(t, store.Create(ctx, exec))
	loaded, _ := store.Get(ctx, "e1")

	require.NoError(t, store.RequestCancel(ctx, "e1"))
	_, err := store.Update(ctx, loaded)
	require.NoError(t, err)

	flag, err := store.CancelRequested(ctx, "e1")
	require.NoError(t, err)
	require.True(t, flag)
	require.ErrorIs(t, store.RequestCancel(ctx, "missing"), repo.ErrNotFound)
}

func TestExecutionStoreListNewestFirstWithPaging(t *testing.T) {
	ctx := context.Background()
	store := NewExecutionStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		exec := domain.NewExecution(id, "app", domain.PipelineConfig{}, domain.TriggerKindManual, domain.TriggerInfo{}, base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, store.Create(ctx, exec))
	}
	other := domain.NewExecution("x", "other", domain.PipelineConfig{}, domain.TriggerKindManual, domain.TriggerInfo{}, base)
	require.NoError(t, store.Create(ctx, other))

	list, err := store.List(ctx, repo.ExecutionFilter{ApplicationRef: "app", Limit: 2})
	require.NoError(t, err)
	require.Equal(t, []string{"c", "b"}, ids(list))

	list, err = store.List(ctx, repo.ExecutionFilter{ApplicationRef: "app", Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, ids(list))

	list, err = store.List(ctx, repo.ExecutionFilter{UpdatedBefore: base.Add(30 * time.Second)})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "x"}, ids(list))
}

func TestLogStoreFiltersByStage(t *testing.T) {
	ctx := context.Background()
	store := NewLogStore()
	now := time.Now().UTC()
	_, err := store.Append(ctx, domain.LogEntry{ExecutionID: "e", Message: "pipeline started", LoggedAt: now})
	require.NoError(t, err)
	_, err = store.Append(ctx, domain.LogEntry{ExecutionID: "e", StageID: "scan", Message: "stage started", LoggedAt: now.Add(time.Millisecond)})
	require.NoError(t, err)
	_, err = store.Append(ctx, domain.LogEntry{ExecutionID: "other", StageID: "scan", Message: "noise", LoggedAt: now})
	require.NoError(t, err)

	all, err := store.Query(ctx, repo.LogFilter{ExecutionID: "e"})
	require.NoError(t, err)
	require.Len(t, all, 2)

	scan, err := store.Query(ctx, repo.LogFilter{ExecutionID: "e", StageID: "scan"})
	require.NoError(t, err)
	require.Len(t, scan, 1)
	require.Equal(t, "stage started", scan[0].Message)
}

func ids(list []domain.Execution) []string {
	out := make([]string, 0, len(list))
	for _, e := range list {
		out = append(out, e.ID)
	}
	return out
}
