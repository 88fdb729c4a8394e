package pipelines

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/animus-labs/deploypipe/internal/domain"
	"github.com/animus-labs/deploypipe/internal/execution/logsink"
	"github.com/animus-labs/deploypipe/internal/execution/orchestrator"
	"github.com/animus-labs/deploypipe/internal/execution/stage"
	"github.com/animus-labs/deploypipe/internal/pipeline"
	"github.com/animus-labs/deploypipe/internal/platform/auditlog"
	"github.com/animus-labs/deploypipe/internal/queue"
	"github.com/animus-labs/deploypipe/internal/repo"
	"github.com/animus-labs/deploypipe/internal/repo/memory"
)

type fakeAudit struct {
	mu     sync.Mutex
	events []auditlog.Event
}

func (f *fakeAudit) Record(_ context.Context, e auditlog.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return nil
}

func (f *fakeAudit) actions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.Action)
	}
	return out
}

type failingQueue struct{}

func (failingQueue) Enqueue(context.Context, string) error { return errors.New("broker down") }

type fixture struct {
	svc     *Service
	configs *memory.ConfigStore
	execs   *memory.ExecutionStore
	logs    *memory.LogStore
	queue   *queue.Memory
	machine *orchestrator.Machine
	audit   *fakeAudit
}

func newFixture(t *testing.T, q Enqueuer) *fixture {
	t.Helper()
	f := &fixture{
		configs: memory.NewConfigStore(),
		execs:   memory.NewExecutionStore(),
		logs:    memory.NewLogStore(),
		queue:   queue.NewMemory(16),
		audit:   &fakeAudit{},
	}
	rec := logsink.New(f.logs, nil, nil)
	runner := stage.NewRunner(rec)
	runner.Register("noop", stage.HandlerFunc(func(context.Context, stage.Call) (stage.Outcome, error) {
		return stage.Outcome{}, nil
	}))
	f.machine = orchestrator.New(f.execs, runner, rec)
	if q == nil {
		q = f.queue
	}
	svc, err := New(Deps{
		Configs:    pipeline.NewRepository(f.configs),
		Executions: f.execs,
		Logs:       rec,
		Machine:    f.machine,
		Queue:      q,
		Audit:      f.audit,
	})
	require.NoError(t, err)
	f.svc = svc
	return f
}

func pushConfig() domain.PipelineConfig {
	return domain.PipelineConfig{
		ApplicationRef:  "shop",
		Enabled:         true,
		TriggerMode:     domain.TriggerModePush,
		TriggerBranches: []string{"main", "feature/*"},
		Stages: []domain.StageDeclaration{
			{ID: "build", Type: "noop", Enabled: true, Blocking: true, Timeout: time.Minute},
		},
	}
}

func (f *fixture) save(t *testing.T, cfg domain.PipelineConfig) {
	t.Helper()
	_, err := f.svc.SaveConfig(context.Background(), cfg, AuditInfo{Actor: "ops"})
	require.NoError(t, err)
}

func TestTriggerPipelineQueuesExecution(t *testing.T) {
	f := newFixture(t, nil)
	f.save(t, pushConfig())

	id, err := f.svc.TriggerPipeline(context.Background(), TriggerRequest{
		ApplicationRef: "shop",
		Kind:           domain.TriggerKindWebhook,
		Branch:         "refs/heads/feature/login",
		CommitSHA:      "abc123",
		Provider:       "github",
		Audit:          AuditInfo{Actor: "octocat", RequestID: "req-1"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.Equal(t, 1, f.queue.Pending())

	exec, err := f.svc.GetExecution(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusQueued, exec.Status)
	assert.Equal(t, "feature/login", exec.Trigger.Branch)
	assert.Equal(t, "octocat", exec.Trigger.Actor)
	assert.Equal(t, []string{auditlog.ActionConfigSaved, auditlog.ActionTriggered}, f.audit.actions())
}

func TestTriggerPipelineRejectsNonMatchingBranch(t *testing.T) {
	f := newFixture(t, nil)
	f.save(t, pushConfig())

	_, err := f.svc.TriggerPipeline(context.Background(), TriggerRequest{
		ApplicationRef: "shop",
		Kind:           domain.TriggerKindWebhook,
		Branch:         "develop",
	})
	require.ErrorIs(t, err, domain.ErrNoMatchingBranch)

	list, err := f.execs.List(context.Background(), repo.ExecutionFilter{ApplicationRef: "shop"})
	require.NoError(t, err)
	require.Empty(t, list)
	require.Zero(t, f.logs.Len())
	require.Zero(t, f.queue.Pending())
	require.Contains(t, f.audit.actions(), auditlog.ActionTriggerRejected)
}

func TestTriggerPipelineDisabledOrMissing(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.TriggerPipeline(context.Background(), TriggerRequest{ApplicationRef: "ghost", Kind: domain.TriggerKindManual})
	require.ErrorIs(t, err, domain.ErrPipelineDisabled)

	cfg := pushConfig()
	cfg.Enabled = false
	f.save(t, cfg)
	_, err = f.svc.TriggerPipeline(context.Background(), TriggerRequest{ApplicationRef: "shop", Kind: domain.TriggerKindManual})
	require.ErrorIs(t, err, domain.ErrPipelineDisabled)
}

func TestTriggerPipelineManualBypassesBranchRules(t *testing.T) {
	f := newFixture(t, nil)
	f.save(t, pushConfig())
	_, err := f.svc.TriggerPipeline(context.Background(), TriggerRequest{ApplicationRef: "shop", Kind: domain.TriggerKindManual, Branch: "develop"})
	require.NoError(t, err)
}

func TestTriggerPipelineRejectsUnknownKind(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.TriggerPipeline(context.Background(), TriggerRequest{ApplicationRef: "shop", Kind: "cron"})
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestTriggerPipelineEnqueueFailureKeepsExecution(t *testing.T) {
	f := newFixture(t, failingQueue{})
	f.save(t, pushConfig())

	id, err := f.svc.TriggerPipeline(context.Background(), TriggerRequest{ApplicationRef: "shop", Kind: domain.TriggerKindAPI})
	require.NoError(t, err)

	exec, err := f.execs.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, domain.ExecutionStatusQueued, exec.Status)

	entries, err := f.svc.GetLogs(context.Background(), id, "")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "pipeline queued", entries[0].Message)
	assert.Equal(t, domain.LogLevelWarn, entries[1].Level)
}

func TestGetExecutionCachesTerminal(t *testing.T) {
	f := newFixture(t, nil)
	f.save(t, pushConfig())
	ctx := context.Background()

	id, err := f.svc.TriggerPipeline(ctx, TriggerRequest{ApplicationRef: "shop", Kind: domain.TriggerKindManual})
	require.NoError(t, err)
	require.NoError(t, f.machine.Run(ctx, id))

	exec, err := f.svc.GetExecution(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.ExecutionStatusSuccess, exec.Status)
	require.Equal(t, 1, f.svc.cache.Len())

	exec.Stages["build"] = domain.StageResult{Status: domain.StageStatusFailed}
	again, err := f.svc.GetExecution(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.StageStatusSuccess, again.Stages["build"].Status)

	_, err = f.svc.GetExecution(ctx, "missing")
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestListExecutionsPages(t *testing.T) {
	f := newFixture(t, nil)
	f.save(t, pushConfig())
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := f.svc.TriggerPipeline(ctx, TriggerRequest{ApplicationRef: "shop", Kind: domain.TriggerKindManual})
		require.NoError(t, err)
	}
	list, err := f.svc.ListExecutions(ctx, "shop", Page{Limit: 2})
	require.NoError(t, err)
	require.Len(t, list, 2)

	list, err = f.svc.ListExecutions(ctx, "shop", Page{Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.Equal(t, Page{Limit: MaxPageLimit}, Page{Limit: 1000, Offset: -4}.normalize())
	require.Equal(t, DefaultPageLimit, Page{}.normalize().Limit)
}

func TestGetLogsByStage(t *testing.T) {
	f := newFixture(t, nil)
	f.save(t, pushConfig())
	ctx := context.Background()
	id, err := f.svc.TriggerPipeline(ctx, TriggerRequest{ApplicationRef: "shop", Kind: domain.TriggerKindManual})
	require.NoError(t, err)
	require.NoError(t, f.machine.Run(ctx, id))

	entries, err := f.svc.GetLogs(ctx, id, "build")
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	for _, e := range entries {
		assert.Equal(t, "build", e.StageID)
	}

	_, err = f.svc.GetLogs(ctx, id, "nope")
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestCancelExecution(t *testing.T) {
	f := newFixture(t, nil)
	f.save(t, pushConfig())
	ctx := context.Background()
	id, err := f.svc.TriggerPipeline(ctx, TriggerRequest{ApplicationRef: "shop", Kind: domain.TriggerKindManual})
	require.NoError(t, err)

	exec, err := f.svc.CancelExecution(ctx, id, AuditInfo{Actor: "alice"})
	require.NoError(t, err)
	require.True(t, exec.CancelRequested)

	require.NoError(t, f.machine.Run(ctx, id))
	done, err := f.svc.GetExecution(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.ExecutionStatusCancelled, done.Status)

	_, err = f.svc.CancelExecution(ctx, id, AuditInfo{})
	require.ErrorIs(t, err, domain.ErrNotCancellable)
	require.Contains(t, f.audit.actions(), auditlog.ActionCancelRequested)
}

func TestSaveConfigValidation(t *testing.T) {
	f := newFixture(t, nil)
	cfg := pushConfig()
	cfg.TriggerBranches = nil
	_, err := f.svc.SaveConfig(context.Background(), cfg, AuditInfo{})
	var verr *pipeline.ValidationError
	require.ErrorAs(t, err, &verr)

	_, err = f.svc.LoadConfig(context.Background(), "shop")
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestNewRequiresDeps(t *testing.T) {
	_, err := New(Deps{})
	require.Error(t, err)
}
