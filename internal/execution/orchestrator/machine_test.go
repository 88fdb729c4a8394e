package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/animus-labs/deploypipe/internal/domain"
	"github.com/animus-labs/deploypipe/internal/execution/logsink"
	"github.com/animus-labs/deploypipe/internal/execution/stage"
	"github.com/animus-labs/deploypipe/internal/repo"
	"github.com/animus-labs/deploypipe/internal/repo/memory"
)

type harness struct {
	execs    *memory.ExecutionStore
	logs     *memory.LogStore
	runner   *stage.Runner
	machine  *Machine
	sleeps   []time.Duration
	observed *recordingObserver
}

type recordingObserver struct {
	mu       sync.Mutex
	started  int
	finished []string
	retries  int
}

func (o *recordingObserver) ExecutionStarted(string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started++
}

func (o *recordingObserver) ExecutionFinished(status string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished = append(o.finished, status)
}

func (o *recordingObserver) StageFinished(string, string, time.Duration) {}

func (o *recordingObserver) StageRetried(string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.retries++
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		execs:    memory.NewExecutionStore(),
		logs:     memory.NewLogStore(),
		observed: &recordingObserver{},
	}
	rec := logsink.New(h.logs, nil, nil)
	h.runner = stage.NewRunner(rec)
	h.machine = New(h.execs, h.runner, rec, append([]Option{WithObserver(h.observed)}, opts...)...)
	h.machine.sleep = func(ctx context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return nil
	}
	return h
}

func (h *harness) register(stageType string, fn func(ctx context.Context, call stage.Call) (stage.Outcome, error)) {
	h.runner.Register(stageType, stage.HandlerFunc(fn))
}

func ok(context.Context, stage.Call) (stage.Outcome, error) { return stage.Outcome{}, nil }

func fail(msg string) func(context.Context, stage.Call) (stage.Outcome, error) {
	return func(context.Context, stage.Call) (stage.Outcome, error) { return stage.Outcome{}, errors.New(msg) }
}

func config(stages ...domain.StageDeclaration) domain.PipelineConfig {
	return domain.PipelineConfig{ApplicationRef: "shop", Enabled: true, TriggerMode: domain.TriggerModeManual, Stages: stages}
}

func sd(id, typ string, blocking bool) domain.StageDeclaration {
	return domain.StageDeclaration{ID: id, Type: typ, Enabled: true, Blocking: blocking, Timeout: time.Minute}
}

func (h *harness) run(t *testing.T, cfg domain.PipelineConfig) domain.Execution {
	t.Helper()
	exec, err := h.machine.Start(context.Background(), cfg, cfg.ApplicationRef, domain.TriggerKindManual, domain.TriggerInfo{Branch: "main"})
	require.NoError(t, err)
	require.NoError(t, h.machine.Run(context.Background(), exec.ID))
	out, err := h.execs.Get(context.Background(), exec.ID)
	require.NoError(t, err)
	return out
}

func TestBlockingFailureSkipsRemainingStages(t *testing.T) {
	h := newHarness(t)
	h.register("source", ok)
	h.register("vuln-scan", fail("found 1 critical vulnerability"))
	deployed := false
	h.register("deploy", func(context.Context, stage.Call) (stage.Outcome, error) { deployed = true; return stage.Outcome{}, nil })

	exec := h.run(t, config(sd("clone", "source", true), sd("scan", "vuln-scan", true), sd("deploy", "deploy", true)))

	require.Equal(t, domain.ExecutionStatusFailed, exec.Status)
	require.Equal(t, domain.StageStatusSuccess, exec.Stages["clone"].Status)
	require.Equal(t, domain.StageStatusFailed, exec.Stages["scan"].Status)
	require.Equal(t, "found 1 critical vulnerability", exec.Stages["scan"].Error)
	require.Equal(t, domain.StageStatusSkipped, exec.Stages["deploy"].Status)
	require.Equal(t, domain.ErrorCodeUpstreamFailed, exec.Stages["deploy"].ErrorCode)
	require.False(t, deployed)
	require.NotNil(t, exec.FinishedAt)
	require.Contains(t, exec.Error, "stage scan failed")
	require.Equal(t, []string{"failed"}, h.observed.finished)
}

func TestNonBlockingFailureDoesNotHalt(t *testing.T) {
	h := newHarness(t)
	h.register("source", ok)
	h.register("vuln-scan", fail("found 1 critical vulnerability"))
	h.register("deploy", ok)

	exec := h.run(t, config(sd("clone", "source", true), sd("scan", "vuln-scan", false), sd("deploy", "deploy", true)))

	require.Equal(t, domain.ExecutionStatusSuccess, exec.Status)
	require.Equal(t, domain.StageStatusFailed, exec.Stages["scan"].Status)
	require.Equal(t, domain.StageStatusSuccess, exec.Stages["deploy"].Status)
	require.Empty(t, exec.Error)
}

func TestZeroEnabledStagesSucceeds(t *testing.T) {
	h := newHarness(t)
	disabled := sd("deploy", "deploy", true)
	disabled.Enabled = false

	for _, cfg := range []domain.PipelineConfig{config(), config(disabled)} {
		exec := h.run(t, cfg)
		require.Equal(t, domain.ExecutionStatusSuccess, exec.Status)
		require.NotNil(t, exec.StartedAt)
		require.NotNil(t, exec.FinishedAt)
		require.GreaterOrEqual(t, exec.Duration(), time.Duration(0))
		for _, r := range exec.Stages {
			require.Equal(t, domain.StageStatusSkipped, r.Status)
			require.Empty(t, r.ErrorCode)
		}
	}
}

func TestAdvanceOnTerminalExecutionIsNoop(t *testing.T) {
	h := newHarness(t)
	h.register("source", ok)
	exec := h.run(t, config(sd("clone", "source", true)))
	before := h.logs.Len()

	again, err := h.machine.Advance(context.Background(), exec)
	require.NoError(t, err)
	require.Equal(t, exec, again)
	require.Equal(t, before, h.logs.Len())

	stored, err := h.execs.Get(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Equal(t, exec.Version, stored.Version)
}

func TestStageTimeoutMovesOn(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	defer close(release)
	h.register("hang", func(ctx context.Context, call stage.Call) (stage.Outcome, error) {
		<-release
		return stage.Outcome{}, nil
	})
	h.register("deploy", ok)
	hang := sd("hang", "hang", false)
	hang.Timeout = 20 * time.Millisecond

	start := time.Now()
	exec := h.run(t, config(hang, sd("deploy", "deploy", true)))
	require.Less(t, time.Since(start), 5*time.Second)
	require.Equal(t, domain.StageStatusFailed, exec.Stages["hang"].Status)
	require.Equal(t, "stage timed out", exec.Stages["hang"].Error)
	require.Equal(t, domain.StageStatusSuccess, exec.Stages["deploy"].Status)
	require.Equal(t, domain.ExecutionStatusSuccess, exec.Status)
}

func TestRetriesUntilSuccess(t *testing.T) {
	h := newHarness(t)
	calls := 0
	h.register("flaky", func(context.Context, stage.Call) (stage.Outcome, error) {
		calls++
		if calls < 3 {
			return stage.Outcome{}, errors.New("connection reset")
		}
		return stage.Outcome{}, nil
	})
	d := sd("scan", "flaky", true)
	d.Retries = 2
	d.RetryBackoff = domain.Backoff{Type: domain.BackoffExponential, Initial: time.Second, Max: 10 * time.Second, Multiplier: 3}

	exec := h.run(t, config(d))
	require.Equal(t, domain.ExecutionStatusSuccess, exec.Status)
	require.Equal(t, domain.StageStatusSuccess, exec.Stages["scan"].Status)
	require.Equal(t, 3, exec.Stages["scan"].Attempts)
	require.Equal(t, []time.Duration{time.Second, 3 * time.Second}, h.sleeps)
	require.Equal(t, 2, h.observed.retries)
}

func TestRetriesExhausted(t *testing.T) {
	h := newHarness(t)
	h.register("broken", fail("exit 2"))
	d := sd("scan", "broken", true)
	d.Retries = 1
	d.RetryBackoff = domain.Backoff{Type: domain.BackoffFixed, Initial: 2 * time.Second}

	exec := h.run(t, config(d))
	require.Equal(t, domain.ExecutionStatusFailed, exec.Status)
	require.Equal(t, 2, exec.Stages["scan"].Attempts)
	require.Equal(t, []time.Duration{2 * time.Second}, h.sleeps)
}

func TestUnknownStageTypeIsNotRetried(t *testing.T) {
	h := newHarness(t)
	h.register("source", ok)
	d := sd("mystery", "teleport", true)
	d.Retries = 3

	exec := h.run(t, config(sd("clone", "source", true), d))
	require.Equal(t, domain.StageStatusSuccess, exec.Stages["clone"].Status)
	require.Equal(t, domain.StageStatusFailed, exec.Stages["mystery"].Status)
	require.Equal(t, domain.ErrorCodeUnknownStageType, exec.Stages["mystery"].ErrorCode)
	require.Equal(t, 1, exec.Stages["mystery"].Attempts)
	require.Empty(t, h.sleeps)
	require.Equal(t, domain.ExecutionStatusFailed, exec.Status)
}

func TestCancelIsHonouredAtStageBoundary(t *testing.T) {
	h := newHarness(t)
	var execID string
	h.register("source", func(ctx context.Context, call stage.Call) (stage.Outcome, error) {
		execID = call.Exec.ExecutionID
		_ = h.execs.RequestCancel(ctx, execID)
		return stage.Outcome{Artifacts: map[string]string{"commit": "abc"}}, nil
	})
	h.register("deploy", ok)

	exec := h.run(t, config(sd("clone", "source", true), sd("scan", "deploy", true), sd("deploy", "deploy", true)))
	require.Equal(t, domain.ExecutionStatusCancelled, exec.Status)
	require.Equal(t, domain.StageStatusSuccess, exec.Stages["clone"].Status)
	require.Equal(t, domain.StageStatusSkipped, exec.Stages["scan"].Status)
	require.Equal(t, domain.ErrorCodeCancelled, exec.Stages["deploy"].ErrorCode)
	require.NotNil(t, exec.FinishedAt)
}

func TestCancelBeforeStart(t *testing.T) {
	h := newHarness(t)
	h.register("source", fail("must not run"))
	cfg := config(sd("clone", "source", true))
	exec, err := h.machine.Start(context.Background(), cfg, "shop", domain.TriggerKindAPI, domain.TriggerInfo{})
	require.NoError(t, err)
	require.NoError(t, h.execs.RequestCancel(context.Background(), exec.ID))

	require.NoError(t, h.machine.Run(context.Background(), exec.ID))
	out, err := h.execs.Get(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ExecutionStatusCancelled, out.Status)
	require.Equal(t, domain.ErrorCodeCancelled, out.Stages["clone"].ErrorCode)
	require.Zero(t, h.observed.started)
}

func TestCancelWinsOverFailureOfRunningStage(t *testing.T) {
	h := newHarness(t)
	h.register("source", func(ctx context.Context, call stage.Call) (stage.Outcome, error) {
		_ = h.execs.RequestCancel(ctx, call.Exec.ExecutionID)
		return stage.Outcome{}, errors.New("clone failed")
	})
	h.register("deploy", fail("must not run"))

	exec := h.run(t, config(sd("clone", "source", true), sd("deploy", "deploy", true)))
	require.Equal(t, domain.ExecutionStatusCancelled, exec.Status)
	require.Equal(t, domain.StageStatusFailed, exec.Stages["clone"].Status)
	require.Equal(t, domain.StageStatusSkipped, exec.Stages["deploy"].Status)
	require.Equal(t, domain.ErrorCodeCancelled, exec.Stages["deploy"].ErrorCode)
	require.Contains(t, exec.Error, "clone failed")
}

func TestCancelBeforeStartWithNoStages(t *testing.T) {
	h := newHarness(t)
	cfg := config()
	exec, err := h.machine.Start(context.Background(), cfg, "shop", domain.TriggerKindAPI, domain.TriggerInfo{})
	require.NoError(t, err)
	require.NoError(t, h.execs.RequestCancel(context.Background(), exec.ID))

	require.NoError(t, h.machine.Run(context.Background(), exec.ID))
	out, err := h.execs.Get(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ExecutionStatusCancelled, out.Status)
	require.NotNil(t, out.FinishedAt)
}

func TestShutdownLetsRunningStageFinish(t *testing.T) {
	h := newHarness(t)
	started := make(chan struct{})
	release := make(chan struct{})
	var deploys int
	h.register("deploy", func(ctx context.Context, call stage.Call) (stage.Outcome, error) {
		deploys++
		close(started)
		<-release
		if err := ctx.Err(); err != nil {
			return stage.Outcome{}, err
		}
		return stage.Outcome{Artifacts: map[string]string{"deployment_id": "d-1"}}, nil
	})
	h.register("verify", ok)
	cfg := config(sd("deploy", "deploy", true), sd("verify", "verify", true))
	exec, err := h.machine.Start(context.Background(), cfg, "shop", domain.TriggerKindManual, domain.TriggerInfo{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- h.machine.Run(ctx, exec.ID) }()
	<-started
	cancel()
	close(release)
	require.ErrorIs(t, <-errc, context.Canceled)

	mid, err := h.execs.Get(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ExecutionStatusRunning, mid.Status)
	require.Equal(t, domain.StageStatusSuccess, mid.Stages["deploy"].Status)
	require.Equal(t, domain.StageStatusPending, mid.Stages["verify"].Status)

	require.NoError(t, h.machine.Run(context.Background(), exec.ID))
	out, err := h.execs.Get(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ExecutionStatusSuccess, out.Status)
	require.Equal(t, "d-1", out.Stages["deploy"].Artifacts["deployment_id"])
	require.Equal(t, 1, deploys)
}

type failingLogs struct{}

func (failingLogs) Append(context.Context, domain.LogEntry) (int64, error) {
	return 0, errors.New("log store down")
}

func (failingLogs) Query(context.Context, repo.LogFilter) ([]domain.LogEntry, error) {
	return nil, nil
}

func TestLogStoreFailureDoesNotChangeOutcome(t *testing.T) {
	execs := memory.NewExecutionStore()
	rec := logsink.New(failingLogs{}, nil, nil)
	runner := stage.NewRunner(rec)
	runner.Register("source", stage.HandlerFunc(ok))
	m := New(execs, runner, rec)

	exec, err := m.Start(context.Background(), config(sd("clone", "source", true)), "shop", domain.TriggerKindManual, domain.TriggerInfo{})
	require.NoError(t, err)
	require.NoError(t, m.Run(context.Background(), exec.ID))
	out, err := execs.Get(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ExecutionStatusSuccess, out.Status)
}

type flakyExecs struct {
	*memory.ExecutionStore
	failAfter int
	updates   int
}

func (f *flakyExecs) Update(ctx context.Context, exec domain.Execution) (domain.Execution, error) {
	f.updates++
	if f.updates > f.failAfter {
		return domain.Execution{}, errors.New("database unavailable")
	}
	return f.ExecutionStore.Update(ctx, exec)
}

func TestExecutionWriteFailureIsPersistenceError(t *testing.T) {
	execs := &flakyExecs{ExecutionStore: memory.NewExecutionStore(), failAfter: 1}
	rec := logsink.New(memory.NewLogStore(), nil, nil)
	runner := stage.NewRunner(rec)
	runner.Register("source", stage.HandlerFunc(ok))
	m := New(execs, runner, rec)

	exec, err := m.Start(context.Background(), config(sd("clone", "source", true)), "shop", domain.TriggerKindManual, domain.TriggerInfo{})
	require.NoError(t, err)

	err = m.Run(context.Background(), exec.ID)
	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, exec.ID, perr.ExecutionID)
	require.Equal(t, "stage start", perr.Op)
}

func TestStaleVersionConflicts(t *testing.T) {
	h := newHarness(t)
	h.register("source", ok)
	exec, err := h.machine.Start(context.Background(), config(sd("clone", "source", true)), "shop", domain.TriggerKindManual, domain.TriggerInfo{})
	require.NoError(t, err)

	_, err = h.machine.Advance(context.Background(), exec)
	require.NoError(t, err)
	_, err = h.machine.Advance(context.Background(), exec)
	require.ErrorIs(t, err, repo.ErrConflict)
}

func TestResumeMarksRunningStageInterrupted(t *testing.T) {
	h := newHarness(t)
	h.register("source", ok)
	h.register("deploy", ok)
	cfg := config(sd("clone", "source", true), sd("deploy", "deploy", true))

	exec, err := h.machine.Start(context.Background(), cfg, "shop", domain.TriggerKindManual, domain.TriggerInfo{})
	require.NoError(t, err)
	exec, err = h.machine.Advance(context.Background(), exec)
	require.NoError(t, err)
	started := time.Now().UTC()
	exec.Stages["clone"] = domain.StageResult{Status: domain.StageStatusRunning, StartedAt: &started, Attempts: 1}
	_, err = h.execs.Update(context.Background(), exec)
	require.NoError(t, err)

	require.NoError(t, h.machine.Run(context.Background(), exec.ID))
	out, err := h.execs.Get(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StageStatusFailed, out.Stages["clone"].Status)
	require.Equal(t, domain.ErrorCodeInterrupted, out.Stages["clone"].ErrorCode)
	require.Equal(t, domain.StageStatusSkipped, out.Stages["deploy"].Status)
	require.Equal(t, domain.ExecutionStatusFailed, out.Status)
}

func TestExpire(t *testing.T) {
	h := newHarness(t)
	cfg := config(sd("clone", "source", true), sd("deploy", "deploy", true))
	exec, err := h.machine.Start(context.Background(), cfg, "shop", domain.TriggerKindManual, domain.TriggerInfo{})
	require.NoError(t, err)
	exec, err = h.machine.Advance(context.Background(), exec)
	require.NoError(t, err)
	started := time.Now().UTC()
	exec.Stages["clone"] = domain.StageResult{Status: domain.StageStatusRunning, StartedAt: &started}
	exec, err = h.execs.Update(context.Background(), exec)
	require.NoError(t, err)

	out, err := h.machine.Expire(context.Background(), exec, "pipeline timed out after 60 minutes")
	require.NoError(t, err)
	require.Equal(t, domain.ExecutionStatusFailed, out.Status)
	require.Equal(t, "pipeline timed out after 60 minutes", out.Error)
	require.Equal(t, domain.ErrorCodePipelineTimeout, out.Stages["clone"].ErrorCode)
	require.Equal(t, domain.StageStatusFailed, out.Stages["clone"].Status)
	require.Equal(t, domain.StageStatusSkipped, out.Stages["deploy"].Status)

	again, err := h.machine.Expire(context.Background(), out, "ignored")
	require.NoError(t, err)
	require.Equal(t, out, again)
}

func TestSnapshotIsIsolatedFromLaterEdits(t *testing.T) {
	h := newHarness(t)
	h.register("source", ok)
	cfg := config(sd("clone", "source", true))
	exec, err := h.machine.Start(context.Background(), cfg, "shop", domain.TriggerKindManual, domain.TriggerInfo{})
	require.NoError(t, err)

	cfg.Stages[0].Type = "teleport"
	cfg.Stages = append(cfg.Stages, sd("extra", "deploy", true))

	require.NoError(t, h.machine.Run(context.Background(), exec.ID))
	out, err := h.execs.Get(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ExecutionStatusSuccess, out.Status)
	require.Len(t, out.Stages, 1)
}

type captureNotifier struct{ got []Completion }

func (c *captureNotifier) PipelineCompleted(_ context.Context, comp Completion) error {
	c.got = append(c.got, comp)
	return errors.New("nats down")
}

func TestWorkspaceCleanupAndNotification(t *testing.T) {
	root := t.TempDir()
	notifier := &captureNotifier{}
	h := newHarness(t, WithWorkspaceRoot(root), WithNotifier(notifier))
	var workspace string
	h.register("source", func(ctx context.Context, call stage.Call) (stage.Outcome, error) {
		workspace = call.Exec.Workspace
		if err := os.MkdirAll(workspace, 0o755); err != nil {
			return stage.Outcome{}, err
		}
		return stage.Outcome{Artifacts: map[string]string{"commit": "abc"}}, os.WriteFile(filepath.Join(workspace, "f"), []byte("x"), 0o644)
	})
	var seen map[string]string
	h.register("deploy", func(ctx context.Context, call stage.Call) (stage.Outcome, error) {
		seen = call.Exec.Artifacts
		return stage.Outcome{}, nil
	})

	exec := h.run(t, config(sd("clone", "source", true), sd("deploy", "deploy", true)))
	require.Equal(t, domain.ExecutionStatusSuccess, exec.Status)
	require.Equal(t, filepath.Join(root, exec.ID), workspace)
	require.NoDirExists(t, workspace)
	require.Equal(t, "abc", seen["commit"])
	require.Equal(t, "abc", seen["clone.commit"])

	require.Len(t, notifier.got, 1)
	require.Equal(t, exec.ID, notifier.got[0].ExecutionID)
	require.Equal(t, domain.StageStatusSuccess, notifier.got[0].Stages["deploy"])
}

func TestExecutionLogsAreOrderedPerStage(t *testing.T) {
	h := newHarness(t)
	h.register("source", ok)
	exec := h.run(t, config(sd("clone", "source", true)))

	entries, err := h.logs.Query(context.Background(), repo.LogFilter{ExecutionID: exec.ID})
	require.NoError(t, err)
	messages := make([]string, 0, len(entries))
	for _, e := range entries {
		messages = append(messages, e.Message)
	}
	require.Equal(t, []string{"pipeline queued", "pipeline started", "stage started", "stage succeeded", "pipeline completed"}, messages)
}

func TestBackoff(t *testing.T) {
	exp := domain.Backoff{Type: domain.BackoffExponential, Initial: time.Second, Max: 5 * time.Second, Multiplier: 2}
	require.Equal(t, time.Second, Backoff(exp, 1))
	require.Equal(t, 2*time.Second, Backoff(exp, 2))
	require.Equal(t, 4*time.Second, Backoff(exp, 3))
	require.Equal(t, 5*time.Second, Backoff(exp, 4))
	require.Zero(t, Backoff(exp, 0))

	fixed := domain.Backoff{Type: domain.BackoffFixed, Initial: 10 * time.Second, Max: 3 * time.Second}
	require.Equal(t, 3*time.Second, Backoff(fixed, 2))
	require.Equal(t, time.Duration(0), Backoff(domain.Backoff{}, 1))
}
