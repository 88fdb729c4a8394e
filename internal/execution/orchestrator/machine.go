package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/deploypipe/internal/domain"
	"github.com/animus-labs/deploypipe/internal/execution/stage"
	"github.com/animus-labs/deploypipe/internal/execution/state"
	"github.com/animus-labs/deploypipe/internal/repo"
)

const persistTimeout = 10 * time.Second

// StageExecutor runs one attempt of a stage.
type StageExecutor interface {
	Execute(ctx context.Context, decl domain.StageDeclaration, ec stage.ExecContext) domain.StageResult
}

// Observer receives execution and stage measurements.
type Observer interface {
	ExecutionStarted(triggerKind string)
	ExecutionFinished(status string, d time.Duration)
	StageFinished(stageType, status string, d time.Duration)
	StageRetried(stageType string)
}

// Completion is published when an execution reaches a terminal status.
type Completion struct {
	ExecutionID    string                        `json:"execution_id"`
	ApplicationRef string                        `json:"application_ref"`
	Status         domain.ExecutionStatus        `json:"status"`
	Error          string                        `json:"error,omitempty"`
	TriggerKind    domain.TriggerKind            `json:"trigger_kind"`
	DurationMS     int64                         `json:"duration_ms"`
	FinishedAt     time.Time                     `json:"finished_at"`
	Stages         map[string]domain.StageStatus `json:"stages"`
}

type Notifier interface {
	PipelineCompleted(ctx context.Context, c Completion) error
}

type Machine struct {
	execs    repo.ExecutionRepository
	runner   StageExecutor
	log      stage.Logger
	observer Observer
	notifier Notifier
	logger   *slog.Logger
	workRoot string
	newID    func() string
	now      func() time.Time
	sleep    func(context.Context, time.Duration) error
}

type Option func(*Machine)

func WithObserver(o Observer) Option { return func(m *Machine) { m.observer = o } }

func WithNotifier(n Notifier) Option { return func(m *Machine) { m.notifier = n } }

func WithLogger(l *slog.Logger) Option { return func(m *Machine) { m.logger = l } }

// WithWorkspaceRoot gives every execution a workspace directory below root.
func WithWorkspaceRoot(root string) Option { return func(m *Machine) { m.workRoot = root } }

func New(execs repo.ExecutionRepository, runner StageExecutor, log stage.Logger, opts ...Option) *Machine {
	m := &Machine{
		execs:    execs,
		runner:   runner,
		log:      log,
		observer: nopObserver{},
		logger:   slog.Default(),
		newID:    uuid.NewString,
		now:      time.Now,
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start creates the queued execution from a snapshot of cfg.
func (m *Machine) Start(ctx context.Context, cfg domain.PipelineConfig, applicationRef string, kind domain.TriggerKind, info domain.TriggerInfo) (domain.Execution, error) {
	applicationRef = strings.TrimSpace(applicationRef)
	if applicationRef == "" {
		return domain.Execution{}, errors.New("application ref is required")
	}
	if kind == "" {
		kind = domain.TriggerKindManual
	}
	exec := domain.NewExecution(m.newID(), applicationRef, cfg, kind, info, m.now())
	if err := m.execs.Create(ctx, exec); err != nil {
		return domain.Execution{}, &PersistenceError{ExecutionID: exec.ID, Op: "create", Err: err}
	}
	exec.Version = 1
	m.append(ctx, domain.LogLevelInfo, exec.ID, "", "pipeline queued", domain.Metadata{
		"trigger_kind": string(kind),
		"branch":       info.Branch,
		"tag":          info.Tag,
		"commit":       info.CommitSHA,
		"stages":       len(exec.ConfigSnapshot.Stages),
	})
	return exec, nil
}

// Advance performs one transition. A terminal execution is returned as is.
// The only error returned is a *PersistenceError.
func (m *Machine) Advance(ctx context.Context, exec domain.Execution) (domain.Execution, error) {
	if exec.IsTerminal() {
		return exec, nil
	}
	exec = exec.Clone()
	if exec.Stages == nil {
		exec.Stages = map[string]domain.StageResult{}
	}

	switch exec.Status {
	case domain.ExecutionStatusQueued:
		return m.begin(ctx, exec)
	case domain.ExecutionStatusRunning:
	default:
		return exec, &PersistenceError{ExecutionID: exec.ID, Op: "advance", Err: fmt.Errorf("unexpected status %q", exec.Status)}
	}

	cfg := exec.ConfigSnapshot
	if ids := state.Running(cfg, exec.Stages); len(ids) > 0 {
		return m.interrupt(ctx, exec, ids)
	}

	idx, ok := state.NextPending(cfg, exec.Stages)
	if !ok {
		return m.finalize(ctx, exec)
	}
	if m.cancelRequested(ctx, exec) {
		return m.skipPending(ctx, exec, domain.ErrorCodeCancelled, "pipeline cancelled")
	}
	if failed, blocked := state.BlockingFailure(cfg, exec.Stages); blocked {
		return m.skipPending(ctx, exec, domain.ErrorCodeUpstreamFailed, "blocking stage "+failed+" failed")
	}
	return m.runStage(ctx, exec, cfg.Stages[idx])
}

// Run advances the execution with the given id until it is terminal.
func (m *Machine) Run(ctx context.Context, id string) error {
	exec, err := m.execs.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("load execution %s: %w", id, err)
	}
	for !exec.IsTerminal() {
		if err := ctx.Err(); err != nil {
			return err
		}
		exec, err = m.Advance(ctx, exec)
		if err != nil {
			return err
		}
	}
	return nil
}

func (m *Machine) begin(ctx context.Context, exec domain.Execution) (domain.Execution, error) {
	now := m.now().UTC()
	exec.StartedAt = &now
	if m.cancelRequested(ctx, exec) {
		for id, r := range exec.Stages {
			if r.Status == domain.StageStatusPending {
				exec.Stages[id] = domain.StageResult{Status: domain.StageStatusSkipped, ErrorCode: domain.ErrorCodeCancelled, Error: "pipeline cancelled"}
			}
		}
		return m.complete(ctx, exec, domain.ExecutionStatusCancelled, "pipeline cancelled", "cancel")
	}

	exec.Status = domain.ExecutionStatusRunning
	exec, err := m.persist(ctx, exec, "start")
	if err != nil {
		return exec, err
	}
	m.observer.ExecutionStarted(string(exec.TriggerKind))
	m.append(ctx, domain.LogLevelInfo, exec.ID, "", "pipeline started", domain.Metadata{"stages": len(exec.ConfigSnapshot.Stages)})
	return exec, nil
}

// interrupt fails stages a previous worker left running.
func (m *Machine) interrupt(ctx context.Context, exec domain.Execution, ids []string) (domain.Execution, error) {
	now := m.now().UTC()
	for _, id := range ids {
		r := exec.Stages[id]
		r.Status = domain.StageStatusFailed
		r.FinishedAt = &now
		r.ErrorCode = domain.ErrorCodeInterrupted
		r.Error = "stage interrupted before completion"
		exec.Stages[id] = r
	}
	exec, err := m.persist(ctx, exec, "interrupt")
	if err != nil {
		return exec, err
	}
	for _, id := range ids {
		m.append(ctx, domain.LogLevelError, exec.ID, id, "stage interrupted before completion", domain.Metadata{"error_code": domain.ErrorCodeInterrupted})
	}
	return exec, nil
}

func (m *Machine) skipPending(ctx context.Context, exec domain.Execution, code, reason string) (domain.Execution, error) {
	var skipped []string
	for _, decl := range exec.ConfigSnapshot.Stages {
		r := exec.Stages[decl.ID]
		if r.Status != domain.StageStatusPending && r.Status != "" {
			continue
		}
		exec.Stages[decl.ID] = domain.StageResult{Status: domain.StageStatusSkipped, ErrorCode: code, Error: reason}
		skipped = append(skipped, decl.ID)
	}
	exec, err := m.persist(ctx, exec, "skip")
	if err != nil {
		return exec, err
	}
	for _, id := range skipped {
		m.append(ctx, domain.LogLevelWarn, exec.ID, id, "stage skipped: "+reason, domain.Metadata{"error_code": code})
	}
	return exec, nil
}

// runStage runs every attempt of decl and records the result. A started
// stage is not abandoned when ctx is cancelled; Run stops before the next one.
func (m *Machine) runStage(ctx context.Context, exec domain.Execution, decl domain.StageDeclaration) (domain.Execution, error) {
	ctx = context.WithoutCancel(ctx)
	var startErr error
	ec := stage.ExecContext{
		ExecutionID:    exec.ID,
		ApplicationRef: exec.ApplicationRef,
		Workspace:      m.workspace(exec.ID),
		Trigger:        exec.Trigger,
		Env:            exec.ConfigSnapshot.EnvironmentVars,
		Artifacts:      state.Artifacts(exec.ConfigSnapshot, exec.Stages),
	}
	ec.OnStart = func(running domain.StageResult) {
		if ec.Attempt != 1 {
			return
		}
		exec.Stages[decl.ID] = running
		updated, err := m.persist(ctx, exec, "stage start")
		if err != nil {
			startErr = err
			return
		}
		exec = updated
	}

	maxAttempts := decl.Retries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var (
		result    domain.StageResult
		firstUp   *time.Time
		attempt   int
		retryWait time.Duration
	)
	for attempt = 1; ; attempt++ {
		ec.Attempt = attempt
		result = m.runner.Execute(ctx, decl, ec)
		if startErr != nil {
			return exec, startErr
		}
		if firstUp == nil && result.StartedAt != nil {
			firstUp = result.StartedAt
		}
		if result.Status == domain.StageStatusSuccess || result.Status == domain.StageStatusFailed {
			m.observer.StageFinished(decl.Type, string(result.Status), result.Duration())
		}
		if attempt >= maxAttempts || !retryable(result) {
			break
		}
		retryWait = Backoff(decl.RetryBackoff, attempt)
		m.observer.StageRetried(decl.Type)
		m.append(ctx, domain.LogLevelWarn, exec.ID, decl.ID, "stage attempt failed, retrying", domain.Metadata{
			"attempt":      attempt,
			"max_attempts": maxAttempts,
			"backoff_ms":   retryWait.Milliseconds(),
			"error":        result.Error,
		})
		if err := m.sleep(ctx, retryWait); err != nil {
			break
		}
	}
	if result.Status != domain.StageStatusSkipped {
		result.Attempts = attempt
		if firstUp != nil {
			result.StartedAt = firstUp
		}
	}

	current := exec.Stages[decl.ID].Status
	if current != domain.StageStatusRunning && result.Status != domain.StageStatusSkipped {
		// OnStart was not observed; record the implied running step.
		current = domain.StageStatusRunning
	}
	if current != result.Status && !domain.CanTransitionStage(current, result.Status) {
		return exec, &PersistenceError{ExecutionID: exec.ID, Op: "stage result", Err: fmt.Errorf("stage %s: invalid transition %s -> %s", decl.ID, current, result.Status)}
	}
	exec.Stages[decl.ID] = result
	return m.persist(ctx, exec, "stage result")
}

func (m *Machine) finalize(ctx context.Context, exec domain.Execution) (domain.Execution, error) {
	status := state.DeriveStatus(exec.ConfigSnapshot, exec.Stages)
	if !status.IsTerminal() {
		return exec, &PersistenceError{ExecutionID: exec.ID, Op: "finalize", Err: fmt.Errorf("stages not settled, derived %s", status)}
	}
	return m.complete(ctx, exec, status, state.FailureMessage(exec.ConfigSnapshot, exec.Stages), "finalize")
}

// Expire force-fails a stale execution: a running stage fails with code
// pipeline_timeout and pending stages are skipped.
func (m *Machine) Expire(ctx context.Context, exec domain.Execution, reason string) (domain.Execution, error) {
	if exec.IsTerminal() {
		return exec, nil
	}
	exec = exec.Clone()
	now := m.now().UTC()
	for _, decl := range exec.ConfigSnapshot.Stages {
		r := exec.Stages[decl.ID]
		switch r.Status {
		case domain.StageStatusRunning:
			r.Status = domain.StageStatusFailed
			r.FinishedAt = &now
			r.ErrorCode = domain.ErrorCodePipelineTimeout
			r.Error = reason
		case domain.StageStatusPending, "":
			r = domain.StageResult{Status: domain.StageStatusSkipped, ErrorCode: domain.ErrorCodePipelineTimeout, Error: reason}
		default:
			continue
		}
		exec.Stages[decl.ID] = r
	}
	if exec.StartedAt == nil {
		exec.StartedAt = &now
	}
	return m.complete(ctx, exec, domain.ExecutionStatusFailed, reason, "expire")
}

func (m *Machine) complete(ctx context.Context, exec domain.Execution, status domain.ExecutionStatus, reason, op string) (domain.Execution, error) {
	if !domain.CanTransitionExecution(exec.Status, status) {
		return exec, &PersistenceError{ExecutionID: exec.ID, Op: op, Err: fmt.Errorf("invalid transition %s -> %s", exec.Status, status)}
	}
	now := m.now().UTC()
	if exec.StartedAt == nil {
		exec.StartedAt = &now
	}
	exec.Status = status
	exec.FinishedAt = &now
	exec.Error = reason
	exec, err := m.persist(ctx, exec, op)
	if err != nil {
		return exec, err
	}

	level := domain.LogLevelInfo
	if status == domain.ExecutionStatusFailed {
		level = domain.LogLevelError
	}
	meta := domain.Metadata{"status": string(status), "duration_ms": exec.Duration().Milliseconds()}
	if reason != "" {
		meta["error"] = reason
	}
	m.append(ctx, level, exec.ID, "", "pipeline completed", meta)
	m.logger.Info("pipeline completed",
		"execution_id", exec.ID,
		"application", exec.ApplicationRef,
		"status", string(status),
		"duration", exec.Duration().String(),
	)

	m.cleanup(exec.ID)
	m.observer.ExecutionFinished(string(status), exec.Duration())
	if m.notifier != nil {
		stages := make(map[string]domain.StageStatus, len(exec.Stages))
		for id, r := range exec.Stages {
			stages[id] = r.Status
		}
		err := m.notifier.PipelineCompleted(context.WithoutCancel(ctx), Completion{
			ExecutionID:    exec.ID,
			ApplicationRef: exec.ApplicationRef,
			Status:         status,
			Error:          reason,
			TriggerKind:    exec.TriggerKind,
			DurationMS:     exec.Duration().Milliseconds(),
			FinishedAt:     now,
			Stages:         stages,
		})
		if err != nil {
			m.logger.Warn("completion notification failed", "execution_id", exec.ID, "error", err)
		}
	}
	return exec, nil
}

func (m *Machine) persist(ctx context.Context, exec domain.Execution, op string) (domain.Execution, error) {
	exec.UpdatedAt = m.now().UTC()
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	updated, err := m.execs.Update(writeCtx, exec)
	if err != nil {
		m.logger.Error("execution write failed", "execution_id", exec.ID, "op", op, "error", err)
		return exec, &PersistenceError{ExecutionID: exec.ID, Op: op, Err: err}
	}
	return updated, nil
}

// cancelRequested reads the flag from the store; the in-memory copy is
// used when the read fails.
func (m *Machine) cancelRequested(ctx context.Context, exec domain.Execution) bool {
	requested, err := m.execs.CancelRequested(ctx, exec.ID)
	if err != nil {
		m.logger.Warn("cancel flag read failed", "execution_id", exec.ID, "error", err)
		return exec.CancelRequested
	}
	return requested || exec.CancelRequested
}

func (m *Machine) append(ctx context.Context, level domain.LogLevel, executionID, stageID, msg string, meta domain.Metadata) {
	if m.log == nil {
		return
	}
	m.log.Append(ctx, level, executionID, stageID, msg, meta)
}

func (m *Machine) workspace(id string) string {
	if m.workRoot == "" {
		return ""
	}
	return filepath.Join(m.workRoot, id)
}

func (m *Machine) cleanup(id string) {
	dir := m.workspace(id)
	if dir == "" || filepath.Dir(dir) != filepath.Clean(m.workRoot) {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		m.logger.Warn("workspace cleanup failed", "execution_id", id, "path", dir, "error", err)
	}
}

type nopObserver struct{}

func (nopObserver) ExecutionStarted(string)                     {}
func (nopObserver) ExecutionFinished(string, time.Duration)     {}
func (nopObserver) StageFinished(string, string, time.Duration) {}
func (nopObserver) StageRetried(string)                         {}
