package stage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/animus-labs/deploypipe/internal/domain"
)

const (
	msgTimedOut      = "stage timed out"
	msgInternalError = "internal error while executing stage"
)

// Runner resolves stage types through a closed dispatch table.
type Runner struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	log      Logger
	now      func() time.Time
}

func NewRunner(log Logger) *Runner {
	return &Runner{
		handlers: make(map[string]Handler),
		log:      log,
		now:      time.Now,
	}
}

// Register binds a handler to a stage type and its aliases.
func (r *Runner) Register(stageType string, h Handler, aliases ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range append([]string{stageType}, aliases...) {
		name = normalizeType(name)
		if name == "" {
			continue
		}
		r.handlers[name] = h
	}
}

func (r *Runner) Resolve(stageType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[normalizeType(stageType)]
	return h, ok
}

// Types lists every registered type name, aliases included.
func (r *Runner) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func normalizeType(t string) string {
	return strings.ToLower(strings.TrimSpace(t))
}

type invocation struct {
	outcome Outcome
	err     error
}

// Execute runs one attempt of a stage. It never returns an error: every
// failure mode ends up in the returned StageResult. Cancelling ctx does not
// abort the handler; only the stage timeout does.
func (r *Runner) Execute(ctx context.Context, decl domain.StageDeclaration, ec ExecContext) domain.StageResult {
	if !decl.Enabled {
		return domain.StageResult{Status: domain.StageStatusSkipped}
	}
	ctx = context.WithoutCancel(ctx)

	call := Call{Stage: decl, Exec: ec, log: r.log}
	started := r.now().UTC()
	result := domain.StageResult{Status: domain.StageStatusRunning, StartedAt: &started, Attempts: ec.Attempt}
	call.Info(ctx, "stage started", domain.Metadata{"type": decl.Type, "attempt": ec.Attempt})
	if ec.OnStart != nil {
		ec.OnStart(result.Clone())
	}

	h, ok := r.Resolve(decl.Type)
	if !ok {
		return r.finish(ctx, call, result, Outcome{}, Fail(domain.ErrorCodeUnknownStageType, "unknown stage type %q", decl.Type))
	}

	timeout := decl.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	stageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan invocation, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- invocation{err: &Failure{Code: domain.ErrorCodeInternal, Message: msgInternalError, panicValue: p}}
			}
		}()
		out, err := h.Handle(stageCtx, call)
		done <- invocation{outcome: out, err: err}
	}()

	select {
	case inv := <-done:
		if inv.err != nil && errors.Is(stageCtx.Err(), context.DeadlineExceeded) {
			return r.finish(ctx, call, result, inv.outcome, Fail(domain.ErrorCodeTimeout, msgTimedOut))
		}
		return r.finish(ctx, call, result, inv.outcome, inv.err)
	case <-stageCtx.Done():
		return r.finish(ctx, call, result, Outcome{}, Fail(domain.ErrorCodeTimeout, msgTimedOut))
	}
}

func (r *Runner) finish(ctx context.Context, call Call, result domain.StageResult, out Outcome, err error) domain.StageResult {
	finished := r.now().UTC()
	result.FinishedAt = &finished
	if len(out.Summary) > 0 {
		result.Summary = out.Summary
	}
	if len(out.Artifacts) > 0 {
		result.Artifacts = out.Artifacts
	}

	meta := domain.Metadata{"duration_ms": result.Duration().Milliseconds()}
	if len(result.Summary) > 0 {
		summary := make(map[string]any, len(result.Summary))
		for k, v := range result.Summary {
			summary[k] = v
		}
		meta["summary"] = summary
	}

	if err == nil {
		result.Status = domain.StageStatusSuccess
		call.Info(ctx, "stage succeeded", meta)
		return result
	}

	result.Status = domain.StageStatusFailed
	result.ErrorCode = domain.ErrorCodeToolFailed
	result.Error = err.Error()
	var f *Failure
	if errors.As(err, &f) {
		result.ErrorCode = f.Code
		if f.panicValue != nil {
			meta["panic"] = fmt.Sprint(f.panicValue)
		}
	}
	if strings.TrimSpace(result.Error) == "" {
		result.Error = "stage failed"
	}
	meta["error_code"] = result.ErrorCode
	call.Error(ctx, "stage failed: "+result.Error, meta)
	return result
}
