// Package stage executes one stage declaration against a registered handler.
package stage

import (
	"context"
	"fmt"
	"time"

	"github.com/animus-labs/deploypipe/internal/domain"
)

// DefaultTimeout applies when a declaration carries no timeout.
const DefaultTimeout = 10 * time.Minute

// Logger receives execution log entries. Implementations must not fail the
// caller when persistence fails.
type Logger interface {
	Append(ctx context.Context, level domain.LogLevel, executionID, stageID, message string, meta domain.Metadata)
}

// ReportStore persists raw tool reports and returns a reference to them.
type ReportStore interface {
	PutReport(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// ExecContext is what a stage sees of the execution driving it.
type ExecContext struct {
	ExecutionID    string
	ApplicationRef string
	Workspace      string
	Trigger        domain.TriggerInfo
	Env            map[string]string
	// Artifacts holds outputs of earlier stages, both as "name" (latest wins)
	// and as "stageID.name".
	Artifacts map[string]string
	Attempt   int
	// OnStart is called once the stage is marked running, before the
	// handler is invoked.
	OnStart func(domain.StageResult)
}

// Call is a single handler invocation.
type Call struct {
	Stage domain.StageDeclaration
	Exec  ExecContext
	log   Logger
}

func (c Call) Info(ctx context.Context, msg string, meta domain.Metadata) {
	c.append(ctx, domain.LogLevelInfo, msg, meta)
}

func (c Call) Warn(ctx context.Context, msg string, meta domain.Metadata) {
	c.append(ctx, domain.LogLevelWarn, msg, meta)
}

func (c Call) Error(ctx context.Context, msg string, meta domain.Metadata) {
	c.append(ctx, domain.LogLevelError, msg, meta)
}

func (c Call) append(ctx context.Context, level domain.LogLevel, msg string, meta domain.Metadata) {
	if c.log == nil {
		return
	}
	c.log.Append(ctx, level, c.Exec.ExecutionID, c.Stage.ID, msg, meta)
}

// Param returns a string stage parameter.
func (c Call) Param(key string) string {
	if c.Stage.Parameters == nil {
		return ""
	}
	switch v := c.Stage.Parameters[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// Outcome is the payload of a handler; it is kept even when the handler
// reports a failure.
type Outcome struct {
	Summary   map[string]int
	Artifacts map[string]string
}

// Handler runs the work behind one stage type. A nil error means success;
// a *Failure selects the error code, any other error is a tool failure.
type Handler interface {
	Handle(ctx context.Context, call Call) (Outcome, error)
}

type HandlerFunc func(ctx context.Context, call Call) (Outcome, error)

func (f HandlerFunc) Handle(ctx context.Context, call Call) (Outcome, error) {
	return f(ctx, call)
}

// Failure is a stage failure with a machine-readable code.
type Failure struct {
	Code    string
	Message string

	panicValue any
}

func (f *Failure) Error() string { return f.Message }

func Fail(code, format string, args ...any) error {
	return &Failure{Code: code, Message: fmt.Sprintf(format, args...)}
}
