package pipelines

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/animus-labs/deploypipe/internal/domain"
	"github.com/animus-labs/deploypipe/internal/pipeline"
	"github.com/animus-labs/deploypipe/internal/platform/auditlog"
	"github.com/animus-labs/deploypipe/internal/repo"
)

const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100

	defaultCacheSize = 512
)

var ErrInvalidRequest = errors.New("invalid request")

type Starter interface {
	Start(ctx context.Context, cfg domain.PipelineConfig, applicationRef string, kind domain.TriggerKind, info domain.TriggerInfo) (domain.Execution, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, executionID string) error
}

type LogStore interface {
	Append(ctx context.Context, level domain.LogLevel, executionID, stageID, message string, meta domain.Metadata)
	Query(ctx context.Context, executionID, stageID string) ([]domain.LogEntry, error)
}

type Deps struct {
	Configs    *pipeline.Repository
	Executions repo.ExecutionRepository
	Logs       LogStore
	Machine    Starter
	Queue      Enqueuer
	Audit      auditlog.Recorder
	Logger     *slog.Logger
	CacheSize  int
}

type Service struct {
	configs *pipeline.Repository
	execs   repo.ExecutionRepository
	logs    LogStore
	machine Starter
	queue   Enqueuer
	audit   auditlog.Recorder
	logger  *slog.Logger
	cache   *lru.Cache
	now     func() time.Time
}

func New(d Deps) (*Service, error) {
	if d.Configs == nil || d.Executions == nil || d.Logs == nil || d.Machine == nil || d.Queue == nil {
		return nil, errors.New("pipelines: configs, executions, logs, machine and queue are required")
	}
	size := d.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("execution cache: %w", err)
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	audit := d.Audit
	if audit == nil {
		audit = auditlog.Logger{L: logger}
	}
	return &Service{
		configs: d.Configs,
		execs:   d.Executions,
		logs:    d.Logs,
		machine: d.Machine,
		queue:   d.Queue,
		audit:   audit,
		logger:  logger,
		cache:   cache,
		now:     time.Now,
	}, nil
}

// AuditInfo identifies the caller of a control-plane action.
type AuditInfo struct {
	Actor     string
	RequestID string
	UserAgent string
	IP        net.IP
}

type TriggerRequest struct {
	ApplicationRef string
	Kind           domain.TriggerKind
	Branch         string
	Tag            string
	CommitSHA      string
	Provider       string
	Audit          AuditInfo
}

// TriggerPipeline creates a queued execution and returns its id. A missing
// or disabled pipeline yields domain.ErrPipelineDisabled; trigger rule
// mismatches yield domain.ErrNoMatchingBranch or
// domain.ErrTriggerModeMismatch. No execution is created on error.
func (s *Service) TriggerPipeline(ctx context.Context, req TriggerRequest) (string, error) {
	appRef := strings.TrimSpace(req.ApplicationRef)
	if appRef == "" {
		return "", fmt.Errorf("%w: application ref is required", ErrInvalidRequest)
	}
	kind := domain.NormalizeTriggerKind(string(req.Kind))
	if kind == "" {
		return "", fmt.Errorf("%w: unknown trigger kind %q", ErrInvalidRequest, req.Kind)
	}

	cfg, err := s.configs.Load(ctx, appRef)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return "", domain.ErrPipelineDisabled
		}
		return "", fmt.Errorf("load pipeline config: %w", err)
	}

	info := domain.TriggerInfo{
		Branch:    pipeline.NormalizeRef(req.Branch),
		Tag:       pipeline.NormalizeRef(req.Tag),
		CommitSHA: strings.TrimSpace(req.CommitSHA),
		Actor:     strings.TrimSpace(req.Audit.Actor),
		Provider:  strings.TrimSpace(req.Provider),
	}
	if err := pipeline.CheckTrigger(cfg, kind, info); err != nil {
		if kind == domain.TriggerKindWebhook {
			s.record(ctx, req.Audit, auditlog.ActionTriggerRejected, appRef, "pipeline", appRef, map[string]any{
				"reason": err.Error(),
				"branch": info.Branch,
				"tag":    info.Tag,
			})
		}
		return "", err
	}

	exec, err := s.machine.Start(ctx, cfg, appRef, kind, info)
	if err != nil {
		return "", err
	}

	if err := s.queue.Enqueue(ctx, exec.ID); err != nil {
		s.logger.Warn("enqueue execution failed", "execution_id", exec.ID, "error", err)
		s.logs.Append(ctx, domain.LogLevelWarn, exec.ID, "", "enqueue failed, execution will be picked up by the reaper", domain.Metadata{"error": err.Error()})
	}

	s.record(ctx, req.Audit, auditlog.ActionTriggered, appRef, "execution", exec.ID, map[string]any{
		"trigger_kind": string(kind),
		"branch":       info.Branch,
		"tag":          info.Tag,
		"commit":       info.CommitSHA,
		"provider":     info.Provider,
	})
	return exec.ID, nil
}

// GetExecution returns repo.ErrNotFound for unknown ids. Terminal
// executions never change and are served from cache.
func (s *Service) GetExecution(ctx context.Context, id string) (domain.Execution, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Execution{}, repo.ErrNotFound
	}
	if v, ok := s.cache.Get(id); ok {
		return v.(domain.Execution).Clone(), nil
	}
	exec, err := s.execs.Get(ctx, id)
	if err != nil {
		return domain.Execution{}, err
	}
	if exec.IsTerminal() {
		s.cache.Add(id, exec.Clone())
	}
	return exec, nil
}

type Page struct {
	Limit  int
	Offset int
}

func (p Page) normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// ListExecutions returns an application's executions, newest first.
func (s *Service) ListExecutions(ctx context.Context, applicationRef string, page Page) ([]domain.Execution, error) {
	applicationRef = strings.TrimSpace(applicationRef)
	if applicationRef == "" {
		return nil, fmt.Errorf("%w: application ref is required", ErrInvalidRequest)
	}
	page = page.normalize()
	return s.execs.List(ctx, repo.ExecutionFilter{
		ApplicationRef: applicationRef,
		Limit:          page.Limit,
		Offset:         page.Offset,
	})
}

// GetLogs returns the execution's entries in log order, restricted to one
// stage when stageID is set.
func (s *Service) GetLogs(ctx context.Context, executionID, stageID string) ([]domain.LogEntry, error) {
	exec, err := s.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	stageID = strings.TrimSpace(stageID)
	if stageID != "" {
		if _, ok := exec.Stages[stageID]; !ok {
			return nil, fmt.Errorf("%w: unknown stage %q", ErrInvalidRequest, stageID)
		}
	}
	return s.logs.Query(ctx, exec.ID, stageID)
}

// CancelExecution flags the execution for cancellation. The worker honours
// the flag at the next stage boundary.
func (s *Service) CancelExecution(ctx context.Context, id string, audit AuditInfo) (domain.Execution, error) {
	exec, err := s.execs.Get(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Execution{}, err
	}
	if exec.IsTerminal() {
		return exec, domain.ErrNotCancellable
	}
	if err := s.execs.RequestCancel(ctx, exec.ID); err != nil {
		return domain.Execution{}, fmt.Errorf("request cancel: %w", err)
	}
	exec.CancelRequested = true
	s.logs.Append(ctx, domain.LogLevelWarn, exec.ID, "", "cancellation requested", domain.Metadata{"actor": audit.Actor})
	s.record(ctx, audit, auditlog.ActionCancelRequested, exec.ApplicationRef, "execution", exec.ID, map[string]any{
		"status": string(exec.Status),
	})
	return exec, nil
}

// SaveConfig validates and stores cfg; invalid configs yield a
// *pipeline.ValidationError.
func (s *Service) SaveConfig(ctx context.Context, cfg domain.PipelineConfig, audit AuditInfo) (domain.PipelineConfig, error) {
	saved, err := s.configs.Save(ctx, cfg)
	if err != nil {
		return domain.PipelineConfig{}, err
	}
	stages := make([]string, 0, len(saved.Stages))
	for _, st := range saved.Stages {
		stages = append(stages, st.ID)
	}
	s.record(ctx, audit, auditlog.ActionConfigSaved, saved.ApplicationRef, "pipeline", saved.ApplicationRef, map[string]any{
		"enabled":      saved.Enabled,
		"trigger_mode": string(saved.TriggerMode),
		"stages":       stages,
	})
	return saved, nil
}

func (s *Service) LoadConfig(ctx context.Context, applicationRef string) (domain.PipelineConfig, error) {
	return s.configs.Load(ctx, applicationRef)
}

func (s *Service) record(ctx context.Context, info AuditInfo, action, appRef, resourceType, resourceID string, payload map[string]any) {
	err := s.audit.Record(context.WithoutCancel(ctx), auditlog.Event{
		OccurredAt:     s.now().UTC(),
		Actor:          firstNonEmpty(info.Actor, "anonymous"),
		Action:         action,
		ApplicationRef: appRef,
		ResourceType:   resourceType,
		ResourceID:     resourceID,
		RequestID:      info.RequestID,
		IP:             info.IP,
		UserAgent:      info.UserAgent,
		Payload:        payload,
	})
	if err != nil {
		s.logger.Warn("audit record failed", "action", action, "resource_id", resourceID, "error", err)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
