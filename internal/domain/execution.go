package domain

import (
	"strings"
	"time"
)

type ExecutionStatus string

const (
	ExecutionStatusQueued    ExecutionStatus = "queued"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusSuccess   ExecutionStatus = "success"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

func NormalizeExecutionStatus(value string) ExecutionStatus {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(ExecutionStatusQueued), "pending":
		return ExecutionStatusQueued
	case string(ExecutionStatusRunning):
		return ExecutionStatusRunning
	case string(ExecutionStatusSuccess), "succeeded":
		return ExecutionStatusSuccess
	case string(ExecutionStatusFailed):
		return ExecutionStatusFailed
	case string(ExecutionStatusCancelled), "canceled":
		return ExecutionStatusCancelled
	default:
		return ""
	}
}

func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusSuccess || s == ExecutionStatusFailed || s == ExecutionStatusCancelled
}

// CanTransitionExecution enforces forward-only status progression.
func CanTransitionExecution(current, next ExecutionStatus) bool {
	if current == "" || next == "" {
		return false
	}
	if current == next {
		return true
	}
	if current.IsTerminal() {
		return false
	}
	return executionStatusOrder(current) < executionStatusOrder(next)
}

func executionStatusOrder(status ExecutionStatus) int {
	switch status {
	case ExecutionStatusQueued:
		return 1
	case ExecutionStatusRunning:
		return 2
	case ExecutionStatusSuccess, ExecutionStatusFailed, ExecutionStatusCancelled:
		return 3
	default:
		return 0
	}
}

type TriggerKind string

const (
	TriggerKindManual   TriggerKind = "manual"
	TriggerKindWebhook  TriggerKind = "webhook"
	TriggerKindAPI      TriggerKind = "api"
	TriggerKindRollback TriggerKind = "rollback"
)

// NormalizeTriggerKind maps free-form values; "push" is a webhook delivery.
func NormalizeTriggerKind(value string) TriggerKind {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(TriggerKindManual), "":
		return TriggerKindManual
	case string(TriggerKindWebhook), "push", "tag":
		return TriggerKindWebhook
	case string(TriggerKindAPI):
		return TriggerKindAPI
	case string(TriggerKindRollback):
		return TriggerKindRollback
	default:
		return ""
	}
}

// TriggerInfo records what caused an execution.
type TriggerInfo struct {
	Branch    string `json:"branch,omitempty"`
	Tag       string `json:"tag,omitempty"`
	CommitSHA string `json:"commit_sha,omitempty"`
	Actor     string `json:"actor,omitempty"`
	Provider  string `json:"provider,omitempty"`
}

// Execution is one run of a pipeline against a frozen config snapshot.
type Execution struct {
	ID              string                 `json:"id"`
	ApplicationRef  string                 `json:"application_ref"`
	ConfigSnapshot  PipelineConfig         `json:"config_snapshot"`
	Status          ExecutionStatus        `json:"status"`
	Stages          map[string]StageResult `json:"stages"`
	TriggerKind     TriggerKind            `json:"trigger_kind"`
	Trigger         TriggerInfo            `json:"trigger"`
	Error           string                 `json:"error,omitempty"`
	CancelRequested bool                   `json:"cancel_requested,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	StartedAt       *time.Time             `json:"started_at,omitempty"`
	FinishedAt      *time.Time             `json:"finished_at,omitempty"`
	UpdatedAt       time.Time              `json:"updated_at"`
	Version         int64                  `json:"version"`
}

// NewExecution builds a queued execution with one pending result per stage.
func NewExecution(id, applicationRef string, cfg PipelineConfig, kind TriggerKind, info TriggerInfo, now time.Time) Execution {
	snapshot := cfg.Clone()
	stages := make(map[string]StageResult, len(snapshot.Stages))
	for _, s := range snapshot.Stages {
		stages[s.ID] = PendingStage()
	}
	return Execution{
		ID:             id,
		ApplicationRef: applicationRef,
		ConfigSnapshot: snapshot,
		Status:         ExecutionStatusQueued,
		Stages:         stages,
		TriggerKind:    kind,
		Trigger:        info,
		CreatedAt:      now.UTC(),
		UpdatedAt:      now.UTC(),
	}
}

func (e Execution) IsTerminal() bool {
	return e.Status.IsTerminal()
}

func (e Execution) Duration() time.Duration {
	if e.StartedAt == nil || e.FinishedAt == nil {
		return 0
	}
	d := e.FinishedAt.Sub(*e.StartedAt)
	if d < 0 {
		return 0
	}
	return d
}

// Clone returns a deep copy so callers never share the stages map.
func (e Execution) Clone() Execution {
	out := e
	out.ConfigSnapshot = e.ConfigSnapshot.Clone()
	if e.Stages != nil {
		out.Stages = make(map[string]StageResult, len(e.Stages))
		for k, v := range e.Stages {
			out.Stages[k] = v.Clone()
		}
	}
	if e.StartedAt != nil {
		t := *e.StartedAt
		out.StartedAt = &t
	}
	if e.FinishedAt != nil {
		t := *e.FinishedAt
		out.FinishedAt = &t
	}
	return out
}
