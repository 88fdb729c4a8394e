package domain

import (
	"strings"
	"time"
)

type StageStatus string

const (
	StageStatusPending StageStatus = "pending"
	StageStatusRunning StageStatus = "running"
	StageStatusSuccess StageStatus = "success"
	StageStatusFailed  StageStatus = "failed"
	StageStatusSkipped StageStatus = "skipped"
)

func NormalizeStageStatus(value string) StageStatus {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(StageStatusPending), "queued":
		return StageStatusPending
	case string(StageStatusRunning):
		return StageStatusRunning
	case string(StageStatusSuccess), "succeeded", "passed":
		return StageStatusSuccess
	case string(StageStatusFailed), "failure":
		return StageStatusFailed
	case string(StageStatusSkipped):
		return StageStatusSkipped
	default:
		return ""
	}
}

func (s StageStatus) IsTerminal() bool {
	return s == StageStatusSuccess || s == StageStatusFailed || s == StageStatusSkipped
}

// CanTransitionStage allows pending->running->success|failed and pending->skipped.
func CanTransitionStage(current, next StageStatus) bool {
	switch current {
	case StageStatusPending:
		return next == StageStatusRunning || next == StageStatusSkipped
	case StageStatusRunning:
		return next == StageStatusSuccess || next == StageStatusFailed
	default:
		return false
	}
}

// Stage error codes.
const (
	ErrorCodeUnknownStageType = "unknown_stage_type"
	ErrorCodeTimeout          = "stage_timeout"
	ErrorCodeToolUnavailable  = "tool_unavailable"
	ErrorCodeToolFailed       = "tool_failed"
	ErrorCodeInternal         = "internal_error"
	ErrorCodeInterrupted      = "interrupted"
	ErrorCodeUpstreamFailed   = "upstream_failed"
	ErrorCodeCancelled        = "cancelled"
	ErrorCodePipelineTimeout  = "pipeline_timeout"
)

// StageResult is the outcome of one stage inside an execution.
type StageResult struct {
	Status     StageStatus       `json:"status"`
	StartedAt  *time.Time        `json:"started_at,omitempty"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
	Error      string            `json:"error,omitempty"`
	ErrorCode  string            `json:"error_code,omitempty"`
	Attempts   int               `json:"attempts,omitempty"`
	Summary    map[string]int    `json:"summary,omitempty"`
	Artifacts  map[string]string `json:"artifacts,omitempty"`
}

func PendingStage() StageResult {
	return StageResult{Status: StageStatusPending}
}

// Duration is derived from the timestamps; zero until both are set.
func (r StageResult) Duration() time.Duration {
	if r.StartedAt == nil || r.FinishedAt == nil {
		return 0
	}
	d := r.FinishedAt.Sub(*r.StartedAt)
	if d < 0 {
		return 0
	}
	return d
}

func (r StageResult) Clone() StageResult {
	out := r
	if r.StartedAt != nil {
		t := *r.StartedAt
		out.StartedAt = &t
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		out.FinishedAt = &t
	}
	out.Summary = cloneCounts(r.Summary)
	out.Artifacts = cloneStrings(r.Artifacts)
	return out
}
