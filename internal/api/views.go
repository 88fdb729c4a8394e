package api

import (
	"time"

	"github.com/animus-labs/deploypipe/internal/domain"
	"github.com/animus-labs/deploypipe/internal/pipeline"
)

type stageResponse struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Blocking bool   `json:"blocking"`
	domain.StageResult
	DurationMS int64 `json:"duration_ms"`
}

type executionResponse struct {
	ID              string                 `json:"id"`
	ApplicationRef  string                 `json:"application_ref"`
	Status          domain.ExecutionStatus `json:"status"`
	TriggerKind     domain.TriggerKind     `json:"trigger_kind"`
	Trigger         domain.TriggerInfo     `json:"trigger"`
	Error           string                 `json:"error,omitempty"`
	CancelRequested bool                   `json:"cancel_requested,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	StartedAt       *time.Time             `json:"started_at,omitempty"`
	FinishedAt      *time.Time             `json:"finished_at,omitempty"`
	DurationMS      int64                  `json:"duration_ms"`
	Stages          []stageResponse        `json:"stages"`
}

// executionView lists stages in pipeline order with derived durations.
func executionView(exec domain.Execution) executionResponse {
	out := executionResponse{
		ID:              exec.ID,
		ApplicationRef:  exec.ApplicationRef,
		Status:          exec.Status,
		TriggerKind:     exec.TriggerKind,
		Trigger:         exec.Trigger,
		Error:           exec.Error,
		CancelRequested: exec.CancelRequested,
		CreatedAt:       exec.CreatedAt,
		StartedAt:       exec.StartedAt,
		FinishedAt:      exec.FinishedAt,
		DurationMS:      exec.Duration().Milliseconds(),
		Stages:          make([]stageResponse, 0, len(exec.ConfigSnapshot.Stages)),
	}
	for _, decl := range exec.ConfigSnapshot.Stages {
		res, ok := exec.Stages[decl.ID]
		if !ok {
			res = domain.PendingStage()
		}
		out.Stages = append(out.Stages, stageResponse{
			ID:          decl.ID,
			Type:        decl.Type,
			Blocking:    decl.Blocking,
			StageResult: res,
			DurationMS:  res.Duration().Milliseconds(),
		})
	}
	return out
}

func configView(cfg domain.PipelineConfig) map[string]any {
	return pipeline.Document(cfg)
}
