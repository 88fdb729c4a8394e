// Package state derives execution-level facts from a config snapshot and
// its stage results. Nothing here mutates an execution.
package state

import (
	"github.com/animus-labs/deploypipe/internal/domain"
)

// DeriveStatus computes the overall status of an execution. It reports
// running while any stage is still pending or running. A cancelled skip
// wins over failures of stages that ran before the cancel took effect.
func DeriveStatus(cfg domain.PipelineConfig, stages map[string]domain.StageResult) domain.ExecutionStatus {
	blockingFailed := false
	cancelled := false
	orphanSkip := false

	for i, decl := range cfg.Stages {
		result := stages[decl.ID]
		switch result.Status {
		case domain.StageStatusFailed:
			if decl.Blocking {
				blockingFailed = true
			}
		case domain.StageStatusSkipped:
			switch result.ErrorCode {
			case domain.ErrorCodeCancelled:
				cancelled = true
			case domain.ErrorCodeUpstreamFailed:
				if _, ok := blockingFailureBefore(cfg, stages, i); !ok {
					orphanSkip = true
				}
			}
		case domain.StageStatusSuccess:
		default:
			return domain.ExecutionStatusRunning
		}
	}

	switch {
	case cancelled:
		return domain.ExecutionStatusCancelled
	case blockingFailed, orphanSkip:
		return domain.ExecutionStatusFailed
	default:
		return domain.ExecutionStatusSuccess
	}
}

// NextPending returns the index of the first stage, in snapshot order, that
// has not started yet.
func NextPending(cfg domain.PipelineConfig, stages map[string]domain.StageResult) (int, bool) {
	for i, decl := range cfg.Stages {
		if r := stages[decl.ID]; r.Status == domain.StageStatusPending || r.Status == "" {
			return i, true
		}
	}
	return -1, false
}

// Running returns the ids of stages left in running.
func Running(cfg domain.PipelineConfig, stages map[string]domain.StageResult) []string {
	var out []string
	for _, decl := range cfg.Stages {
		if stages[decl.ID].Status == domain.StageStatusRunning {
			out = append(out, decl.ID)
		}
	}
	return out
}

// BlockingFailure returns the first blocking stage that failed.
func BlockingFailure(cfg domain.PipelineConfig, stages map[string]domain.StageResult) (string, bool) {
	return blockingFailureBefore(cfg, stages, len(cfg.Stages))
}

func blockingFailureBefore(cfg domain.PipelineConfig, stages map[string]domain.StageResult, idx int) (string, bool) {
	for i := 0; i < idx && i < len(cfg.Stages); i++ {
		decl := cfg.Stages[i]
		if decl.Blocking && stages[decl.ID].Status == domain.StageStatusFailed {
			return decl.ID, true
		}
	}
	return "", false
}

// Artifacts merges the artifacts of finished stages in snapshot order. Each
// artifact is available as "name", later stages winning, and as
// "stageID.name".
func Artifacts(cfg domain.PipelineConfig, stages map[string]domain.StageResult) map[string]string {
	out := make(map[string]string)
	for _, decl := range cfg.Stages {
		for k, v := range stages[decl.ID].Artifacts {
			out[k] = v
			out[decl.ID+"."+k] = v
		}
	}
	return out
}

// Counts tallies stage results by status.
func Counts(stages map[string]domain.StageResult) map[domain.StageStatus]int {
	out := make(map[domain.StageStatus]int, 5)
	for _, r := range stages {
		out[r.Status]++
	}
	return out
}

// FailureMessage summarises failed stages for Execution.Error.
func FailureMessage(cfg domain.PipelineConfig, stages map[string]domain.StageResult) string {
	if id, ok := BlockingFailure(cfg, stages); ok {
		r := stages[id]
		if r.Error != "" {
			return "stage " + id + " failed: " + r.Error
		}
		return "stage " + id + " failed"
	}
	return ""
}
