package pipeline

import (
	"github.com/animus-labs/deploypipe/internal/domain"
)

// Document renders cfg in the shape Decode accepts, with durations as
// strings, so a config read back from the API can be submitted again.
func Document(cfg domain.PipelineConfig) map[string]any {
	stages := make([]any, 0, len(cfg.Stages))
	for _, s := range cfg.Stages {
		stage := map[string]any{
			"id":       s.ID,
			"type":     s.Type,
			"enabled":  s.Enabled,
			"blocking": s.Blocking,
			"timeout":  s.Timeout.String(),
		}
		if s.Retries > 0 {
			stage["retries"] = s.Retries
		}
		if s.RetryBackoff != (domain.Backoff{}) {
			backoff := map[string]any{"type": s.RetryBackoff.Type}
			if s.RetryBackoff.Initial > 0 {
				backoff["initial"] = s.RetryBackoff.Initial.String()
			}
			if s.RetryBackoff.Max > 0 {
				backoff["max"] = s.RetryBackoff.Max.String()
			}
			if s.RetryBackoff.Multiplier > 0 {
				backoff["multiplier"] = s.RetryBackoff.Multiplier
			}
			stage["retry_backoff"] = backoff
		}
		if len(s.Parameters) > 0 {
			stage["parameters"] = map[string]any(s.Parameters.Clone())
		}
		stages = append(stages, stage)
	}

	trigger := map[string]any{"mode": string(cfg.TriggerMode)}
	if len(cfg.TriggerBranches) > 0 {
		trigger["branches"] = append([]string(nil), cfg.TriggerBranches...)
	}
	doc := map[string]any{
		"application": cfg.ApplicationRef,
		"enabled":     cfg.Enabled,
		"trigger":     trigger,
		"stages":      stages,
	}
	if len(cfg.EnvironmentVars) > 0 {
		env := make(map[string]string, len(cfg.EnvironmentVars))
		for k, v := range cfg.EnvironmentVars {
			env[k] = v
		}
		doc["environment"] = env
	}
	return doc
}
