package domain

import (
	"strings"
	"time"
)

// TriggerMode selects which external events may start a pipeline.
type TriggerMode string

const (
	TriggerModeManual TriggerMode = "manual"
	TriggerModePush   TriggerMode = "push"
	TriggerModeTag    TriggerMode = "tag"
)

func NormalizeTriggerMode(value string) TriggerMode {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(TriggerModeManual):
		return TriggerModeManual
	case string(TriggerModePush), "auto", "automatic":
		return TriggerModePush
	case string(TriggerModeTag), "tags":
		return TriggerModeTag
	default:
		return ""
	}
}

// PipelineConfig is the declarative pipeline of one application.
type PipelineConfig struct {
	ApplicationRef  string             `json:"application_ref"`
	Enabled         bool               `json:"enabled"`
	Stages          []StageDeclaration `json:"stages"`
	TriggerMode     TriggerMode        `json:"trigger_mode"`
	TriggerBranches []string           `json:"trigger_branches,omitempty"`
	EnvironmentVars map[string]string  `json:"environment_vars,omitempty"`
	UpdatedAt       time.Time          `json:"updated_at,omitempty"`
}

// StageDeclaration declares one stage of a pipeline.
type StageDeclaration struct {
	ID           string        `json:"id"`
	Type         string        `json:"type"`
	Enabled      bool          `json:"enabled"`
	Blocking     bool          `json:"blocking"`
	Timeout      time.Duration `json:"timeout"`
	Retries      int           `json:"retries,omitempty"`
	RetryBackoff Backoff       `json:"retry_backoff,omitempty"`
	Parameters   Metadata      `json:"parameters,omitempty"`
}

// Backoff describes the wait between retry attempts of a stage.
type Backoff struct {
	Type       string        `json:"type,omitempty"`
	Initial    time.Duration `json:"initial,omitempty"`
	Max        time.Duration `json:"max,omitempty"`
	Multiplier float64       `json:"multiplier,omitempty"`
}

const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

// Clone returns a deep copy; executions keep the copy as their snapshot.
func (c PipelineConfig) Clone() PipelineConfig {
	out := c
	if c.Stages != nil {
		out.Stages = make([]StageDeclaration, len(c.Stages))
		for i, s := range c.Stages {
			out.Stages[i] = s.Clone()
		}
	}
	if c.TriggerBranches != nil {
		out.TriggerBranches = append([]string(nil), c.TriggerBranches...)
	}
	out.EnvironmentVars = cloneStrings(c.EnvironmentVars)
	return out
}

func (s StageDeclaration) Clone() StageDeclaration {
	out := s
	if s.Parameters != nil {
		out.Parameters = s.Parameters.Clone()
	}
	return out
}

func (c PipelineConfig) EnabledStages() []StageDeclaration {
	out := make([]StageDeclaration, 0, len(c.Stages))
	for _, s := range c.Stages {
		if s.Enabled {
			out = append(out, s)
		}
	}
	return out
}

func (c PipelineConfig) Stage(id string) (StageDeclaration, bool) {
	for _, s := range c.Stages {
		if s.ID == id {
			return s, true
		}
	}
	return StageDeclaration{}, false
}
