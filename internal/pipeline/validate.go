package pipeline

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/animus-labs/deploypipe/internal/domain"
)

// FieldError names the offending field using its document path.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError aggregates field-level config issues.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "pipeline config validation failed"
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "pipeline config validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Add(field, message string) {
	if strings.TrimSpace(message) == "" {
		return
	}
	e.Fields = append(e.Fields, FieldError{Field: field, Message: message})
}

func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

var envNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Validate checks a config before it is persisted.
func Validate(cfg domain.PipelineConfig) error {
	verr := &ValidationError{}

	if strings.TrimSpace(cfg.ApplicationRef) == "" {
		verr.Add("applicationRef", "is required")
	}

	mode := domain.NormalizeTriggerMode(string(cfg.TriggerMode))
	if mode == "" {
		verr.Add("triggerMode", fmt.Sprintf("must be one of manual, push, tag (got %q)", cfg.TriggerMode))
	}
	if mode == domain.TriggerModePush && len(cfg.TriggerBranches) == 0 {
		verr.Add("triggerBranches", "must not be empty when triggerMode is push")
	}
	for i, pattern := range cfg.TriggerBranches {
		if strings.TrimSpace(pattern) == "" {
			verr.Add(fmt.Sprintf("triggerBranches[%d]", i), "must not be blank")
		}
	}

	seen := make(map[string]int, len(cfg.Stages))
	for i, stage := range cfg.Stages {
		path := fmt.Sprintf("stages[%d]", i)
		id := strings.TrimSpace(stage.ID)
		if id == "" {
			verr.Add(path+".id", "is required")
		} else if first, ok := seen[id]; ok {
			verr.Add(path+".id", fmt.Sprintf("duplicates stages[%d].id %q", first, id))
		} else {
			seen[id] = i
		}
		if strings.TrimSpace(stage.Type) == "" {
			verr.Add(path+".type", "is required")
		}
		if stage.Timeout <= 0 {
			verr.Add(path+".timeout", "must be > 0")
		}
		if stage.Retries < 0 {
			verr.Add(path+".retries", "must be >= 0")
		}
		validateBackoff(verr, path+".retryBackoff", stage.RetryBackoff)
	}

	for name := range cfg.EnvironmentVars {
		if !envNamePattern.MatchString(name) {
			verr.Add("environmentVars."+name, "must be a valid variable name")
		}
	}

	return verr.OrNil()
}

func validateBackoff(verr *ValidationError, path string, b domain.Backoff) {
	switch strings.ToLower(strings.TrimSpace(b.Type)) {
	case "", domain.BackoffFixed:
	case domain.BackoffExponential:
		if b.Multiplier < 1 {
			verr.Add(path+".multiplier", "must be >= 1 for exponential backoff")
		}
	default:
		verr.Add(path+".type", fmt.Sprintf("must be fixed or exponential (got %q)", b.Type))
	}
	if b.Initial < 0 {
		verr.Add(path+".initial", "must be >= 0")
	}
	if b.Max < 0 {
		verr.Add(path+".max", "must be >= 0")
	}
}
