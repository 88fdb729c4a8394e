package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/animus-labs/deploypipe/internal/domain"
)

const DefaultStageTimeout = 10 * time.Minute

type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
	FormatJSON Format = "json"
)

// FormatFromPath picks a decoder from the file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported pipeline file extension %q", filepath.Ext(path))
	}
}

type document struct {
	Application string            `mapstructure:"application"`
	Enabled     *bool             `mapstructure:"enabled"`
	Trigger     triggerDocument   `mapstructure:"trigger"`
	Environment map[string]string `mapstructure:"environment"`
	Stages      []stageDocument   `mapstructure:"stages"`
}

type triggerDocument struct {
	Mode     string   `mapstructure:"mode"`
	Branches []string `mapstructure:"branches"`
}

type stageDocument struct {
	ID           string          `mapstructure:"id"`
	Type         string          `mapstructure:"type"`
	Enabled      *bool           `mapstructure:"enabled"`
	Blocking     *bool           `mapstructure:"blocking"`
	Timeout      time.Duration   `mapstructure:"timeout"`
	Retries      int             `mapstructure:"retries"`
	RetryBackoff backoffDocument `mapstructure:"retry_backoff"`
	Parameters   map[string]any  `mapstructure:"parameters"`
}

type backoffDocument struct {
	Type       string        `mapstructure:"type"`
	Initial    time.Duration `mapstructure:"initial"`
	Max        time.Duration `mapstructure:"max"`
	Multiplier float64       `mapstructure:"multiplier"`
}

// DecodeFile reads a YAML, TOML or JSON pipeline document.
func DecodeFile(path string) (domain.PipelineConfig, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return domain.PipelineConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.PipelineConfig{}, fmt.Errorf("read pipeline file: %w", err)
	}
	return Decode(data, format)
}

// Decode parses a pipeline document and applies defaults: stages are
// enabled and blocking unless stated, timeouts default to ten minutes,
// push pipelines without branches follow main and master.
func Decode(data []byte, format Format) (domain.PipelineConfig, error) {
	raw := map[string]any{}
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return domain.PipelineConfig{}, fmt.Errorf("parse yaml: %w", err)
		}
	case FormatTOML:
		if err := toml.Unmarshal(data, &raw); err != nil {
			return domain.PipelineConfig{}, fmt.Errorf("parse toml: %w", err)
		}
	case FormatJSON:
		if err := json.Unmarshal(data, &raw); err != nil {
			return domain.PipelineConfig{}, fmt.Errorf("parse json: %w", err)
		}
	default:
		return domain.PipelineConfig{}, fmt.Errorf("unsupported format %q", format)
	}
	return FromMap(raw)
}

// FromMap converts an already parsed document.
func FromMap(raw map[string]any) (domain.PipelineConfig, error) {
	var doc document
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			numberToSecondsHook,
			mapstructure.StringToTimeDurationHookFunc(),
		),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           &doc,
	})
	if err != nil {
		return domain.PipelineConfig{}, err
	}
	if err := dec.Decode(raw); err != nil {
		return domain.PipelineConfig{}, fmt.Errorf("decode pipeline document: %w", err)
	}
	return doc.toConfig(), nil
}

func (d document) toConfig() domain.PipelineConfig {
	cfg := domain.PipelineConfig{
		ApplicationRef:  strings.TrimSpace(d.Application),
		Enabled:         boolOr(d.Enabled, true),
		TriggerMode:     domain.TriggerMode(strings.ToLower(strings.TrimSpace(d.Trigger.Mode))),
		TriggerBranches: d.Trigger.Branches,
		EnvironmentVars: d.Environment,
	}
	if cfg.TriggerMode == "" {
		cfg.TriggerMode = domain.TriggerModeManual
	}
	if normalized := domain.NormalizeTriggerMode(string(cfg.TriggerMode)); normalized != "" {
		cfg.TriggerMode = normalized
	}
	if cfg.TriggerMode == domain.TriggerModePush && len(cfg.TriggerBranches) == 0 {
		cfg.TriggerBranches = append([]string(nil), DefaultTriggerBranches...)
	}

	cfg.Stages = make([]domain.StageDeclaration, 0, len(d.Stages))
	for _, s := range d.Stages {
		timeout := s.Timeout
		if timeout == 0 {
			timeout = DefaultStageTimeout
		}
		var params domain.Metadata
		if s.Parameters != nil {
			params = domain.Metadata(s.Parameters)
		}
		cfg.Stages = append(cfg.Stages, domain.StageDeclaration{
			ID:       strings.TrimSpace(s.ID),
			Type:     strings.TrimSpace(s.Type),
			Enabled:  boolOr(s.Enabled, true),
			Blocking: boolOr(s.Blocking, true),
			Timeout:  timeout,
			Retries:  s.Retries,
			RetryBackoff: domain.Backoff{
				Type:       strings.ToLower(strings.TrimSpace(s.RetryBackoff.Type)),
				Initial:    s.RetryBackoff.Initial,
				Max:        s.RetryBackoff.Max,
				Multiplier: s.RetryBackoff.Multiplier,
			},
			Parameters: params,
		})
	}
	return cfg
}

// numberToSecondsHook reads bare numbers as seconds for duration fields.
func numberToSecondsHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(time.Duration(0)) {
		return data, nil
	}
	switch v := data.(type) {
	case int:
		return time.Duration(v) * time.Second, nil
	case int64:
		return time.Duration(v) * time.Second, nil
	case uint64:
		return time.Duration(v) * time.Second, nil
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	default:
		return data, nil
	}
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// DefaultStages is the stage list used when an application has no
// explicit pipeline: clone, detect, analyze, scan, deploy.
func DefaultStages() []domain.StageDeclaration {
	return []domain.StageDeclaration{
		{ID: "git_clone", Type: "source", Enabled: true, Blocking: true, Timeout: 10 * time.Minute},
		{ID: "language_detection", Type: "language-detection", Enabled: true, Blocking: true, Timeout: 2 * time.Minute},
		{ID: "sonarqube", Type: "static-analysis", Enabled: true, Blocking: false, Timeout: 15 * time.Minute},
		{ID: "trivy", Type: "vuln-scan", Enabled: true, Blocking: true, Timeout: 10 * time.Minute},
		{ID: "deploy", Type: "deploy", Enabled: true, Blocking: true, Timeout: 30 * time.Minute},
	}
}
