package pipeline

import (
	"strings"

	"github.com/ryanuber/go-glob"

	"github.com/animus-labs/deploypipe/internal/domain"
)

// DefaultTriggerBranches applies to push pipelines declared without branches.
var DefaultTriggerBranches = []string{"main", "master"}

// MatchBranch reports whether branch matches one of patterns. Patterns are
// exact names or globs ("feature/*", "release-*"). An empty list matches
// every branch.
func MatchBranch(patterns []string, branch string) bool {
	branch = NormalizeRef(branch)
	if branch == "" {
		return false
	}
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if p == branch || glob.Glob(p, branch) {
			return true
		}
	}
	return false
}

// NormalizeRef strips refs/heads/ and refs/tags/ prefixes.
func NormalizeRef(ref string) string {
	ref = strings.TrimSpace(ref)
	ref = strings.TrimPrefix(ref, "refs/heads/")
	ref = strings.TrimPrefix(ref, "refs/tags/")
	return ref
}

// CheckTrigger decides whether a trigger may start cfg. Only webhook
// deliveries are subject to the trigger mode and branch rules.
func CheckTrigger(cfg domain.PipelineConfig, kind domain.TriggerKind, info domain.TriggerInfo) error {
	if !cfg.Enabled {
		return domain.ErrPipelineDisabled
	}
	if kind != domain.TriggerKindWebhook {
		return nil
	}
	switch domain.NormalizeTriggerMode(string(cfg.TriggerMode)) {
	case domain.TriggerModePush:
		if strings.TrimSpace(info.Tag) != "" && strings.TrimSpace(info.Branch) == "" {
			return domain.ErrNoMatchingBranch
		}
		if !MatchBranch(cfg.TriggerBranches, info.Branch) {
			return domain.ErrNoMatchingBranch
		}
		return nil
	case domain.TriggerModeTag:
		if strings.TrimSpace(info.Tag) == "" {
			return domain.ErrTriggerModeMismatch
		}
		if !MatchBranch(cfg.TriggerBranches, info.Tag) {
			return domain.ErrNoMatchingBranch
		}
		return nil
	default:
		return domain.ErrTriggerModeMismatch
	}
}
