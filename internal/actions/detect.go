package actions

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/animus-labs/deploypipe/internal/domain"
	"github.com/animus-labs/deploypipe/internal/execution/stage"
)

const LanguageUnknown = "Unknown"

// markers are checked in order at the repository root.
var markers = []struct {
	file     string
	language string
}{
	{"composer.json", "PHP"},
	{"package.json", "JavaScript"},
	{"requirements.txt", "Python"},
	{"pyproject.toml", "Python"},
	{"pom.xml", "Java"},
	{"build.gradle", "Java"},
	{"go.mod", "Go"},
	{"Gemfile", "Ruby"},
	{"Cargo.toml", "Rust"},
}

var extensions = map[string]string{
	".php":  "PHP",
	".js":   "JavaScript",
	".jsx":  "JavaScript",
	".ts":   "JavaScript",
	".tsx":  "JavaScript",
	".py":   "Python",
	".java": "Java",
	".kt":   "Java",
	".go":   "Go",
	".rb":   "Ruby",
	".rs":   "Rust",
}

var skipDirs = map[string]bool{".git": true, "node_modules": true, "vendor": true, ".venv": true}

// DetectLanguage inspects the workspace. An undetermined language is not a
// failure.
type DetectLanguage struct{}

func (DetectLanguage) Handle(ctx context.Context, call stage.Call) (stage.Outcome, error) {
	root := firstNonEmpty(call.Exec.Artifacts["workspace"], call.Exec.Workspace)
	language, counts := Detect(root)
	meta := domain.Metadata{"language": language}
	if language == LanguageUnknown {
		call.Warn(ctx, "language could not be determined", meta)
	} else {
		call.Info(ctx, "language detected", meta)
	}
	return stage.Outcome{Artifacts: map[string]string{"language": language}, Summary: counts}, nil
}

// Detect returns the project language and per-language source file counts.
func Detect(root string) (string, map[string]int) {
	counts := map[string]int{}
	if root == "" {
		return LanguageUnknown, counts
	}
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != root && skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if lang, ok := extensions[strings.ToLower(filepath.Ext(d.Name()))]; ok {
			counts[strings.ToLower(lang)]++
		}
		return nil
	})

	for _, m := range markers {
		if _, err := os.Stat(filepath.Join(root, m.file)); err == nil {
			return m.language, counts
		}
	}

	best, bestCount := LanguageUnknown, 0
	names := make([]string, 0, len(extensions))
	for _, lang := range extensions {
		names = append(names, lang)
	}
	sort.Strings(names)
	for _, lang := range names {
		if n := counts[strings.ToLower(lang)]; n > bestCount {
			best, bestCount = lang, n
		}
	}
	return best, counts
}
