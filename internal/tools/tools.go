// Package tools defines the uniform contract for external analysis and
// scanning services.
//
// Adapters report expected failure modes (service unreachable, invalid
// target, failed gate, unparsable output) through Result with Success set to
// false. A returned error means the adapter was misconfigured.
package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
)

// ProbeTimeout bounds IsAvailable implementations.
const ProbeTimeout = 5 * time.Second

// Capability groups adapters by what they do.
type Capability string

const (
	CapabilityAnalyze Capability = "analyze"
	CapabilityScan    Capability = "scan"
)

type Adapter interface {
	Name() string
	Capability() Capability
	Run(ctx context.Context, target Target, opts Options) (Result, error)
	IsAvailable(ctx context.Context) bool
}

// Target is a filesystem path or a container image reference.
type Target struct {
	Path  string
	Image string
	// Env is appended to the environment of spawned tool processes.
	Env map[string]string
}

func (t Target) Validate() error {
	if strings.TrimSpace(t.Path) == "" && strings.TrimSpace(t.Image) == "" {
		return errors.New("target path or image is required")
	}
	return nil
}

// Options carries stage parameters for the adapter.
type Options map[string]any

type Finding struct {
	ID               string `json:"id"`
	Title            string `json:"title,omitempty"`
	Severity         string `json:"severity"`
	Category         string `json:"category,omitempty"`
	Package          string `json:"package,omitempty"`
	InstalledVersion string `json:"installed_version,omitempty"`
	FixedVersion     string `json:"fixed_version,omitempty"`
	Location         string `json:"location,omitempty"`
}

type Result struct {
	Success  bool
	Findings []Finding
	Summary  map[string]int
	Error    string
	// Report is the raw tool output kept as a stage artifact.
	Report      []byte
	ReportName  string
	ReportType  string
	Annotations map[string]string
}

// Failed builds an unsuccessful result with a formatted error.
func Failed(format string, args ...any) Result {
	return Result{Success: false, Error: fmt.Sprintf(format, args...)}
}

// DecodeOptions decodes opts into out using mapstructure tags. Strings are
// accepted for numbers, booleans and durations.
func DecodeOptions(opts Options, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(map[string]any(opts)); err != nil {
		return fmt.Errorf("decode options: %w", err)
	}
	return nil
}

// Command describes one tool process invocation.
type Command struct {
	Dir  string
	Env  []string
	Name string
	Args []string
}

type CommandOutput struct {
	Stdout []byte
	Stderr []byte
}

// CommandRunner runs a tool process. The error is an *exec.ExitError when
// the process exited non-zero; output is returned in either case.
type CommandRunner func(ctx context.Context, cmd Command) (CommandOutput, error)

func ExecCommand(ctx context.Context, c Command) (CommandOutput, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(cmd.Environ(), c.Env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return CommandOutput{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, err
}

// ExitCode extracts the exit status of a finished process, or -1.
func ExitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func EnvList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// Truncate shortens tool output kept in error messages.
func Truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
