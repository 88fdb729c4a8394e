// Package trivy adapts a Trivy-style vulnerability scanner. The CLI runs in
// client mode against a scanner server when one is configured.
package trivy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/exec"
	"strings"

	"github.com/animus-labs/deploypipe/internal/platform/env"
	"github.com/animus-labs/deploypipe/internal/tools"
)

const (
	ModeFilesystem = "fs"
	ModeImage      = "image"
)

type Config struct {
	Bin       string
	ServerURL string
}

func ConfigFromEnv() (Config, error) {
	cfg := Config{
		Bin:       env.String("trivy.bin", "trivy"),
		ServerURL: strings.TrimRight(strings.TrimSpace(env.String("trivy.server_url", "")), "/"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Bin) == "" {
		return errors.New("trivy.bin is required")
	}
	if c.ServerURL != "" && !strings.HasPrefix(c.ServerURL, "http://") && !strings.HasPrefix(c.ServerURL, "https://") {
		return fmt.Errorf("trivy.server_url must be an http(s) URL: %q", c.ServerURL)
	}
	return nil
}

// Options are read from the stage parameters.
type Options struct {
	Mode              string   `mapstructure:"mode"`
	Severity          string   `mapstructure:"severity"`
	Scanners          string   `mapstructure:"scanners"`
	IgnoreUnfixed     bool     `mapstructure:"ignore_unfixed"`
	CriticalThreshold int      `mapstructure:"critical_threshold"`
	HighThreshold     int      `mapstructure:"high_threshold"`
	SkipDirs          []string `mapstructure:"skip_dirs"`
}

func defaultOptions() Options {
	return Options{
		Mode:              ModeFilesystem,
		Severity:          "CRITICAL,HIGH",
		Scanners:          "vuln,secret",
		CriticalThreshold: 0,
		HighThreshold:     5,
	}
}

type Adapter struct {
	cfg      Config
	run      tools.CommandRunner
	client   *http.Client
	lookPath func(string) (string, error)
}

func New(cfg Config) *Adapter {
	return &Adapter{
		cfg:      cfg,
		run:      tools.ExecCommand,
		client:   &http.Client{Timeout: tools.ProbeTimeout},
		lookPath: exec.LookPath,
	}
}

func (a *Adapter) Name() string { return "trivy" }

func (a *Adapter) Capability() tools.Capability { return tools.CapabilityScan }

// IsAvailable probes the scanner server, or the local binary when no
// server is configured.
func (a *Adapter) IsAvailable(ctx context.Context) bool {
	if a.cfg.ServerURL == "" {
		_, err := a.lookPath(a.cfg.Bin)
		return err == nil
	}
	ctx, cancel := context.WithTimeout(ctx, tools.ProbeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.ServerURL+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (a *Adapter) Run(ctx context.Context, target tools.Target, raw tools.Options) (tools.Result, error) {
	opts := defaultOptions()
	if err := tools.DecodeOptions(raw, &opts); err != nil {
		return tools.Result{}, err
	}
	opts.Mode = strings.ToLower(strings.TrimSpace(opts.Mode))

	var subject string
	switch opts.Mode {
	case ModeFilesystem:
		subject = strings.TrimSpace(target.Path)
		if subject == "" {
			return tools.Failed("filesystem scan requires a target path"), nil
		}
	case ModeImage:
		subject = strings.TrimSpace(target.Image)
		if subject == "" {
			return tools.Failed("image scan requires a target image"), nil
		}
	default:
		return tools.Result{}, fmt.Errorf("unsupported trivy mode %q", opts.Mode)
	}

	out, err := a.run(ctx, tools.Command{
		Env:  tools.EnvList(target.Env),
		Name: a.cfg.Bin,
		Args: a.buildArgs(opts, subject),
	})
	if err != nil {
		if ctx.Err() != nil {
			return tools.Failed("scan aborted: %v", ctx.Err()), nil
		}
		code := tools.ExitCode(err)
		if code != 0 && code != 1 {
			if code < 0 {
				return tools.Failed("run trivy: %v", err), nil
			}
			return tools.Failed("trivy exited with code %d: %s", code, tools.Truncate(string(out.Stderr), 500)), nil
		}
	}

	findings, summary, err := ParseReport(out.Stdout)
	if err != nil {
		return tools.Failed("parse trivy output: %v", err), nil
	}

	result := tools.Result{
		Success:    true,
		Findings:   findings,
		Summary:    summary,
		Report:     out.Stdout,
		ReportName: "trivy-" + opts.Mode + ".json",
		ReportType: "application/json",
	}
	if !Passes(summary, opts.CriticalThreshold, opts.HighThreshold) {
		result.Success = false
		result.Error = fmt.Sprintf(
			"found %d critical, %d high vulnerabilities and %d secrets (allowed: critical<=%d, high<=%d, secrets=0)",
			summary["critical"], summary["high"], summary["secrets"], opts.CriticalThreshold, opts.HighThreshold,
		)
	}
	return result, nil
}

func (a *Adapter) buildArgs(opts Options, subject string) []string {
	args := []string{opts.Mode}
	if a.cfg.ServerURL != "" {
		args = append(args, "--server", a.cfg.ServerURL)
	}
	args = append(args,
		"--severity", opts.Severity,
		"--scanners", opts.Scanners,
		"--format", "json",
		"--quiet",
	)
	if opts.IgnoreUnfixed {
		args = append(args, "--ignore-unfixed")
	}
	for _, dir := range opts.SkipDirs {
		if dir = strings.TrimSpace(dir); dir != "" {
			args = append(args, "--skip-dirs", dir)
		}
	}
	return append(args, subject)
}

// Passes applies the severity gate.
func Passes(summary map[string]int, criticalThreshold, highThreshold int) bool {
	return summary["critical"] <= criticalThreshold &&
		summary["high"] <= highThreshold &&
		summary["secrets"] == 0
}

type report struct {
	Results []struct {
		Target          string `json:"Target"`
		Vulnerabilities []struct {
			VulnerabilityID  string `json:"VulnerabilityID"`
			PkgName          string `json:"PkgName"`
			InstalledVersion string `json:"InstalledVersion"`
			FixedVersion     string `json:"FixedVersion"`
			Severity         string `json:"Severity"`
			Title            string `json:"Title"`
		} `json:"Vulnerabilities"`
		Secrets []struct {
			RuleID    string `json:"RuleID"`
			Category  string `json:"Category"`
			Title     string `json:"Title"`
			Severity  string `json:"Severity"`
			StartLine int    `json:"StartLine"`
		} `json:"Secrets"`
	} `json:"Results"`
}

// ParseReport reads the JSON report into findings and a severity summary.
// Summary keys are lowercase severities plus "secrets".
func ParseReport(data []byte) ([]tools.Finding, map[string]int, error) {
	summary := map[string]int{"critical": 0, "high": 0, "medium": 0, "low": 0, "unknown": 0, "secrets": 0}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil, errors.New("empty report")
	}
	var r report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, nil, err
	}

	findings := make([]tools.Finding, 0)
	for _, res := range r.Results {
		for _, v := range res.Vulnerabilities {
			sev := normalizeSeverity(v.Severity)
			summary[sev]++
			findings = append(findings, tools.Finding{
				ID:               v.VulnerabilityID,
				Title:            v.Title,
				Severity:         sev,
				Category:         "vulnerability",
				Package:          v.PkgName,
				InstalledVersion: v.InstalledVersion,
				FixedVersion:     v.FixedVersion,
				Location:         res.Target,
			})
		}
		for _, s := range res.Secrets {
			summary["secrets"]++
			location := res.Target
			if s.StartLine > 0 {
				location = fmt.Sprintf("%s:%d", res.Target, s.StartLine)
			}
			findings = append(findings, tools.Finding{
				ID:       s.RuleID,
				Title:    s.Title,
				Severity: normalizeSeverity(s.Severity),
				Category: "secret:" + s.Category,
				Location: location,
			})
		}
	}
	return findings, summary, nil
}

func normalizeSeverity(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return "critical"
	case "high":
		return "high"
	case "medium":
		return "medium"
	case "low":
		return "low"
	default:
		return "unknown"
	}
}
