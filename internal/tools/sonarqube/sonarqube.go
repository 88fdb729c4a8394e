// Package sonarqube adapts a SonarQube server as a static-analysis tool.
//
// A run ensures the project exists, issues a project analysis token, runs the
// scanner CLI against the workspace, waits for the compute engine task and
// reads the quality gate and measures.
package sonarqube

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/animus-labs/deploypipe/internal/platform/env"
	"github.com/animus-labs/deploypipe/internal/tools"
)

var ceTaskPattern = regexp.MustCompile(`api/ce/task\?id=([a-zA-Z0-9_-]+)`)

// DefaultMetrics are read from /api/measures/component into the summary.
var DefaultMetrics = []string{"bugs", "vulnerabilities", "code_smells", "coverage", "duplicated_lines_density", "ncloc"}

type Config struct {
	URL          string
	Token        string
	ScannerBin   string
	PollInterval time.Duration
	PollTimeout  time.Duration
}

func ConfigFromEnv() (Config, error) {
	pollInterval, err := env.Duration("sonarqube.poll_interval", 5*time.Second)
	if err != nil {
		return Config{}, err
	}
	pollTimeout, err := env.Duration("sonarqube.poll_timeout", 5*time.Minute)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		URL:          strings.TrimRight(strings.TrimSpace(env.String("sonarqube.url", "")), "/"),
		Token:        strings.TrimSpace(env.String("sonarqube.token", "")),
		ScannerBin:   env.String("sonarqube.scanner_bin", "sonar-scanner"),
		PollInterval: pollInterval,
		PollTimeout:  pollTimeout,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.URL == "" {
		return errors.New("sonarqube.url is required")
	}
	if !strings.HasPrefix(c.URL, "http://") && !strings.HasPrefix(c.URL, "https://") {
		return fmt.Errorf("sonarqube.url must be an http(s) URL: %q", c.URL)
	}
	if strings.TrimSpace(c.ScannerBin) == "" {
		return errors.New("sonarqube.scanner_bin is required")
	}
	if c.PollInterval <= 0 || c.PollTimeout <= 0 {
		return errors.New("sonarqube poll interval and timeout must be positive")
	}
	return nil
}

// Options are read from the stage parameters.
type Options struct {
	ProjectKey  string `mapstructure:"project_key"`
	ProjectName string `mapstructure:"project_name"`
	Sources     string `mapstructure:"sources"`
	Exclusions  string `mapstructure:"exclusions"`
	Language    string `mapstructure:"language"`
}

type Adapter struct {
	cfg    Config
	client *http.Client
	probe  *http.Client
	run    tools.CommandRunner
	sleep  func(context.Context, time.Duration) error
	now    func() time.Time
}

func New(cfg Config) *Adapter {
	var client *http.Client
	if cfg.Token != "" {
		client = oauth2.NewClient(context.Background(), oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token}))
	} else {
		client = &http.Client{}
	}
	client.Timeout = 30 * time.Second
	return &Adapter{
		cfg:    cfg,
		client: client,
		probe:  &http.Client{Timeout: tools.ProbeTimeout},
		run:    tools.ExecCommand,
		sleep:  sleepContext,
		now:    time.Now,
	}
}

func (a *Adapter) Name() string { return "sonarqube" }

func (a *Adapter) Capability() tools.Capability { return tools.CapabilityAnalyze }

func (a *Adapter) IsAvailable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, tools.ProbeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.URL+"/api/system/ping", nil)
	if err != nil {
		return false
	}
	resp, err := a.probe.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64))
	return resp.StatusCode == http.StatusOK && strings.TrimSpace(string(body)) == "pong"
}

func (a *Adapter) Run(ctx context.Context, target tools.Target, raw tools.Options) (tools.Result, error) {
	var opts Options
	if err := tools.DecodeOptions(raw, &opts); err != nil {
		return tools.Result{}, err
	}
	opts.ProjectKey = strings.TrimSpace(opts.ProjectKey)
	if opts.ProjectKey == "" {
		return tools.Result{}, errors.New("sonarqube: project_key is required")
	}
	if opts.ProjectName == "" {
		opts.ProjectName = opts.ProjectKey
	}
	if strings.TrimSpace(target.Path) == "" {
		return tools.Failed("static analysis requires a target path"), nil
	}

	if err := a.ensureProject(ctx, opts.ProjectKey, opts.ProjectName); err != nil {
		return tools.Failed("create project: %v", err), nil
	}
	token, err := a.analysisToken(ctx, opts.ProjectKey)
	if err != nil {
		return tools.Failed("generate analysis token: %v", err), nil
	}

	out, err := a.run(ctx, tools.Command{
		Dir:  target.Path,
		Env:  tools.EnvList(target.Env),
		Name: a.cfg.ScannerBin,
		Args: a.scannerArgs(opts, target.Path, token),
	})
	if err != nil {
		if ctx.Err() != nil {
			return tools.Failed("analysis aborted: %v", ctx.Err()), nil
		}
		return tools.Failed("scanner failed: %v: %s", err, tools.Truncate(string(out.Stderr)+string(out.Stdout), 500)), nil
	}

	match := ceTaskPattern.FindSubmatch(out.Stdout)
	if match == nil {
		return tools.Failed("scanner output did not contain a compute engine task id"), nil
	}
	taskStatus, err := a.waitForTask(ctx, string(match[1]))
	if err != nil {
		return tools.Failed("wait for analysis: %v", err), nil
	}
	if taskStatus != "SUCCESS" {
		return tools.Failed("analysis task finished with status %s", taskStatus), nil
	}

	gate, err := a.qualityGate(ctx, opts.ProjectKey)
	if err != nil {
		return tools.Failed("read quality gate: %v", err), nil
	}
	summary, err := a.measures(ctx, opts.ProjectKey)
	if err != nil {
		return tools.Failed("read measures: %v", err), nil
	}

	findings := make([]tools.Finding, 0, len(gate.Conditions))
	for _, c := range gate.Conditions {
		if c.Status != "ERROR" {
			continue
		}
		findings = append(findings, tools.Finding{
			ID:       c.MetricKey,
			Title:    fmt.Sprintf("%s is %s (threshold %s %s)", c.MetricKey, c.ActualValue, c.Comparator, c.ErrorThreshold),
			Severity: "high",
			Category: "quality_gate",
		})
	}

	report, _ := json.Marshal(map[string]any{
		"projectKey":  opts.ProjectKey,
		"qualityGate": gate,
		"measures":    summary,
	})
	result := tools.Result{
		Success:     true,
		Findings:    findings,
		Summary:     summary,
		Report:      report,
		ReportName:  "sonarqube.json",
		ReportType:  "application/json",
		Annotations: map[string]string{"quality_gate": gate.Status, "dashboard": a.cfg.URL + "/dashboard?id=" + url.QueryEscape(opts.ProjectKey)},
	}
	switch gate.Status {
	case "OK", "NONE", "":
	default:
		result.Success = false
		result.Error = fmt.Sprintf("quality gate %s with %d failing conditions", gate.Status, len(findings))
	}
	return result, nil
}

func (a *Adapter) scannerArgs(opts Options, path, token string) []string {
	sources := opts.Sources
	if sources == "" {
		sources = "."
	}
	args := []string{
		"-Dsonar.projectKey=" + opts.ProjectKey,
		"-Dsonar.projectBaseDir=" + path,
		"-Dsonar.sources=" + sources,
		"-Dsonar.host.url=" + a.cfg.URL,
		"-Dsonar.token=" + token,
		"-Dsonar.scm.disabled=true",
	}
	if opts.Exclusions != "" {
		args = append(args, "-Dsonar.exclusions="+opts.Exclusions)
	}
	if opts.Language != "" {
		args = append(args, "-Dsonar.language="+opts.Language)
	}
	return args
}

type apiErrors struct {
	Errors []struct {
		Msg string `json:"msg"`
	} `json:"errors"`
}

func (e apiErrors) message(status int) string {
	if len(e.Errors) > 0 && e.Errors[0].Msg != "" {
		return e.Errors[0].Msg
	}
	return "status " + strconv.Itoa(status)
}

func (a *Adapter) ensureProject(ctx context.Context, key, name string) error {
	form := url.Values{"project": {key}, "name": {name}}
	status, body, err := a.do(ctx, http.MethodPost, "/api/projects/create", form)
	if err != nil {
		return err
	}
	if status >= 200 && status < 300 {
		return nil
	}
	var apiErr apiErrors
	_ = json.Unmarshal(body, &apiErr)
	msg := apiErr.message(status)
	if status == http.StatusBadRequest && strings.Contains(strings.ToLower(msg), "already exist") {
		return nil
	}
	return errors.New(msg)
}

// analysisToken issues a project-scoped token, falling back to the server
// token when the server refuses.
func (a *Adapter) analysisToken(ctx context.Context, key string) (string, error) {
	form := url.Values{
		"name":       {fmt.Sprintf("deploypipe-%s-%d", key, a.now().Unix())},
		"type":       {"PROJECT_ANALYSIS_TOKEN"},
		"projectKey": {key},
	}
	status, body, err := a.do(ctx, http.MethodPost, "/api/user_tokens/generate", form)
	if err == nil && status >= 200 && status < 300 {
		var out struct {
			Token string `json:"token"`
		}
		if jsonErr := json.Unmarshal(body, &out); jsonErr == nil && out.Token != "" {
			return out.Token, nil
		}
	}
	if a.cfg.Token != "" {
		return a.cfg.Token, nil
	}
	if err != nil {
		return "", err
	}
	return "", fmt.Errorf("token endpoint returned status %d", status)
}

func (a *Adapter) waitForTask(ctx context.Context, taskID string) (string, error) {
	deadline := a.now().Add(a.cfg.PollTimeout)
	for {
		status, body, err := a.do(ctx, http.MethodGet, "/api/ce/task?id="+url.QueryEscape(taskID), nil)
		if err != nil {
			return "", err
		}
		if status != http.StatusOK {
			return "", fmt.Errorf("task endpoint returned status %d", status)
		}
		var out struct {
			Task struct {
				Status string `json:"status"`
			} `json:"task"`
		}
		if err := json.Unmarshal(body, &out); err != nil {
			return "", fmt.Errorf("decode task: %w", err)
		}
		switch out.Task.Status {
		case "SUCCESS", "FAILED", "CANCELED":
			return out.Task.Status, nil
		}
		if !a.now().Before(deadline) {
			return "", fmt.Errorf("task %s still %s after %s", taskID, out.Task.Status, a.cfg.PollTimeout)
		}
		if err := a.sleep(ctx, a.cfg.PollInterval); err != nil {
			return "", err
		}
	}
}

type gateCondition struct {
	Status         string `json:"status"`
	MetricKey      string `json:"metricKey"`
	Comparator     string `json:"comparator"`
	ErrorThreshold string `json:"errorThreshold"`
	ActualValue    string `json:"actualValue"`
}

type gateStatus struct {
	Status     string          `json:"status"`
	Conditions []gateCondition `json:"conditions"`
}

func (a *Adapter) qualityGate(ctx context.Context, key string) (gateStatus, error) {
	status, body, err := a.do(ctx, http.MethodGet, "/api/qualitygates/project_status?projectKey="+url.QueryEscape(key), nil)
	if err != nil {
		return gateStatus{}, err
	}
	if status != http.StatusOK {
		return gateStatus{}, fmt.Errorf("status %d", status)
	}
	var out struct {
		ProjectStatus gateStatus `json:"projectStatus"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return gateStatus{}, err
	}
	if out.ProjectStatus.Status == "" {
		out.ProjectStatus.Status = "NONE"
	}
	return out.ProjectStatus, nil
}

// measures reads integer-rounded metric values; percentages are truncated.
func (a *Adapter) measures(ctx context.Context, key string) (map[string]int, error) {
	q := url.Values{"component": {key}, "metricKeys": {strings.Join(DefaultMetrics, ",")}}
	status, body, err := a.do(ctx, http.MethodGet, "/api/measures/component?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("status %d", status)
	}
	var out struct {
		Component struct {
			Measures []struct {
				Metric string `json:"metric"`
				Value  string `json:"value"`
			} `json:"measures"`
		} `json:"component"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, err
	}
	summary := make(map[string]int, len(out.Component.Measures))
	for _, m := range out.Component.Measures {
		v, err := strconv.ParseFloat(m.Value, 64)
		if err != nil {
			continue
		}
		summary[m.Metric] = int(v)
	}
	return summary, nil
}

func (a *Adapter) do(ctx context.Context, method, path string, form url.Values) (int, []byte, error) {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, a.cfg.URL+path, body)
	if err != nil {
		return 0, nil, err
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("Accept", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, data, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
