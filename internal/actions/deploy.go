package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/animus-labs/deploypipe/internal/domain"
	"github.com/animus-labs/deploypipe/internal/execution/stage"
	"github.com/animus-labs/deploypipe/internal/platform/env"
	"github.com/animus-labs/deploypipe/internal/tools"
)

type DeploymentStatus string

const (
	DeploymentQueued     DeploymentStatus = "queued"
	DeploymentInProgress DeploymentStatus = "in_progress"
	DeploymentFinished   DeploymentStatus = "finished"
	DeploymentFailed     DeploymentStatus = "failed"
	DeploymentCancelled  DeploymentStatus = "cancelled"
)

func (s DeploymentStatus) IsTerminal() bool {
	return s == DeploymentFinished || s == DeploymentFailed || s == DeploymentCancelled
}

type DeployRequest struct {
	ExecutionID    string            `json:"execution_id"`
	ApplicationRef string            `json:"application"`
	Branch         string            `json:"branch,omitempty"`
	Tag            string            `json:"tag,omitempty"`
	Commit         string            `json:"commit"`
	Image          string            `json:"image,omitempty"`
	Environment    string            `json:"environment,omitempty"`
	ForceRebuild   bool              `json:"force_rebuild"`
	Variables      map[string]string `json:"variables,omitempty"`
}

// Deployer hands a deployment to the platform and reports its progress.
type Deployer interface {
	Deploy(ctx context.Context, req DeployRequest) (string, error)
	Status(ctx context.Context, deploymentID string) (DeploymentStatus, error)
}

type DeployOptions struct {
	Environment  string        `mapstructure:"environment"`
	ForceRebuild bool          `mapstructure:"force_rebuild"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// Deploy triggers a deployment and waits until it settles. The stage
// timeout bounds the wait.
type Deploy struct {
	deployer     Deployer
	pollInterval time.Duration
	sleep        func(context.Context, time.Duration) error
}

func NewDeploy(deployer Deployer, pollInterval time.Duration) *Deploy {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &Deploy{deployer: deployer, pollInterval: pollInterval, sleep: sleepContext}
}

func (d *Deploy) Handle(ctx context.Context, call stage.Call) (stage.Outcome, error) {
	opts := DeployOptions{ForceRebuild: true, PollInterval: d.pollInterval}
	if err := tools.DecodeOptions(tools.Options(call.Stage.Parameters), &opts); err != nil {
		return stage.Outcome{}, err
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = d.pollInterval
	}

	art := call.Exec.Artifacts
	req := DeployRequest{
		ExecutionID:    call.Exec.ExecutionID,
		ApplicationRef: call.Exec.ApplicationRef,
		Branch:         firstNonEmpty(art["branch"], call.Exec.Trigger.Branch),
		Tag:            call.Exec.Trigger.Tag,
		Commit:         firstNonEmpty(art["commit"], call.Exec.Trigger.CommitSHA, "HEAD"),
		Image:          art["image"],
		Environment:    opts.Environment,
		ForceRebuild:   opts.ForceRebuild,
		Variables:      call.Exec.Env,
	}
	call.Info(ctx, "triggering deployment", domain.Metadata{"branch": req.Branch, "commit": req.Commit})

	id, err := d.deployer.Deploy(ctx, req)
	if err != nil {
		return stage.Outcome{}, fmt.Errorf("queue deployment: %w", err)
	}
	out := stage.Outcome{Artifacts: map[string]string{"deployment_id": id}}
	call.Info(ctx, "deployment queued", domain.Metadata{"deployment_id": id})

	var last DeploymentStatus
	polls := 0
	for {
		status, err := d.deployer.Status(ctx, id)
		polls++
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			return out, fmt.Errorf("read deployment %s: %w", id, err)
		}
		if status != last {
			call.Info(ctx, "deployment status: "+string(status), domain.Metadata{"deployment_id": id})
			last = status
		}
		switch status {
		case DeploymentFinished:
			out.Summary = map[string]int{"status_polls": polls}
			return out, nil
		case DeploymentFailed:
			return out, fmt.Errorf("deployment %s failed", id)
		case DeploymentCancelled:
			return out, fmt.Errorf("deployment %s was cancelled", id)
		}
		if err := d.sleep(ctx, opts.PollInterval); err != nil {
			return out, err
		}
	}
}

type DeployConfig struct {
	URL          string
	Token        string
	PollInterval time.Duration
}

func DeployConfigFromEnv() (DeployConfig, error) {
	poll, err := env.Duration("deploy.poll_interval", 5*time.Second)
	if err != nil {
		return DeployConfig{}, err
	}
	cfg := DeployConfig{
		URL:          strings.TrimRight(strings.TrimSpace(env.String("deploy.url", "")), "/"),
		Token:        strings.TrimSpace(env.String("deploy.token", "")),
		PollInterval: poll,
	}
	if cfg.URL != "" {
		if _, err := url.ParseRequestURI(cfg.URL); err != nil {
			return DeployConfig{}, fmt.Errorf("deploy.url: %w", err)
		}
	}
	return cfg, nil
}

// HTTPDeployer talks to the platform deployment API.
type HTTPDeployer struct {
	baseURL string
	client  *http.Client
}

func NewHTTPDeployer(cfg DeployConfig) *HTTPDeployer {
	client := &http.Client{}
	if cfg.Token != "" {
		client = oauth2.NewClient(context.Background(), oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token}))
	}
	client.Timeout = 30 * time.Second
	return &HTTPDeployer{baseURL: cfg.URL, client: client}
}

type deploymentResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (h *HTTPDeployer) Deploy(ctx context.Context, req DeployRequest) (string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	var resp deploymentResponse
	if err := h.do(ctx, http.MethodPost, "/deployments", payload, &resp); err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.ID) == "" {
		return "", errors.New("deployment api returned no id")
	}
	return resp.ID, nil
}

func (h *HTTPDeployer) Status(ctx context.Context, deploymentID string) (DeploymentStatus, error) {
	var resp deploymentResponse
	if err := h.do(ctx, http.MethodGet, "/deployments/"+url.PathEscape(deploymentID), nil, &resp); err != nil {
		return "", err
	}
	return normalizeDeploymentStatus(resp.Status), nil
}

func (h *HTTPDeployer) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, h.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, tools.Truncate(string(data), 200))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func normalizeDeploymentStatus(s string) DeploymentStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "finished", "success", "succeeded", "deployed":
		return DeploymentFinished
	case "failed", "error":
		return DeploymentFailed
	case "cancelled", "canceled", "cancelled-by-user", "cancelled_by_user":
		return DeploymentCancelled
	case "in_progress", "in-progress", "running":
		return DeploymentInProgress
	default:
		return DeploymentQueued
	}
}

// LogDeployer accepts every deployment and reports it finished. It backs
// local runs without a deployment API.
type LogDeployer struct {
	Logger *slog.Logger
}

func (l LogDeployer) Deploy(ctx context.Context, req DeployRequest) (string, error) {
	id := uuid.NewString()
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("deployment accepted", "deployment_id", id, "execution_id", req.ExecutionID, "application", req.ApplicationRef, "commit", req.Commit)
	return id, nil
}

func (LogDeployer) Status(ctx context.Context, deploymentID string) (DeploymentStatus, error) {
	return DeploymentFinished, nil
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
