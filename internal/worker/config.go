package worker

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron"

	"github.com/animus-labs/deploypipe/internal/platform/env"
)

type Config struct {
	Concurrency   int
	WorkspaceRoot string
	Heartbeat     time.Duration
	NakDelay      time.Duration
}

func ConfigFromEnv() (Config, error) {
	concurrency, err := env.Int("worker.concurrency", 2)
	if err != nil {
		return Config{}, err
	}
	heartbeat, err := env.Duration("worker.heartbeat", 20*time.Second)
	if err != nil {
		return Config{}, err
	}
	nakDelay, err := env.Duration("worker.nak_delay", 10*time.Second)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Concurrency:   concurrency,
		WorkspaceRoot: strings.TrimSpace(env.String("worker.workspace_root", filepath.Join(os.TempDir(), "deploypipe"))),
		Heartbeat:     heartbeat,
		NakDelay:      nakDelay,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Concurrency <= 0 {
		return errors.New("worker.concurrency must be positive")
	}
	if c.WorkspaceRoot == "" {
		return errors.New("worker.workspace_root is required")
	}
	if c.Heartbeat <= 0 {
		return errors.New("worker.heartbeat must be positive")
	}
	if c.NakDelay < 0 {
		return errors.New("worker.nak_delay must not be negative")
	}
	return nil
}

type ReaperConfig struct {
	Schedule     string
	StaleAfter   time.Duration
	RequeueAfter time.Duration
	Batch        int
}

func ReaperConfigFromEnv() (ReaperConfig, error) {
	staleAfter, err := env.Duration("reaper.stale_after", 60*time.Minute)
	if err != nil {
		return ReaperConfig{}, err
	}
	requeueAfter, err := env.Duration("reaper.requeue_after", 5*time.Minute)
	if err != nil {
		return ReaperConfig{}, err
	}
	batch, err := env.Int("reaper.batch", 100)
	if err != nil {
		return ReaperConfig{}, err
	}
	cfg := ReaperConfig{
		Schedule:     strings.TrimSpace(env.String("reaper.schedule", "@every 5m")),
		StaleAfter:   staleAfter,
		RequeueAfter: requeueAfter,
		Batch:        batch,
	}
	if err := cfg.Validate(); err != nil {
		return ReaperConfig{}, err
	}
	return cfg, nil
}

func (c ReaperConfig) Validate() error {
	if _, err := cron.ParseStandard(c.Schedule); err != nil {
		return errors.New("reaper.schedule is not a valid cron spec: " + err.Error())
	}
	if c.StaleAfter <= 0 {
		return errors.New("reaper.stale_after must be positive")
	}
	if c.RequeueAfter <= 0 {
		return errors.New("reaper.requeue_after must be positive")
	}
	if c.Batch <= 0 {
		return errors.New("reaper.batch must be positive")
	}
	return nil
}
