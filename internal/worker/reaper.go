package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron"

	"github.com/animus-labs/deploypipe/internal/domain"
	"github.com/animus-labs/deploypipe/internal/queue"
	"github.com/animus-labs/deploypipe/internal/repo"
)

type Expirer interface {
	Expire(ctx context.Context, exec domain.Execution, reason string) (domain.Execution, error)
}

type ReapObserver interface {
	Reaped(action string)
}

// SweepReport counts what one sweep did.
type SweepReport struct {
	Expired  int `json:"expired"`
	Requeued int `json:"requeued"`
	Failed   int `json:"failed"`
}

// Reaper fails running executions that stopped making progress and
// re-enqueues queued executions no worker picked up.
type Reaper struct {
	execs    repo.ExecutionRepository
	machine  Expirer
	q        queue.Queue
	cfg      ReaperConfig
	observer ReapObserver
	logger   *slog.Logger
	now      func() time.Time
	cron     *cron.Cron
}

func NewReaper(execs repo.ExecutionRepository, machine Expirer, q queue.Queue, cfg ReaperConfig, observer ReapObserver, logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		execs:    execs,
		machine:  machine,
		q:        q,
		cfg:      cfg,
		observer: observer,
		logger:   logger,
		now:      time.Now,
	}
}

// Start schedules Sweep on cfg.Schedule until ctx is done.
func (r *Reaper) Start(ctx context.Context) error {
	schedule, err := cron.ParseStandard(r.cfg.Schedule)
	if err != nil {
		return fmt.Errorf("parse reaper schedule: %w", err)
	}
	r.cron = cron.New()
	r.cron.Schedule(schedule, cron.FuncJob(func() {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("reaper sweep failed", "error", err)
		}
	}))
	r.cron.Start()
	r.logger.Info("reaper started", "schedule", r.cfg.Schedule, "stale_after", r.cfg.StaleAfter.String())
	go func() {
		<-ctx.Done()
		r.cron.Stop()
	}()
	return nil
}

func (r *Reaper) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	now := r.now().UTC()

	stale, err := r.execs.List(ctx, repo.ExecutionFilter{
		Status:        domain.ExecutionStatusRunning,
		UpdatedBefore: now.Add(-r.cfg.StaleAfter),
		Limit:         r.batch(),
	})
	if err != nil {
		return report, fmt.Errorf("list stale running executions: %w", err)
	}
	reason := fmt.Sprintf("pipeline timed out after %d minutes", int(r.cfg.StaleAfter.Minutes()))
	for _, exec := range stale {
		if _, err := r.machine.Expire(ctx, exec, reason); err != nil {
			report.Failed++
			if errors.Is(err, repo.ErrConflict) {
				r.logger.Info("stale execution moved on, skipping", "execution_id", exec.ID)
				continue
			}
			r.logger.Error("expire execution failed", "execution_id", exec.ID, "error", err)
			continue
		}
		report.Expired++
		r.reaped("expired")
		r.logger.Warn("execution expired", "execution_id", exec.ID, "application_ref", exec.ApplicationRef)
	}

	queued, err := r.execs.List(ctx, repo.ExecutionFilter{
		Status:        domain.ExecutionStatusQueued,
		UpdatedBefore: now.Add(-r.cfg.RequeueAfter),
		Limit:         r.batch(),
	})
	if err != nil {
		return report, fmt.Errorf("list stale queued executions: %w", err)
	}
	for _, exec := range queued {
		if err := r.q.Enqueue(ctx, exec.ID); err != nil {
			report.Failed++
			r.logger.Error("requeue execution failed", "execution_id", exec.ID, "error", err)
			continue
		}
		report.Requeued++
		r.reaped("requeued")
		r.logger.Info("execution requeued", "execution_id", exec.ID)
	}
	return report, nil
}

func (r *Reaper) batch() int {
	if r.cfg.Batch <= 0 {
		return 100
	}
	return r.cfg.Batch
}

func (r *Reaper) reaped(action string) {
	if r.observer != nil {
		r.observer.Reaped(action)
	}
}
