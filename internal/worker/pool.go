// Package worker drives queued executions to completion and cleans up
// executions whose worker disappeared.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/animus-labs/deploypipe/internal/execution/orchestrator"
	"github.com/animus-labs/deploypipe/internal/queue"
	"github.com/animus-labs/deploypipe/internal/repo"
)

const receiveRetryDelay = time.Second

type Runner interface {
	Run(ctx context.Context, executionID string) error
}

// Pool runs Concurrency consumers. Each delivery is acked once the
// execution is terminal; persistence failures are negatively acked so the
// queue redelivers them.
type Pool struct {
	q      queue.Queue
	runner Runner
	cfg    Config
	logger *slog.Logger
}

func NewPool(q queue.Queue, runner Runner, cfg Config, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{q: q, runner: runner, cfg: cfg, logger: logger}
}

// Run blocks until ctx is done or the queue is closed.
func (p *Pool) Run(ctx context.Context) error {
	n := p.cfg.Concurrency
	if n <= 0 {
		n = 1
	}
	p.logger.Info("worker pool started", "concurrency", n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			p.consume(ctx, slot)
		}(i)
	}
	wg.Wait()
	p.logger.Info("worker pool stopped")
	return nil
}

func (p *Pool) consume(ctx context.Context, slot int) {
	for {
		d, err := p.q.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			p.logger.Warn("receive failed", "slot", slot, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(receiveRetryDelay):
			}
			continue
		}
		p.Handle(ctx, d)
	}
}

// Handle processes one delivery.
func (p *Pool) Handle(ctx context.Context, d queue.Delivery) {
	id := d.ExecutionID()
	logger := p.logger.With("execution_id", id, "attempt", d.Attempt())
	logger.Info("execution received")

	stop := p.heartbeat(d, logger)
	err := p.runner.Run(ctx, id)
	stop()

	switch {
	case err == nil:
		p.settle(logger, d.Ack())
		logger.Info("execution done")
	case errors.Is(err, repo.ErrNotFound):
		logger.Warn("execution not found, dropping delivery", "error", err)
		p.settle(logger, d.Ack())
	case errors.Is(err, repo.ErrConflict):
		// Another writer owns the record.
		logger.Warn("execution updated concurrently, dropping delivery", "error", err)
		p.settle(logger, d.Ack())
	case ctx.Err() != nil:
		logger.Info("shutdown before execution finished, returning to queue")
		p.settle(logger, d.Nak(0))
	default:
		var perr *orchestrator.PersistenceError
		if errors.As(err, &perr) {
			logger.Error("execution record write failed", "op", perr.Op, "error", perr.Err)
		} else {
			logger.Error("execution run failed", "error", err)
		}
		p.settle(logger, d.Nak(p.cfg.NakDelay))
	}
}

// heartbeat keeps the delivery from being redelivered while the run lasts.
func (p *Pool) heartbeat(d queue.Delivery, logger *slog.Logger) func() {
	interval := p.cfg.Heartbeat
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := d.InProgress(); err != nil {
					logger.Warn("delivery heartbeat failed", "error", err)
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (p *Pool) settle(logger *slog.Logger, err error) {
	if err != nil {
		logger.Warn("settle delivery failed", "error", err)
	}
}
