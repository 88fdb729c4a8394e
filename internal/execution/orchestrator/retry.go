package orchestrator

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/animus-labs/deploypipe/internal/domain"
)

// Backoff returns the wait before the attempt following attempt.
func Backoff(b domain.Backoff, attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	initial := b.Initial
	if initial < 0 {
		initial = 0
	}
	maxWait := b.Max
	if maxWait < 0 {
		maxWait = 0
	}

	switch strings.ToLower(b.Type) {
	case domain.BackoffExponential:
		multiplier := b.Multiplier
		if multiplier <= 1 {
			multiplier = 2
		}
		wait := float64(initial) * math.Pow(multiplier, float64(attempt-1))
		if maxWait > 0 && wait > float64(maxWait) {
			return maxWait
		}
		if wait > float64(math.MaxInt64) {
			return time.Duration(math.MaxInt64)
		}
		return time.Duration(wait)
	default:
		if maxWait > 0 && initial > maxWait {
			return maxWait
		}
		return initial
	}
}

// retryable reports whether a failed attempt may be repeated.
func retryable(res domain.StageResult) bool {
	if res.Status != domain.StageStatusFailed {
		return false
	}
	switch res.ErrorCode {
	case domain.ErrorCodeUnknownStageType, domain.ErrorCodeInterrupted:
		return false
	default:
		return true
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
