// Package orchestrator drives a pipeline execution through its states.
//
//	queued -> running -> success | failed | cancelled
//
// Advance performs exactly one transition and persists it with an
// optimistic version check:
//
//   - queued: the execution moves to running (or straight to cancelled when
//     a cancel was requested before it started).
//   - running, a stage left running by a crashed worker: that stage fails
//     with code interrupted.
//   - running, cancel requested: every pending stage is skipped with code
//     cancelled.
//   - running, an earlier blocking stage failed: every pending stage is
//     skipped with code upstream_failed.
//   - running, a pending stage remains: it runs, including its retries.
//     Cancelling ctx does not abandon it; Run returns before the next step.
//   - running, nothing pending: the overall status is derived and the
//     execution is finalised.
//
// A terminal execution is never modified again.
package orchestrator
