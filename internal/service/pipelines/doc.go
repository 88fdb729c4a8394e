// Package pipelines is the trigger entry point and read surface used by the
// HTTP layer. Triggering creates a queued execution from a snapshot of the
// application's config and hands its id to the work queue; the worker owns
// everything after that.
package pipelines
