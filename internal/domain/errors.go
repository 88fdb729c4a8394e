package domain

import "errors"

var (
	ErrPipelineDisabled    = errors.New("pipeline disabled")
	ErrNoMatchingBranch    = errors.New("no matching branch")
	ErrTriggerModeMismatch = errors.New("trigger does not match pipeline trigger mode")
	ErrNotCancellable      = errors.New("execution is not cancellable")
)
