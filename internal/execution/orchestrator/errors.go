package orchestrator

import "fmt"

// PersistenceError reports a failed write of the execution record. The
// run cannot continue safely after it.
type PersistenceError struct {
	ExecutionID string
	Op          string
	Err         error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist execution %s (%s): %v", e.ExecutionID, e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
