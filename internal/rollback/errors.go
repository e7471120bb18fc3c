package rollback

import (
	"github.com/opsforge/sqlrollback/internal/guard"
)

// ValidationError rejects a request before any snapshot or execution. Never
// retried: the request itself is wrong.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return "validation failed: " + e.Msg }

// SafetyBlockedError carries the full report so the caller can decide to
// override and resubmit.
type SafetyBlockedError struct {
	Report *guard.Report
}

func (e *SafetyBlockedError) Error() string {
	return "safety guard blocked rollback: " + e.Report.Summary()
}

// SnapshotError aborts the attempt before any schema mutation when raised
// during capture; a restore-side failure surfaces through the recovery path.
type SnapshotError struct {
	Op  string
	Err error
}

func (e *SnapshotError) Error() string { return "snapshot " + e.Op + " failed: " + e.Err.Error() }
func (e *SnapshotError) Unwrap() error { return e.Err }

// ExecutionError is an undo-script failure, including timeouts
// (errors.Is(err, executor.ErrTimeout)). Always triggers the recovery path.
type ExecutionError struct {
	Err error
}

func (e *ExecutionError) Error() string { return "rollback execution failed: " + e.Err.Error() }
func (e *ExecutionError) Unwrap() error { return e.Err }
