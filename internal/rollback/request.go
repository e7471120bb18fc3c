package rollback

import (
	"time"

	"github.com/opsforge/sqlrollback/internal/guard"
)

// Request describes one rollback attempt. Immutable once submitted.
type Request struct {
	TargetVersion string
	DryRun        bool
	Reason        string

	// Safety overrides.
	ProductionApproved bool
	EmergencyRollback  bool
	ForceDataLoss      bool
	SkipValidation     bool

	// Approval and tracking metadata, persisted to the audit trail.
	ApprovedBy   string
	TicketNumber string

	// Timeout bounds the Executing phase; zero means the configured default.
	Timeout time.Duration
}

func (r Request) overrides() guard.Overrides {
	return guard.Overrides{
		ForceDataLoss:      r.ForceDataLoss,
		EmergencyRollback:  r.EmergencyRollback,
		ProductionApproved: r.ProductionApproved,
	}
}

type ResultType string

const (
	Success       ResultType = "SUCCESS"
	Failure       ResultType = "FAILURE"
	DryRunSuccess ResultType = "DRY_RUN_SUCCESS"
)

// Result is the terminal outcome of one attempt. Every result carries the
// rollback id needed to cross-reference the audit trail; callers never get a
// bare stack trace as the sole signal.
type Result struct {
	Success       bool
	RollbackID    string
	TargetVersion string
	SnapshotID    string
	ResultType    ResultType
	ErrorMessage  string
	ExecutedSteps []string
	Elapsed       time.Duration

	// Recovered reports that the pre-rollback snapshot was restored after a
	// failure. Recovery changes the severity of a failure, not its
	// classification: ResultType stays FAILURE.
	Recovered bool

	// Report holds the safety findings, including warnings on success.
	Report *guard.Report

	// Err allows programmatic classification via errors.Is / errors.As.
	Err error
}
