package rollback

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opsforge/sqlrollback/internal/audit"
	"github.com/opsforge/sqlrollback/internal/dialect"
	"github.com/opsforge/sqlrollback/internal/executor"
	"github.com/opsforge/sqlrollback/internal/guard"
	"github.com/opsforge/sqlrollback/internal/ledger"
	"github.com/opsforge/sqlrollback/internal/logger"
	"github.com/opsforge/sqlrollback/internal/undo"
)

// Collaborator seams. The orchestrator depends on behavior, not on the
// concrete components, so tests can substitute deterministic fakes.
type versionLedger interface {
	Current(ctx context.Context) (*ledger.Entry, error)
	Exists(ctx context.Context, version string) (bool, error)
	VersionsAbove(ctx context.Context, target string) ([]ledger.Entry, error)
	Retire(ctx context.Context, tx *sql.Tx, target string) (int64, error)
}

type scriptResolver interface {
	Resolve(version string) (*undo.Script, error)
	Noop(version string) bool
}

type snapshotStore interface {
	Create(ctx context.Context, label, dbVersion string) (string, error)
	Restore(ctx context.Context, id string) error
}

type safetyGuard interface {
	Evaluate(ctx context.Context, pending []ledger.Entry, ov guard.Overrides) *guard.Report
}

type planExecutor interface {
	Execute(ctx context.Context, tx *sql.Tx, plan *executor.Plan) ([]string, error)
	Validate(plan *executor.Plan) ([]string, error)
}

type auditTrail interface {
	Record(ctx context.Context, e audit.Entry) error
}

type schemaInspector interface {
	ListTables(ctx context.Context, db *sql.DB) ([]string, error)
	CheckOrphanedRows(ctx context.Context, db *sql.DB) ([]string, error)
}

// Lock is the database-scoped mutual exclusion held from SnapshotPending
// until the attempt is audited.
type Lock interface {
	Acquire(ctx context.Context, db *sql.DB, timeout time.Duration) error
	Release(ctx context.Context) error
}

// Orchestrator runs the end-to-end rollback protocol:
// validate -> lock -> plan -> snapshot -> execute-or-simulate -> verify ->
// recover-or-commit -> audit. One logical worker per attempt; a
// database-scoped advisory lock keeps concurrent attempts from interleaving
// past validation.
type Orchestrator struct {
	DB        *sql.DB
	Ledger    versionLedger
	Scripts   scriptResolver
	Snapshots snapshotStore
	Guard     safetyGuard
	Executor  planExecutor
	Audit     auditTrail
	Dialect   schemaInspector
	NewLock   func() Lock

	SnapshotsEnabled bool
	AutoRestore      bool
	DefaultTimeout   time.Duration
	LockTimeout      time.Duration
	ProtectedTables  []string

	Log *logger.Logger
	now func() time.Time
}

type Deps struct {
	DB        *sql.DB
	Ledger    *ledger.Ledger
	Scripts   *undo.Resolver
	Snapshots snapshotStore
	Guard     *guard.Guard
	Executor  *executor.Executor
	Audit     *audit.Trail
	Dialect   dialect.Adapter
	NewLock   func() Lock

	SnapshotsEnabled bool
	AutoRestore      bool
	DefaultTimeout   time.Duration
	LockTimeout      time.Duration
	ProtectedTables  []string
	Log              *logger.Logger
}

func New(d Deps) *Orchestrator {
	return &Orchestrator{
		DB:               d.DB,
		Ledger:           d.Ledger,
		Scripts:          d.Scripts,
		Snapshots:        d.Snapshots,
		Guard:            d.Guard,
		Executor:         d.Executor,
		Audit:            d.Audit,
		Dialect:          d.Dialect,
		NewLock:          d.NewLock,
		SnapshotsEnabled: d.SnapshotsEnabled,
		AutoRestore:      d.AutoRestore,
		DefaultTimeout:   d.DefaultTimeout,
		LockTimeout:      d.LockTimeout,
		ProtectedTables:  d.ProtectedTables,
		Log:              d.Log,
		now:              time.Now,
	}
}

// Submit runs one rollback attempt to a terminal state. Every terminal state
// is audited, whatever flags the request carried.
func (o *Orchestrator) Submit(ctx context.Context, req Request) Result {
	start := o.now()
	res := Result{
		RollbackID:    uuid.NewString(),
		TargetVersion: req.TargetVersion,
		ResultType:    Failure,
	}
	log := o.Log.With("rollback_id", res.RollbackID, "target", req.TargetVersion)
	log.Info("rollback requested", "dry_run", req.DryRun, "reason", req.Reason)

	fail := func(err error) Result {
		res.Err = err
		res.ErrorMessage = err.Error()
		if res.Recovered {
			res.ErrorMessage += " (snapshot restored)"
		}
		res.Elapsed = o.now().Sub(start)
		o.recordAudit(ctx, req, &res)
		log.Error("rollback failed", "error", res.ErrorMessage)
		return res
	}

	// Validating.
	cur, err := o.Ledger.Current(ctx)
	if err != nil {
		// Ledger unavailable is fatal: no recovery attempted, the ledger
		// itself is untrustworthy.
		return fail(err)
	}
	if cur == nil {
		return fail(&ValidationError{Msg: "version ledger is empty; nothing to roll back"})
	}
	exists, err := o.Ledger.Exists(ctx, req.TargetVersion)
	if err != nil {
		return fail(err)
	}
	if !exists {
		return fail(&ValidationError{Msg: fmt.Sprintf("target version %s does not exist", req.TargetVersion)})
	}
	pending, err := o.Ledger.VersionsAbove(ctx, req.TargetVersion)
	if err != nil {
		return fail(err)
	}
	if len(pending) == 0 {
		return fail(&ValidationError{Msg: fmt.Sprintf("already at version %s; nothing to roll back", req.TargetVersion)})
	}

	if !req.SkipValidation {
		report := o.Guard.Evaluate(ctx, pending, req.overrides())
		res.Report = report
		if report.Blocked() {
			return fail(&SafetyBlockedError{Report: report})
		}
	}

	// Mutual exclusion: one attempt per database past this point.
	lk := o.NewLock()
	if err := lk.Acquire(ctx, o.DB, o.LockTimeout); err != nil {
		return fail(err)
	}
	defer func() { _ = lk.Release(context.WithoutCancel(ctx)) }()

	plan, err := o.buildPlan(req.TargetVersion, pending)
	if err != nil {
		return fail(err)
	}

	// DryRun: validate the plan, mutate nothing, terminate.
	if req.DryRun {
		steps, err := o.Executor.Validate(plan)
		if err != nil {
			return fail(err)
		}
		res.Success = true
		res.ResultType = DryRunSuccess
		res.ExecutedSteps = steps
		res.Elapsed = o.now().Sub(start)
		o.recordAudit(ctx, req, &res)
		log.Info("dry run complete", "steps", len(steps))
		return res
	}

	// SnapshotPending. The id is retained in the result even if the attempt
	// later fails, so operators can always recover.
	if o.SnapshotsEnabled {
		snapID, err := o.Snapshots.Create(ctx, "rollback_"+res.RollbackID, cur.Version)
		if err != nil {
			return fail(&SnapshotError{Op: "capture", Err: err})
		}
		res.SnapshotID = snapID
		log.Info("snapshot created", "snapshot_id", snapID)
	}

	// Executing. Undo statements are not safe to abort mid-flight, so the
	// caller's cancellation no longer applies; only the timeout bounds us.
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = o.DefaultTimeout
	}
	execCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	tx, err := o.DB.BeginTx(execCtx, nil)
	if err != nil {
		return fail(&ExecutionError{Err: err})
	}
	steps, err := o.Executor.Execute(execCtx, tx, plan)
	res.ExecutedSteps = steps
	if err != nil {
		_ = tx.Rollback()
		o.recover(ctx, log, &res)
		return fail(&ExecutionError{Err: err})
	}
	// Retirement rides the same transaction as the undo scripts: they commit
	// or roll back as one unit.
	if _, err := o.Ledger.Retire(execCtx, tx, req.TargetVersion); err != nil {
		_ = tx.Rollback()
		o.recover(ctx, log, &res)
		return fail(&ExecutionError{Err: err})
	}
	if err := tx.Commit(); err != nil {
		o.recover(ctx, log, &res)
		return fail(&ExecutionError{Err: err})
	}

	// Verifying.
	if err := o.verify(ctx, req.TargetVersion); err != nil {
		o.recover(ctx, log, &res)
		return fail(err)
	}

	// Committed.
	res.Success = true
	res.ResultType = Success
	res.Elapsed = o.now().Sub(start)
	o.recordAudit(ctx, req, &res)
	log.Info("rollback committed", "target", req.TargetVersion, "elapsed", res.Elapsed.String())
	return res
}

// buildPlan resolves one undo script per version above the target, newest
// first. A version with no registered script fails closed unless it is
// whitelisted as a no-op.
func (o *Orchestrator) buildPlan(target string, pending []ledger.Entry) (*executor.Plan, error) {
	ops := make([]executor.Operation, 0, len(pending))
	for _, e := range pending {
		script, err := o.Scripts.Resolve(e.Version)
		if errors.Is(err, undo.ErrScriptNotFound) {
			if o.Scripts.Noop(e.Version) {
				ops = append(ops, executor.Operation{Version: e.Version, Description: e.Description, Noop: true})
				continue
			}
			return nil, &ValidationError{Msg: fmt.Sprintf(
				"no undo script registered for version %s and it is not whitelisted as no-op", e.Version)}
		}
		if err != nil {
			return nil, &ValidationError{Msg: fmt.Sprintf("resolving undo script for %s: %v", e.Version, err)}
		}
		// An all-comment script is indistinguishable from missing coverage;
		// silent no-ops go through the whitelist, not through empty files.
		if script.Empty() {
			return nil, &ValidationError{Msg: fmt.Sprintf(
				"undo script for %s contains no executable statements; whitelist the version as no-op instead", e.Version)}
		}
		ops = append(ops, executor.Operation{Version: e.Version, Description: e.Description, Script: script})
	}
	return &executor.Plan{Target: target, Operations: ops}, nil
}

// verify confirms the post-retirement current version equals the target and
// runs structural spot checks: expected tables present, no foreign key left
// pointing at rows the undo scripts removed.
func (o *Orchestrator) verify(ctx context.Context, target string) error {
	cur, err := o.Ledger.Current(ctx)
	if err != nil {
		return fmt.Errorf("verification failed: %w", err)
	}
	if cur == nil || cur.Version != target {
		got := "none"
		if cur != nil {
			got = cur.Version
		}
		return fmt.Errorf("verification failed: current version is %s, expected %s", got, target)
	}
	if o.Dialect == nil {
		return nil
	}
	if len(o.ProtectedTables) > 0 {
		tables, err := o.Dialect.ListTables(ctx, o.DB)
		if err != nil {
			return fmt.Errorf("verification failed: %w", err)
		}
		present := make(map[string]bool, len(tables))
		for _, t := range tables {
			present[t] = true
		}
		for _, t := range o.ProtectedTables {
			if !present[t] {
				return fmt.Errorf("verification failed: expected table %s is missing", t)
			}
		}
	}
	violations, err := o.Dialect.CheckOrphanedRows(ctx, o.DB)
	if err != nil {
		return fmt.Errorf("verification failed: %w", err)
	}
	if len(violations) > 0 {
		return fmt.Errorf("verification failed: referential integrity violated: %s", strings.Join(violations, "; "))
	}
	return nil
}

// recover attempts to restore the pre-rollback snapshot after a failure.
// The failure stays a failure either way; recovery only changes how bad it is.
func (o *Orchestrator) recover(ctx context.Context, log *logger.Logger, res *Result) {
	if !o.AutoRestore || res.SnapshotID == "" {
		log.Warn("no recovery attempted", "auto_restore", o.AutoRestore, "snapshot_id", res.SnapshotID)
		return
	}
	restoreCtx := context.WithoutCancel(ctx)
	if err := o.Snapshots.Restore(restoreCtx, res.SnapshotID); err != nil {
		log.Error("snapshot restore failed", "snapshot_id", res.SnapshotID, "error", err.Error())
		return
	}
	res.Recovered = true
	log.Info("snapshot restored after failure", "snapshot_id", res.SnapshotID)
}

// recordAudit writes the attempt's terminal outcome. This is unconditional:
// no request flag can skip it. An audit write failure is logged and never
// masks the underlying result.
func (o *Orchestrator) recordAudit(ctx context.Context, req Request, res *Result) {
	status := "FAILED"
	switch res.ResultType {
	case Success:
		status = "SUCCESS"
	case DryRunSuccess:
		status = "DRY_RUN"
	}
	entry := audit.Entry{
		RollbackID:   res.RollbackID,
		Version:      req.TargetVersion,
		Status:       status,
		ResultType:   string(res.ResultType),
		Reason:       req.Reason,
		ApprovedBy:   req.ApprovedBy,
		TicketNumber: req.TicketNumber,
		SnapshotID:   res.SnapshotID,
		ErrorMessage: res.ErrorMessage,
		Steps:        res.ExecutedSteps,
		PerformedAt:  o.now(),
	}
	if err := o.Audit.Record(context.WithoutCancel(ctx), entry); err != nil {
		o.Log.Error("failed to record audit entry", "rollback_id", res.RollbackID, "error", err.Error())
	}
}
