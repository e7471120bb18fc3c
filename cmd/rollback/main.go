package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/opsforge/sqlrollback/internal/audit"
	"github.com/opsforge/sqlrollback/internal/config"
	"github.com/opsforge/sqlrollback/internal/db"
	"github.com/opsforge/sqlrollback/internal/dialect"
	"github.com/opsforge/sqlrollback/internal/executor"
	"github.com/opsforge/sqlrollback/internal/guard"
	"github.com/opsforge/sqlrollback/internal/ledger"
	"github.com/opsforge/sqlrollback/internal/lock"
	"github.com/opsforge/sqlrollback/internal/logger"
	"github.com/opsforge/sqlrollback/internal/rollback"
	"github.com/opsforge/sqlrollback/internal/snapshot"
	"github.com/opsforge/sqlrollback/internal/undo"
)

const (
	exitOK         = 0
	exitValidation = 2
	exitBlocked    = 3
	exitLocked     = 4
	exitFail       = 5
)

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) < 2 || os.Args[1] == "-h" || os.Args[1] == "--help" || os.Args[1] == "help" {
		usage()
		return exitOK
	}
	cmd := os.Args[1]

	global := flag.NewFlagSet("global", flag.ContinueOnError)
	dsn := global.String("dsn", "", "Database DSN (or set DB_DSN)")
	conf := global.String("config", "", "Optional YAML config path")
	undoDir := global.String("undo-dir", "", "Directory with U<version>__<name>.sql undo scripts (or UNDO_DIR)")
	snapDir := global.String("snapshot-dir", "", "Snapshot storage directory (or SNAPSHOT_DIR)")
	env := global.String("env", "", "Environment name for production classification (or ROLLBACK_ENV)")
	logMode := global.String("log", "dev", "Log mode: dev or prod")

	dryRun := global.Bool("dry-run", false, "Validate the plan without executing")
	reason := global.String("reason", "", "Why this rollback is happening")
	approvedBy := global.String("approved-by", "", "Operator who approved this rollback")
	ticket := global.String("ticket", "", "Change ticket number")
	emergency := global.Bool("emergency", false, "Emergency rollback: bypass the restricted timing window")
	forceDataLoss := global.Bool("force-data-loss", false, "Proceed despite predicted data loss (downgrades block to warning)")
	prodApproved := global.Bool("production-approved", false, "Explicit approval for production rollback")
	skipValidation := global.Bool("skip-validation", false, "Skip safety-guard checks (target must still exist)")
	timeoutMin := global.Int("timeout", 0, "Execution timeout in minutes (0 = configured default)")

	var positional string
	argStart := 2
	switch cmd {
	case "to", "restore", "snapshot-delete":
		if len(os.Args) < 3 {
			fmt.Fprintf(os.Stderr, "%s requires an argument\n", cmd)
			return exitValidation
		}
		positional = os.Args[2]
		argStart = 3
	case "history":
		if len(os.Args) > 2 && !isFlag(os.Args[2]) {
			positional = os.Args[2]
			argStart = 3
		}
	case "status", "snapshots", "snapshot-prune":
	default:
		usage()
		return exitOK
	}
	if err := global.Parse(os.Args[argStart:]); err != nil {
		return exitValidation
	}

	cfg, _ := config.LoadYAML(*conf)
	cfg = config.MergeEnv(cfg)
	if *dsn != "" {
		cfg.DSN = *dsn
	}
	if *undoDir != "" {
		cfg.UndoDir = *undoDir
	}
	if *snapDir != "" {
		cfg.Snapshot.Dir = *snapDir
	}
	if *env != "" {
		cfg.Environment = *env
	}
	cfg.LogMode = *logMode

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init failed:", err)
		return exitFail
	}
	defer log.Sync()

	if cfg.DSN == "" {
		fmt.Fprintln(os.Stderr, "--dsn or DB_DSN is required")
		return exitValidation
	}
	database, err := db.Open(cfg.DSN)
	if err != nil {
		log.Error("db open failed", "error", err.Error())
		return exitFail
	}
	defer database.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := db.EnsureLedgerTable(ctx, database, cfg.LedgerTable); err != nil {
		log.Error("ensure ledger table failed", "error", err.Error())
		return exitFail
	}
	if err := db.EnsureAuditTable(ctx, database, cfg.Audit.Table); err != nil {
		log.Error("ensure audit table failed", "error", err.Error())
		return exitFail
	}

	adapter, err := dialect.ForName(cfg.Dialect)
	if err != nil {
		log.Error("dialect selection failed", "error", err.Error())
		return exitValidation
	}

	led := ledger.New(database, cfg.LedgerTable)
	resolver := undo.NewResolver(cfg.UndoDir, cfg.NoopVersions)
	store := snapshot.NewStore(database, adapter, cfg.Snapshot.Dir,
		[]string{cfg.LedgerTable, cfg.Audit.Table, "snapshot_"},
		cfg.Snapshot.ParallelThreshold, cfg.Snapshot.Workers, log)
	trail := audit.NewTrail(database, cfg.Audit.Table, log)

	hostname, _ := os.Hostname()
	classifier := guard.MarkerClassifier{
		Environment: cfg.Environment,
		DSN:         cfg.DSN,
		Hostname:    hostname,
		Markers:     cfg.Safety.ProductionMarkers,
	}
	safety := guard.New(database, adapter, classifier, cfg.Safety, log)

	lockKey := lock.KeyFor(db.DatabaseName(cfg.DSN))
	orc := rollback.New(rollback.Deps{
		DB:               database,
		Ledger:           led,
		Scripts:          resolver,
		Snapshots:        store,
		Guard:            safety,
		Executor:         executor.New(log),
		Audit:            trail,
		Dialect:          adapter,
		NewLock:          func() rollback.Lock { return lock.New(lockKey) },
		SnapshotsEnabled: cfg.Snapshot.Enabled,
		AutoRestore:      cfg.Rollback.AutoRestoreOnFailure,
		DefaultTimeout:   cfg.ExecTimeout(),
		LockTimeout:      cfg.LockTimeout(),
		ProtectedTables:  cfg.Safety.ProtectedTables,
		Log:              log,
	})

	switch cmd {
	case "to":
		req := rollback.Request{
			TargetVersion:      positional,
			DryRun:             *dryRun,
			Reason:             *reason,
			ApprovedBy:         *approvedBy,
			TicketNumber:       *ticket,
			EmergencyRollback:  *emergency,
			ForceDataLoss:      *forceDataLoss,
			ProductionApproved: *prodApproved,
			SkipValidation:     *skipValidation,
			Timeout:            time.Duration(*timeoutMin) * time.Minute,
		}
		return printResult(orc.Submit(ctx, req), log)

	case "status":
		cur, err := led.Current(ctx)
		if err != nil {
			log.Error("status failed", "error", err.Error())
			return exitFail
		}
		if cur == nil {
			log.Info("ledger is empty")
			return exitOK
		}
		available, _ := resolver.Available()
		log.Info("current version", "version", cur.Version, "rank", cur.Rank,
			"applied_at", cur.AppliedAt.UTC().Format(time.RFC3339), "undo_scripts", len(available))
		return exitOK

	case "history":
		n := 20
		if positional != "" {
			if i, err := strconv.Atoi(positional); err == nil && i > 0 {
				n = i
			}
		}
		entries, err := trail.Recent(ctx, n)
		if err != nil {
			log.Error("history failed", "error", err.Error())
			return exitFail
		}
		for _, e := range entries {
			log.Info("audit entry", "rollback_id", e.RollbackID, "version", e.Version,
				"status", e.Status, "result_type", e.ResultType, "snapshot_id", e.SnapshotID,
				"error", e.ErrorMessage, "performed_at", e.PerformedAt.UTC().Format(time.RFC3339))
		}
		return exitOK

	case "snapshots":
		manifests, err := store.List()
		if err != nil {
			log.Error("snapshot list failed", "error", err.Error())
			return exitFail
		}
		for _, m := range manifests {
			log.Info("snapshot", "snapshot_id", m.ID, "created_at", m.CreatedAt.Format(time.RFC3339),
				"db_version", m.DBVersion, "tables", len(m.Tables))
		}
		return exitOK

	case "snapshot-delete":
		if err := store.Delete(positional); err != nil {
			log.Error("snapshot delete failed", "snapshot_id", positional, "error", err.Error())
			if errors.Is(err, snapshot.ErrNotFound) {
				return exitValidation
			}
			return exitFail
		}
		log.Info("snapshot deleted", "snapshot_id", positional)
		return exitOK

	case "snapshot-prune":
		n, err := store.Prune(cfg.Snapshot.RetentionDays)
		if err != nil {
			log.Error("snapshot prune failed", "error", err.Error())
			return exitFail
		}
		log.Info("snapshot prune complete", "deleted", n, "retention_days", cfg.Snapshot.RetentionDays)
		return exitOK

	case "restore":
		if err := store.Restore(ctx, positional); err != nil {
			log.Error("restore failed", "snapshot_id", positional, "error", err.Error())
			if errors.Is(err, snapshot.ErrNotFound) {
				return exitValidation
			}
			return exitFail
		}
		log.Info("restore complete", "snapshot_id", positional)
		return exitOK
	}
	return exitOK
}

func printResult(res rollback.Result, log *logger.Logger) int {
	fields := []any{
		"rollback_id", res.RollbackID,
		"result_type", string(res.ResultType),
		"target", res.TargetVersion,
		"elapsed", res.Elapsed.String(),
	}
	if res.SnapshotID != "" {
		fields = append(fields, "snapshot_id", res.SnapshotID)
	}
	if res.Report != nil {
		fields = append(fields, "production", res.Report.Production)
		for _, w := range res.Report.Warnings() {
			log.Warn("safety warning", "check", w.Check, "detail", w.Detail)
		}
	}
	for _, s := range res.ExecutedSteps {
		log.Info("step", "detail", s)
	}
	if res.Success {
		log.Info("rollback succeeded", fields...)
		return exitOK
	}

	fields = append(fields, "error", res.ErrorMessage, "recovered", res.Recovered)
	log.Error("rollback failed", fields...)

	var vErr *rollback.ValidationError
	var sbErr *rollback.SafetyBlockedError
	switch {
	case errors.As(res.Err, &vErr):
		return exitValidation
	case errors.As(res.Err, &sbErr):
		return exitBlocked
	case errors.Is(res.Err, lock.ErrConcurrentRollback):
		return exitLocked
	default:
		return exitFail
	}
}

func isFlag(s string) bool { return len(s) > 0 && s[0] == '-' }

func usage() {
	fmt.Println(`sqlrollback - SQL schema rollback engine

USAGE:
  rollback <command> [args] [--flags]

COMMANDS:
  to <version>            Roll the schema back to <version>
  status                  Show the current ledger version
  history [n]             Show the last n audit entries (default 20)
  snapshots               List stored snapshots
  restore <id>            Restore tables from a snapshot
  snapshot-delete <id>    Delete one snapshot
  snapshot-prune          Delete snapshots older than the retention window

ROLLBACK FLAGS (with "to"):
  --dry-run               Validate the plan; mutate nothing
  --reason <text>         Why this rollback is happening
  --approved-by <name>    Operator who approved it
  --ticket <id>           Change ticket number
  --emergency             Bypass the restricted timing window
  --force-data-loss       Proceed despite predicted data loss
  --production-approved   Approve a production rollback
  --skip-validation       Skip safety-guard checks
  --timeout <minutes>     Execution timeout

GLOBAL FLAGS:
  --dsn <dsn>             Database DSN (or DB_DSN)
  --config <path>         Optional YAML config path
  --undo-dir <path>       Undo script directory (or UNDO_DIR)
  --snapshot-dir <path>   Snapshot directory (or SNAPSHOT_DIR)
  --env <name>            Environment name (or ROLLBACK_ENV)
  --log <dev|prod>        Log mode

EXAMPLES:
  rollback to 1.0.1 --dsn "$DSN" --reason "bad index in 1.0.2" --ticket OPS-142
  rollback to 1.0.0 --dry-run --dsn "$DSN"
  rollback history 50 --dsn "$DSN"
  rollback snapshot-prune --dsn "$DSN"`)
}
