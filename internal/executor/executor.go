package executor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/opsforge/sqlrollback/internal/logger"
	"github.com/opsforge/sqlrollback/internal/undo"
)

// ErrTimeout marks an execution abandoned at the configured deadline. The
// transactional state is whatever the engine left it at; multi-statement DDL
// cannot be rolled back atomically on engines without transactional DDL.
var ErrTimeout = errors.New("rollback execution timed out")

// Operation is one plan step: the undo script for a single version. A nil
// script with Noop set means the version is whitelisted as requiring no undo
// action.
type Operation struct {
	Version     string
	Description string
	Script      *undo.Script
	Noop        bool
}

// Plan is the ordered operation list needed to move from the current version
// down to Target: one operation per version above it, newest first.
type Plan struct {
	Target     string
	Operations []Operation
}

func (p *Plan) describe(op Operation) string {
	if op.Noop {
		return fmt.Sprintf("undo %s (%s): no-op, whitelisted", op.Version, op.Description)
	}
	return fmt.Sprintf("undo %s (%s): %d statement(s), checksum %.12s",
		op.Version, op.Description, len(op.Script.Statements), op.Script.Checksum)
}

type Executor struct {
	Log *logger.Logger
}

func New(log *logger.Logger) *Executor {
	return &Executor{Log: log}
}

// Execute runs every operation's statements in plan order on the caller's
// transaction. The first failing statement aborts the whole plan: later
// operations presuppose the schema state the failed one was meant to produce,
// so they are not attempted.
func (e *Executor) Execute(ctx context.Context, tx *sql.Tx, plan *Plan) ([]string, error) {
	steps := make([]string, 0, len(plan.Operations))
	for _, op := range plan.Operations {
		if op.Noop {
			steps = append(steps, plan.describe(op))
			continue
		}
		e.Log.Info("executing undo script", "version", op.Version, "statements", len(op.Script.Statements))
		for i, stmt := range op.Script.Statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return steps, fmt.Errorf("%w: undoing version %s", ErrTimeout, op.Version)
				}
				return steps, fmt.Errorf("undo script for %s failed at statement %d: %w", op.Version, i+1, err)
			}
		}
		steps = append(steps, plan.describe(op))
	}
	return steps, nil
}

// Validate walks the plan without executing: every operation must either be a
// whitelisted no-op or carry a script with at least one statement. Used by
// dry runs.
func (e *Executor) Validate(plan *Plan) ([]string, error) {
	steps := make([]string, 0, len(plan.Operations))
	for _, op := range plan.Operations {
		if !op.Noop {
			if op.Script == nil {
				return steps, fmt.Errorf("operation for version %s has no undo script", op.Version)
			}
			if op.Script.Empty() {
				return steps, fmt.Errorf("undo script for %s contains no executable statements", op.Version)
			}
		}
		steps = append(steps, plan.describe(op))
	}
	return steps, nil
}
