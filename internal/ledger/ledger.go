package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrUnavailable wraps every storage failure. Callers must treat it as fatal:
// a ledger that cannot be read is not a ledger that can be retried against.
var ErrUnavailable = errors.New("version ledger unavailable")

// Entry is one applied migration. Ranks strictly increase with application
// order; only Success entries count toward the current version.
type Entry struct {
	Rank        int64
	Version     string
	Description string
	Success     bool
	AppliedAt   time.Time
	AppliedBy   string
}

type Ledger struct {
	DB    *sql.DB
	Table string
}

func New(database *sql.DB, table string) *Ledger {
	return &Ledger{DB: database, Table: table}
}

const entryColumns = "installed_rank, version, description, success, applied_at, applied_by"

func (l *Ledger) scanEntry(row interface{ Scan(...any) error }) (*Entry, error) {
	var e Entry
	if err := row.Scan(&e.Rank, &e.Version, &e.Description, &e.Success, &e.AppliedAt, &e.AppliedBy); err != nil {
		return nil, err
	}
	return &e, nil
}

// Current returns the highest-rank successful entry, or (nil, nil) when the
// ledger is empty. An empty ledger is a valid initial state, not an error.
func (l *Ledger) Current(ctx context.Context) (*Entry, error) {
	row := l.DB.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT %s FROM %s WHERE success = 1 ORDER BY installed_rank DESC LIMIT 1`, entryColumns, l.Table))
	e, err := l.scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return e, nil
}

func (l *Ledger) Exists(ctx context.Context, version string) (bool, error) {
	row := l.DB.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT COUNT(*) FROM %s WHERE version = ? AND success = 1`, l.Table), version)
	var n int
	if err := row.Scan(&n); err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n > 0, nil
}

// VersionsAbove returns every successful entry with rank greater than the
// target's rank, descending (undo order: newest first).
func (l *Ledger) VersionsAbove(ctx context.Context, target string) ([]Entry, error) {
	rows, err := l.DB.QueryContext(ctx, fmt.Sprintf(
		`SELECT %s FROM %s WHERE success = 1 AND installed_rank > (SELECT installed_rank FROM %s WHERE version = ?) ORDER BY installed_rank DESC`,
		entryColumns, l.Table, l.Table), target)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		e, err := l.scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return out, nil
}

// Retire removes every entry above the target version. It runs on the
// caller's transaction so that retirement commits or rolls back together
// with the undo-script execution for the same target.
func (l *Ledger) Retire(ctx context.Context, tx *sql.Tx, target string) (int64, error) {
	res, err := tx.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE installed_rank > (SELECT installed_rank FROM (SELECT installed_rank FROM %s WHERE version = ?) t)`,
		l.Table, l.Table), target)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n, nil
}

// Append records a newly applied migration. Used by the forward runner and
// by test seeding; the rollback engine itself never appends.
func (l *Ledger) Append(ctx context.Context, e Entry) error {
	_, err := l.DB.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (version, description, success, applied_at, applied_by) VALUES (?, ?, ?, ?, ?)`, l.Table),
		e.Version, e.Description, e.Success, e.AppliedAt, e.AppliedBy)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
