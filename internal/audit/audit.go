package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opsforge/sqlrollback/internal/logger"
)

// Entry is one persisted rollback attempt. Entries are created once and
// never mutated; the trail is the only forensic record of what was attempted.
type Entry struct {
	RollbackID   string
	Version      string
	Status       string
	ResultType   string
	Reason       string
	ApprovedBy   string
	TicketNumber string
	SnapshotID   string
	ErrorMessage string
	Steps        []string
	PerformedAt  time.Time
}

type Trail struct {
	DB    *sql.DB
	Table string
	Log   *logger.Logger
}

func NewTrail(database *sql.DB, table string, log *logger.Logger) *Trail {
	return &Trail{DB: database, Table: table, Log: log}
}

func (t *Trail) Record(ctx context.Context, e Entry) error {
	steps, err := json.Marshal(e.Steps)
	if err != nil {
		return err
	}
	_, err = t.DB.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (rollback_id, version, status, result_type, reason, approved_by, ticket_number, snapshot_id, error_message, steps, performed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, t.Table),
		e.RollbackID, e.Version, e.Status, e.ResultType, e.Reason, e.ApprovedBy,
		e.TicketNumber, e.SnapshotID, e.ErrorMessage, string(steps), e.PerformedAt)
	if err != nil {
		return fmt.Errorf("record audit entry: %w", err)
	}
	return nil
}

// Recent returns the latest n entries, newest first.
func (t *Trail) Recent(ctx context.Context, n int) ([]Entry, error) {
	rows, err := t.DB.QueryContext(ctx, fmt.Sprintf(
		`SELECT rollback_id, version, status, result_type, reason, approved_by, ticket_number, snapshot_id, error_message, steps, performed_at
FROM %s ORDER BY id DESC LIMIT ?`, t.Table), n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		var steps sql.NullString
		var reason, approver, ticket, snapshotID, errMsg sql.NullString
		if err := rows.Scan(&e.RollbackID, &e.Version, &e.Status, &e.ResultType, &reason,
			&approver, &ticket, &snapshotID, &errMsg, &steps, &e.PerformedAt); err != nil {
			return nil, err
		}
		e.Reason = reason.String
		e.ApprovedBy = approver.String
		e.TicketNumber = ticket.String
		e.SnapshotID = snapshotID.String
		e.ErrorMessage = errMsg.String
		if steps.Valid && steps.String != "" {
			if err := json.Unmarshal([]byte(steps.String), &e.Steps); err != nil {
				t.Log.Warn("audit steps column unreadable", "rollback_id", e.RollbackID)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
