package dialect

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

type Column struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

type ForeignKey struct {
	Name             string `json:"name"`
	Column           string `json:"column"`
	ReferencedTable  string `json:"referenced_table"`
	ReferencedColumn string `json:"referenced_column"`
}

type Table struct {
	Name        string       `json:"name"`
	Columns     []Column     `json:"columns"`
	PrimaryKey  []string     `json:"primary_key"`
	ForeignKeys []ForeignKey `json:"foreign_keys"`
}

// Adapter abstracts the engine-specific SQL used for table export/restore and
// session inspection. The implementation is selected once at startup from
// configuration, never re-detected per call.
type Adapter interface {
	ListTables(ctx context.Context, db *sql.DB) ([]string, error)
	DescribeTable(ctx context.Context, db *sql.DB, name string) (*Table, error)
	// ExportTable renders the table's current rows as INSERT statements.
	ExportTable(ctx context.Context, db *sql.DB, name string) ([]string, error)
	ClearTable(ctx context.Context, db *sql.DB, name string) error
	// CheckOrphanedRows scans every foreign key in the schema for child rows
	// whose parent no longer exists and describes each violated constraint.
	CheckOrphanedRows(ctx context.Context, db *sql.DB) ([]string, error)
	SessionsOverThreshold(ctx context.Context, db *sql.DB, threshold time.Duration) (int, error)
	ActiveConnections(ctx context.Context, db *sql.DB) (int, error)
	QuoteIdentifier(name string) string
}

func ForName(name string) (Adapter, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "mysql", "mariadb":
		return MySQL{}, nil
	default:
		return nil, fmt.Errorf("unsupported dialect %q", name)
	}
}

// formatValue renders a scanned cell for use in an INSERT statement.
func formatValue(v sql.NullString) string {
	if !v.Valid {
		return "NULL"
	}
	return "'" + strings.ReplaceAll(v.String, "'", "''") + "'"
}
