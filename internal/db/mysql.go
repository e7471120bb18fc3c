package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

func Open(dsn string) (*sql.DB, error) {
	// Ensure parseTime is on; undo scripts with multiple statements are split
	// client-side, so multiStatements is not required.
	if !strings.Contains(strings.ToLower(dsn), "parsetime=") {
		if strings.Contains(dsn, "?") {
			dsn += "&parseTime=true"
		} else {
			dsn += "?parseTime=true"
		}
	}
	database, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	database.SetMaxOpenConns(10)
	database.SetMaxIdleConns(10)
	database.SetConnMaxLifetime(30 * time.Minute)
	return database, nil
}

// EnsureLedgerTable creates the version-history table if it does not exist.
// The forward migration runner appends here; the rollback engine reads and
// retires entries.
func EnsureLedgerTable(ctx context.Context, database *sql.DB, table string) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  installed_rank BIGINT PRIMARY KEY AUTO_INCREMENT,
  version VARCHAR(64) NOT NULL,
  description VARCHAR(255) NOT NULL,
  success TINYINT(1) NOT NULL,
  applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
  applied_by VARCHAR(255) NOT NULL,
  UNIQUE KEY uniq_version (version)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;
`, table)
	_, err := database.ExecContext(ctx, ddl)
	return err
}

// EnsureAuditTable creates the append-only rollback audit table.
func EnsureAuditTable(ctx context.Context, database *sql.DB, table string) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  id BIGINT PRIMARY KEY AUTO_INCREMENT,
  rollback_id VARCHAR(50) NOT NULL,
  version VARCHAR(64) NOT NULL,
  status VARCHAR(20) NOT NULL,
  result_type VARCHAR(20) NOT NULL,
  reason TEXT,
  approved_by VARCHAR(100),
  ticket_number VARCHAR(50),
  snapshot_id VARCHAR(100),
  error_message TEXT,
  steps TEXT,
  performed_at TIMESTAMP NOT NULL
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;
`, table)
	_, err := database.ExecContext(ctx, ddl)
	return err
}

// DatabaseName extracts the schema name from a MySQL DSN:
// user:pass@tcp(host:port)/dbname?params
func DatabaseName(dsn string) string {
	i := strings.LastIndex(dsn, "/")
	if i == -1 || i == len(dsn)-1 {
		return "db"
	}
	rest := dsn[i+1:]
	if j := strings.Index(rest, "?"); j != -1 {
		return rest[:j]
	}
	return rest
}
