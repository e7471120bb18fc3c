package dialect

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

type MySQL struct{}

func (MySQL) QuoteIdentifier(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func (MySQL) ListTables(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT table_name FROM information_schema.tables WHERE table_schema = DATABASE() AND table_type = 'BASE TABLE' ORDER BY table_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (m MySQL) DescribeTable(ctx context.Context, db *sql.DB, name string) (*Table, error) {
	t := &Table{Name: name}

	rows, err := db.QueryContext(ctx, `SELECT column_name, column_type, is_nullable FROM information_schema.columns WHERE table_schema = DATABASE() AND table_name = ? ORDER BY ordinal_position`, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var col Column
		var nullable string
		if err := rows.Scan(&col.Name, &col.Type, &nullable); err != nil {
			return nil, err
		}
		col.Nullable = strings.EqualFold(nullable, "YES")
		t.Columns = append(t.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	pks, err := db.QueryContext(ctx, `SELECT column_name FROM information_schema.key_column_usage WHERE table_schema = DATABASE() AND table_name = ? AND constraint_name = 'PRIMARY' ORDER BY ordinal_position`, name)
	if err != nil {
		return nil, err
	}
	defer pks.Close()
	for pks.Next() {
		var col string
		if err := pks.Scan(&col); err != nil {
			return nil, err
		}
		t.PrimaryKey = append(t.PrimaryKey, col)
	}
	if err := pks.Err(); err != nil {
		return nil, err
	}

	fks, err := db.QueryContext(ctx, `SELECT constraint_name, column_name, referenced_table_name, referenced_column_name FROM information_schema.key_column_usage WHERE table_schema = DATABASE() AND table_name = ? AND referenced_table_name IS NOT NULL`, name)
	if err != nil {
		return nil, err
	}
	defer fks.Close()
	for fks.Next() {
		var fk ForeignKey
		if err := fks.Scan(&fk.Name, &fk.Column, &fk.ReferencedTable, &fk.ReferencedColumn); err != nil {
			return nil, err
		}
		t.ForeignKeys = append(t.ForeignKeys, fk)
	}
	return t, fks.Err()
}

func (m MySQL) ExportTable(ctx context.Context, db *sql.DB, name string) ([]string, error) {
	rows, err := db.QueryContext(ctx, "SELECT * FROM "+m.QuoteIdentifier(name))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = m.QuoteIdentifier(c)
	}
	header := fmt.Sprintf("INSERT INTO %s (%s) VALUES ", m.QuoteIdentifier(name), strings.Join(quoted, ", "))

	var stmts []string
	for rows.Next() {
		cells := make([]sql.NullString, len(cols))
		ptrs := make([]any, len(cols))
		for i := range cells {
			ptrs[i] = &cells[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		vals := make([]string, len(cells))
		for i, c := range cells {
			vals[i] = formatValue(c)
		}
		stmts = append(stmts, header+"("+strings.Join(vals, ", ")+")")
	}
	return stmts, rows.Err()
}

func (m MySQL) CheckOrphanedRows(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT table_name, column_name, referenced_table_name, referenced_column_name FROM information_schema.key_column_usage WHERE table_schema = DATABASE() AND referenced_table_name IS NOT NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	type relation struct {
		childTable, childColumn, parentTable, parentColumn string
	}
	var rels []relation
	for rows.Next() {
		var r relation
		if err := rows.Scan(&r.childTable, &r.childColumn, &r.parentTable, &r.parentColumn); err != nil {
			return nil, err
		}
		rels = append(rels, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var violations []string
	for _, r := range rels {
		q := fmt.Sprintf(
			"SELECT COUNT(*) FROM %s c LEFT JOIN %s p ON c.%s = p.%s WHERE c.%s IS NOT NULL AND p.%s IS NULL",
			m.QuoteIdentifier(r.childTable), m.QuoteIdentifier(r.parentTable),
			m.QuoteIdentifier(r.childColumn), m.QuoteIdentifier(r.parentColumn),
			m.QuoteIdentifier(r.childColumn), m.QuoteIdentifier(r.parentColumn))
		var n int64
		if err := db.QueryRowContext(ctx, q).Scan(&n); err != nil {
			return nil, err
		}
		if n > 0 {
			violations = append(violations, fmt.Sprintf("%d row(s) in %s.%s reference missing %s.%s",
				n, r.childTable, r.childColumn, r.parentTable, r.parentColumn))
		}
	}
	return violations, nil
}

func (m MySQL) ClearTable(ctx context.Context, db *sql.DB, name string) error {
	_, err := db.ExecContext(ctx, "DELETE FROM "+m.QuoteIdentifier(name))
	return err
}

func (MySQL) SessionsOverThreshold(ctx context.Context, db *sql.DB, threshold time.Duration) (int, error) {
	row := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM information_schema.processlist WHERE command <> 'Sleep' AND time > ?`, int(threshold.Seconds()))
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (MySQL) ActiveConnections(ctx context.Context, db *sql.DB) (int, error) {
	row := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM information_schema.processlist`)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
