package dialect

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForName(t *testing.T) {
	for _, name := range []string{"", "mysql", "MySQL", " mariadb "} {
		a, err := ForName(name)
		require.NoError(t, err, name)
		assert.IsType(t, MySQL{}, a)
	}
	_, err := ForName("postgres")
	assert.Error(t, err)
}

func TestQuoteIdentifier(t *testing.T) {
	m := MySQL{}
	assert.Equal(t, "`users`", m.QuoteIdentifier("users"))
	assert.Equal(t, "`odd``name`", m.QuoteIdentifier("odd`name"))
}

func TestListTables(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT table_name FROM information_schema.tables").
		WillReturnRows(sqlmock.NewRows([]string{"table_name"}).AddRow("orders").AddRow("users"))

	tables, err := MySQL{}.ListTables(context.Background(), db)
	require.NoError(t, err)
	assert.Equal(t, []string{"orders", "users"}, tables)
}

func TestDescribeTable(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT column_name, column_type, is_nullable FROM information_schema.columns").
		WithArgs("orders").
		WillReturnRows(sqlmock.NewRows([]string{"column_name", "column_type", "is_nullable"}).
			AddRow("id", "bigint", "NO").
			AddRow("note", "varchar(255)", "YES"))
	mock.ExpectQuery("constraint_name = 'PRIMARY'").
		WithArgs("orders").
		WillReturnRows(sqlmock.NewRows([]string{"column_name"}).AddRow("id"))
	mock.ExpectQuery("referenced_table_name IS NOT NULL").
		WithArgs("orders").
		WillReturnRows(sqlmock.NewRows([]string{"constraint_name", "column_name", "referenced_table_name", "referenced_column_name"}).
			AddRow("fk_orders_user", "user_id", "users", "id"))

	table, err := MySQL{}.DescribeTable(context.Background(), db, "orders")
	require.NoError(t, err)

	assert.Equal(t, "orders", table.Name)
	require.Len(t, table.Columns, 2)
	assert.False(t, table.Columns[0].Nullable)
	assert.True(t, table.Columns[1].Nullable)
	assert.Equal(t, []string{"id"}, table.PrimaryKey)
	require.Len(t, table.ForeignKeys, 1)
	assert.Equal(t, "users", table.ForeignKeys[0].ReferencedTable)
}

func TestExportTable(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `users`")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "email"}).
			AddRow("1", "a@example.com").
			AddRow("2", nil).
			AddRow("3", "o'brien@example.com"))

	stmts, err := MySQL{}.ExportTable(context.Background(), db, "users")
	require.NoError(t, err)
	require.Len(t, stmts, 3)
	assert.Equal(t, "INSERT INTO `users` (`id`, `email`) VALUES ('1', 'a@example.com')", stmts[0])
	assert.Equal(t, "INSERT INTO `users` (`id`, `email`) VALUES ('2', NULL)", stmts[1])
	// Single quotes in values are doubled.
	assert.Equal(t, "INSERT INTO `users` (`id`, `email`) VALUES ('3', 'o''brien@example.com')", stmts[2])
}

func TestCheckOrphanedRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	fkCols := []string{"table_name", "column_name", "referenced_table_name", "referenced_column_name"}
	mock.ExpectQuery("referenced_table_name IS NOT NULL").
		WillReturnRows(sqlmock.NewRows(fkCols).
			AddRow("orders", "user_id", "users", "id").
			AddRow("order_items", "order_id", "orders", "id"))
	mock.ExpectQuery(regexp.QuoteMeta("FROM `orders` c LEFT JOIN `users` p")).
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(3))
	mock.ExpectQuery(regexp.QuoteMeta("FROM `order_items` c LEFT JOIN `orders` p")).
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(0))

	violations, err := MySQL{}.CheckOrphanedRows(context.Background(), db)
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Contains(t, violations[0], "3 row(s) in orders.user_id")
	assert.Contains(t, violations[0], "users.id")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckOrphanedRowsCleanSchema(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	fkCols := []string{"table_name", "column_name", "referenced_table_name", "referenced_column_name"}
	mock.ExpectQuery("referenced_table_name IS NOT NULL").
		WillReturnRows(sqlmock.NewRows(fkCols))

	violations, err := MySQL{}.CheckOrphanedRows(context.Background(), db)
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func TestClearTable(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM `users`")).
		WillReturnResult(sqlmock.NewResult(0, 42))

	require.NoError(t, MySQL{}.ClearTable(context.Background(), db, "users"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionsOverThreshold(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("information_schema.processlist").
		WithArgs(300).
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(2))

	n, err := MySQL{}.SessionsOverThreshold(context.Background(), db, 300*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
