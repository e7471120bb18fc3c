package executor

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsforge/sqlrollback/internal/logger"
	"github.com/opsforge/sqlrollback/internal/undo"
)

func script(version string, stmts ...string) *undo.Script {
	return &undo.Script{Version: version, Name: "test", Statements: stmts, Checksum: "deadbeefdeadbeef"}
}

func TestExecuteRunsPlanInOrder(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DROP INDEX idx_users_email ON users")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("DROP TABLE orders")).WillReturnResult(sqlmock.NewResult(0, 0))

	tx, err := db.Begin()
	require.NoError(t, err)

	plan := &Plan{Target: "1.0.0", Operations: []Operation{
		{Version: "1.0.2", Description: "add email index", Script: script("1.0.2", "DROP INDEX idx_users_email ON users")},
		{Version: "1.0.1", Description: "create orders", Script: script("1.0.1", "DROP TABLE orders")},
	}}

	steps, err := New(logger.NewNop()).Execute(context.Background(), tx, plan)
	require.NoError(t, err)
	assert.Len(t, steps, 2)
	assert.Contains(t, steps[0], "undo 1.0.2")
	assert.Contains(t, steps[1], "undo 1.0.1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteAbortsOnFirstFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DROP TABLE orders")).WillReturnError(errors.New("table is referenced by a foreign key"))

	tx, err := db.Begin()
	require.NoError(t, err)

	plan := &Plan{Target: "1.0.0", Operations: []Operation{
		{Version: "1.0.2", Script: script("1.0.2", "DROP TABLE orders", "DROP TABLE order_items")},
		{Version: "1.0.1", Script: script("1.0.1", "DROP TABLE users")},
	}}

	steps, err := New(logger.NewNop()).Execute(context.Background(), tx, plan)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "undo script for 1.0.2 failed at statement 1")
	assert.Empty(t, steps)
	// The later operation was never attempted.
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteMapsDeadlineToTimeout(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DROP TABLE orders")).WillReturnError(context.DeadlineExceeded)

	tx, err := db.Begin()
	require.NoError(t, err)

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	plan := &Plan{Target: "1.0.0", Operations: []Operation{
		{Version: "1.0.1", Script: script("1.0.1", "DROP TABLE orders")},
	}}

	_, err = New(logger.NewNop()).Execute(ctx, tx, plan)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Contains(t, err.Error(), "1.0.1")
}

func TestExecuteSkipsNoopOperations(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	tx, err := db.Begin()
	require.NoError(t, err)

	plan := &Plan{Target: "1.0.0", Operations: []Operation{
		{Version: "1.0.1", Description: "seed reference data", Noop: true},
	}}

	steps, err := New(logger.NewNop()).Execute(context.Background(), tx, plan)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Contains(t, steps[0], "no-op, whitelisted")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestValidate(t *testing.T) {
	e := New(logger.NewNop())

	plan := &Plan{Target: "1.0.0", Operations: []Operation{
		{Version: "1.0.2", Description: "add email index", Script: script("1.0.2", "DROP INDEX idx_users_email ON users")},
		{Version: "1.0.1", Description: "seed reference data", Noop: true},
	}}
	steps, err := e.Validate(plan)
	require.NoError(t, err)
	assert.Len(t, steps, 2)

	broken := &Plan{Target: "1.0.0", Operations: []Operation{
		{Version: "1.0.1"},
	}}
	_, err = e.Validate(broken)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no undo script")
}

func TestValidateRejectsEmptyScript(t *testing.T) {
	// A script that normalizes to zero statements (all comments) is not a
	// legitimate no-op; only the whitelist grants that.
	plan := &Plan{Target: "1.0.0", Operations: []Operation{
		{Version: "1.0.1", Script: &undo.Script{Version: "1.0.1"}},
	}}
	_, err := New(logger.NewNop()).Validate(plan)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no executable statements")
}
