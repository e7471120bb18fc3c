package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var entryCols = []string{"installed_rank", "version", "description", "success", "applied_at", "applied_by"}

func newLedger(t *testing.T) (*Ledger, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, "schema_version_history"), mock
}

func TestCurrent(t *testing.T) {
	l, mock := newLedger(t)
	rows := sqlmock.NewRows(entryCols).
		AddRow(int64(3), "1.0.2", "add audit index", true, time.Now(), "deployer")
	mock.ExpectQuery("SELECT installed_rank, version, description, success, applied_at, applied_by").
		WillReturnRows(rows)

	cur, err := l.Current(context.Background())
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.Equal(t, "1.0.2", cur.Version)
	assert.Equal(t, int64(3), cur.Rank)
}

func TestCurrentEmptyLedger(t *testing.T) {
	l, mock := newLedger(t)
	mock.ExpectQuery("SELECT installed_rank").WillReturnRows(sqlmock.NewRows(entryCols))

	cur, err := l.Current(context.Background())
	require.NoError(t, err)
	assert.Nil(t, cur)
}

func TestCurrentStorageErrorIsUnavailable(t *testing.T) {
	l, mock := newLedger(t)
	mock.ExpectQuery("SELECT installed_rank").WillReturnError(errors.New("connection refused"))

	_, err := l.Current(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestVersionsAboveDescendingOrder(t *testing.T) {
	l, mock := newLedger(t)
	rows := sqlmock.NewRows(entryCols).
		AddRow(int64(3), "1.0.2", "add index", true, time.Now(), "deployer").
		AddRow(int64(2), "1.0.1", "create orders", true, time.Now(), "deployer")
	mock.ExpectQuery("SELECT installed_rank").WithArgs("1.0.0").WillReturnRows(rows)

	out, err := l.VersionsAbove(context.Background(), "1.0.0")
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "1.0.2", out[0].Version)
	assert.Equal(t, "1.0.1", out[1].Version)
	assert.Greater(t, out[0].Rank, out[1].Rank)
}

func TestExists(t *testing.T) {
	l, mock := newLedger(t)
	mock.ExpectQuery("SELECT COUNT").WithArgs("1.0.1").
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(1))
	mock.ExpectQuery("SELECT COUNT").WithArgs("9.9.9").
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(0))

	ok, err := l.Exists(context.Background(), "1.0.1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Exists(context.Background(), "9.9.9")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRetireRunsOnCallersTransaction(t *testing.T) {
	l, mock := newLedger(t)
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM schema_version_history").WithArgs("1.0.0").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	tx, err := l.DB.Begin()
	require.NoError(t, err)
	n, err := l.Retire(context.Background(), tx, "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	require.NoError(t, tx.Commit())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppend(t *testing.T) {
	l, mock := newLedger(t)
	mock.ExpectExec("INSERT INTO schema_version_history").
		WithArgs("1.0.3", "drop legacy table", true, sqlmock.AnyArg(), "deployer").
		WillReturnResult(sqlmock.NewResult(4, 1))

	err := l.Append(context.Background(), Entry{
		Version: "1.0.3", Description: "drop legacy table", Success: true,
		AppliedAt: time.Now(), AppliedBy: "deployer",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
