package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrConcurrentRollback means another attempt holds the database-scoped lock.
// A concurrent caller fails fast with this error instead of racing.
var ErrConcurrentRollback = errors.New("another rollback is already in progress")

// Advisory is a MySQL advisory lock (GET_LOCK/RELEASE_LOCK) held on a
// dedicated connection for the duration of one rollback attempt.
type Advisory struct {
	conn *sql.Conn
	key  string
	held bool
}

func New(key string) *Advisory {
	return &Advisory{key: key}
}

func (a *Advisory) Acquire(ctx context.Context, db *sql.DB, timeout time.Duration) error {
	if a.held {
		return nil
	}
	var err error
	a.conn, err = db.Conn(ctx)
	if err != nil {
		return err
	}
	row := a.conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, ?)", a.key, int(timeout.Seconds()))
	var got sql.NullInt64
	if err := row.Scan(&got); err != nil {
		_ = a.conn.Close()
		return err
	}
	if !got.Valid || got.Int64 != 1 {
		_ = a.conn.Close()
		return ErrConcurrentRollback
	}
	a.held = true
	return nil
}

func (a *Advisory) Release(ctx context.Context) error {
	if !a.held || a.conn == nil {
		return nil
	}
	row := a.conn.QueryRowContext(ctx, "SELECT RELEASE_LOCK(?)", a.key)
	var rel sql.NullInt64
	_ = row.Scan(&rel) // do not fail on release
	a.held = false
	return a.conn.Close()
}

func (a *Advisory) Key() string { return a.key }

// KeyFor scopes the lock to one database so attempts against different
// databases never contend.
func KeyFor(database string) string {
	return fmt.Sprintf("sqlrollback:%s", database)
}
