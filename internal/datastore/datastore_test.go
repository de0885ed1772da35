package datastore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDatastore(t *testing.T) *Datastore {
	t.Helper()
	ds, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ds.Close() })

	_, err = ds.DB.Exec("CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT NOT NULL)")
	require.NoError(t, err)
	return ds
}

func TestRebind(t *testing.T) {
	q := "SELECT a FROM t WHERE b = ? AND c IN (?, ?)"
	assert.Equal(t, q, Rebind(SQLite, q))
	assert.Equal(t, "SELECT a FROM t WHERE b = $1 AND c IN ($2, $3)", Rebind(Postgres, q))
}

func TestForUpdate(t *testing.T) {
	assert.Equal(t, "", ForUpdate(SQLite))
	assert.Equal(t, " FOR UPDATE", ForUpdate(Postgres))
	assert.Equal(t, "", ForUpdateSkipLocked(SQLite))
	assert.Equal(t, " FOR UPDATE SKIP LOCKED", ForUpdateSkipLocked(Postgres))
}

func TestParseDialect(t *testing.T) {
	d, err := ParseDialect("pgx")
	require.NoError(t, err)
	assert.Equal(t, Postgres, d)
	assert.Equal(t, "pgx", d.DriverName())

	d, err = ParseDialect("")
	require.NoError(t, err)
	assert.Equal(t, SQLite, d)

	_, err = ParseDialect("mysql")
	assert.Error(t, err)
}

func TestSQLiteDSN(t *testing.T) {
	dsn := SQLiteDSN("/var/lib/ipam/ipam.db")
	assert.Contains(t, dsn, "file:/var/lib/ipam/ipam.db?")
	assert.Contains(t, dsn, "_txlock=immediate")
	assert.Contains(t, dsn, "_pragma=journal_mode(WAL)")

	mem := SQLiteDSN("file:test?mode=memory&cache=shared&_txlock=deferred")
	assert.Contains(t, mem, "_txlock=deferred")
	assert.NotContains(t, mem, "_txlock=immediate")
	assert.NotContains(t, mem, "journal_mode")
}

func TestWithTx_Commit(t *testing.T) {
	ds := newTestDatastore(t)
	ctx := context.Background()

	err := ds.WithTx(ctx, func(q Querier) error {
		_, err := q.ExecContext(ctx, "INSERT INTO items (name) VALUES (?)", "committed")
		return err
	})
	require.NoError(t, err)

	var count int
	require.NoError(t, ds.Querier().QueryRowContext(ctx, "SELECT COUNT(*) FROM items").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestWithTx_RollbackOnError(t *testing.T) {
	ds := newTestDatastore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := ds.WithTx(ctx, func(q Querier) error {
		if _, err := q.ExecContext(ctx, "INSERT INTO items (name) VALUES (?)", "discarded"); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	var count int
	require.NoError(t, ds.Querier().QueryRowContext(ctx, "SELECT COUNT(*) FROM items").Scan(&count))
	assert.Equal(t, 0, count)
}

func TestWithTx_RollbackOnPanic(t *testing.T) {
	ds := newTestDatastore(t)
	ctx := context.Background()

	assert.Panics(t, func() {
		_ = ds.WithTx(ctx, func(q Querier) error {
			_, _ = q.ExecContext(ctx, "INSERT INTO items (name) VALUES (?)", "discarded")
			panic("boom")
		})
	})

	var count int
	require.NoError(t, ds.Querier().QueryRowContext(ctx, "SELECT COUNT(*) FROM items").Scan(&count))
	assert.Equal(t, 0, count)
}
