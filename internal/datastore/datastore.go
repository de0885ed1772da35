package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Dialect names the SQL flavour of the underlying store
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// ParseDialect maps a configured driver name onto a dialect
func ParseDialect(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3", "":
		return SQLite, nil
	case "postgres", "postgresql", "pgx":
		return Postgres, nil
	}
	return "", fmt.Errorf("unsupported database driver %q", driver)
}

// DriverName returns the database/sql driver registered for the dialect
func (d Dialect) DriverName() string {
	if d == Postgres {
		return "pgx"
	}
	return "sqlite"
}

// Querier runs statements written with ? placeholders against a database
// or an open transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	Dialect() Dialect
}

// sqlExecutor is satisfied by both *sql.DB and *sql.Tx
type sqlExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type querier struct {
	exec    sqlExecutor
	dialect Dialect
}

func (q querier) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return q.exec.ExecContext(ctx, Rebind(q.dialect, query), args...)
}

func (q querier) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return q.exec.QueryContext(ctx, Rebind(q.dialect, query), args...)
}

func (q querier) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return q.exec.QueryRowContext(ctx, Rebind(q.dialect, query), args...)
}

func (q querier) Dialect() Dialect { return q.dialect }

// Rebind rewrites ? placeholders into $n for postgres
func Rebind(d Dialect, query string) string {
	if d != Postgres || !strings.Contains(query, "?") {
		return query
	}

	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// ForUpdate returns the row locking suffix for a SELECT. SQLite has no row
// locks; its write transactions are opened IMMEDIATE instead.
func ForUpdate(d Dialect) string {
	if d == Postgres {
		return " FOR UPDATE"
	}
	return ""
}

// ForUpdateSkipLocked is ForUpdate for candidate scans: rows locked by a
// concurrent transaction are passed over instead of waited on.
func ForUpdateSkipLocked(d Dialect) string {
	if d == Postgres {
		return " FOR UPDATE SKIP LOCKED"
	}
	return ""
}

// Datastore owns the database handle and its dialect
type Datastore struct {
	DB      *sql.DB
	dialect Dialect
}

// New opens a SQLite datastore at the given DSN
func New(dsn string) (*Datastore, error) {
	return Open(SQLite, dsn)
}

// Open opens a datastore for the dialect and verifies the connection
func Open(dialect Dialect, dsn string) (*Datastore, error) {
	if dialect == SQLite {
		dsn = SQLiteDSN(dsn)
	}

	db, err := sql.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		if cerr := db.Close(); cerr != nil {
			log.Printf("failed to close database: %v", cerr)
		}
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Datastore{DB: db, dialect: dialect}, nil
}

// SQLiteDSN adds the connection parameters the engine relies on: write
// transactions begin IMMEDIATE, lock waits block instead of failing, and
// foreign keys are enforced.
func SQLiteDSN(dsn string) string {
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}

	params := []string{
		"_txlock=immediate",
		"_time_format=sqlite",
		"_pragma=busy_timeout(5000)",
		"_pragma=foreign_keys(1)",
	}
	if !strings.Contains(dsn, "mode=memory") {
		params = append(params, "_pragma=journal_mode(WAL)")
	}

	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	for _, p := range params {
		key, _, _ := strings.Cut(p, "=")
		if key != "_pragma" && strings.Contains(dsn, key+"=") {
			continue
		}
		dsn += sep + p
		sep = "&"
	}
	return dsn
}

// Dialect returns the store's SQL dialect
func (ds *Datastore) Dialect() Dialect { return ds.dialect }

// Querier returns a non-transactional querier over the pool
func (ds *Datastore) Querier() Querier {
	return querier{exec: ds.DB, dialect: ds.dialect}
}

// WithTx runs fn inside a single transaction. Any error returned by fn, or
// a panic, rolls the transaction back.
func (ds *Datastore) WithTx(ctx context.Context, fn func(q Querier) error) (err error) {
	tx, err := ds.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			if rerr := tx.Rollback(); rerr != nil && !errors.Is(rerr, sql.ErrTxDone) {
				log.Printf("failed to roll back transaction: %v", rerr)
			}
		}
	}()

	if err = fn(querier{exec: tx, dialect: ds.dialect}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Close closes the underlying database
func (ds *Datastore) Close() error {
	return ds.DB.Close()
}
