package repository

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/jbweber/homelab/ipam/internal/datastore"
)

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

// queryOne runs a single-row query and maps sql.ErrNoRows onto ErrNotFound
func queryOne[T any](ctx context.Context, q datastore.Querier, scan func(rowScanner) (T, error), query string, args ...any) (T, error) {
	entity, err := scan(q.QueryRowContext(ctx, query, args...))
	if err != nil {
		var zero T
		if isNotFoundError(err) {
			return zero, ErrNotFound
		}
		return zero, err
	}
	return entity, nil
}

// queryList runs a query and scans every row
func queryList[T any](ctx context.Context, q datastore.Querier, scan func(rowScanner) (T, error), query string, args ...any) ([]T, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			log.Printf("failed to close rows: %v", err)
		}
	}()

	var entities []T
	for rows.Next() {
		entity, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		entities = append(entities, entity)
	}
	return entities, rows.Err()
}

// exists reports whether the count query returns a positive number
func exists(ctx context.Context, q datastore.Querier, query string, args ...any) (bool, error) {
	var count int
	if err := q.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// deleteOne runs a delete and returns ErrNotFound when nothing matched
func deleteOne(ctx context.Context, q datastore.Querier, query string, args ...any) error {
	result, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// placeholders returns "?, ?, ..." for n arguments
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

// nullString maps the empty string onto SQL NULL
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
