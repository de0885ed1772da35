package config

import (
	"database/sql"
	"time"

	"github.com/jbweber/homelab/ipam/internal/datastore"
)

// OptimizeDatabaseConnection applies connection pool settings for the dialect
func OptimizeDatabaseConnection(db *sql.DB, dialect datastore.Dialect) {
	if dialect == datastore.Postgres {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(5 * time.Minute)
		return
	}

	db.SetMaxOpenConns(10)                 // Limit concurrent connections
	db.SetMaxIdleConns(5)                  // Keep some connections alive
	db.SetConnMaxLifetime(5 * time.Minute) // Recycle connections periodically
	db.SetConnMaxIdleTime(1 * time.Minute) // Close idle connections after 1 minute
}

// ApplyPragmaOptimizations applies SQLite-specific performance pragmas.
// journal_mode, busy_timeout and foreign_keys are set per connection in the DSN.
func ApplyPragmaOptimizations(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = 10000",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA optimize",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return err
		}
	}

	return nil
}
