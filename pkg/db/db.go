// Package db holds the SQLite plumbing shared by the event log and the
// materialized state store: connection setup with tuned pragmas, and a
// small embedded-SQL migration manager.
package db

import (
	"database/sql"
	"fmt"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Open opens (or creates) a SQLite database and applies the performance
// pragmas used across the project.
func Open(dbPath string) (*sql.DB, error) {
	sqlDB, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 30000",
		"PRAGMA cache_size = -64000",
		"PRAGMA temp_store = memory",
	}
	for _, pragma := range pragmas {
		if _, err := sqlDB.Exec(pragma); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("applying pragma %q: %w", pragma, err)
		}
	}

	return sqlDB, nil
}
