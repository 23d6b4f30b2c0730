// Package database opens the SQL handles shared by the audit and manifest
// stores. Both SQLite (embedded, pure Go) and Postgres are supported; queries
// use $N placeholders, which both drivers accept.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Kind selects a database driver.
type Kind string

const (
	KindSQLite   Kind = "sqlite"
	KindPostgres Kind = "postgres"
)

// Open connects to dsn and pings it. For SQLite the dsn is a file path
// (its directory is created) or ":memory:".
func Open(ctx context.Context, kind Kind, dsn string) (*sql.DB, error) {
	switch kind {
	case KindSQLite:
		if dsn != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(dsn), 0750); err != nil {
				return nil, fmt.Errorf("failed to create data dir: %w", err)
			}
		}
	case KindPostgres:
		if dsn == "" {
			return nil, fmt.Errorf("postgres requires a database url")
		}
	default:
		return nil, fmt.Errorf("unsupported database kind %q", kind)
	}

	db, err := sql.Open(string(kind), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", kind, err)
	}
	if kind == KindSQLite {
		// One writer; SQLite serializes writes anyway and this avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", kind, err)
	}
	return db, nil
}
