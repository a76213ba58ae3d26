package db

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

// Local is the on-device durable store shared by the foreground application
// and the background sync worker. It is the only state the two share.
type Local struct {
	db   *sql.DB
	path string
}

// OpenLocal opens (creating if needed) the SQLite file at path.
//
// The database is configured with:
//   - WAL mode so the worker can drain while the foreground appends
//   - FULL synchronous mode so a committed enqueue survives power loss
//   - 5-second busy timeout for cross-process lock contention
func OpenLocal(path string) (*Local, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows one writer; a single connection also keeps pragmas in effect
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	log.Debug().Str("path", path).Msg("local store opened")

	return &Local{db: db, path: path}, nil
}

// DB returns the underlying handle for the queue and cache packages
func (l *Local) DB() *sql.DB {
	return l.db
}

// Path returns the file the store was opened from
func (l *Local) Path() string {
	return l.path
}

// Ping verifies the file is still reachable
func (l *Local) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

// Close closes the database connection
func (l *Local) Close() error {
	if l.db == nil {
		return nil
	}
	return l.db.Close()
}
