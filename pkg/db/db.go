package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// Database wraps the SQL handle so stores and tests can share one pool.
type Database struct {
	DB *sql.DB
}

// New opens the SQLite database at path, creating the parent directory and
// the file as needed. ":memory:" works for tests.
func New(path string) (*Database, error) {
	if path == "" {
		return nil, errors.New("database path is empty")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	handle, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single writer avoids SQLITE_BUSY under concurrent intent persistence
	// and keeps an in-memory database alive across calls.
	handle.SetMaxOpenConns(1)
	handle.SetConnMaxLifetime(time.Hour)

	if _, err := handle.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		handle.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	return &Database{DB: handle}, nil
}

// Close releases the underlying handle. Safe on a nil receiver.
func (d *Database) Close() error {
	if d == nil || d.DB == nil {
		return nil
	}
	return d.DB.Close()
}
