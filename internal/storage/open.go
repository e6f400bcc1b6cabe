// Package storage owns the two SQLite stores: the shared edit-history
// database and the event log. Schemas are managed through embedded
// golang-migrate migrations.
package storage

import (
	"database/sql"
	"fmt"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Open opens (creating if needed) a SQLite database at path with WAL and a
// busy timeout suitable for concurrent lock acquisition.
func Open(path string) (*sql.DB, error) {
	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database %s: %w", path, err)
	}
	return db, nil
}

// OpenMemory opens a fresh private in-memory database.
func OpenMemory() (*sql.DB, error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	// A :memory: database exists per connection; keep exactly one.
	db.SetMaxOpenConns(1)
	return db, nil
}
