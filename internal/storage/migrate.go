package storage

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/history/*.sql
var historyMigrations embed.FS

//go:embed migrations/events/*.sql
var eventsMigrations embed.FS

// MigrateHistory brings the edit-history database up to the latest schema.
func MigrateHistory(db *sql.DB) error {
	return runMigrations(db, historyMigrations, "migrations/history")
}

// MigrateEvents brings the event-log database up to the latest schema.
func MigrateEvents(db *sql.DB) error {
	return runMigrations(db, eventsMigrations, "migrations/events")
}

func runMigrations(db *sql.DB, fsys embed.FS, path string) error {
	src, err := iofs.New(fsys, path)
	if err != nil {
		return fmt.Errorf("failed to load migrations from %s: %w", path, err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", &sqliteDriver{db: db})
	if err != nil {
		return fmt.Errorf("failed to prepare migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations from %s: %w", path, err)
	}
	return nil
}

// sqliteDriver adapts an already-open *sql.DB (ncruces driver) to the
// migrate database.Driver interface. The stock sqlite3 driver shipped with
// migrate registers the mattn driver under the same name ncruces claims, so
// both cannot be linked into one binary.
type sqliteDriver struct {
	db *sql.DB
}

var _ database.Driver = (*sqliteDriver)(nil)

func (d *sqliteDriver) Open(string) (database.Driver, error) {
	return nil, fmt.Errorf("open by url is not supported; use an instance")
}

func (d *sqliteDriver) Close() error { return nil }

// Lock and Unlock are no-ops: migrations run from a single process before
// anything else touches the database.
func (d *sqliteDriver) Lock() error   { return nil }
func (d *sqliteDriver) Unlock() error { return nil }

func (d *sqliteDriver) Run(migration io.Reader) error {
	body, err := io.ReadAll(migration)
	if err != nil {
		return fmt.Errorf("failed to read migration: %w", err)
	}
	if _, err := d.db.Exec(string(body)); err != nil {
		return fmt.Errorf("failed to run migration: %w", err)
	}
	return nil
}

func (d *sqliteDriver) SetVersion(version int, dirty bool) error {
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin version transaction: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM schema_migrations`); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to clear version: %w", err)
	}
	if version >= 0 || dirty {
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version, dirty) VALUES (?, ?)`, version, dirty); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to set version: %w", err)
		}
	}
	return tx.Commit()
}

func (d *sqliteDriver) Version() (int, bool, error) {
	if err := d.ensureVersionTable(); err != nil {
		return database.NilVersion, false, err
	}
	var version int
	var dirty bool
	err := d.db.QueryRow(`SELECT version, dirty FROM schema_migrations LIMIT 1`).Scan(&version, &dirty)
	if errors.Is(err, sql.ErrNoRows) {
		return database.NilVersion, false, nil
	}
	if err != nil {
		return database.NilVersion, false, fmt.Errorf("failed to read version: %w", err)
	}
	return version, dirty, nil
}

func (d *sqliteDriver) Drop() error {
	rows, err := d.db.Query(`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`)
	if err != nil {
		return fmt.Errorf("failed to list tables: %w", err)
	}
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			_ = rows.Close()
			return fmt.Errorf("failed to scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	if err := rows.Close(); err != nil {
		return err
	}
	for _, table := range tables {
		if _, err := d.db.Exec(`DROP TABLE IF EXISTS ` + table); err != nil {
			return fmt.Errorf("failed to drop table %s: %w", table, err)
		}
	}
	return nil
}

func (d *sqliteDriver) ensureVersionTable() error {
	_, err := d.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER, dirty BOOLEAN)`)
	if err != nil {
		return fmt.Errorf("failed to create version table: %w", err)
	}
	return nil
}
