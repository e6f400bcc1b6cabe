// Package testutil provides test doubles shared across packages: migrated
// in-memory databases and an in-memory loopback broker.
package testutil

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quadtile/drover/internal/storage"
)

// NewHistoryDB creates a migrated in-memory edit-history database. Closed
// via test cleanup.
func NewHistoryDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := storage.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, storage.MigrateHistory(db))
	return db
}

// NewEventsDB creates a migrated in-memory event-log database. Closed via
// test cleanup.
func NewEventsDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := storage.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, storage.MigrateEvents(db))
	return db
}
