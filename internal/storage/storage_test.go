package storage

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quadtile/drover/internal/events"
	"github.com/quadtile/drover/internal/wire"
)

func TestMigrateHistoryCreatesSchema(t *testing.T) {
	db, err := OpenMemory()
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, MigrateHistory(db))

	_, err = db.Exec(`INSERT INTO edit_history_transient (qtree_id, type_id, subtype_id, changed, lock_id) VALUES (42, 1, 1, 1, 0)`)
	require.NoError(t, err)

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM edit_history_transient`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestMigrateIsIdempotent(t *testing.T) {
	db, err := OpenMemory()
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, MigrateHistory(db))
	require.NoError(t, MigrateHistory(db))

	var version int
	var dirty bool
	require.NoError(t, db.QueryRow(`SELECT version, dirty FROM schema_migrations`).Scan(&version, &dirty))
	assert.Equal(t, 2, version)
	assert.False(t, dirty)
}

func TestOpenCreatesFileDatabase(t *testing.T) {
	path := t.TempDir() + "/history.db"

	db, err := Open(path)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, MigrateHistory(db))
	assert.FileExists(t, path)
}

func newEventsDB(t *testing.T) *EventRepository {
	t.Helper()
	db, err := OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, MigrateEvents(db))
	return NewEventRepository(db)
}

func TestEventRepositorySaveAndLoad(t *testing.T) {
	repo := newEventsDB(t)
	ctx := context.Background()

	now := time.Now().Truncate(time.Millisecond)
	batch := []events.Event{
		{Created: now, Type: events.TypeEvent, Username: "alice", Data: json.RawMessage(`{"msg": "first"}`)},
		{Created: now.Add(time.Second), Type: events.TypeTask, Username: "alice", Status: wire.TaskCompleted, Data: json.RawMessage(`{"uuid": "t1"}`)},
		{Created: now.Add(2 * time.Second), Type: events.TypeCmd, Username: "bob", Data: json.RawMessage(`{"uuid": "c1"}`)},
	}
	require.NoError(t, repo.SaveBatch(ctx, batch))

	page, err := repo.LoadPage(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, page, 3)

	// Newest first.
	assert.Equal(t, events.TypeCmd, page[0].Type)
	assert.Equal(t, "bob", page[0].Username)
	assert.Equal(t, events.TypeEvent, page[2].Type)
	assert.Equal(t, now.UnixMilli(), page[2].Created.UnixMilli())
	assert.Equal(t, wire.TaskCompleted, page[1].Status)
	assert.JSONEq(t, `{"uuid": "t1"}`, string(page[1].Data))
}

func TestEventRepositoryPagination(t *testing.T) {
	repo := newEventsDB(t)
	ctx := context.Background()

	var batch []events.Event
	for i := 0; i < 10; i++ {
		batch = append(batch, events.Event{
			Created: time.Now(),
			Type:    events.TypeEvent,
			Data:    json.RawMessage(`{}`),
		})
	}
	require.NoError(t, repo.SaveBatch(ctx, batch))

	first, err := repo.LoadPage(ctx, 4, 0)
	require.NoError(t, err)
	require.Len(t, first, 4)
	assert.Equal(t, int64(10), first[0].ID)
	assert.Equal(t, int64(7), first[3].ID)

	second, err := repo.LoadPage(ctx, 4, first[3].ID)
	require.NoError(t, err)
	require.Len(t, second, 4)
	assert.Equal(t, int64(6), second[0].ID)
	assert.Equal(t, int64(3), second[3].ID)

	last, err := repo.LoadPage(ctx, 4, second[3].ID)
	require.NoError(t, err)
	require.Len(t, last, 2)
	assert.Equal(t, int64(1), last[1].ID)

	none, err := repo.LoadPage(ctx, 4, 1)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestEventRepositoryEmptyBatchIsNoop(t *testing.T) {
	repo := newEventsDB(t)
	require.NoError(t, repo.SaveBatch(context.Background(), nil))

	page, err := repo.LoadPage(context.Background(), 5, 0)
	require.NoError(t, err)
	assert.Empty(t, page)
}
