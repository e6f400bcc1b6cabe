package editlock

import (
	"context"
	"database/sql"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/quadtile/drover/internal/geo"
	"github.com/quadtile/drover/internal/storage"
	"github.com/quadtile/drover/internal/wire"
)

func newHistoryDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := storage.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, storage.MigrateHistory(db))
	return db
}

func seedRow(t *testing.T, db *sql.DB, qtree int64, objType geo.ObjectType, sub geo.Subtype, lockID int64) {
	t.Helper()
	_, err := db.Exec(
		`INSERT INTO edit_history_transient (qtree_id, type_id, subtype_id, changed, lock_id) VALUES (?, ?, ?, 1, ?)`,
		qtree, int(objType), int(sub), lockID,
	)
	require.NoError(t, err)
}

func countRows(t *testing.T, db *sql.DB, where string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM edit_history_transient WHERE `+where, args...).Scan(&n))
	return n
}

func TestNewManagerResetsStaleLocks(t *testing.T) {
	db := newHistoryDB(t)
	seedRow(t, db, 100, geo.ObjectInfrastructureLine, geo.SubtypeRoad, 77)
	seedRow(t, db, 101, geo.ObjectVegetation, 0, 78)

	_, err := NewManager(context.Background(), db)
	require.NoError(t, err)

	assert.Equal(t, 0, countRows(t, db, `lock_id != 0`))
	assert.Equal(t, 2, countRows(t, db, `lock_id = 0`))
}

func TestAcquireCellsMatchesSelectors(t *testing.T) {
	db := newHistoryDB(t)
	ctx := context.Background()

	seedRow(t, db, 100, geo.ObjectInfrastructureLine, geo.SubtypeRoad, 0)
	seedRow(t, db, 101, geo.ObjectInfrastructureLine, geo.SubtypeRoad, 0)
	seedRow(t, db, 100, geo.ObjectInfrastructureLine, geo.SubtypeRoad, 0) // same cell twice
	seedRow(t, db, 102, geo.ObjectInfrastructureLine, geo.SubtypeFence, 0)
	seedRow(t, db, 103, geo.ObjectVegetation, 0, 0)

	mgr, err := NewManager(ctx, db)
	require.NoError(t, err)

	locked, err := mgr.AcquireCells(ctx, []Selector{
		{Type: geo.ObjectInfrastructureLine, Subtypes: []geo.Subtype{geo.SubtypeRoad}},
	})
	require.NoError(t, err)
	require.False(t, locked.Empty())

	views := locked.Views()
	require.Len(t, views, 1)
	assert.Equal(t, wire.LockedView{
		Type:    "infrastructure_line",
		Subtype: "road",
		Cells:   []int64{100, 101},
	}, views[0])

	// Fence and vegetation rows stay free.
	assert.Equal(t, 3, countRows(t, db, `lock_id = ?`, locked.LockID()))
	assert.Equal(t, 2, countRows(t, db, `lock_id = 0`))
}

func TestAcquireWholeTypeIgnoresSubtype(t *testing.T) {
	db := newHistoryDB(t)
	ctx := context.Background()

	seedRow(t, db, 200, geo.ObjectInfrastructureLine, geo.SubtypeRoad, 0)
	seedRow(t, db, 201, geo.ObjectInfrastructureLine, geo.SubtypeBridge, 0)

	mgr, err := NewManager(ctx, db)
	require.NoError(t, err)

	locked, err := mgr.AcquireCells(ctx, []Selector{{Type: geo.ObjectInfrastructureLine}})
	require.NoError(t, err)

	views := locked.Views()
	require.Len(t, views, 2)
	assert.Equal(t, "road", views[0].Subtype)
	assert.Equal(t, "bridge", views[1].Subtype)
}

func TestConcurrentAcquisitionsAreDisjoint(t *testing.T) {
	db := newHistoryDB(t)
	ctx := context.Background()

	seedRow(t, db, 300, geo.ObjectInfrastructureLine, geo.SubtypeRoad, 0)
	seedRow(t, db, 301, geo.ObjectInfrastructureLine, geo.SubtypeRoad, 0)

	mgr, err := NewManager(ctx, db)
	require.NoError(t, err)

	first, err := mgr.AcquireCells(ctx, []Selector{{Type: geo.ObjectInfrastructureLine}})
	require.NoError(t, err)
	require.False(t, first.Empty())

	// Everything is taken; the second acquisition comes back empty.
	second, err := mgr.AcquireCells(ctx, []Selector{{Type: geo.ObjectInfrastructureLine}})
	require.NoError(t, err)
	assert.True(t, second.Empty())
	assert.Empty(t, second.Views())
}

func TestUnlockFailureFreesRows(t *testing.T) {
	db := newHistoryDB(t)
	ctx := context.Background()

	seedRow(t, db, 400, geo.ObjectVegetation, 0, 0)

	mgr, err := NewManager(ctx, db)
	require.NoError(t, err)

	locked, err := mgr.AcquireCells(ctx, []Selector{{Type: geo.ObjectVegetation}})
	require.NoError(t, err)
	require.False(t, locked.Empty())

	require.NoError(t, locked.Unlock(ctx, false))
	assert.Equal(t, 1, countRows(t, db, `lock_id = 0`))

	// The same rows are acquirable again.
	again, err := mgr.AcquireCells(ctx, []Selector{{Type: geo.ObjectVegetation}})
	require.NoError(t, err)
	assert.False(t, again.Empty())
}

func TestUnlockSuccessDeletesRows(t *testing.T) {
	db := newHistoryDB(t)
	ctx := context.Background()

	seedRow(t, db, 500, geo.ObjectBuilding, 0, 0)
	seedRow(t, db, 501, geo.ObjectRelief, 0, 0)

	mgr, err := NewManager(ctx, db)
	require.NoError(t, err)

	locked, err := mgr.AcquireCells(ctx, []Selector{{Type: geo.ObjectBuilding}})
	require.NoError(t, err)

	require.NoError(t, locked.Unlock(ctx, true))
	assert.Equal(t, 0, countRows(t, db, `type_id = ?`, int(geo.ObjectBuilding)))
	assert.Equal(t, 1, countRows(t, db, `type_id = ?`, int(geo.ObjectRelief)))

	// Double unlock is a no-op.
	require.NoError(t, locked.Unlock(ctx, true))
}

func TestAcquireObjectsReturnsRowIDs(t *testing.T) {
	db := newHistoryDB(t)
	ctx := context.Background()

	// Same cell, two objects: the object view must keep both.
	seedRow(t, db, 600, geo.ObjectInfrastructureLine, geo.SubtypePowerline, 0)
	seedRow(t, db, 600, geo.ObjectInfrastructureLine, geo.SubtypePowerline, 0)

	mgr, err := NewManager(ctx, db)
	require.NoError(t, err)

	locked, err := mgr.AcquireObjects(ctx, []Selector{
		{Type: geo.ObjectInfrastructureLine, Subtypes: []geo.Subtype{geo.SubtypePowerline}},
	})
	require.NoError(t, err)

	views := locked.Views()
	require.Len(t, views, 1)
	assert.Empty(t, views[0].Cells)
	assert.Len(t, views[0].Objects, 2)
}

func TestAcquireRequiresSelectors(t *testing.T) {
	db := newHistoryDB(t)
	mgr, err := NewManager(context.Background(), db)
	require.NoError(t, err)

	_, err = mgr.AcquireCells(context.Background(), nil)
	assert.Error(t, err)
}

// Concurrent acquisitions over a shared table never hand the same row to
// two owners, whatever the interleaving.
func TestAcquisitionDisjointnessProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		db, err := storage.OpenMemory()
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		defer db.Close()
		if err := storage.MigrateHistory(db); err != nil {
			t.Fatalf("migrate: %v", err)
		}

		rowCount := rapid.IntRange(1, 40).Draw(t, "rows")
		subtypes := []geo.Subtype{0, geo.SubtypeRoad, geo.SubtypePowerline, geo.SubtypeFence}
		for i := 0; i < rowCount; i++ {
			sub := subtypes[rapid.IntRange(0, len(subtypes)-1).Draw(t, "sub")]
			if _, err := db.Exec(
				`INSERT INTO edit_history_transient (qtree_id, type_id, subtype_id, changed, lock_id) VALUES (?, ?, ?, 1, 0)`,
				int64(1000+i), int(geo.ObjectInfrastructureLine), int(sub),
			); err != nil {
				t.Fatalf("seed: %v", err)
			}
		}

		ctx := context.Background()
		mgr, err := NewManager(ctx, db)
		if err != nil {
			t.Fatalf("manager: %v", err)
		}

		workers := rapid.IntRange(2, 5).Draw(t, "workers")
		results := make([]*LockedData, workers)
		var wg sync.WaitGroup
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				locked, err := mgr.AcquireObjects(ctx, []Selector{{Type: geo.ObjectInfrastructureLine}})
				if err != nil {
					return
				}
				results[w] = locked
			}(w)
		}
		wg.Wait()

		seen := make(map[int64]int)
		for w, locked := range results {
			if locked == nil {
				continue
			}
			for _, view := range locked.Views() {
				for _, id := range view.Objects {
					if prev, ok := seen[id]; ok {
						t.Fatalf("row %d handed to both acquisition %d and %d", id, prev, w)
					}
					seen[id] = w
				}
			}
		}
	})
}
