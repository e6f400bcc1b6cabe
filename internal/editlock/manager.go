package editlock

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/quadtile/drover/internal/geo"
	"github.com/quadtile/drover/internal/log"
	"github.com/quadtile/drover/internal/metrics"
	"github.com/quadtile/drover/internal/wire"
)

// Manager hands out edit locks over the shared history table. Lock ids are
// process-local and monotonic; the table's lock_id column is the arbiter
// between concurrent acquisitions.
type Manager struct {
	db       *sql.DB
	nextLock atomic.Int64
	logger   zerolog.Logger
}

// NewManager resets every stale lock id left by a previous run and returns
// a ready manager.
func NewManager(ctx context.Context, db *sql.DB) (*Manager, error) {
	m := &Manager{db: db, logger: log.WithComponent("editlock")}
	if err := m.Reset(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// Reset frees every locked row. Locks never survive a scheduler restart.
func (m *Manager) Reset(ctx context.Context) error {
	res, err := m.db.ExecContext(ctx, `UPDATE edit_history_transient SET lock_id = 0 WHERE lock_id != 0`)
	if err != nil {
		return fmt.Errorf("failed to reset edit locks: %w", err)
	}
	if freed, err := res.RowsAffected(); err == nil && freed > 0 {
		m.logger.Warn().Int64("rows", freed).Msg("freed stale edit locks left by a previous run")
	}
	return nil
}

// AcquireCells locks every free history row matching the selectors and
// returns the affected quadtree cells grouped by type and subtype.
func (m *Manager) AcquireCells(ctx context.Context, selectors []Selector) (*LockedData, error) {
	return m.acquire(ctx, selectors, false)
}

// AcquireObjects locks every free history row matching the selectors and
// returns the affected object ids grouped by type and subtype.
func (m *Manager) AcquireObjects(ctx context.Context, selectors []Selector) (*LockedData, error) {
	return m.acquire(ctx, selectors, true)
}

func (m *Manager) acquire(ctx context.Context, selectors []Selector, objects bool) (*LockedData, error) {
	if len(selectors) == 0 {
		return nil, fmt.Errorf("no lock selectors given")
	}

	lockID := m.nextLock.Add(1)

	// One round-trip: mark free rows and read them back. Rows already
	// carrying a lock id stay untouched, so concurrent acquisitions are
	// disjoint by construction.
	var clauses []string
	args := []any{lockID}
	for _, sel := range selectors {
		if len(sel.Subtypes) == 0 {
			clauses = append(clauses, `type_id = ?`)
			args = append(args, int(sel.Type))
			continue
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(sel.Subtypes)), ",")
		clauses = append(clauses, `(type_id = ? AND subtype_id IN (`+placeholders+`))`)
		args = append(args, int(sel.Type))
		for _, sub := range sel.Subtypes {
			args = append(args, int(sub))
		}
	}

	query := `UPDATE edit_history_transient SET lock_id = ?
		WHERE lock_id = 0 AND (` + strings.Join(clauses, ` OR `) + `)
		RETURNING id, qtree_id, type_id, subtype_id`

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire edit lock: %w", err)
	}
	defer rows.Close()

	data := &LockedData{lockID: lockID, objects: objects, mgr: m, groups: make(map[geo.ObjectType]map[geo.Subtype]map[int64]struct{})}
	count := 0
	for rows.Next() {
		var id, qtree int64
		var typeID, subtypeID int
		if err := rows.Scan(&id, &qtree, &typeID, &subtypeID); err != nil {
			return nil, fmt.Errorf("failed to scan locked row: %w", err)
		}
		value := qtree
		if objects {
			value = id
		}
		data.add(geo.ObjectType(typeID), geo.Subtype(subtypeID), value)
		count++
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read locked rows: %w", err)
	}

	metrics.LocksAcquired.Inc()
	m.logger.Debug().Int64("lock_id", lockID).Int("rows", count).
		Str("selectors", FormatSelectors(selectors)).Bool("objects", objects).
		Msg("acquired edit lock")
	return data, nil
}

func (m *Manager) release(ctx context.Context, lockID int64, success bool) error {
	var query, outcome string
	if success {
		// The rows described pending edits now applied; drop them.
		query, outcome = `DELETE FROM edit_history_transient WHERE lock_id = ?`, "success"
	} else {
		// Keep the rows pending so a later run can pick them up.
		query, outcome = `UPDATE edit_history_transient SET lock_id = 0 WHERE lock_id = ?`, "failure"
	}
	if _, err := m.db.ExecContext(ctx, query, lockID); err != nil {
		return fmt.Errorf("failed to release edit lock %d: %w", lockID, err)
	}
	metrics.LocksReleased.WithLabelValues(outcome).Inc()
	m.logger.Debug().Int64("lock_id", lockID).Str("outcome", outcome).Msg("released edit lock")
	return nil
}

// LockedData is the result of one acquisition: the lock id and the locked
// cell or object ids grouped type → subtype. Unlock releases exactly once.
type LockedData struct {
	lockID  int64
	objects bool
	mgr     *Manager

	mu       sync.Mutex
	released bool
	groups   map[geo.ObjectType]map[geo.Subtype]map[int64]struct{}
}

func (ld *LockedData) add(t geo.ObjectType, s geo.Subtype, value int64) {
	subs, ok := ld.groups[t]
	if !ok {
		subs = make(map[geo.Subtype]map[int64]struct{})
		ld.groups[t] = subs
	}
	ids, ok := subs[s]
	if !ok {
		ids = make(map[int64]struct{})
		subs[s] = ids
	}
	ids[value] = struct{}{}
}

// LockID returns the id marking the rows in the history table.
func (ld *LockedData) LockID() int64 { return ld.lockID }

// Empty reports whether the acquisition matched no rows.
func (ld *LockedData) Empty() bool { return len(ld.groups) == 0 }

// Views renders the locked set for task payloads, deterministically ordered.
func (ld *LockedData) Views() []wire.LockedView {
	types := make([]geo.ObjectType, 0, len(ld.groups))
	for t := range ld.groups {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	var views []wire.LockedView
	for _, t := range types {
		subs := make([]geo.Subtype, 0, len(ld.groups[t]))
		for s := range ld.groups[t] {
			subs = append(subs, s)
		}
		sort.Slice(subs, func(i, j int) bool { return subs[i] < subs[j] })

		for _, s := range subs {
			ids := make([]int64, 0, len(ld.groups[t][s]))
			for id := range ld.groups[t][s] {
				ids = append(ids, id)
			}
			sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

			view := wire.LockedView{Type: t.Verbose()}
			if s != 0 {
				view.Subtype = s.Verbose(t)
			}
			if ld.objects {
				view.Objects = ids
			} else {
				view.Cells = ids
			}
			views = append(views, view)
		}
	}
	return views
}

// Unlock releases the lock. Success deletes the rows; failure frees them
// for a later acquisition. Further calls are no-ops.
func (ld *LockedData) Unlock(ctx context.Context, success bool) error {
	ld.mu.Lock()
	if ld.released {
		ld.mu.Unlock()
		return nil
	}
	ld.released = true
	ld.mu.Unlock()

	if ld.Empty() {
		return nil
	}
	return ld.mgr.release(ctx, ld.lockID, success)
}
