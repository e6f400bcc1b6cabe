package scenario

import (
	"context"
	"fmt"
	"sync"

	"github.com/quadtile/drover/internal/editlock"
	"github.com/quadtile/drover/internal/log"
)

// Locker scopes a group's execution with edit locks. Begin acquires them
// before the children run; End releases them afterwards, success-dependent.
// A locker instance serves one owner at a time; trees are deep-copied per
// task, so in practice each task holds its own instances.
type Locker interface {
	Begin(ctx context.Context, t Task) error
	End(ctx context.Context, t Task, success bool)
}

// lockerBase carries what both variants share: the parsed selectors and
// the currently held acquisition.
type lockerBase struct {
	selectors []editlock.Selector

	mu   sync.Mutex
	held *editlock.LockedData
}

func (l *lockerBase) begin(ctx context.Context, t Task, objects bool) error {
	l.mu.Lock()
	if l.held != nil {
		l.mu.Unlock()
		return fmt.Errorf("locker %s already held", editlock.FormatSelectors(l.selectors))
	}
	l.mu.Unlock()

	acquire := t.AcquireCells
	if objects {
		acquire = t.AcquireObjects
	}
	ld, err := acquire(ctx, l.selectors)
	if err != nil {
		logger := log.WithComponent("scenario")
		logger.Error().Err(err).
			Str("selectors", editlock.FormatSelectors(l.selectors)).
			Msg("failed to acquire edit lock")
		return err
	}

	l.mu.Lock()
	l.held = ld
	l.mu.Unlock()
	t.AttachLocked(ld)
	return nil
}

func (l *lockerBase) end(ctx context.Context, t Task, success bool) {
	l.mu.Lock()
	ld := l.held
	l.held = nil
	l.mu.Unlock()
	if ld == nil {
		return
	}
	t.DetachLocked(ld)
	if err := ld.Unlock(ctx, success); err != nil {
		logger := log.WithComponent("scenario")
		logger.Error().Err(err).
			Int64("lock_id", ld.LockID()).Msg("failed to release edit lock")
	}
}

// CellLocker locks history rows and exposes the affected quadtree cells to
// the group's steps.
type CellLocker struct {
	lockerBase
}

// NewCellLocker parses the compact selector form "type:sub,sub;type".
func NewCellLocker(selectors string) (*CellLocker, error) {
	sels, err := editlock.ParseSelectors(selectors)
	if err != nil {
		return nil, err
	}
	return &CellLocker{lockerBase{selectors: sels}}, nil
}

func (l *CellLocker) Begin(ctx context.Context, t Task) error {
	return l.begin(ctx, t, false)
}

func (l *CellLocker) End(ctx context.Context, t Task, success bool) {
	l.end(ctx, t, success)
}

// ObjectLocker locks history rows and exposes the affected object ids.
type ObjectLocker struct {
	lockerBase
}

// NewObjectLocker parses the compact selector form "type:sub,sub;type".
func NewObjectLocker(selectors string) (*ObjectLocker, error) {
	sels, err := editlock.ParseSelectors(selectors)
	if err != nil {
		return nil, err
	}
	return &ObjectLocker{lockerBase{selectors: sels}}, nil
}

func (l *ObjectLocker) Begin(ctx context.Context, t Task) error {
	return l.begin(ctx, t, true)
}

func (l *ObjectLocker) End(ctx context.Context, t Task, success bool) {
	l.end(ctx, t, success)
}

func cloneLocker(l Locker) Locker {
	switch locker := l.(type) {
	case *CellLocker:
		return &CellLocker{lockerBase{selectors: locker.selectors}}
	case *ObjectLocker:
		return &ObjectLocker{lockerBase{selectors: locker.selectors}}
	}
	return nil
}
