// Package rpc is the scheduler's side of the worker protocol: it publishes
// requests under fresh correlation ids, fans control commands out to the
// worker pools, and routes the shared reply stream back to whoever waits
// on each request.
package rpc

import (
	"context"
	"sync"

	"github.com/quadtile/drover/internal/wire"
)

// ReplyMailbox is an unbounded ordered inbox for the replies of one
// request. Push never blocks, so the broker consumer always makes
// progress; Pop waits for the next reply or the context.
type ReplyMailbox struct {
	mu      sync.Mutex
	entries []wire.Reply
	signal  chan struct{}
}

// NewReplyMailbox creates an empty mailbox.
func NewReplyMailbox() *ReplyMailbox {
	return &ReplyMailbox{signal: make(chan struct{}, 1)}
}

// Push appends a reply and wakes a waiting Pop.
func (m *ReplyMailbox) Push(r wire.Reply) {
	m.mu.Lock()
	m.entries = append(m.entries, r)
	m.mu.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// Pop removes and returns the oldest reply, waiting until one arrives or
// the context ends.
func (m *ReplyMailbox) Pop(ctx context.Context) (wire.Reply, error) {
	for {
		if r, ok := m.TryPop(); ok {
			return r, nil
		}
		select {
		case <-m.signal:
		case <-ctx.Done():
			return wire.Reply{}, ctx.Err()
		}
	}
}

// TryPop removes and returns the oldest reply without waiting.
func (m *ReplyMailbox) TryPop() (wire.Reply, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) == 0 {
		return wire.Reply{}, false
	}
	r := m.entries[0]
	m.entries = m.entries[1:]
	return r, true
}

// Len reports the number of queued replies.
func (m *ReplyMailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
