// Package events is the scheduler's event log: typed JSON documents about
// tasks, close requests and plain messages, fanned out live to subscribed
// observers and flushed in batches to the persistent store once completed.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/quadtile/drover/internal/wire"
)

// Type classifies an event document. The numeric values are stored in the
// event_type column and must stay stable.
type Type int

const (
	// TypeEvent is a plain severity-tagged message.
	TypeEvent Type = iota
	// TypeTask is a full task state document.
	TypeTask
	// TypeCmd is a close-request state document.
	TypeCmd
)

var typeNames = map[Type]string{
	TypeEvent: "event",
	TypeTask:  "task",
	TypeCmd:   "cmd",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "unknown"
}

// Event is one entry of the log. ID is zero until the store assigns one at
// flush time.
type Event struct {
	ID       int64
	Created  time.Time
	Type     Type
	Username string
	Status   wire.TaskStatus
	Data     json.RawMessage
}

// Store persists completed events and serves history pages to late
// subscribers.
type Store interface {
	// SaveBatch appends the batch in order. Implementations assign ids.
	SaveBatch(ctx context.Context, batch []Event) error
	// LoadPage returns up to count events with id < lessThan, newest
	// first. lessThan <= 0 means "from the newest".
	LoadPage(ctx context.Context, count int, lessThan int64) ([]Event, error)
}
