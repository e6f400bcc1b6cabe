package rpc

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quadtile/drover/internal/wire"
)

// RPCData tracks one outstanding request from publish to terminal reply.
// The step driver owns the lifecycle; close drivers and event snapshots
// read concurrently, hence the lock.
type RPCData struct {
	requestID  uuid.UUID
	routingKey string
	mailbox    *ReplyMailbox

	mu        sync.Mutex
	status    wire.TaskStatus
	progress  float64
	message   string
	heartbeat time.Time
}

func newRPCData(routingKey string) *RPCData {
	return &RPCData{
		requestID:  uuid.New(),
		routingKey: routingKey,
		mailbox:    NewReplyMailbox(),
		status:     wire.TaskWaiting,
		heartbeat:  time.Now(),
	}
}

// FailedRPCData records a request that never reached the wire. The zero
// uuid marks it as such.
func FailedRPCData(routingKey, message string) *RPCData {
	return &RPCData{
		routingKey: routingKey,
		mailbox:    NewReplyMailbox(),
		status:     wire.TaskFailed,
		message:    message,
		heartbeat:  time.Now(),
	}
}

// RequestID is the correlation id, uuid.Nil when the request was refused
// before publishing.
func (d *RPCData) RequestID() uuid.UUID { return d.requestID }

// RoutingKey is the consumer the request was addressed to.
func (d *RPCData) RoutingKey() string { return d.routingKey }

// Mailbox holds the replies routed to this request.
func (d *RPCData) Mailbox() *ReplyMailbox { return d.mailbox }

// Status returns the current lifecycle state.
func (d *RPCData) Status() wire.TaskStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// Progress returns the completed fraction in [0, 1].
func (d *RPCData) Progress() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.progress
}

// Message returns the worker's last report.
func (d *RPCData) Message() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.message
}

// SinceHeartbeat reports how long ago the last reply arrived.
func (d *RPCData) SinceHeartbeat() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return time.Since(d.heartbeat)
}

// Apply folds a reply into the record. Progress never regresses, a
// terminal state never changes again, completion forces progress to 1.
func (d *RPCData) Apply(r wire.Reply) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.heartbeat = time.Now()
	if d.status.Terminal() {
		return
	}
	if p := r.Progress / 100; p > d.progress {
		d.progress = p
	}
	if r.Message != "" {
		d.message = r.Message
	}
	switch r.Status {
	case wire.StatusInProgress:
		d.status = wire.TaskInProgress
	case wire.StatusCompleted:
		d.status = wire.TaskCompleted
		d.progress = 1
	default:
		d.status = wire.TaskFailed
	}
}

// MarkFailed forces the record into the failed state unless it already
// ended.
func (d *RPCData) MarkFailed(message string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.status.Terminal() {
		return
	}
	d.status = wire.TaskFailed
	d.message = message
}

// View is a point-in-time copy of a record, safe to serialize.
type View struct {
	RequestID  string          `json:"request_id"`
	RoutingKey string          `json:"routing_key"`
	Status     wire.TaskStatus `json:"status"`
	Progress   float64         `json:"progress"`
	Message    string          `json:"message"`
}

// Snapshot captures the record for event emission.
func (d *RPCData) Snapshot() View {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := ""
	if d.requestID != uuid.Nil {
		id = d.requestID.String()
	}
	return View{
		RequestID:  id,
		RoutingKey: d.routingKey,
		Status:     d.status,
		Progress:   d.progress,
		Message:    d.message,
	}
}
