// Package task runs scheduled tasks: it resolves a scenario into a fresh
// execution tree, drives each leaf step over the RPC client, and owns the
// cancellation machinery that walks a step from cooperative close through
// forced termination to tear-down.
package task

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/quadtile/drover/internal/consumer"
	"github.com/quadtile/drover/internal/editlock"
	"github.com/quadtile/drover/internal/metrics"
	"github.com/quadtile/drover/internal/rpc"
	"github.com/quadtile/drover/internal/scenario"
	"github.com/quadtile/drover/internal/tracing"
	"github.com/quadtile/drover/internal/wire"
)

// systemUsername signs stop requests the scheduler issues itself, e.g. on
// a heartbeat timeout.
const systemUsername = "scheduler"

// Task is one running scheduled task: the deep-copied scenario tree, the
// seed payload, and every RPC record the tree has dispatched so far. The
// scenario tree drives it through the scenario.Task interface.
type Task struct {
	id       uuid.UUID
	scenario *scenario.Scenario
	seed     wire.TaskInput
	mgr      *Manager
	started  time.Time

	mu             sync.Mutex
	status         wire.TaskStatus
	closeRequested bool
	records        []*rpc.RPCData
	locked         []*editlock.LockedData
	closes         map[string]*CloseRequest
}

var _ scenario.Task = (*Task)(nil)

// UUID identifies the task.
func (t *Task) UUID() uuid.UUID { return t.id }

// Username is the user the task runs for.
func (t *Task) Username() string { return t.seed.Username }

// ScenarioName names the scenario the task executes.
func (t *Task) ScenarioName() string { return t.scenario.Name() }

// Status returns the task's lifecycle state.
func (t *Task) Status() wire.TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// CloseRequested reports whether a stop has been asked for. Concurrent
// siblings poll it so a failing step stops the whole tree.
func (t *Task) CloseRequested() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeRequested
}

// RunRequest dispatches one leaf step and waits it out: publish, then pop
// replies until a terminal one, failing the step when the worker stays
// silent past its heartbeat window. A failed step stops the rest of the
// task.
func (t *Task) RunRequest(ctx context.Context, routingKey string) bool {
	if t.CloseRequested() {
		return false
	}

	started := time.Now()
	defer func() {
		metrics.StepDuration.WithLabelValues(routingKey).Observe(time.Since(started).Seconds())
	}()

	data := t.mgr.client.Request(ctx, routingKey, t.buildInput())
	t.appendRecord(data)

	ctx, span := otel.Tracer(tracerName).Start(ctx, tracing.SpanPrefixStep+routingKey,
		trace.WithAttributes(
			attribute.String(tracing.AttrTaskID, t.id.String()),
			attribute.String(tracing.AttrRoutingKey, routingKey),
			attribute.String(tracing.AttrRequestID, data.Snapshot().RequestID),
		))
	defer span.End()

	if data.Status() != wire.TaskWaiting {
		// Refused before reaching the wire: unknown key or publish failure.
		t.markFailed()
		t.mgr.publishTaskDoc(t, false)
		t.mgr.stopTask(ctx, t, systemUsername, nil)
		return false
	}

	timeout := t.mgr.timeouts.Start
	heartbeat := consumer.HeartbeatFor(routingKey, t.mgr.timeouts.Heartbeat)
	first := true
	timedOut := false

	for {
		waitCtx, cancel := context.WithTimeout(ctx, timeout)
		reply, err := data.Mailbox().Pop(waitCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				data.MarkFailed("scheduler shutting down")
				t.markFailed()
				t.feedClose(data)
				return false
			}
			if timedOut {
				// The close driver never delivered the tear-down reply
				// either; nothing more will arrive.
				return false
			}
			timedOut = true
			span.AddEvent(tracing.EventStepTimeout)
			metrics.HeartbeatTimeouts.WithLabelValues(routingKey).Inc()
			data.Apply(wire.TimeoutReply(data.RequestID().String()))
			t.markFailed()
			t.mgr.publishTaskDoc(t, false)
			// Force-include this record so its close driver escalates all
			// the way to tear-down even though it is already terminal. The
			// driver only hears from the feed when a real reply arrives, so
			// a hung worker is walked through terminate regardless.
			t.mgr.stopTask(ctx, t, systemUsername, data)
			// Keep popping: post-terminate replies and the synthetic
			// tear-down reply still arrive here.
			timeout = t.mgr.timeouts.Close + t.mgr.timeouts.Terminate + time.Second
			continue
		}

		span.AddEvent(tracing.EventStepReply,
			trace.WithAttributes(attribute.String("reply.status", reply.Status.String())))
		if first {
			first = false
			timeout = heartbeat
		}
		data.Apply(reply)
		t.feedClose(data)

		switch reply.Status {
		case wire.StatusInProgress:
			t.markInProgress()
			t.mgr.publishTaskDoc(t, false)

		case wire.StatusCompleted:
			if timedOut {
				return false
			}
			t.mgr.publishTaskDoc(t, false)
			return true

		default:
			if !timedOut {
				t.markFailed()
				t.mgr.publishTaskDoc(t, false)
				t.mgr.stopTask(ctx, t, systemUsername, nil)
			}
			return false
		}
	}
}

// AcquireCells locks matching history rows on behalf of the task.
func (t *Task) AcquireCells(ctx context.Context, selectors []editlock.Selector) (*editlock.LockedData, error) {
	return t.mgr.locks.AcquireCells(ctx, selectors)
}

// AcquireObjects is AcquireCells keyed on object ids.
func (t *Task) AcquireObjects(ctx context.Context, selectors []editlock.Selector) (*editlock.LockedData, error) {
	return t.mgr.locks.AcquireObjects(ctx, selectors)
}

// AttachLocked adds the locked set to the inputs of subsequent steps.
func (t *Task) AttachLocked(ld *editlock.LockedData) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.locked = append(t.locked, ld)
}

// DetachLocked removes the locked set from subsequent step inputs.
func (t *Task) DetachLocked(ld *editlock.LockedData) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, held := range t.locked {
		if held == ld {
			t.locked = append(t.locked[:i], t.locked[i+1:]...)
			return
		}
	}
}

// NotifyClosed tells the manager the tree finished executing.
func (t *Task) NotifyClosed() {
	t.mgr.notifyTaskClosed(t)
}

// buildInput is the payload for the next step: the seed plus the union of
// every currently attached locked set.
func (t *Task) buildInput() wire.TaskInput {
	t.mu.Lock()
	defer t.mu.Unlock()
	input := t.seed.Clone()
	for _, ld := range t.locked {
		input.Locked = append(input.Locked, ld.Views()...)
	}
	return input
}

func (t *Task) appendRecord(data *rpc.RPCData) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = append(t.records, data)
}

// recordViews snapshots every dispatched step in order.
func (t *Task) recordViews() []rpc.View {
	t.mu.Lock()
	records := append([]*rpc.RPCData(nil), t.records...)
	t.mu.Unlock()
	views := make([]rpc.View, len(records))
	for i, rec := range records {
		views[i] = rec.Snapshot()
	}
	return views
}

func (t *Task) markInProgress() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.status.Terminal() {
		t.status = wire.TaskInProgress
	}
}

// markFailed moves the task into the failed state; failed is absorbing.
func (t *Task) markFailed() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != wire.TaskCompleted {
		t.status = wire.TaskFailed
	}
}

// finalize settles the terminal status once the tree returned: anything
// that never failed completed.
func (t *Task) finalize() wire.TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.status.Terminal() {
		t.status = wire.TaskCompleted
	}
	return t.status
}

func (t *Task) setCloseRequested() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closeRequested {
		return false
	}
	t.closeRequested = true
	return true
}

// closeTargets returns records needing a close request: non-terminal ones
// that reached the wire and have none yet, plus force when given. Each
// returned record gets its CloseRequest registered before return.
func (t *Task) closeTargets(username string, force *rpc.RPCData) []*CloseRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closes == nil {
		t.closes = make(map[string]*CloseRequest)
	}
	var out []*CloseRequest
	for _, rec := range t.records {
		id := rec.RequestID()
		if id == uuid.Nil {
			continue
		}
		if rec.Status().Terminal() && rec != force {
			continue
		}
		key := id.String()
		if _, ok := t.closes[key]; ok {
			continue
		}
		cr := newCloseRequest(t.id, rec, username)
		t.closes[key] = cr
		out = append(out, cr)
	}
	return out
}

func (t *Task) dropClose(requestID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.closes, requestID)
}

func (t *Task) closeFor(requestID string) (*CloseRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cr, ok := t.closes[requestID]
	return cr, ok
}

// feedClose forwards the record's state to its close driver, if one runs.
func (t *Task) feedClose(data *rpc.RPCData) {
	if cr, ok := t.closeFor(data.RequestID().String()); ok {
		cr.feedStatus(data.Status())
	}
}
