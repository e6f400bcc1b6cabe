package task

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/quadtile/drover/internal/rpc"
	"github.com/quadtile/drover/internal/tracing"
	"github.com/quadtile/drover/internal/wire"
)

// CloseRequest tracks the cancellation of one outstanding step. Its driver
// walks the escalation ladder: cooperative close, forced terminate, and
// finally tear-down, where the scheduler stops waiting for the worker and
// fails the step itself.
type CloseRequest struct {
	id       uuid.UUID
	taskID   uuid.UUID
	target   *rpc.RPCData
	username string

	mu        sync.Mutex
	status    wire.TaskStatus
	terminate bool
	message   string

	// feed receives the target record's status after every reply the step
	// loop observes. Buffered; the step loop never blocks on it.
	feed chan wire.TaskStatus
}

func newCloseRequest(taskID uuid.UUID, target *rpc.RPCData, username string) *CloseRequest {
	return &CloseRequest{
		id:       uuid.New(),
		taskID:   taskID,
		target:   target,
		username: username,
		status:   wire.TaskWaiting,
		feed:     make(chan wire.TaskStatus, 16),
	}
}

// ID identifies the close request.
func (cr *CloseRequest) ID() uuid.UUID { return cr.id }

// Status returns the request's own lifecycle state, distinct from the
// target step's.
func (cr *CloseRequest) Status() wire.TaskStatus {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	return cr.status
}

// TerminateRequested reports whether the request escalated past the
// cooperative stage.
func (cr *CloseRequest) TerminateRequested() bool {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	return cr.terminate
}

func (cr *CloseRequest) feedStatus(st wire.TaskStatus) {
	select {
	case cr.feed <- st:
	default:
	}
}

func (cr *CloseRequest) set(status wire.TaskStatus, message string) {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	cr.status = status
	if message != "" {
		cr.message = message
	}
}

func (cr *CloseRequest) markTerminate() {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	cr.terminate = true
}

// snapshot renders the request for event emission.
func (cr *CloseRequest) snapshot() closeView {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	return closeView{
		id:        cr.id.String(),
		taskID:    cr.taskID.String(),
		requestID: cr.target.RequestID().String(),
		username:  cr.username,
		status:    cr.status,
		terminate: cr.terminate,
		message:   cr.message,
	}
}

type closeView struct {
	id        string
	taskID    string
	requestID string
	username  string
	status    wire.TaskStatus
	terminate bool
	message   string
}

// driveClose escalates one close request to resolution. The step loop
// feeds the target's state in; the driver only ever acts on silence.
func (m *Manager) driveClose(ctx context.Context, t *Task, cr *CloseRequest) {
	requestID := cr.target.RequestID().String()
	logger := m.logger.With().
		Str("close_id", cr.id.String()).
		Str("request_id", requestID).
		Str("task_id", t.id.String()).Logger()

	ctx, span := otel.Tracer(tracerName).Start(ctx, "close."+cr.target.RoutingKey(),
		trace.WithAttributes(
			attribute.String(tracing.AttrCloseID, cr.id.String()),
			attribute.String(tracing.AttrTaskID, t.id.String()),
			attribute.String(tracing.AttrRequestID, requestID),
		))
	defer span.End()
	span.AddEvent(tracing.EventCloseRequested)

	// A step still waiting for its first reply gets the full start window
	// before anyone escalates on it.
	timeout := m.timeouts.Close
	if cr.target.Status() == wire.TaskWaiting {
		timeout = m.timeouts.Start
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	reset := func(d time.Duration) {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(d)
	}

	for {
		select {
		case st := <-cr.feed:
			if !st.Terminal() {
				cr.set(wire.TaskInProgress, "")
				m.publishCmdDoc(cr, false)
				reset(m.timeouts.Close)
				continue
			}
			// The step resolved. A cooperative stop is a success for the
			// close request whatever the step reported; one we had to
			// terminate is not.
			if cr.TerminateRequested() {
				cr.set(wire.TaskFailed, "worker terminated")
			} else {
				cr.set(wire.TaskCompleted, "")
			}
			m.resolveClose(ctx, t, cr, requestID)
			return

		case <-timer.C:
			if !cr.TerminateRequested() {
				cr.markTerminate()
				span.AddEvent(tracing.EventCloseEscalated,
					trace.WithAttributes(attribute.Bool(tracing.AttrTerminate, true)))
				logger.Warn().Msg("close request timed out, terminating worker")
				if err := m.client.Close(ctx, requestID, cr.username, true); err != nil {
					logger.Error().Err(err).Msg("failed to publish terminate command")
				}
				cr.set(wire.TaskInProgress, "escalated to terminate")
				m.publishCmdDoc(cr, false)
				reset(m.timeouts.Terminate)
				continue
			}
			// Tear-down: the worker never confirmed even the terminate.
			// Stop waiting for it and resolve the step ourselves.
			span.AddEvent(tracing.EventTearDown)
			logger.Error().Msg("terminate timed out, tearing request down")
			cr.set(wire.TaskFailed, "worker unresponsive, torn down")
			m.resolveClose(ctx, t, cr, requestID)
			cr.target.Mailbox().Push(wire.FailedReply(requestID,
				fmt.Sprintf("Closed by %s", cr.username)))
			return

		case <-ctx.Done():
			return
		}
	}
}

// resolveClose finishes a close request: notify the worker pools so parked
// close state is forgotten, emit the durable cmd event, drop the request.
func (m *Manager) resolveClose(ctx context.Context, t *Task, cr *CloseRequest, requestID string) {
	if err := m.client.NotifyClosed(ctx, requestID); err != nil {
		m.logger.Error().Err(err).Str("request_id", requestID).
			Msg("failed to publish close notification")
	}
	m.publishCmdDoc(cr, true)
	t.dropClose(requestID)
}
