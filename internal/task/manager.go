package task

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/quadtile/drover/internal/config"
	"github.com/quadtile/drover/internal/editlock"
	"github.com/quadtile/drover/internal/events"
	"github.com/quadtile/drover/internal/log"
	"github.com/quadtile/drover/internal/metrics"
	"github.com/quadtile/drover/internal/rpc"
	"github.com/quadtile/drover/internal/scenario"
	"github.com/quadtile/drover/internal/tracing"
	"github.com/quadtile/drover/internal/wire"
)

const tracerName = "drover/task"

// Timeouts are the manager's escalation windows.
type Timeouts struct {
	// Start bounds the wait for a step's first reply.
	Start time.Duration
	// Close bounds a cooperative close before escalating to terminate.
	Close time.Duration
	// Terminate bounds a forced terminate before tear-down.
	Terminate time.Duration
	// Heartbeat is the reporting window for consumers that register none.
	Heartbeat time.Duration
}

// TimeoutsFromConfig lifts the configured seconds into durations.
func TimeoutsFromConfig(cfg config.Config) Timeouts {
	return Timeouts{
		Start:     cfg.StartTimeoutD(),
		Close:     cfg.CloseTimeoutD(),
		Terminate: cfg.TerminateTimeoutD(),
		Heartbeat: cfg.HeartbeatTimeoutD(),
	}
}

// Manager owns every running task: it starts them, routes stop requests
// into per-step close drivers, and retires them once their tree returns.
type Manager struct {
	ctx      context.Context
	client   *rpc.Client
	provider *scenario.Provider
	locks    *editlock.Manager
	hub      *events.Hub
	timeouts Timeouts
	logger   zerolog.Logger

	mu    sync.Mutex
	tasks map[uuid.UUID]*Task
}

// NewManager wires a manager over its collaborators. ctx bounds every
// driver goroutine the manager spawns.
func NewManager(ctx context.Context, client *rpc.Client, provider *scenario.Provider,
	locks *editlock.Manager, hub *events.Hub, timeouts Timeouts) *Manager {
	return &Manager{
		ctx:      ctx,
		client:   client,
		provider: provider,
		locks:    locks,
		hub:      hub,
		timeouts: timeouts,
		logger:   log.WithComponent("task"),
		tasks:    make(map[uuid.UUID]*Task),
	}
}

// StartTask resolves the scenario, validates the payload against its input
// type and spawns the task driver. The returned uuid identifies the task
// from here on; a validation failure produces an error event and no task.
func (m *Manager) StartTask(scenarioID uuid.UUID, payload wire.TaskInput) (uuid.UUID, error) {
	sc, err := m.provider.GetScenario(scenarioID)
	if err != nil {
		m.hub.Error(payload.Username, fmt.Sprintf("Unknown scenario %s", scenarioID))
		return uuid.Nil, err
	}
	if err := validatePayload(sc, payload); err != nil {
		m.hub.Error(payload.Username, fmt.Sprintf("Cannot start %s: %v", sc.Name(), err))
		return uuid.Nil, err
	}

	t := &Task{
		id:       uuid.New(),
		scenario: sc,
		seed:     payload,
		mgr:      m,
		started:  time.Now(),
		status:   wire.TaskWaiting,
	}

	m.mu.Lock()
	m.tasks[t.id] = t
	m.mu.Unlock()

	metrics.TasksStarted.Inc()
	metrics.ActiveTasks.Inc()
	m.logger.Info().Str("task_id", t.id.String()).Str("scenario", sc.Name()).
		Str("username", payload.Username).Msg("task started")
	m.publishTaskDoc(t, false)

	go m.drive(t)
	return t.id, nil
}

func validatePayload(sc *scenario.Scenario, payload wire.TaskInput) error {
	switch sc.InputType() {
	case scenario.InputRect:
		if payload.Rect == nil {
			return fmt.Errorf("scenario takes a rect, none given")
		}
	case scenario.InputCells:
		if len(payload.Cells) == 0 {
			return fmt.Errorf("scenario takes cells, none given")
		}
	}
	return nil
}

func (m *Manager) drive(t *Task) {
	ctx, span := otel.Tracer(tracerName).Start(m.ctx, tracing.SpanPrefixTask+t.scenario.Name(),
		trace.WithAttributes(
			attribute.String(tracing.AttrTaskID, t.id.String()),
			attribute.String(tracing.AttrScenarioID, t.scenario.ID().String()),
			attribute.String(tracing.AttrScenarioName, t.scenario.Name()),
			attribute.String(tracing.AttrUsername, t.seed.Username),
		))
	defer span.End()
	span.AddEvent(tracing.EventTaskAccepted)

	// Execute reports back through NotifyClosed before returning.
	t.scenario.Execute(ctx, t)
}

// Task looks a running task up.
func (m *Manager) Task(taskID uuid.UUID) (*Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	return t, ok
}

// Tasks lists every running task.
func (m *Manager) Tasks() []*Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t)
	}
	return out
}

// RequestStopTask asks a running task to stop on the user's behalf: every
// outstanding step gets a close request and a driver escalating it.
func (m *Manager) RequestStopTask(taskID uuid.UUID, username string) error {
	t, ok := m.Task(taskID)
	if !ok {
		m.hub.Error(username, fmt.Sprintf("No running task %s", taskID))
		return fmt.Errorf("no running task %s", taskID)
	}
	m.stopTask(m.ctx, t, username, nil)
	return nil
}

// RequestStopAll stops every running task, e.g. at shutdown.
func (m *Manager) RequestStopAll(username string) {
	for _, t := range m.Tasks() {
		m.stopTask(m.ctx, t, username, nil)
	}
}

// stopTask flags the task closed and opens close requests for its
// outstanding steps. force names a record to include even though it is
// already terminal: a heartbeat-timed-out step whose worker must still be
// walked through terminate and tear-down.
func (m *Manager) stopTask(ctx context.Context, t *Task, username string, force *rpc.RPCData) {
	if t.setCloseRequested() {
		m.logger.Info().Str("task_id", t.id.String()).Str("username", username).
			Msg("stop requested")
	}
	for _, cr := range t.closeTargets(username, force) {
		requestID := cr.target.RequestID().String()
		if err := m.client.Close(ctx, requestID, username, false); err != nil {
			m.logger.Error().Err(err).Str("request_id", requestID).
				Msg("failed to publish close command")
		}
		m.publishCmdDoc(cr, false)
		go m.driveClose(m.ctx, t, cr)
	}
}

// notifyTaskClosed retires a task whose tree returned: correlation ids are
// dropped, the final status settles, and the durable task event goes out.
func (m *Manager) notifyTaskClosed(t *Task) {
	m.mu.Lock()
	delete(m.tasks, t.id)
	m.mu.Unlock()

	for _, view := range t.recordViews() {
		if view.RequestID != "" {
			m.client.Drop(view.RequestID)
		}
	}

	status := t.finalize()
	metrics.ActiveTasks.Dec()
	metrics.TasksFinished.WithLabelValues(status.String()).Inc()
	metrics.TaskDuration.Observe(time.Since(t.started).Seconds())
	m.logger.Info().Str("task_id", t.id.String()).Str("status", status.String()).
		Dur("elapsed", time.Since(t.started)).Msg("task closed")

	m.publishTaskDoc(t, true)
}
