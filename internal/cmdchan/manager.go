package cmdchan

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
)

// Manager is the supervisor side of the command channel, one endpoint per
// worker process. It remembers which worker holds which task and keeps a
// pending set for close requests that arrive before any worker has picked
// the task up, so the open is refused instead of raced.
type Manager struct {
	socketDir string
	logger    zerolog.Logger

	mu           sync.Mutex
	endpoints    map[int]*endpoint
	pendingClose map[string]struct{}
}

type endpoint struct {
	processID int
	listener  net.Listener

	mu     sync.Mutex
	conn   net.Conn
	enc    *json.Encoder
	taskID string
}

// NewManager creates a manager whose sockets live under socketDir.
func NewManager(socketDir string, logger zerolog.Logger) *Manager {
	return &Manager{
		socketDir:    socketDir,
		logger:       logger.With().Str("component", "cmdchan").Logger(),
		endpoints:    make(map[int]*endpoint),
		pendingClose: make(map[string]struct{}),
	}
}

// SocketPath is where the endpoint for the given worker listens.
func (m *Manager) SocketPath(processID int) string {
	return filepath.Join(m.socketDir, fmt.Sprintf("worker-%d.sock", processID))
}

// CreateEndpoint opens the listening socket for a worker about to be
// spawned and returns its path. The worker is expected to dial it once.
func (m *Manager) CreateEndpoint(processID int) (string, error) {
	path := m.SocketPath(processID)
	// A stale socket file from a previous run blocks the bind.
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to remove stale socket %s: %w", path, err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return "", fmt.Errorf("failed to listen on command socket %s: %w", path, err)
	}

	ep := &endpoint{processID: processID, listener: ln}
	m.mu.Lock()
	if old, ok := m.endpoints[processID]; ok {
		old.close()
	}
	m.endpoints[processID] = ep
	m.mu.Unlock()

	go m.accept(ep)
	return path, nil
}

func (m *Manager) accept(ep *endpoint) {
	conn, err := ep.listener.Accept()
	if err != nil {
		// Listener closed before the worker dialed in.
		return
	}
	ep.mu.Lock()
	ep.conn = conn
	ep.enc = json.NewEncoder(conn)
	ep.mu.Unlock()
	m.serve(ep, conn)
}

// AttachConn wires an already established connection as the endpoint for a
// worker. Tests use it with net.Pipe instead of a real socket.
func (m *Manager) AttachConn(processID int, conn net.Conn) {
	ep := &endpoint{processID: processID, conn: conn, enc: json.NewEncoder(conn)}
	m.mu.Lock()
	if old, ok := m.endpoints[processID]; ok {
		old.close()
	}
	m.endpoints[processID] = ep
	m.mu.Unlock()
	go m.serve(ep, conn)
}

func (m *Manager) serve(ep *endpoint, conn net.Conn) {
	logger := m.logger.With().Int("worker", ep.processID).Logger()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		var msg workerMsg
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			logger.Warn().Err(err).Msg("malformed worker message")
			continue
		}
		if msg.TaskID != "" {
			m.handleOpen(ep, msg.TaskID, logger)
		} else {
			m.handleClosed(ep, logger)
		}
	}
	ep.mu.Lock()
	orphan := ep.taskID
	ep.taskID = ""
	ep.mu.Unlock()
	if orphan != "" {
		logger.Warn().Str("task_id", orphan).Msg("channel lost with task open")
	}
}

func (m *Manager) handleOpen(ep *endpoint, taskID string, logger zerolog.Logger) {
	m.mu.Lock()
	_, pending := m.pendingClose[taskID]
	if !pending {
		ep.mu.Lock()
		ep.taskID = taskID
		ep.mu.Unlock()
	}
	m.mu.Unlock()

	if pending {
		logger.Info().Str("task_id", taskID).Msg("refusing task, close pending")
		ep.send(supervisorMsg{Cmd: CmdClose, TaskID: taskID}, logger)
		return
	}
	logger.Debug().Str("task_id", taskID).Msg("task opened")
	ep.send(supervisorMsg{Cmd: CmdProceed, TaskID: taskID}, logger)
}

func (m *Manager) handleClosed(ep *endpoint, logger zerolog.Logger) {
	ep.mu.Lock()
	taskID := ep.taskID
	ep.taskID = ""
	ep.mu.Unlock()
	logger.Debug().Str("task_id", taskID).Msg("task closed")
	ep.send(supervisorMsg{Cmd: CmdProceed, TaskID: taskID}, logger)
}

// CloseRequest asks the worker holding taskID to stop it. When no worker
// holds it yet the request is parked so a later open is refused; it stays
// parked until CancelCloseRequest, covering redeliveries of the same task.
// With terminate nothing crosses the socket: the caller kills the reported
// process instead. Returns the holding worker, if any.
func (m *Manager) CloseRequest(taskID string, terminate bool) (int, bool) {
	m.mu.Lock()
	var target *endpoint
	for _, ep := range m.endpoints {
		ep.mu.Lock()
		held := ep.taskID == taskID
		ep.mu.Unlock()
		if held {
			target = ep
			break
		}
	}
	if target == nil {
		m.pendingClose[taskID] = struct{}{}
	}
	m.mu.Unlock()

	if target == nil {
		m.logger.Info().Str("task_id", taskID).Bool("terminate", terminate).
			Msg("close parked, task not picked up")
		return 0, false
	}
	if terminate {
		return target.processID, true
	}
	logger := m.logger.With().Int("worker", target.processID).Logger()
	logger.Info().Str("task_id", taskID).Msg("close pushed to worker")
	target.send(supervisorMsg{Cmd: CmdClose, TaskID: taskID}, logger)
	return target.processID, true
}

// CancelCloseRequest forgets a parked close once the task is confirmed
// finished.
func (m *Manager) CancelCloseRequest(taskID string) {
	m.mu.Lock()
	delete(m.pendingClose, taskID)
	m.mu.Unlock()
}

// ProcessFor reports which worker currently holds taskID.
func (m *Manager) ProcessFor(taskID string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, ep := range m.endpoints {
		ep.mu.Lock()
		held := ep.taskID == taskID
		ep.mu.Unlock()
		if held {
			return id, true
		}
	}
	return 0, false
}

// TaskOf reports the task currently open on the given worker, if any.
func (m *Manager) TaskOf(processID int) (string, bool) {
	m.mu.Lock()
	ep, ok := m.endpoints[processID]
	m.mu.Unlock()
	if !ok {
		return "", false
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.taskID, ep.taskID != ""
}

// RemoveEndpoint tears down a worker's channel, typically right before or
// after killing the process.
func (m *Manager) RemoveEndpoint(processID int) {
	m.mu.Lock()
	ep, ok := m.endpoints[processID]
	if ok {
		delete(m.endpoints, processID)
	}
	m.mu.Unlock()
	if ok {
		ep.close()
	}
}

// Close tears down every endpoint.
func (m *Manager) Close() {
	m.mu.Lock()
	eps := make([]*endpoint, 0, len(m.endpoints))
	for _, ep := range m.endpoints {
		eps = append(eps, ep)
	}
	m.endpoints = make(map[int]*endpoint)
	m.mu.Unlock()
	for _, ep := range eps {
		ep.close()
	}
}

func (ep *endpoint) send(msg supervisorMsg, logger zerolog.Logger) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.enc == nil {
		logger.Warn().Str("task_id", msg.TaskID).Msg("no connection, command dropped")
		return
	}
	if err := ep.enc.Encode(msg); err != nil {
		logger.Error().Err(err).Msg("failed to write command")
	}
}

func (ep *endpoint) close() {
	if ep.listener != nil {
		_ = ep.listener.Close()
	}
	ep.mu.Lock()
	conn := ep.conn
	ep.conn = nil
	ep.enc = nil
	ep.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}
