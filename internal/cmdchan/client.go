package cmdchan

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Client is the worker side of the command channel. One instance lives for
// the whole worker process and is reused across tasks; the protocol allows
// at most one open task at a time.
type Client struct {
	conn   net.Conn
	enc    *json.Encoder
	encMu  sync.Mutex
	logger zerolog.Logger

	incoming chan supervisorMsg
	done     chan struct{}

	taskID         string
	closeRequested bool
}

// Dial connects to the supervisor socket the worker was started with.
func Dial(socketPath string, logger zerolog.Logger) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to dial command socket %s: %w", socketPath, err)
	}
	return NewClient(conn, logger), nil
}

// NewClient wraps an established connection; tests hand it one end of a
// net.Pipe.
func NewClient(conn net.Conn, logger zerolog.Logger) *Client {
	c := &Client{
		conn:     conn,
		enc:      json.NewEncoder(conn),
		logger:   logger.With().Str("component", "cmdchan").Logger(),
		incoming: make(chan supervisorMsg, 16),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Client) readLoop() {
	defer close(c.done)
	scanner := bufio.NewScanner(c.conn)
	for scanner.Scan() {
		var msg supervisorMsg
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			c.logger.Warn().Err(err).Msg("malformed supervisor message")
			continue
		}
		select {
		case c.incoming <- msg:
		default:
			c.logger.Warn().Int("cmd", int(msg.Cmd)).Msg("command buffer full, message dropped")
		}
	}
}

func (c *Client) send(taskID string) error {
	c.encMu.Lock()
	defer c.encMu.Unlock()
	if err := c.enc.Encode(workerMsg{TaskID: taskID}); err != nil {
		return fmt.Errorf("failed to write to command socket: %w", err)
	}
	return nil
}

// awaitReply blocks until the supervisor answers or the connection dies.
func (c *Client) awaitReply() (supervisorMsg, bool) {
	select {
	case msg := <-c.incoming:
		return msg, true
	case <-c.done:
		return supervisorMsg{}, false
	}
}

// TryOpenTask implements Handler. A dead connection refuses the task: a
// worker that cannot be told to stop must not start.
func (c *Client) TryOpenTask(taskID string) bool {
	c.taskID = taskID
	c.closeRequested = false
	if err := c.send(taskID); err != nil {
		c.logger.Error().Err(err).Str("task_id", taskID).Msg("failed to announce task")
		return false
	}
	msg, ok := c.awaitReply()
	if !ok {
		c.logger.Error().Str("task_id", taskID).Msg("supervisor gone while opening task")
		return false
	}
	if msg.Cmd == CmdClose {
		c.logger.Info().Str("task_id", taskID).Msg("task refused, close already requested")
		c.taskID = ""
		return false
	}
	return true
}

// IsCloseRequested implements Handler.
func (c *Client) IsCloseRequested() bool {
	if c.closeRequested {
		return true
	}
	timer := time.NewTimer(CmdWaitTimeout)
	defer timer.Stop()
	select {
	case msg := <-c.incoming:
		if msg.Cmd == CmdClose && msg.TaskID == c.taskID {
			c.closeRequested = true
		}
	case <-c.done:
		// Supervisor gone; stop the task rather than run unsupervised.
		c.closeRequested = true
	case <-timer.C:
	}
	return c.closeRequested
}

// NotifyTaskClosed implements Handler.
func (c *Client) NotifyTaskClosed() {
	if err := c.send(""); err != nil {
		c.logger.Error().Err(err).Msg("failed to announce task closed")
		return
	}
	// Drain the acknowledgement and any close pushed for the task that
	// just ended, so it cannot leak into the next one.
	for {
		msg, ok := c.awaitReply()
		if !ok {
			break
		}
		if msg.Cmd == CmdProceed {
			break
		}
	}
	c.taskID = ""
	c.closeRequested = false
}

// Close tears down the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

var _ Handler = (*Client)(nil)
