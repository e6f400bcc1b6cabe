package wire

import (
	"encoding/json"
	"fmt"
)

// CmdType identifies a scheduler command fanned out to all workers.
type CmdType int

const (
	// CmdOK is a no-op heartbeat; workers acknowledge and continue.
	CmdOK CmdType = iota
	// CmdCloseTask asks the worker running the request to finish
	// cooperatively at the next opportunity.
	CmdCloseTask
	// CmdNotifyTaskClosed tells workers that a close request was resolved
	// elsewhere and any pending close for the request can be dropped.
	CmdNotifyTaskClosed
	// CmdLoadLog is reserved for streaming event history to workers.
	CmdLoadLog
	// CmdTerminateTask orders the worker process running the request to be
	// killed without cooperation.
	CmdTerminateTask
)

var cmdNames = map[CmdType]string{
	CmdOK:               "ok",
	CmdCloseTask:        "close_task",
	CmdNotifyTaskClosed: "notify_task_closed",
	CmdLoadLog:          "load_log",
	CmdTerminateTask:    "terminate_task",
}

func (c CmdType) String() string {
	if name, ok := cmdNames[c]; ok {
		return name
	}
	return "unknown"
}

// Command is a control message fanned out on the command exchange. Every
// worker sees every command and ignores those that do not concern it.
type Command struct {
	Cmd       CmdType `json:"cmd"`
	RequestID string  `json:"request_id,omitempty"`
	Username  string  `json:"username,omitempty"`

	// Count and LessThan parameterize CmdLoadLog.
	Count    int   `json:"count,omitempty"`
	LessThan int64 `json:"less_than,omitempty"`
}

// CloseTask builds the cooperative close command for a request.
func CloseTask(requestID, username string) Command {
	return Command{Cmd: CmdCloseTask, RequestID: requestID, Username: username}
}

// TerminateTask builds the forced termination command for a request.
func TerminateTask(requestID, username string) Command {
	return Command{Cmd: CmdTerminateTask, RequestID: requestID, Username: username}
}

// NotifyTaskClosed builds the cancellation-resolved notification.
func NotifyTaskClosed(requestID string) Command {
	return Command{Cmd: CmdNotifyTaskClosed, RequestID: requestID}
}

// Encode serializes the command for publishing.
func (c Command) Encode() ([]byte, error) {
	if c.Cmd != CmdOK && c.Cmd != CmdLoadLog && c.RequestID == "" {
		return nil, fmt.Errorf("%s command has no request id", c.Cmd)
	}
	return json.Marshal(c)
}

// DecodeCommand validates and parses a command payload.
func DecodeCommand(data []byte) (Command, error) {
	if err := validate(commandSchema, data); err != nil {
		return Command{}, fmt.Errorf("command: %w", err)
	}
	var c Command
	if err := json.Unmarshal(data, &c); err != nil {
		return Command{}, fmt.Errorf("command: %w", err)
	}
	return c, nil
}
