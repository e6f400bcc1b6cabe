// Package cmdchan is the private channel between a worker pool and each of
// its worker processes, used to hand close requests to the right worker at
// the right moment. The supervisor listens on one unix socket per worker;
// the worker dials it and speaks a line-oriented JSON protocol:
//
//	worker → supervisor  {"task_id": "<uuid>"}  task picked up, may I run it?
//	worker → supervisor  {"task_id": ""}        task finished
//	supervisor → worker  {"cmd": 0, "task_id": ...}  proceed
//	supervisor → worker  {"cmd": 1, "task_id": ...}  close the task
//
// The task id on this channel is the request correlation id of the
// delivery the worker is holding. Forced termination never crosses the
// socket; the supervisor kills the process instead.
package cmdchan

import "time"

// Cmd is the supervisor's answer on the channel.
type Cmd int

const (
	// CmdProceed lets the worker run (or acknowledges a finish).
	CmdProceed Cmd = iota
	// CmdClose tells the worker to end the task at the next opportunity;
	// sent as the answer to an open for tasks already canceled, or pushed
	// mid-run.
	CmdClose
)

// CmdWaitTimeout bounds the worker's mid-task poll for a pushed close.
const CmdWaitTimeout = 20 * time.Millisecond

type workerMsg struct {
	TaskID string `json:"task_id"`
}

type supervisorMsg struct {
	Cmd    Cmd    `json:"cmd"`
	TaskID string `json:"task_id"`
}

// Handler is what the worker host polls during a run. The zero states are
// provided by NopHandler for in-process tests.
type Handler interface {
	// TryOpenTask announces a picked-up task and reports whether the
	// supervisor allows it to run.
	TryOpenTask(taskID string) bool
	// IsCloseRequested polls for a pushed close, waiting at most
	// CmdWaitTimeout. Once true it stays true for the current task.
	IsCloseRequested() bool
	// NotifyTaskClosed reports the task finished, whatever the outcome.
	NotifyTaskClosed()
}

// NopHandler approves everything and never requests a close.
type NopHandler struct{}

func (NopHandler) TryOpenTask(string) bool   { return true }
func (NopHandler) IsCloseRequested() bool    { return false }
func (NopHandler) NotifyTaskClosed()         {}

var _ Handler = NopHandler{}
