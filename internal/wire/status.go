// Package wire defines the messages exchanged over the broker between the
// scheduler and its RPC workers, together with the status vocabulary shared
// by the task manager and the event log. Payloads are JSON and validated
// against embedded schemas before use.
package wire

// ReplyStatus is the status field of a worker reply.
type ReplyStatus int

const (
	StatusInProgress ReplyStatus = iota
	StatusCompleted
	StatusFailed
	StatusTimeout
	StatusConsumerNotFound
)

var replyStatusNames = map[ReplyStatus]string{
	StatusInProgress:       "in_progress",
	StatusCompleted:        "completed",
	StatusFailed:           "failed",
	StatusTimeout:          "timeout",
	StatusConsumerNotFound: "consumer_not_found",
}

// Terminal reports whether the status ends the request. Everything except
// an in-progress report does.
func (s ReplyStatus) Terminal() bool { return s != StatusInProgress }

func (s ReplyStatus) String() string {
	if name, ok := replyStatusNames[s]; ok {
		return name
	}
	return "unknown"
}

// TaskStatus is the lifecycle state of a scheduled task. Failed is
// absorbing: once a task fails it never leaves that state.
type TaskStatus int

const (
	TaskInactive TaskStatus = iota
	TaskWaiting
	TaskInProgress
	TaskCompleted
	TaskFailed
)

var taskStatusNames = map[TaskStatus]string{
	TaskInactive:   "inactive",
	TaskWaiting:    "waiting",
	TaskInProgress: "in_progress",
	TaskCompleted:  "completed",
	TaskFailed:     "failed",
}

// Terminal reports whether the task has finished, successfully or not.
func (s TaskStatus) Terminal() bool { return s == TaskCompleted || s == TaskFailed }

func (s TaskStatus) String() string {
	if name, ok := taskStatusNames[s]; ok {
		return name
	}
	return "unknown"
}
