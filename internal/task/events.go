package task

import (
	"encoding/json"

	"github.com/quadtile/drover/internal/events"
	"github.com/quadtile/drover/internal/rpc"
)

// Event document shapes. Observers render these; the field names are part
// of the external surface and must stay stable.

type stepDoc struct {
	RequestID string  `json:"uuid"`
	Name      string  `json:"name"`
	Progress  float64 `json:"progress"`
	Status    string  `json:"status"`
	Message   string  `json:"msg,omitempty"`
}

type taskDoc struct {
	ID       string    `json:"uuid"`
	Name     string    `json:"name"`
	Username string    `json:"username"`
	Status   string    `json:"status"`
	Steps    []stepDoc `json:"steps"`
}

type cmdDoc struct {
	ID        string `json:"uuid"`
	TaskID    string `json:"task_id"`
	RequestID string `json:"request_id"`
	Username  string `json:"username"`
	Status    string `json:"status"`
	Terminate bool   `json:"terminate"`
	Message   string `json:"message,omitempty"`
}

// publishTaskDoc emits the task's full state document. completed retires
// the task from the hub's active set and makes the event durable.
func (m *Manager) publishTaskDoc(t *Task, completed bool) {
	views := t.recordViews()
	doc := taskDoc{
		ID:       t.id.String(),
		Name:     t.scenario.Name(),
		Username: t.seed.Username,
		Status:   t.Status().String(),
		Steps:    make([]stepDoc, len(views)),
	}
	for i, view := range views {
		doc.Steps[i] = stepView(view)
	}
	body, err := json.Marshal(doc)
	if err != nil {
		m.logger.Error().Err(err).Str("task_id", doc.ID).Msg("failed to encode task event")
		return
	}
	m.hub.Publish(doc.ID, events.Event{
		Type:     events.TypeTask,
		Username: t.seed.Username,
		Status:   t.Status(),
		Data:     body,
	}, completed)
}

func stepView(view rpc.View) stepDoc {
	return stepDoc{
		RequestID: view.RequestID,
		Name:      view.RoutingKey,
		Progress:  view.Progress,
		Status:    view.Status.String(),
		Message:   view.Message,
	}
}

// publishCmdDoc emits the close request's state document.
func (m *Manager) publishCmdDoc(cr *CloseRequest, completed bool) {
	view := cr.snapshot()
	body, err := json.Marshal(cmdDoc{
		ID:        view.id,
		TaskID:    view.taskID,
		RequestID: view.requestID,
		Username:  view.username,
		Status:    view.status.String(),
		Terminate: view.terminate,
		Message:   view.message,
	})
	if err != nil {
		m.logger.Error().Err(err).Str("close_id", view.id).Msg("failed to encode cmd event")
		return
	}
	m.hub.Publish(view.id, events.Event{
		Type:     events.TypeCmd,
		Username: view.username,
		Status:   view.status,
		Data:     body,
	}, completed)
}
