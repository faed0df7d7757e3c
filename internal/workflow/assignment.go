package workflow

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"sitecrew/internal/domain"
	"sitecrew/internal/events"
	"sitecrew/internal/messaging"
)

type TaskGetter interface {
	GetTask(ctx context.Context, id string) (domain.Task, error)
}

// AssignmentNotifier tells a worker when a task is assigned to them.
type AssignmentNotifier struct {
	tasks     TaskGetter
	messenger messaging.Messenger
	templates *messaging.Templates
}

func NewAssignmentNotifier(tasks TaskGetter, m messaging.Messenger, t *messaging.Templates) *AssignmentNotifier {
	return &AssignmentNotifier{tasks: tasks, messenger: m, templates: t}
}

// Run consumes bus events until ctx is done or ch is closed.
func (n *AssignmentNotifier) Run(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if e.Kind != events.TaskAssigneeChanged {
				continue
			}
			if err := n.Notify(ctx, e.TaskID); err != nil {
				log.Warn().Err(err).Str("task_id", e.TaskID).Msg("failed to send assignment notice")
			}
		}
	}
}

// Notify sends the assignment message for taskID. Tasks without a contact,
// extraction requests and closed tasks are skipped.
func (n *AssignmentNotifier) Notify(ctx context.Context, taskID string) error {
	t, err := n.tasks.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t.AssigneeContact == "" || t.Assignee == domain.AIBot || t.Status.IsTerminal() {
		return nil
	}

	data := struct {
		Title string
		Start string
	}{Title: t.Title}
	if t.Scheduled() {
		data.Start = t.StartDate.Format(time.DateOnly)
	}
	msg, err := n.templates.Message(messaging.TemplateTaskAssigned, data, map[string]any{"task_id": t.ID, "project_id": t.ProjectID})
	if err != nil {
		return err
	}
	return n.messenger.Send(ctx, t.AssigneeContact, msg)
}
