package domain

import "time"

// AwaitState is the reply a worker context is waiting for.
type AwaitState string

const (
	AwaitNone       AwaitState = ""
	AwaitTaskStart  AwaitState = "task_start_prompt"
	AwaitCompletion AwaitState = "completion_check"
)

type TaskRef struct {
	TaskID    string     `json:"task_id"`
	ProjectID string     `json:"project_id"`
	Title     string     `json:"title"`
	Position  int        `json:"position"`
	DueDate   *time.Time `json:"due_date,omitempty"`
}

// WorkerContext is the per-contact cursor over today's tasks. Version is
// compared on every write.
type WorkerContext struct {
	Contact          string     `json:"contact"`
	AssigneeName     string     `json:"assignee_name"`
	TodaysTasks      []TaskRef  `json:"todays_tasks"`
	CurrentTaskIndex int        `json:"current_task_index"`
	CurrentTaskID    string     `json:"current_task_id,omitempty"`
	Awaiting         AwaitState `json:"awaiting,omitempty"`
	LastMessageAt    time.Time  `json:"last_message_at"`
	Version          int64      `json:"version"`
}

func (c WorkerContext) Current() (TaskRef, bool) {
	if c.CurrentTaskID == "" || c.CurrentTaskIndex < 0 || c.CurrentTaskIndex >= len(c.TodaysTasks) {
		return TaskRef{}, false
	}
	return c.TodaysTasks[c.CurrentTaskIndex], true
}

type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// LogEntry is one row of the append-only pipeline event log.
type LogEntry struct {
	ID        int64     `json:"id"`
	ProjectID string    `json:"project_id"`
	TaskID    string    `json:"task_id,omitempty"`
	Step      string    `json:"step"`
	Detail    string    `json:"detail"`
	Severity  Severity  `json:"severity"`
	CreatedAt time.Time `json:"created_at"`
}
