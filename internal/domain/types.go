package domain

import (
	"errors"
	"fmt"
	"time"
)

// AIBot is the assignee marker carried by extraction requests.
const AIBot = "AI_BOT"

var ErrInvalidTransition = errors.New("invalid status transition")

type TaskStatus string

const (
	StatusBacklog    TaskStatus = "backlog"
	StatusInProgress TaskStatus = "in-progress"
	StatusDone       TaskStatus = "done"
	StatusError      TaskStatus = "error"
)

var transitions = map[TaskStatus][]TaskStatus{
	StatusBacklog:    {StatusInProgress, StatusDone, StatusError},
	StatusInProgress: {StatusDone, StatusBacklog},
}

func ParseStatus(s string) (TaskStatus, error) {
	st := TaskStatus(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown task status %q", s)
	}
	return st, nil
}

func (s TaskStatus) Valid() bool {
	switch s {
	case StatusBacklog, StatusInProgress, StatusDone, StatusError:
		return true
	}
	return false
}

// IsTerminal returns true if no further transitions are possible.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusDone || s == StatusError
}

func (s TaskStatus) CanTransition(to TaskStatus) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

type Task struct {
	ID              string     `json:"id"`
	ProjectID       string     `json:"project_id"`
	Title           string     `json:"title"`
	Description     string     `json:"description"`
	StartDate       time.Time  `json:"start_date,omitempty"`
	Duration        int        `json:"duration"` // days
	Dependencies    []string   `json:"dependencies"`
	Assignee        string     `json:"assignee"`
	AssigneeContact string     `json:"assignee_contact"`
	Status          TaskStatus `json:"status"`
	StatusDetail    string     `json:"status_detail,omitempty"`
	QuoteURL        string     `json:"quote_url,omitempty"`
	OriginalQuoteID string     `json:"original_quote_id,omitempty"`
	IsNew           bool       `json:"is_new"`
	NotifiedAt      *time.Time `json:"notified_at,omitempty"`
	AcceptedAt      *time.Time `json:"accepted_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Scheduled reports whether the task has a start date. Tasks without one are
// ignored by conflict checks and sort last in dispatch.
func (t Task) Scheduled() bool { return !t.StartDate.IsZero() }

// EndDate is the exclusive end of the task interval [StartDate, EndDate).
func (t Task) EndDate() time.Time {
	return t.StartDate.AddDate(0, 0, t.Duration)
}

func (t Task) IsExtractionRequest() bool {
	return t.Assignee == AIBot && t.QuoteURL != ""
}

// AwaitingExtraction is the trigger predicate for the extraction pipeline.
func (t Task) AwaitingExtraction() bool {
	return t.Status == StatusBacklog && t.IsExtractionRequest()
}

// SetStatus applies a status transition and stamps the matching timestamp.
// Only extraction requests may enter StatusError.
func (t *Task) SetStatus(to TaskStatus, at time.Time) error {
	if !t.Status.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, to)
	}
	if to == StatusError && !t.IsExtractionRequest() {
		return fmt.Errorf("%w: only extraction requests can fail", ErrInvalidTransition)
	}
	switch to {
	case StatusInProgress:
		t.AcceptedAt = &at
	case StatusDone:
		t.CompletedAt = &at
	}
	t.Status = to
	t.UpdatedAt = at
	return nil
}

// StatusChange is a pending status transition committed alongside another write.
type StatusChange struct {
	TaskID string
	To     TaskStatus
	At     time.Time
}

// Day truncates t to midnight UTC. All schedule arithmetic is day-granular.
func Day(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDay accepts YYYY-MM-DD or RFC3339.
func ParseDay(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q", s)
	}
	return Day(t), nil
}

// DaysBetween returns the whole number of days from a to b.
func DaysBetween(a, b time.Time) int {
	return int(Day(b).Sub(Day(a)).Hours() / 24)
}
