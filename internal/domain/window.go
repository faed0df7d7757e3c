package domain

import (
	"errors"
	"time"
)

var ErrInvalidWindow = errors.New("window start is after deadline")

// ScheduleWindow is a project's permitted [Start, Deadline] range, inclusive
// on both ends.
type ScheduleWindow struct {
	Start    time.Time `json:"start"`
	Deadline time.Time `json:"deadline"`
}

func NewWindow(start, deadline time.Time) (ScheduleWindow, error) {
	w := ScheduleWindow{Start: Day(start), Deadline: Day(deadline)}
	if w.Start.After(w.Deadline) {
		return ScheduleWindow{}, ErrInvalidWindow
	}
	return w, nil
}

// DefaultWindow is used when a project has no explicit dates.
func DefaultWindow(now time.Time, days int) ScheduleWindow {
	start := Day(now)
	return ScheduleWindow{Start: start, Deadline: start.AddDate(0, 0, days)}
}

func (w ScheduleWindow) Contains(d time.Time) bool {
	d = Day(d)
	return !d.Before(w.Start) && !d.After(w.Deadline)
}

func (w ScheduleWindow) Clamp(d time.Time) time.Time {
	d = Day(d)
	if d.Before(w.Start) {
		return w.Start
	}
	if d.After(w.Deadline) {
		return w.Deadline
	}
	return d
}

type Project struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Start     *time.Time `json:"start,omitempty"`
	Deadline  *time.Time `json:"deadline,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Window resolves the project window, falling back to [now, now+defaultDays]
// when either date is missing.
func (p Project) Window(now time.Time, defaultDays int) ScheduleWindow {
	if p.Start == nil || p.Deadline == nil {
		return DefaultWindow(now, defaultDays)
	}
	w, err := NewWindow(*p.Start, *p.Deadline)
	if err != nil {
		return DefaultWindow(now, defaultDays)
	}
	return w
}

// Reschedule moves not-yet-started tasks after a window edit. Each dated
// backlog task is shifted by the change in window start, then clamped so it
// starts inside the new window and, where its duration fits, ends by the
// deadline. Only tasks whose start date changed are returned.
func Reschedule(tasks []Task, from, to ScheduleWindow) []Task {
	shift := DaysBetween(from.Start, to.Start)
	var moved []Task
	for _, t := range tasks {
		if t.Status != StatusBacklog || t.IsExtractionRequest() || !t.Scheduled() {
			continue
		}
		start := to.Clamp(t.StartDate.AddDate(0, 0, shift))
		if end := start.AddDate(0, 0, t.Duration); end.After(to.Deadline) {
			latest := to.Deadline.AddDate(0, 0, -t.Duration)
			start = to.Clamp(latest)
		}
		if start.Equal(t.StartDate) {
			continue
		}
		t.StartDate = start
		moved = append(moved, t)
	}
	return moved
}
