package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"sitecrew/internal/domain"
)

// Capability turns a quote artifact into task descriptors whose dates lie in
// window. Implementations return ErrNotConfigured when they lack credentials.
type Capability interface {
	Extract(ctx context.Context, quoteRef string, window domain.ScheduleWindow) (Output, error)
}

type Output struct {
	Tasks []Descriptor `json:"tasks"`
}

type Descriptor struct {
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	Steps          []string `json:"steps"`
	StartDate      string   `json:"start_date"`
	DueDate        string   `json:"due_date"`
	EstimatedHours float64  `json:"estimated_hours"`
}

// DecodeOutput parses the capability's JSON payload.
func DecodeOutput(data []byte) (Output, error) {
	var out Output
	if err := json.Unmarshal(data, &out); err != nil {
		return Output{}, &CapabilityError{Err: fmt.Errorf("decode output: %w", err)}
	}
	return out, nil
}

const hoursPerDay = 8

// violation records a descriptor whose dates fell outside the window.
type violation struct {
	Title string
	Start string
	Due   string
}

// materialize converts descriptors into backlog tasks owned by req's project.
// Out-of-window dates are clamped and reported as violations.
func materialize(req domain.Task, out Output, w domain.ScheduleWindow) ([]domain.Task, []violation, error) {
	if len(out.Tasks) == 0 {
		return nil, nil, &CapabilityError{Err: errors.New("no tasks in output")}
	}

	tasks := make([]domain.Task, 0, len(out.Tasks))
	var flagged []violation
	for i, d := range out.Tasks {
		title := strings.TrimSpace(d.Title)
		if title == "" {
			return nil, nil, &CapabilityError{Err: fmt.Errorf("task %d: empty title", i+1)}
		}
		start, err := domain.ParseDay(d.StartDate)
		if err != nil {
			return nil, nil, &CapabilityError{Err: fmt.Errorf("task %q: start_date: %w", title, err)}
		}
		due, err := domain.ParseDay(d.DueDate)
		if err != nil {
			return nil, nil, &CapabilityError{Err: fmt.Errorf("task %q: due_date: %w", title, err)}
		}
		if due.Before(start) {
			return nil, nil, &CapabilityError{Err: fmt.Errorf("task %q: due_date %s before start_date %s", title, d.DueDate, d.StartDate)}
		}

		if !w.Contains(start) || !w.Contains(due) {
			flagged = append(flagged, violation{Title: title, Start: d.StartDate, Due: d.DueDate})
			start, due = w.Clamp(start), w.Clamp(due)
		}

		tasks = append(tasks, domain.Task{
			ProjectID:       req.ProjectID,
			Title:           title,
			Description:     foldSteps(d.Description, d.Steps),
			StartDate:       start,
			Duration:        durationDays(start, due, d.EstimatedHours, w.Deadline),
			Status:          domain.StatusBacklog,
			OriginalQuoteID: req.ID,
			IsNew:           true,
		})
	}
	return tasks, flagged, nil
}

// durationDays is the due-start span in days. A zero span with an hours
// estimate becomes ceil(hours/8), capped so the task ends by the deadline.
func durationDays(start, due time.Time, hours float64, deadline time.Time) int {
	days := domain.DaysBetween(start, due)
	if days == 0 && hours > 0 {
		days = int(math.Ceil(hours / hoursPerDay))
		if limit := domain.DaysBetween(start, deadline); days > limit {
			days = limit
		}
	}
	return days
}

func foldSteps(description string, steps []string) string {
	var kept []string
	for _, s := range steps {
		if s = strings.TrimSpace(s); s != "" {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		return strings.TrimSpace(description)
	}

	var b strings.Builder
	if desc := strings.TrimSpace(description); desc != "" {
		b.WriteString(desc)
		b.WriteString("\n\n")
	}
	b.WriteString("Steps:")
	for i, s := range kept {
		fmt.Fprintf(&b, "\n%d. %s", i+1, s)
	}
	return b.String()
}
