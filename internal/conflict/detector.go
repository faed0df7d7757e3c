// Package conflict detects schedule overlaps and dependency violations for a
// candidate task. All checks are pure and advisory: callers surface the
// result as a warning and still perform the write.
package conflict

import (
	"time"

	"sitecrew/internal/domain"
)

type Kind string

const (
	KindSchedule   Kind = "schedule"
	KindDependency Kind = "dependency"
)

// Advisory describes one detected conflict.
type Advisory struct {
	Kind    Kind        `json:"kind"`
	Task    domain.Task `json:"task"`
	Message string      `json:"message"`
}

// CheckSchedule returns the first of the worker's active tasks whose interval
// overlaps [start, start+durationDays). Touching endpoints do not conflict.
func CheckSchedule(contact string, start time.Time, durationDays int, existing []domain.Task) *domain.Task {
	if start.IsZero() {
		return nil
	}
	start = domain.Day(start)
	end := start.AddDate(0, 0, durationDays)
	for i := range existing {
		other := existing[i]
		if other.AssigneeContact != contact || other.Status == domain.StatusDone {
			continue
		}
		if !other.Scheduled() {
			continue
		}
		if start.Before(other.EndDate()) && end.After(other.StartDate) {
			return &existing[i]
		}
	}
	return nil
}

// CheckDependency returns the first dependency, in the order given, that
// ends after start. Unknown and undated dependencies are skipped.
func CheckDependency(start time.Time, dependencyIDs []string, all []domain.Task) *domain.Task {
	if start.IsZero() || len(dependencyIDs) == 0 {
		return nil
	}
	start = domain.Day(start)
	byID := make(map[string]int, len(all))
	for i, t := range all {
		byID[t.ID] = i
	}
	for _, id := range dependencyIDs {
		i, ok := byID[id]
		if !ok || !all[i].Scheduled() {
			continue
		}
		if start.Before(all[i].EndDate()) {
			return &all[i]
		}
	}
	return nil
}

// Assess runs both checks for candidate. workerTasks holds the tasks of the
// candidate's assignee across projects; projectTasks resolves dependencies.
// The candidate itself is excluded from both sets.
func Assess(candidate domain.Task, workerTasks, projectTasks []domain.Task) []Advisory {
	var out []Advisory
	others := without(workerTasks, candidate.ID)
	if candidate.AssigneeContact != "" {
		if t := CheckSchedule(candidate.AssigneeContact, candidate.StartDate, candidate.Duration, others); t != nil {
			out = append(out, Advisory{
				Kind:    KindSchedule,
				Task:    *t,
				Message: "overlaps " + t.Title + " (" + span(*t) + ")",
			})
		}
	}
	if t := CheckDependency(candidate.StartDate, candidate.Dependencies, without(projectTasks, candidate.ID)); t != nil {
		out = append(out, Advisory{
			Kind:    KindDependency,
			Task:    *t,
			Message: "starts before dependency " + t.Title + " ends on " + t.EndDate().Format("2006-01-02"),
		})
	}
	return out
}

func without(tasks []domain.Task, id string) []domain.Task {
	if id == "" {
		return tasks
	}
	out := make([]domain.Task, 0, len(tasks))
	for _, t := range tasks {
		if t.ID != id {
			out = append(out, t)
		}
	}
	return out
}

func span(t domain.Task) string {
	return t.StartDate.Format("2006-01-02") + " to " + t.EndDate().Format("2006-01-02")
}
