// Package planner validates task and project writes and attaches conflict
// advisories to them.
package planner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"sitecrew/internal/conflict"
	"sitecrew/internal/domain"
)

var ErrInvalidTask = errors.New("invalid task")

type Store interface {
	GetProject(ctx context.Context, id string) (domain.Project, error)
	UpdateProjectWindow(ctx context.Context, id string, w domain.ScheduleWindow, moved []domain.Task) error
	CreateTask(ctx context.Context, t domain.Task) (domain.Task, error)
	GetTask(ctx context.Context, id string) (domain.Task, error)
	UpdateTask(ctx context.Context, t domain.Task) (domain.Task, error)
	ListProjectTasks(ctx context.Context, projectID string) ([]domain.Task, error)
	ListContactTasks(ctx context.Context, contact string) ([]domain.Task, error)
}

type Service struct {
	store             Store
	defaultWindowDays int
	now               func() time.Time
}

func NewService(s Store, defaultWindowDays int) *Service {
	if defaultWindowDays <= 0 {
		defaultWindowDays = 30
	}
	return &Service{store: s, defaultWindowDays: defaultWindowDays, now: func() time.Time { return time.Now().UTC() }}
}

// TaskResult is a persisted task plus any conflicts it was written with.
type TaskResult struct {
	Task       domain.Task         `json:"task"`
	Advisories []conflict.Advisory `json:"advisories"`
}

func validate(t domain.Task) error {
	if strings.TrimSpace(t.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidTask)
	}
	if t.Duration < 0 {
		return fmt.Errorf("%w: duration must be >= 0", ErrInvalidTask)
	}
	return nil
}

// CreateTask persists t in backlog. Conflicts are reported, never enforced.
func (s *Service) CreateTask(ctx context.Context, t domain.Task) (TaskResult, error) {
	if err := validate(t); err != nil {
		return TaskResult{}, err
	}
	t.Status = domain.StatusBacklog
	projectTasks, err := s.projectTasks(ctx, t.ProjectID)
	if err != nil {
		return TaskResult{}, err
	}
	if len(t.Dependencies) > 0 {
		if err := domain.ValidateDependencies("", t.Dependencies, projectTasks); err != nil {
			return TaskResult{}, err
		}
	}

	created, err := s.store.CreateTask(ctx, t)
	if err != nil {
		return TaskResult{}, err
	}
	advisories, err := s.assess(ctx, created, projectTasks)
	if err != nil {
		return TaskResult{}, err
	}
	return TaskResult{Task: created, Advisories: advisories}, nil
}

// UpdateTask writes t over the stored task. The project cannot change and a
// status change must be a valid transition.
func (s *Service) UpdateTask(ctx context.Context, t domain.Task) (TaskResult, error) {
	if err := validate(t); err != nil {
		return TaskResult{}, err
	}
	prev, err := s.store.GetTask(ctx, t.ID)
	if err != nil {
		return TaskResult{}, err
	}
	t.ProjectID = prev.ProjectID
	projectTasks, err := s.projectTasks(ctx, t.ProjectID)
	if err != nil {
		return TaskResult{}, err
	}
	if err := domain.ValidateDependencies(t.ID, t.Dependencies, projectTasks); err != nil {
		return TaskResult{}, err
	}

	updated, err := s.store.UpdateTask(ctx, t)
	if err != nil {
		return TaskResult{}, err
	}
	advisories, err := s.assess(ctx, updated, projectTasks)
	if err != nil {
		return TaskResult{}, err
	}
	return TaskResult{Task: updated, Advisories: advisories}, nil
}

// Check runs the conflict detector for a candidate that has not been written.
func (s *Service) Check(ctx context.Context, candidate domain.Task) ([]conflict.Advisory, error) {
	candidate.StartDate = domain.Day(candidate.StartDate)
	projectTasks, err := s.projectTasks(ctx, candidate.ProjectID)
	if err != nil {
		return nil, err
	}
	return s.assess(ctx, candidate, projectTasks)
}

// EditWindow replaces the project window and reschedules its not-yet-started
// tasks into it. Returns the tasks that moved.
func (s *Service) EditWindow(ctx context.Context, projectID string, w domain.ScheduleWindow) ([]domain.Task, error) {
	w, err := domain.NewWindow(w.Start, w.Deadline)
	if err != nil {
		return nil, err
	}
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	tasks, err := s.store.ListProjectTasks(ctx, projectID)
	if err != nil {
		return nil, err
	}
	moved := domain.Reschedule(tasks, project.Window(s.now(), s.defaultWindowDays), w)
	if err := s.store.UpdateProjectWindow(ctx, projectID, w, moved); err != nil {
		return nil, err
	}
	return moved, nil
}

// SubmitQuote records a quote reference as a new extraction request.
func (s *Service) SubmitQuote(ctx context.Context, projectID, quoteURL string) (domain.Task, error) {
	if strings.TrimSpace(quoteURL) == "" {
		return domain.Task{}, fmt.Errorf("%w: quote_url is required", ErrInvalidTask)
	}
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		return domain.Task{}, err
	}
	return s.store.CreateTask(ctx, domain.Task{
		ProjectID: projectID,
		Title:     "Extract tasks from quote",
		Assignee:  domain.AIBot,
		QuoteURL:  quoteURL,
		Status:    domain.StatusBacklog,
	})
}

func (s *Service) projectTasks(ctx context.Context, projectID string) ([]domain.Task, error) {
	if projectID == "" {
		return nil, nil
	}
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	return s.store.ListProjectTasks(ctx, projectID)
}

func (s *Service) assess(ctx context.Context, candidate domain.Task, projectTasks []domain.Task) ([]conflict.Advisory, error) {
	var workerTasks []domain.Task
	if candidate.AssigneeContact != "" {
		var err error
		workerTasks, err = s.store.ListContactTasks(ctx, candidate.AssigneeContact)
		if err != nil {
			return nil, err
		}
	}
	advisories := conflict.Assess(candidate, workerTasks, projectTasks)
	if advisories == nil {
		advisories = []conflict.Advisory{}
	}
	return advisories, nil
}
