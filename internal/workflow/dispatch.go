package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"sitecrew/internal/domain"
	"sitecrew/internal/messaging"
)

// DispatchStore is the persistence the daily dispatch needs.
type DispatchStore interface {
	ListOpenAssignedTasks(ctx context.Context) ([]domain.Task, error)
	PutWorkerContext(ctx context.Context, wc domain.WorkerContext) (domain.WorkerContext, error)
	MarkNotified(ctx context.Context, ids []string, at time.Time) error
}

type Dispatcher struct {
	store        DispatchStore
	messenger    messaging.Messenger
	templates    *messaging.Templates
	parallelism  int
	summaryLimit int
	now          func() time.Time
}

func NewDispatcher(s DispatchStore, m messaging.Messenger, t *messaging.Templates, parallelism, summaryLimit int) *Dispatcher {
	if parallelism <= 0 {
		parallelism = 8
	}
	if summaryLimit <= 0 {
		summaryLimit = 5
	}
	return &Dispatcher{
		store:        s,
		messenger:    m,
		templates:    t,
		parallelism:  parallelism,
		summaryLimit: summaryLimit,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

type Failure struct {
	Contact string `json:"contact"`
	Error   string `json:"error"`
}

// Report summarizes one dispatch run. Workers is the number of contacts with
// open tasks; Notified counts the summaries that were delivered.
type Report struct {
	Workers  int       `json:"workers"`
	Notified int       `json:"notified"`
	Failed   int       `json:"failed"`
	Failures []Failure `json:"failures,omitempty"`
}

type summaryLine struct {
	Position int
	Title    string
	Due      string
}

type summaryData struct {
	Name     string
	Count    int
	Tasks    []summaryLine
	Overflow int
}

// Run rebuilds every worker's context from their open tasks and sends the
// daily summary. Workers are handled independently with bounded
// parallelism; one worker's failure does not stop the others.
func (d *Dispatcher) Run(ctx context.Context) (Report, error) {
	tasks, err := d.store.ListOpenAssignedTasks(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list open tasks: %w", err)
	}
	byContact := groupByContact(tasks)

	contacts := make([]string, 0, len(byContact))
	for c := range byContact {
		contacts = append(contacts, c)
	}
	sort.Strings(contacts)

	var (
		mu     sync.Mutex
		report = Report{Workers: len(contacts)}
		g      errgroup.Group
	)
	g.SetLimit(d.parallelism)
	for _, contact := range contacts {
		g.Go(func() error {
			err := d.dispatchWorker(ctx, contact, byContact[contact])
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed++
				report.Failures = append(report.Failures, Failure{Contact: contact, Error: err.Error()})
				log.Warn().Err(err).Str("contact", contact).Msg("daily dispatch failed for worker")
				return nil
			}
			report.Notified++
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(report.Failures, func(i, j int) bool { return report.Failures[i].Contact < report.Failures[j].Contact })
	log.Info().Int("workers", report.Workers).Int("notified", report.Notified).Int("failed", report.Failed).Msg("daily dispatch finished")
	return report, nil
}

func (d *Dispatcher) dispatchWorker(ctx context.Context, contact string, tasks []domain.Task) error {
	sortByDue(tasks)
	now := d.now()

	refs := make([]domain.TaskRef, len(tasks))
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		refs[i] = domain.TaskRef{TaskID: t.ID, ProjectID: t.ProjectID, Title: t.Title, Position: i + 1}
		if t.Scheduled() {
			due := t.EndDate()
			refs[i].DueDate = &due
		}
		ids[i] = t.ID
	}

	wc := domain.WorkerContext{
		Contact:          contact,
		AssigneeName:     tasks[0].Assignee,
		TodaysTasks:      refs,
		CurrentTaskIndex: 0,
		LastMessageAt:    now,
	}
	if _, err := d.store.PutWorkerContext(ctx, wc); err != nil {
		return fmt.Errorf("write worker context: %w", err)
	}

	msg, err := d.templates.Message(messaging.TemplateDailySummary, d.summary(wc), map[string]any{"count": len(refs)})
	if err != nil {
		return err
	}
	if err := d.messenger.Send(ctx, contact, msg); err != nil {
		return fmt.Errorf("send summary: %w", err)
	}
	if err := d.store.MarkNotified(ctx, ids, now); err != nil {
		return fmt.Errorf("mark notified: %w", err)
	}
	return nil
}

func (d *Dispatcher) summary(wc domain.WorkerContext) summaryData {
	data := summaryData{Name: wc.AssigneeName, Count: len(wc.TodaysTasks)}
	visible := wc.TodaysTasks
	if len(visible) > d.summaryLimit {
		data.Overflow = len(visible) - d.summaryLimit
		visible = visible[:d.summaryLimit]
	}
	for _, ref := range visible {
		line := summaryLine{Position: ref.Position, Title: ref.Title}
		if ref.DueDate != nil {
			line.Due = ref.DueDate.Format(time.DateOnly)
		}
		data.Tasks = append(data.Tasks, line)
	}
	return data
}

func groupByContact(tasks []domain.Task) map[string][]domain.Task {
	out := make(map[string][]domain.Task)
	for _, t := range tasks {
		if t.AssigneeContact == "" || t.Status == domain.StatusDone || t.Status == domain.StatusError {
			continue
		}
		out[t.AssigneeContact] = append(out[t.AssigneeContact], t)
	}
	return out
}

// sortByDue orders tasks by due date ascending with undated tasks last.
func sortByDue(tasks []domain.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.Scheduled() != b.Scheduled() {
			return a.Scheduled()
		}
		if !a.Scheduled() {
			return false
		}
		return a.EndDate().Before(b.EndDate())
	})
}
