package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"sitecrew/internal/domain"
	"sitecrew/internal/events"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrVersionConflict = errors.New("worker context was modified concurrently")
)

type Repository interface {
	CreateProject(ctx context.Context, p domain.Project) (domain.Project, error)
	GetProject(ctx context.Context, id string) (domain.Project, error)
	UpdateProjectWindow(ctx context.Context, id string, w domain.ScheduleWindow, moved []domain.Task) error

	CreateTask(ctx context.Context, t domain.Task) (domain.Task, error)
	GetTask(ctx context.Context, id string) (domain.Task, error)
	UpdateTask(ctx context.Context, t domain.Task) (domain.Task, error)
	ListProjectTasks(ctx context.Context, projectID string) ([]domain.Task, error)
	ListContactTasks(ctx context.Context, contact string) ([]domain.Task, error)
	ListOpenAssignedTasks(ctx context.Context) ([]domain.Task, error)
	MarkNotified(ctx context.Context, ids []string, at time.Time) error

	// Extraction requests
	ClaimExtraction(ctx context.Context, now time.Time, lease time.Duration) (domain.Task, error)
	ReleaseExtraction(ctx context.Context, id string) error
	CommitExtraction(ctx context.Context, requestID string, tasks []domain.Task, summary string) error
	FailExtraction(ctx context.Context, requestID, reason string) error

	// Worker contexts
	GetWorkerContext(ctx context.Context, contact string) (domain.WorkerContext, error)
	PutWorkerContext(ctx context.Context, wc domain.WorkerContext) (domain.WorkerContext, error)
	SaveWorkerContext(ctx context.Context, wc domain.WorkerContext, change *domain.StatusChange) (domain.WorkerContext, error)

	// Event log
	AppendEvent(ctx context.Context, e domain.LogEntry) error
	ListEvents(ctx context.Context, projectID string, limit int) ([]domain.LogEntry, error)
}

type sqliteRepo struct {
	db  *sql.DB
	bus *events.Bus
	now func() time.Time
}

// NewSQLiteRepo returns a Repository backed by db. Domain events are
// published on bus after each commit; bus may be nil.
func NewSQLiteRepo(db *sql.DB, bus *events.Bus) Repository {
	return &sqliteRepo{db: db, bus: bus, now: func() time.Time { return time.Now().UTC() }}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type scanner interface {
	Scan(dest ...any) error
}

func nullTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC()
}

func nullDay(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return domain.Day(t)
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

// Projects

func (r *sqliteRepo) CreateProject(ctx context.Context, p domain.Project) (domain.Project, error) {
	if p.ID == "" {
		p.ID = "prj_" + uuid.NewString()
	}
	if p.Start != nil && p.Deadline != nil {
		if _, err := domain.NewWindow(*p.Start, *p.Deadline); err != nil {
			return domain.Project{}, err
		}
	}
	p.CreatedAt = r.now()
	_, err := r.db.ExecContext(ctx, `
INSERT INTO projects (id,name,start_date,deadline,created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.Name, nullTime(p.Start), nullTime(p.Deadline), p.CreatedAt)
	if err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

func (r *sqliteRepo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id,name,start_date,deadline,created_at FROM projects WHERE id=?`, id)
	var p domain.Project
	var start, deadline sql.NullTime
	if err := row.Scan(&p.ID, &p.Name, &start, &deadline, &p.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Project{}, fmt.Errorf("project %s: %w", id, ErrNotFound)
		}
		return domain.Project{}, err
	}
	p.Start = timePtr(start)
	p.Deadline = timePtr(deadline)
	return p, nil
}

func (r *sqliteRepo) UpdateProjectWindow(ctx context.Context, id string, w domain.ScheduleWindow, moved []domain.Task) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `UPDATE projects SET start_date=?, deadline=? WHERE id=?`, w.Start, w.Deadline, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		err = fmt.Errorf("project %s: %w", id, ErrNotFound)
		return err
	}
	now := r.now()
	for _, t := range moved {
		if _, err = tx.ExecContext(ctx, `UPDATE tasks SET start_date=?, updated_at=? WHERE id=? AND project_id=? AND status='backlog'`,
			nullDay(t.StartDate), now, t.ID, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Tasks

const taskColumns = `id,project_id,title,description,start_date,duration,dependencies,assignee,assignee_contact,status,status_detail,quote_url,original_quote_id,is_new,notified_at,accepted_at,completed_at,created_at,updated_at`

func scanTask(s scanner) (domain.Task, error) {
	var t domain.Task
	var start, notified, accepted, completed sql.NullTime
	var deps, status string
	err := s.Scan(&t.ID, &t.ProjectID, &t.Title, &t.Description, &start, &t.Duration, &deps, &t.Assignee, &t.AssigneeContact,
		&status, &t.StatusDetail, &t.QuoteURL, &t.OriginalQuoteID, &t.IsNew, &notified, &accepted, &completed, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return domain.Task{}, err
	}
	t.Status = domain.TaskStatus(status)
	if start.Valid {
		t.StartDate = domain.Day(start.Time)
	}
	t.NotifiedAt = timePtr(notified)
	t.AcceptedAt = timePtr(accepted)
	t.CompletedAt = timePtr(completed)
	if deps != "" && deps != "null" {
		if err := json.Unmarshal([]byte(deps), &t.Dependencies); err != nil {
			return domain.Task{}, fmt.Errorf("decode dependencies of %s: %w", t.ID, err)
		}
	}
	return t, nil
}

func (r *sqliteRepo) queryTasks(ctx context.Context, where string, args ...any) ([]domain.Task, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func insertTask(ctx context.Context, db execer, t domain.Task) error {
	deps, err := json.Marshal(t.Dependencies)
	if err != nil {
		return err
	}
	if t.Dependencies == nil {
		deps = []byte("[]")
	}
	_, err = db.ExecContext(ctx, `
INSERT INTO tasks (`+taskColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, t.Title, t.Description, nullDay(t.StartDate), t.Duration, string(deps), t.Assignee, t.AssigneeContact,
		string(t.Status), t.StatusDetail, t.QuoteURL, t.OriginalQuoteID, t.IsNew,
		nullTime(t.NotifiedAt), nullTime(t.AcceptedAt), nullTime(t.CompletedAt), t.CreatedAt, t.UpdatedAt)
	return err
}

func (r *sqliteRepo) prepareNew(t domain.Task) domain.Task {
	if t.ID == "" {
		t.ID = "tsk_" + uuid.NewString()
	}
	if t.Status == "" {
		t.Status = domain.StatusBacklog
	}
	t.StartDate = domain.Day(t.StartDate)
	now := r.now()
	t.CreatedAt = now
	t.UpdatedAt = now
	return t
}

func (r *sqliteRepo) CreateTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	t = r.prepareNew(t)
	if t.Duration < 0 {
		return domain.Task{}, fmt.Errorf("duration must be >= 0, got %d", t.Duration)
	}
	if err := insertTask(ctx, r.db, t); err != nil {
		return domain.Task{}, err
	}
	r.bus.Publish(events.Event{Kind: events.TaskCreated, ProjectID: t.ProjectID, TaskID: t.ID, Assignee: t.Assignee, At: t.CreatedAt})
	return t, nil
}

func (r *sqliteRepo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	t, err := scanTask(r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t, err
}

// UpdateTask writes the mutable fields of t. A status change must be a valid
// transition from the stored status. Assignee and status changes are
// published as domain events after commit.
func (r *sqliteRepo) UpdateTask(ctx context.Context, t domain.Task) (_ domain.Task, err error) {
	if t.Duration < 0 {
		return domain.Task{}, fmt.Errorf("duration must be >= 0, got %d", t.Duration)
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	prev, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, t.ID))
	if errors.Is(err, sql.ErrNoRows) {
		err = fmt.Errorf("task %s: %w", t.ID, ErrNotFound)
		return domain.Task{}, err
	}
	if err != nil {
		return domain.Task{}, err
	}

	now := r.now()
	next := prev
	if t.Status != "" && t.Status != prev.Status {
		if err = next.SetStatus(t.Status, now); err != nil {
			return domain.Task{}, err
		}
	}
	next.Title = t.Title
	next.Description = t.Description
	next.StartDate = domain.Day(t.StartDate)
	next.Duration = t.Duration
	next.Dependencies = t.Dependencies
	next.Assignee = t.Assignee
	next.AssigneeContact = t.AssigneeContact
	next.IsNew = t.IsNew
	next.UpdatedAt = now

	deps, err := json.Marshal(next.Dependencies)
	if err != nil {
		return domain.Task{}, err
	}
	if next.Dependencies == nil {
		deps = []byte("[]")
	}
	_, err = tx.ExecContext(ctx, `
UPDATE tasks SET title=?, description=?, start_date=?, duration=?, dependencies=?, assignee=?, assignee_contact=?,
  status=?, is_new=?, accepted_at=?, completed_at=?, updated_at=?
WHERE id=?`,
		next.Title, next.Description, nullDay(next.StartDate), next.Duration, string(deps), next.Assignee, next.AssigneeContact,
		string(next.Status), next.IsNew, nullTime(next.AcceptedAt), nullTime(next.CompletedAt), now, next.ID)
	if err != nil {
		return domain.Task{}, err
	}
	if err = tx.Commit(); err != nil {
		return domain.Task{}, err
	}

	if prev.Assignee != next.Assignee || prev.AssigneeContact != next.AssigneeContact {
		r.bus.Publish(events.Event{Kind: events.TaskAssigneeChanged, ProjectID: next.ProjectID, TaskID: next.ID,
			Assignee: next.Assignee, Old: prev.Assignee, New: next.Assignee, At: now})
	}
	if prev.Status != next.Status {
		r.bus.Publish(events.Event{Kind: events.TaskStatusChanged, ProjectID: next.ProjectID, TaskID: next.ID,
			Assignee: next.Assignee, Old: string(prev.Status), New: string(next.Status), At: now})
	}
	return next, nil
}

func (r *sqliteRepo) ListProjectTasks(ctx context.Context, projectID string) ([]domain.Task, error) {
	return r.queryTasks(ctx, `project_id=? ORDER BY created_at, id`, projectID)
}

func (r *sqliteRepo) ListContactTasks(ctx context.Context, contact string) ([]domain.Task, error) {
	return r.queryTasks(ctx, `assignee_contact=? ORDER BY start_date, id`, contact)
}

// ListOpenAssignedTasks returns every non-terminal task with a worker contact,
// excluding extraction requests.
func (r *sqliteRepo) ListOpenAssignedTasks(ctx context.Context) ([]domain.Task, error) {
	return r.queryTasks(ctx, `status IN ('backlog','in-progress') AND assignee_contact != '' AND assignee != ? ORDER BY assignee_contact, id`, domain.AIBot)
}

func (r *sqliteRepo) MarkNotified(ctx context.Context, ids []string, at time.Time) error {
	for _, id := range ids {
		if _, err := r.db.ExecContext(ctx, `UPDATE tasks SET notified_at=? WHERE id=?`, at.UTC(), id); err != nil {
			return err
		}
	}
	return nil
}

// Extraction requests

// ClaimExtraction leases the oldest extraction request that matches the
// trigger predicate and holds no live lease. Returns ErrNotFound when none is
// ready.
func (r *sqliteRepo) ClaimExtraction(ctx context.Context, now time.Time, lease time.Duration) (_ domain.Task, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	t, err := scanTask(tx.QueryRowContext(ctx, `
SELECT `+taskColumns+`
FROM tasks
WHERE status='backlog' AND assignee=? AND quote_url != '' AND lease_until < ?
ORDER BY created_at ASC
LIMIT 1`, domain.AIBot, now.Unix()))
	if errors.Is(err, sql.ErrNoRows) {
		err = ErrNotFound
		return domain.Task{}, err
	}
	if err != nil {
		return domain.Task{}, err
	}

	leaseUntil := now.Add(lease).Unix()
	if _, err = tx.ExecContext(ctx, `UPDATE tasks SET lease_until=? WHERE id=?`, leaseUntil, t.ID); err != nil {
		return domain.Task{}, err
	}
	if err = tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

func (r *sqliteRepo) ReleaseExtraction(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE tasks SET lease_until=0 WHERE id=?`, id)
	return err
}

// CommitExtraction inserts the derived tasks and flips the request to done in
// one transaction. Nothing is visible unless every write succeeds.
func (r *sqliteRepo) CommitExtraction(ctx context.Context, requestID string, tasks []domain.Task, summary string) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	created := make([]domain.Task, 0, len(tasks))
	for _, t := range tasks {
		t = r.prepareNew(t)
		if err = insertTask(ctx, tx, t); err != nil {
			return fmt.Errorf("insert task %q: %w", t.Title, err)
		}
		created = append(created, t)
	}

	now := r.now()
	res, err := tx.ExecContext(ctx, `
UPDATE tasks SET status='done', status_detail=?, completed_at=?, lease_until=0, updated_at=?
WHERE id=? AND status='backlog' AND assignee=?`, summary, now, now, requestID, domain.AIBot)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		err = fmt.Errorf("extraction request %s is no longer pending: %w", requestID, domain.ErrInvalidTransition)
		return err
	}
	if err = tx.Commit(); err != nil {
		return err
	}

	for _, t := range created {
		r.bus.Publish(events.Event{Kind: events.TaskCreated, ProjectID: t.ProjectID, TaskID: t.ID, Assignee: t.Assignee, At: now})
	}
	r.bus.Publish(events.Event{Kind: events.TaskStatusChanged, TaskID: requestID, Assignee: domain.AIBot,
		Old: string(domain.StatusBacklog), New: string(domain.StatusDone), At: now})
	return nil
}

func (r *sqliteRepo) FailExtraction(ctx context.Context, requestID, reason string) error {
	now := r.now()
	res, err := r.db.ExecContext(ctx, `
UPDATE tasks SET status='error', status_detail=?, lease_until=0, updated_at=?
WHERE id=? AND status='backlog' AND assignee=?`, reason, now, requestID, domain.AIBot)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("extraction request %s is no longer pending: %w", requestID, domain.ErrInvalidTransition)
	}
	r.bus.Publish(events.Event{Kind: events.TaskStatusChanged, TaskID: requestID, Assignee: domain.AIBot,
		Old: string(domain.StatusBacklog), New: string(domain.StatusError), At: now})
	return nil
}

// Worker contexts

const contextColumns = `contact,assignee_name,todays_tasks,current_task_index,current_task_id,awaiting,last_message_at,version`

func (r *sqliteRepo) GetWorkerContext(ctx context.Context, contact string) (domain.WorkerContext, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+contextColumns+` FROM worker_contexts WHERE contact=?`, contact)
	var wc domain.WorkerContext
	var todays, awaiting string
	var last sql.NullTime
	if err := row.Scan(&wc.Contact, &wc.AssigneeName, &todays, &wc.CurrentTaskIndex, &wc.CurrentTaskID, &awaiting, &last, &wc.Version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.WorkerContext{}, fmt.Errorf("worker context %s: %w", contact, ErrNotFound)
		}
		return domain.WorkerContext{}, err
	}
	wc.Awaiting = domain.AwaitState(awaiting)
	if last.Valid {
		wc.LastMessageAt = last.Time.UTC()
	}
	if err := json.Unmarshal([]byte(todays), &wc.TodaysTasks); err != nil {
		return domain.WorkerContext{}, fmt.Errorf("decode todays_tasks of %s: %w", contact, err)
	}
	return wc, nil
}

// PutWorkerContext overwrites the context for wc.Contact regardless of its
// stored version. Used by the daily dispatch, which rebuilds contexts.
func (r *sqliteRepo) PutWorkerContext(ctx context.Context, wc domain.WorkerContext) (domain.WorkerContext, error) {
	todays, err := json.Marshal(wc.TodaysTasks)
	if err != nil {
		return domain.WorkerContext{}, err
	}
	row := r.db.QueryRowContext(ctx, `
INSERT INTO worker_contexts (`+contextColumns+`) VALUES (?,?,?,?,?,?,?,1)
ON CONFLICT(contact) DO UPDATE SET
  assignee_name=excluded.assignee_name,
  todays_tasks=excluded.todays_tasks,
  current_task_index=excluded.current_task_index,
  current_task_id=excluded.current_task_id,
  awaiting=excluded.awaiting,
  last_message_at=excluded.last_message_at,
  version=worker_contexts.version+1
RETURNING version`,
		wc.Contact, wc.AssigneeName, string(todays), wc.CurrentTaskIndex, wc.CurrentTaskID, string(wc.Awaiting), nullTime(&wc.LastMessageAt))
	if err := row.Scan(&wc.Version); err != nil {
		return domain.WorkerContext{}, err
	}
	return wc, nil
}

// SaveWorkerContext writes wc only if the stored version still equals
// wc.Version, and applies change to its task in the same transaction.
// Returns ErrVersionConflict when another writer got there first.
func (r *sqliteRepo) SaveWorkerContext(ctx context.Context, wc domain.WorkerContext, change *domain.StatusChange) (_ domain.WorkerContext, err error) {
	todays, err := json.Marshal(wc.TodaysTasks)
	if err != nil {
		return domain.WorkerContext{}, err
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkerContext{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `
UPDATE worker_contexts SET assignee_name=?, todays_tasks=?, current_task_index=?, current_task_id=?, awaiting=?,
  last_message_at=?, version=version+1
WHERE contact=? AND version=?`,
		wc.AssigneeName, string(todays), wc.CurrentTaskIndex, wc.CurrentTaskID, string(wc.Awaiting),
		nullTime(&wc.LastMessageAt), wc.Contact, wc.Version)
	if err != nil {
		return domain.WorkerContext{}, err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		err = ErrVersionConflict
		return domain.WorkerContext{}, err
	}

	var prev, next domain.Task
	if change != nil {
		prev, err = scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, change.TaskID))
		if errors.Is(err, sql.ErrNoRows) {
			err = fmt.Errorf("task %s: %w", change.TaskID, ErrNotFound)
			return domain.WorkerContext{}, err
		}
		if err != nil {
			return domain.WorkerContext{}, err
		}
		next = prev
		if err = next.SetStatus(change.To, change.At.UTC()); err != nil {
			return domain.WorkerContext{}, err
		}
		if _, err = tx.ExecContext(ctx, `UPDATE tasks SET status=?, accepted_at=?, completed_at=?, updated_at=? WHERE id=?`,
			string(next.Status), nullTime(next.AcceptedAt), nullTime(next.CompletedAt), next.UpdatedAt, next.ID); err != nil {
			return domain.WorkerContext{}, err
		}
	}
	if err = tx.Commit(); err != nil {
		return domain.WorkerContext{}, err
	}

	if change != nil {
		r.bus.Publish(events.Event{Kind: events.TaskStatusChanged, ProjectID: next.ProjectID, TaskID: next.ID,
			Assignee: next.Assignee, Old: string(prev.Status), New: string(next.Status), At: next.UpdatedAt})
	}
	wc.Version++
	return wc, nil
}

// Event log

func (r *sqliteRepo) AppendEvent(ctx context.Context, e domain.LogEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.now()
	}
	if e.Severity == "" {
		e.Severity = domain.SeverityInfo
	}
	res, err := r.db.ExecContext(ctx, `
INSERT INTO events (project_id,task_id,step,detail,severity,created_at) VALUES (?,?,?,?,?,?)`,
		e.ProjectID, e.TaskID, e.Step, e.Detail, string(e.Severity), e.CreatedAt)
	if err != nil {
		return err
	}
	e.ID, _ = res.LastInsertId()
	r.bus.Publish(events.Event{Kind: events.EntryLogged, ProjectID: e.ProjectID, TaskID: e.TaskID, Entry: &e, At: e.CreatedAt})
	return nil
}

func (r *sqliteRepo) ListEvents(ctx context.Context, projectID string, limit int) ([]domain.LogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id,project_id,task_id,step,detail,severity,created_at
FROM events WHERE project_id=? ORDER BY id ASC LIMIT ?`, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.LogEntry
	for rows.Next() {
		var e domain.LogEntry
		var sev string
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.TaskID, &e.Step, &e.Detail, &sev, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Severity = domain.Severity(sev)
		out = append(out, e)
	}
	return out, rows.Err()
}
