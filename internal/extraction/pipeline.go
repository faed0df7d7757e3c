// Package extraction turns an uploaded quote into a batch of scheduled tasks.
//
// A request is a backlog task assigned to domain.AIBot carrying a quote URL.
// Process resolves the project window, calls the Capability, clamps the result
// into the window and commits every derived task together with the request's
// terminal status. Each step is written to the project's event log.
package extraction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"sitecrew/internal/domain"
	"sitecrew/internal/store"
)

// Event log steps.
const (
	StepStarted         = "extraction_started"
	StepWindowResolved  = "window_resolved"
	StepExtracted       = "extracted"
	StepWindowViolation = "window_violation"
	StepCompleted       = "extraction_completed"
	StepFailed          = "extraction_failed"
	StepNotConfigured   = "not_configured"
)

// Store is the persistence the pipeline needs.
type Store interface {
	GetProject(ctx context.Context, id string) (domain.Project, error)
	CommitExtraction(ctx context.Context, requestID string, tasks []domain.Task, summary string) error
	FailExtraction(ctx context.Context, requestID, reason string) error
	AppendEvent(ctx context.Context, e domain.LogEntry) error
}

type Pipeline struct {
	store             Store
	capability        Capability
	defaultWindowDays int
	now               func() time.Time
}

func NewPipeline(s Store, c Capability, defaultWindowDays int) *Pipeline {
	if defaultWindowDays <= 0 {
		defaultWindowDays = 30
	}
	return &Pipeline{
		store:             s,
		capability:        c,
		defaultWindowDays: defaultWindowDays,
		now:               func() time.Time { return time.Now().UTC() },
	}
}

type Result struct {
	Ignored bool `json:"ignored"`
	Created int  `json:"created"`
	Flagged int  `json:"flagged"`
}

// Process runs one extraction request. Requests that do not match the
// trigger predicate are ignored. ErrNotConfigured and a failed project lookup
// leave the request in backlog with its claim lease still held, so it is not
// picked up again before the lease runs out; any other failure moves it to
// error.
func (p *Pipeline) Process(ctx context.Context, req domain.Task) (Result, error) {
	if !req.AwaitingExtraction() {
		return Result{Ignored: true}, nil
	}

	p.record(ctx, req, StepStarted, domain.SeverityInfo, req.QuoteURL)

	window, err := p.resolveWindow(ctx, req)
	if err != nil {
		p.record(ctx, req, StepWindowResolved, domain.SeverityError, err.Error())
		return Result{}, err
	}
	p.record(ctx, req, StepWindowResolved, domain.SeverityInfo,
		fmt.Sprintf("%s..%s", window.Start.Format(time.DateOnly), window.Deadline.Format(time.DateOnly)))

	if p.capability == nil {
		return Result{}, p.notConfigured(ctx, req, ErrNotConfigured)
	}
	out, err := p.capability.Extract(ctx, req.QuoteURL, window)
	if errors.Is(err, ErrNotConfigured) {
		return Result{}, p.notConfigured(ctx, req, err)
	}
	if err != nil {
		var ce *CapabilityError
		if !errors.As(err, &ce) {
			err = &CapabilityError{Err: err}
		}
		return Result{}, p.fail(ctx, req, err)
	}

	tasks, flagged, err := materialize(req, out, window)
	if err != nil {
		return Result{}, p.fail(ctx, req, err)
	}
	p.record(ctx, req, StepExtracted, domain.SeverityInfo, fmt.Sprintf("%d tasks", len(tasks)))
	for _, v := range flagged {
		p.record(ctx, req, StepWindowViolation, domain.SeverityWarn,
			fmt.Sprintf("%q dated %s..%s outside window; clamped", v.Title, v.Start, v.Due))
	}

	summary := fmt.Sprintf("Created %d tasks from quote", len(tasks))
	if len(flagged) > 0 {
		summary += fmt.Sprintf(" (%d clamped into project window)", len(flagged))
	}
	if err := p.store.CommitExtraction(ctx, req.ID, tasks, summary); err != nil {
		return Result{}, p.fail(ctx, req, &CommitError{Err: err})
	}
	p.record(ctx, req, StepCompleted, domain.SeverityInfo, summary)

	log.Info().Str("request_id", req.ID).Str("project_id", req.ProjectID).
		Int("created", len(tasks)).Int("flagged", len(flagged)).Msg("extraction completed")
	return Result{Created: len(tasks), Flagged: len(flagged)}, nil
}

func (p *Pipeline) resolveWindow(ctx context.Context, req domain.Task) (domain.ScheduleWindow, error) {
	now := p.now()
	if req.ProjectID == "" {
		return domain.DefaultWindow(now, p.defaultWindowDays), nil
	}
	project, err := p.store.GetProject(ctx, req.ProjectID)
	if errors.Is(err, store.ErrNotFound) {
		p.record(ctx, req, StepWindowResolved, domain.SeverityWarn, "project not found; using default window")
		return domain.DefaultWindow(now, p.defaultWindowDays), nil
	}
	if err != nil {
		return domain.ScheduleWindow{}, fmt.Errorf("load project %s: %w", req.ProjectID, err)
	}
	return project.Window(now, p.defaultWindowDays), nil
}

func (p *Pipeline) notConfigured(ctx context.Context, req domain.Task, err error) error {
	p.record(ctx, req, StepNotConfigured, domain.SeverityWarn, err.Error())
	log.Warn().Str("request_id", req.ID).Msg("extraction not configured; request left in backlog")
	return err
}

// fail records err on the request and the event log. Bookkeeping runs on a
// fresh deadline so a timed-out capability call is still recorded.
func (p *Pipeline) fail(ctx context.Context, req domain.Task, err error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	p.record(ctx, req, StepFailed, domain.SeverityError, err.Error())
	if ferr := p.store.FailExtraction(ctx, req.ID, err.Error()); ferr != nil {
		log.Error().Err(ferr).Str("request_id", req.ID).Msg("failed to mark extraction request as error")
	}
	log.Error().Err(err).Str("request_id", req.ID).Str("project_id", req.ProjectID).Msg("extraction failed")
	return err
}

func (p *Pipeline) record(ctx context.Context, req domain.Task, step string, sev domain.Severity, detail string) {
	err := p.store.AppendEvent(ctx, domain.LogEntry{
		ProjectID: req.ProjectID,
		TaskID:    req.ID,
		Step:      step,
		Detail:    detail,
		Severity:  sev,
	})
	if err != nil {
		log.Warn().Err(err).Str("request_id", req.ID).Str("step", step).Msg("failed to append event")
	}
}
