// Package workflow drives the per-worker daily dialogue: a summary at
// dispatch time, then one task at a time through start and completion
// replies.
package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"sitecrew/internal/domain"
	"sitecrew/internal/messaging"
	"sitecrew/internal/store"
)

const maxAttempts = 3

// ContextStore reads and conditionally writes worker contexts.
type ContextStore interface {
	GetWorkerContext(ctx context.Context, contact string) (domain.WorkerContext, error)
	SaveWorkerContext(ctx context.Context, wc domain.WorkerContext, change *domain.StatusChange) (domain.WorkerContext, error)
}

// Result reports whether a reply moved the workflow. Reason explains a
// reply that was not handled.
type Result struct {
	Intent  Intent `json:"intent"`
	Handled bool   `json:"handled"`
	Reason  string `json:"reason,omitempty"`
}

type Engine struct {
	store     ContextStore
	messenger messaging.Messenger
	templates *messaging.Templates
	now       func() time.Time
}

func NewEngine(s ContextStore, m messaging.Messenger, t *messaging.Templates) *Engine {
	return &Engine{store: s, messenger: m, templates: t, now: func() time.Time { return time.Now().UTC() }}
}

// outbound is a message rendered and sent after the context write commits.
type outbound struct {
	template string
	data     any
	params   map[string]any
}

type promptData struct {
	Position int
	Total    int
	Title    string
}

// HandleReply applies the reply's intent to the contact's context. The
// read-modify-write is retried when another reply wins the version check.
func (e *Engine) HandleReply(ctx context.Context, contact, text string) Result {
	intent := ParseIntent(text)
	if intent == IntentUnknown {
		e.send(ctx, contact, []outbound{{template: messaging.TemplateUnrecognizedReply}})
		return Result{Reason: "unrecognized reply"}
	}

	keepStatus := false
	for attempt := 0; attempt < maxAttempts; attempt++ {
		wc, err := e.store.GetWorkerContext(ctx, contact)
		if errors.Is(err, store.ErrNotFound) {
			return Result{Intent: intent, Reason: "no worker context"}
		}
		if err != nil {
			return Result{Intent: intent, Reason: err.Error()}
		}

		next, change, msgs, reason := transition(wc, intent, e.now())
		if reason != "" {
			return Result{Intent: intent, Reason: reason}
		}
		if keepStatus {
			change = nil
		}

		_, err = e.store.SaveWorkerContext(ctx, next, change)
		if errors.Is(err, store.ErrVersionConflict) {
			log.Debug().Str("contact", contact).Int("attempt", attempt+1).Msg("worker context conflict, retrying")
			continue
		}
		// A task already closed elsewhere still lets the worker move on.
		if errors.Is(err, domain.ErrInvalidTransition) && intent == IntentDone && !keepStatus {
			keepStatus = true
			continue
		}
		if err != nil {
			return Result{Intent: intent, Reason: err.Error()}
		}

		e.send(ctx, contact, msgs)
		return Result{Intent: intent, Handled: true}
	}
	return Result{Intent: intent, Reason: store.ErrVersionConflict.Error()}
}

// transition computes the next context for intent. A non-empty reason means
// the intent's precondition does not hold and nothing changes.
func transition(wc domain.WorkerContext, intent Intent, now time.Time) (domain.WorkerContext, *domain.StatusChange, []outbound, string) {
	next := wc
	next.LastMessageAt = now

	switch intent {
	case IntentViewFirstTask:
		if len(wc.TodaysTasks) == 0 {
			return wc, nil, nil, "no tasks today"
		}
		next.CurrentTaskIndex = 0
		next.CurrentTaskID = wc.TodaysTasks[0].TaskID
		next.Awaiting = domain.AwaitTaskStart
		return next, nil, []outbound{prompt(next)}, ""

	case IntentStartNow:
		ref, ok := wc.Current()
		if !ok {
			return wc, nil, nil, "no current task"
		}
		if wc.Awaiting != domain.AwaitTaskStart {
			return wc, nil, nil, "not awaiting a start reply"
		}
		next.Awaiting = domain.AwaitCompletion
		change := &domain.StatusChange{TaskID: ref.TaskID, To: domain.StatusInProgress, At: now}
		return next, change, []outbound{{
			template: messaging.TemplateTaskStarted,
			data:     promptData{Position: ref.Position, Total: len(wc.TodaysTasks), Title: ref.Title},
			params:   map[string]any{"task_id": ref.TaskID},
		}}, ""

	case IntentSkip, IntentDone:
		ref, ok := wc.Current()
		if !ok {
			return wc, nil, nil, "no current task"
		}
		var change *domain.StatusChange
		if intent == IntentDone {
			change = &domain.StatusChange{TaskID: ref.TaskID, To: domain.StatusDone, At: now}
		}
		advanced, msg := advance(next)
		return advanced, change, []outbound{msg}, ""

	case IntentStillWorking, IntentAcknowledge:
		return next, nil, nil, ""
	}
	return wc, nil, nil, "unrecognized reply"
}

func advance(wc domain.WorkerContext) (domain.WorkerContext, outbound) {
	idx := wc.CurrentTaskIndex + 1
	if idx >= len(wc.TodaysTasks) {
		wc.CurrentTaskIndex = len(wc.TodaysTasks)
		wc.CurrentTaskID = ""
		wc.Awaiting = domain.AwaitNone
		return wc, outbound{template: messaging.TemplateAllTasksComplete}
	}
	wc.CurrentTaskIndex = idx
	wc.CurrentTaskID = wc.TodaysTasks[idx].TaskID
	wc.Awaiting = domain.AwaitTaskStart
	return wc, prompt(wc)
}

func prompt(wc domain.WorkerContext) outbound {
	ref := wc.TodaysTasks[wc.CurrentTaskIndex]
	return outbound{
		template: messaging.TemplateTaskStartPrompt,
		data:     promptData{Position: ref.Position, Total: len(wc.TodaysTasks), Title: ref.Title},
		params:   map[string]any{"task_id": ref.TaskID, "project_id": ref.ProjectID, "position": ref.Position},
	}
}

// send delivers msgs in order. Failures are logged; the context write has
// already committed.
func (e *Engine) send(ctx context.Context, contact string, msgs []outbound) {
	for _, m := range msgs {
		msg, err := e.templates.Message(m.template, m.data, m.params)
		if err != nil {
			log.Error().Err(err).Str("template", m.template).Msg("failed to render message")
			continue
		}
		if err := e.messenger.Send(ctx, contact, msg); err != nil {
			log.Warn().Err(err).Str("contact", contact).Str("template", m.template).Msg("failed to send message")
		}
	}
}
