package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"sitecrew/internal/conflict"
	"sitecrew/internal/domain"
	"sitecrew/internal/events"
	"sitecrew/internal/planner"
	"sitecrew/internal/store"
	"sitecrew/internal/workflow"
)

// Deps are the collaborators behind the HTTP surface.
type Deps struct {
	Repo       store.Repository
	Planner    *planner.Service
	Engine     *workflow.Engine
	Dispatcher *workflow.Dispatcher
	Bus        *events.Bus
	Debug      bool
}

type Server struct {
	r    *chi.Mux
	deps Deps

	repliesHandled   atomic.Int64
	repliesUnhandled atomic.Int64
	dispatchRuns     atomic.Int64
	quotesSubmitted  atomic.Int64
}

func NewServer(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, deps: deps}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)

	r.Post("/api/projects", s.createProject)
	r.Get("/api/projects/{id}", s.getProject)
	r.Put("/api/projects/{id}/window", s.updateWindow)
	r.Post("/api/projects/{id}/tasks", s.createTask)
	r.Get("/api/projects/{id}/tasks", s.listTasks)
	r.Post("/api/projects/{id}/quotes", s.submitQuote)
	r.Get("/api/projects/{id}/events", s.listEvents)

	r.Get("/api/tasks/{id}", s.getTask)
	r.Put("/api/tasks/{id}", s.updateTask)
	r.Post("/api/conflicts/check", s.checkConflicts)

	r.Post("/api/messages/inbound", s.inboundMessage)
	r.Post("/api/dispatch", s.runDispatch)
	r.Get("/api/events/ws", s.streamEvents)

	// Debug routes (pprof)
	if deps.Debug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "sitecrew_up 1\n")
	fmt.Fprintf(w, "sitecrew_replies_total{handled=\"true\"} %d\n", s.repliesHandled.Load())
	fmt.Fprintf(w, "sitecrew_replies_total{handled=\"false\"} %d\n", s.repliesUnhandled.Load())
	fmt.Fprintf(w, "sitecrew_dispatch_runs_total %d\n", s.dispatchRuns.Load())
	fmt.Fprintf(w, "sitecrew_quotes_submitted_total %d\n", s.quotesSubmitted.Load())
}

// Projects

type projectReq struct {
	Name     string `json:"name"`
	Start    string `json:"start"`
	Deadline string `json:"deadline"`
}

func (s *Server) createProject(w http.ResponseWriter, r *http.Request) {
	var req projectReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", 400)
		return
	}
	p := domain.Project{Name: req.Name}
	if req.Start != "" || req.Deadline != "" {
		win, err := parseWindow(req.Start, req.Deadline)
		if err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		p.Start, p.Deadline = &win.Start, &win.Deadline
	}
	created, err := s.deps.Repo.CreateProject(r.Context(), p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) getProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Repo.GetProject(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, p)
}

type windowResp struct {
	Window domain.ScheduleWindow `json:"window"`
	Moved  []domain.Task         `json:"moved"`
}

func (s *Server) updateWindow(w http.ResponseWriter, r *http.Request) {
	var req projectReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	win, err := parseWindow(req.Start, req.Deadline)
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	moved, err := s.deps.Planner.EditWindow(r.Context(), chi.URLParam(r, "id"), win)
	if err != nil {
		writeError(w, err)
		return
	}
	if moved == nil {
		moved = []domain.Task{}
	}
	writeJSON(w, 200, windowResp{Window: win, Moved: moved})
}

func parseWindow(start, deadline string) (domain.ScheduleWindow, error) {
	if start == "" || deadline == "" {
		return domain.ScheduleWindow{}, errors.New("start and deadline are required")
	}
	s, err := domain.ParseDay(start)
	if err != nil {
		return domain.ScheduleWindow{}, err
	}
	d, err := domain.ParseDay(deadline)
	if err != nil {
		return domain.ScheduleWindow{}, err
	}
	return domain.NewWindow(s, d)
}

// Tasks

type taskReq struct {
	Title           *string   `json:"title"`
	Description     *string   `json:"description"`
	StartDate       *string   `json:"start_date"`
	Duration        *int      `json:"duration"`
	Dependencies    *[]string `json:"dependencies"`
	Assignee        *string   `json:"assignee"`
	AssigneeContact *string   `json:"assignee_contact"`
	Status          *string   `json:"status"`
}

// apply copies the fields present in the request onto t. An empty
// start_date unschedules the task.
func (req taskReq) apply(t *domain.Task) error {
	if req.Title != nil {
		t.Title = *req.Title
	}
	if req.Description != nil {
		t.Description = *req.Description
	}
	if req.StartDate != nil {
		if *req.StartDate == "" {
			t.StartDate = time.Time{}
		} else {
			d, err := domain.ParseDay(*req.StartDate)
			if err != nil {
				return err
			}
			t.StartDate = d
		}
	}
	if req.Duration != nil {
		t.Duration = *req.Duration
	}
	if req.Dependencies != nil {
		t.Dependencies = *req.Dependencies
	}
	if req.Assignee != nil {
		t.Assignee = *req.Assignee
	}
	if req.AssigneeContact != nil {
		t.AssigneeContact = *req.AssigneeContact
	}
	if req.Status != nil {
		st, err := domain.ParseStatus(*req.Status)
		if err != nil {
			return err
		}
		t.Status = st
	}
	return nil
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req taskReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	req.Status = nil
	t := domain.Task{ProjectID: chi.URLParam(r, "id")}
	if err := req.apply(&t); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	res, err := s.deps.Planner.CreateTask(r.Context(), t)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.deps.Repo.GetProject(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	tasks, err := s.deps.Repo.ListProjectTasks(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	writeJSON(w, 200, tasks)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.deps.Repo.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, t)
}

func (s *Server) updateTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.deps.Repo.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req taskReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if err := req.apply(&t); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	res, err := s.deps.Planner.UpdateTask(r.Context(), t)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, res)
}

type checkReq struct {
	TaskID          string   `json:"task_id"`
	ProjectID       string   `json:"project_id"`
	AssigneeContact string   `json:"assignee_contact"`
	StartDate       string   `json:"start_date"`
	Duration        int      `json:"duration"`
	Dependencies    []string `json:"dependencies"`
}

type checkResp struct {
	Conflict   bool                `json:"conflict"`
	Advisories []conflict.Advisory `json:"advisories"`
}

func (s *Server) checkConflicts(w http.ResponseWriter, r *http.Request) {
	var req checkReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.StartDate == "" {
		http.Error(w, "start_date is required", 400)
		return
	}
	start, err := domain.ParseDay(req.StartDate)
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Duration < 0 {
		http.Error(w, "duration must be >= 0", 400)
		return
	}
	advisories, err := s.deps.Planner.Check(r.Context(), domain.Task{
		ID:              req.TaskID,
		ProjectID:       req.ProjectID,
		AssigneeContact: req.AssigneeContact,
		StartDate:       start,
		Duration:        req.Duration,
		Dependencies:    req.Dependencies,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, checkResp{Conflict: len(advisories) > 0, Advisories: advisories})
}

// Extraction

type quoteReq struct {
	QuoteURL string `json:"quote_url"`
}

func (s *Server) submitQuote(w http.ResponseWriter, r *http.Request) {
	var req quoteReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	t, err := s.deps.Planner.SubmitQuote(r.Context(), chi.URLParam(r, "id"), req.QuoteURL)
	if err != nil {
		writeError(w, err)
		return
	}
	s.quotesSubmitted.Add(1)
	writeJSON(w, http.StatusAccepted, t)
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.deps.Repo.ListEvents(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []domain.LogEntry{}
	}
	writeJSON(w, 200, entries)
}

// Messaging

type inboundReq struct {
	From string `json:"from"`
	Text string `json:"text"`
}

// inboundMessage always answers 200 so the provider does not redeliver;
// the body says whether the reply moved the workflow.
func (s *Server) inboundMessage(w http.ResponseWriter, r *http.Request) {
	var req inboundReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.From == "" {
		http.Error(w, "from is required", 400)
		return
	}
	res := s.deps.Engine.HandleReply(r.Context(), req.From, req.Text)
	if res.Handled {
		s.repliesHandled.Add(1)
	} else {
		s.repliesUnhandled.Add(1)
		log.Info().Str("contact", req.From).Str("reason", res.Reason).Msg("reply not handled")
	}
	writeJSON(w, 200, res)
}

func (s *Server) runDispatch(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Dispatcher.Run(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	s.dispatchRuns.Add(1)
	writeJSON(w, 200, report)
}

func writeError(w http.ResponseWriter, err error) {
	code := 500
	switch {
	case errors.Is(err, store.ErrNotFound):
		code = 404
	case errors.Is(err, store.ErrVersionConflict), errors.Is(err, domain.ErrInvalidTransition):
		code = 409
	case errors.Is(err, planner.ErrInvalidTask),
		errors.Is(err, domain.ErrInvalidWindow),
		errors.Is(err, domain.ErrSelfDependency),
		errors.Is(err, domain.ErrDependencyCycle),
		errors.Is(err, domain.ErrUnknownDependency):
		code = 400
	}
	if code == 500 {
		log.Error().Err(err).Msg("request failed")
	}
	http.Error(w, err.Error(), code)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
