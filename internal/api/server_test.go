package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"sitecrew/internal/domain"
	"sitecrew/internal/events"
	"sitecrew/internal/messaging"
	"sitecrew/internal/planner"
	"sitecrew/internal/store"
	"sitecrew/internal/workflow"
)

type captureMessenger struct {
	mu   sync.Mutex
	msgs []messaging.Message
}

func (c *captureMessenger) Send(ctx context.Context, contact string, msg messaging.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func newTestServer(t *testing.T) (*httptest.Server, store.Repository, *events.Bus) {
	t.Helper()
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if err := store.EnsureSchema(db); err != nil {
		t.Fatal(err)
	}
	bus := events.NewBus()
	repo := store.NewSQLiteRepo(db, bus)
	msgr := &captureMessenger{}
	tmpl := messaging.DefaultTemplates()

	srv := httptest.NewServer(NewServer(Deps{
		Repo:       repo,
		Planner:    planner.NewService(repo, 30),
		Engine:     workflow.NewEngine(repo, msgr, tmpl),
		Dispatcher: workflow.NewDispatcher(repo, msgr, tmpl, 2, 5),
		Bus:        bus,
	}))
	t.Cleanup(srv.Close)
	return srv, repo, bus
}

func do(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, url, err)
		}
	}
	return resp.StatusCode
}

func TestHealthAndMetrics(t *testing.T) {
	srv, _, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Errorf("health = %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var b strings.Builder
	if _, err := io.Copy(&b, resp.Body); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(b.String(), "sitecrew_up 1") {
		t.Errorf("metrics = %q", b.String())
	}
}

func TestProjectAndTaskFlow(t *testing.T) {
	srv, _, _ := newTestServer(t)

	var p domain.Project
	if code := do(t, "POST", srv.URL+"/api/projects", map[string]string{"name": "Deck", "start": "2024-01-01", "deadline": "2024-01-31"}, &p); code != 201 {
		t.Fatalf("create project = %d", code)
	}

	var first planner.TaskResult
	code := do(t, "POST", srv.URL+"/api/projects/"+p.ID+"/tasks", map[string]any{
		"title": "Set posts", "start_date": "2024-01-01", "duration": 3, "assignee": "Ana", "assignee_contact": "+1",
	}, &first)
	if code != 201 {
		t.Fatalf("create task = %d", code)
	}

	var second planner.TaskResult
	do(t, "POST", srv.URL+"/api/projects/"+p.ID+"/tasks", map[string]any{
		"title": "Lay boards", "start_date": "2024-01-03", "duration": 2, "assignee": "Ana", "assignee_contact": "+1",
	}, &second)
	if len(second.Advisories) != 1 || second.Advisories[0].Task.ID != first.Task.ID {
		t.Errorf("advisories = %+v", second.Advisories)
	}

	var check checkResp
	do(t, "POST", srv.URL+"/api/conflicts/check", map[string]any{
		"project_id": p.ID, "assignee_contact": "+1", "start_date": "2024-01-05", "duration": 2,
	}, &check)
	if check.Conflict {
		t.Errorf("touching interval reported conflict: %+v", check.Advisories)
	}

	var updated planner.TaskResult
	if code := do(t, "PUT", srv.URL+"/api/tasks/"+second.Task.ID, map[string]any{"start_date": "2024-01-04"}, &updated); code != 200 {
		t.Fatalf("update = %d", code)
	}
	if len(updated.Advisories) != 0 || updated.Task.Title != "Lay boards" {
		t.Errorf("updated = %+v", updated)
	}

	if code := do(t, "PUT", srv.URL+"/api/tasks/"+second.Task.ID, map[string]any{"dependencies": []string{second.Task.ID}}, nil); code != 400 {
		t.Errorf("self dependency = %d, want 400", code)
	}
	if code := do(t, "PUT", srv.URL+"/api/tasks/"+second.Task.ID, map[string]any{"status": "error"}, nil); code != 409 {
		t.Errorf("error status on plain task = %d, want 409", code)
	}
	if code := do(t, "GET", srv.URL+"/api/tasks/missing", nil, nil); code != 404 {
		t.Errorf("missing task = %d, want 404", code)
	}

	var tasks []domain.Task
	do(t, "GET", srv.URL+"/api/projects/"+p.ID+"/tasks", nil, &tasks)
	if len(tasks) != 2 {
		t.Errorf("tasks = %d", len(tasks))
	}

	var win windowResp
	if code := do(t, "PUT", srv.URL+"/api/projects/"+p.ID+"/window", map[string]string{"start": "2024-01-02", "deadline": "2024-02-10"}, &win); code != 200 {
		t.Fatalf("window = %d", code)
	}
	if len(win.Moved) != 2 {
		t.Errorf("moved = %d, want 2", len(win.Moved))
	}
	if code := do(t, "PUT", srv.URL+"/api/projects/"+p.ID+"/window", map[string]string{"start": "2024-03-01", "deadline": "2024-02-01"}, nil); code != 400 {
		t.Errorf("inverted window = %d", code)
	}
}

func TestQuoteSubmissionAndEvents(t *testing.T) {
	srv, repo, _ := newTestServer(t)
	var p domain.Project
	do(t, "POST", srv.URL+"/api/projects", map[string]string{"name": "Roof"}, &p)

	var req domain.Task
	if code := do(t, "POST", srv.URL+"/api/projects/"+p.ID+"/quotes", map[string]string{"quote_url": "https://files.example/q.png"}, &req); code != 202 {
		t.Fatalf("submit quote = %d", code)
	}
	if !req.AwaitingExtraction() {
		t.Errorf("request = %+v", req)
	}
	if code := do(t, "POST", srv.URL+"/api/projects/"+p.ID+"/quotes", map[string]string{}, nil); code != 400 {
		t.Errorf("empty quote = %d", code)
	}

	if err := repo.AppendEvent(context.Background(), domain.LogEntry{ProjectID: p.ID, TaskID: req.ID, Step: "extraction_started"}); err != nil {
		t.Fatal(err)
	}
	var entries []domain.LogEntry
	do(t, "GET", srv.URL+"/api/projects/"+p.ID+"/events", nil, &entries)
	if len(entries) != 1 || entries[0].Step != "extraction_started" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestDispatchAndInbound(t *testing.T) {
	srv, repo, _ := newTestServer(t)
	task, err := repo.CreateTask(context.Background(), domain.Task{Title: "Sand", Assignee: "Ana", AssigneeContact: "+1"})
	if err != nil {
		t.Fatal(err)
	}

	var report workflow.Report
	if code := do(t, "POST", srv.URL+"/api/dispatch", nil, &report); code != 200 {
		t.Fatalf("dispatch = %d", code)
	}
	if report.Notified != 1 {
		t.Errorf("report = %+v", report)
	}

	var res workflow.Result
	do(t, "POST", srv.URL+"/api/messages/inbound", map[string]string{"from": "+1", "text": "view first task"}, &res)
	if !res.Handled {
		t.Fatalf("view = %+v", res)
	}
	do(t, "POST", srv.URL+"/api/messages/inbound", map[string]string{"from": "+1", "text": "start now"}, &res)
	if got, _ := repo.GetTask(context.Background(), task.ID); got.Status != domain.StatusInProgress {
		t.Errorf("status = %s", got.Status)
	}

	do(t, "POST", srv.URL+"/api/messages/inbound", map[string]string{"from": "+1", "text": "what?"}, &res)
	if res.Handled {
		t.Errorf("unknown reply handled: %+v", res)
	}
	if code := do(t, "POST", srv.URL+"/api/messages/inbound", map[string]string{"text": "hi"}, nil); code != 400 {
		t.Errorf("missing from = %d", code)
	}
}

func TestEventStream(t *testing.T) {
	srv, repo, _ := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// Subscription happens after the upgrade; retry until an event arrives.
	deadline := time.Now().Add(2 * time.Second)
	conn.SetReadDeadline(deadline)
	got := make(chan events.Event, 1)
	go func() {
		var e events.Event
		if err := conn.ReadJSON(&e); err == nil {
			got <- e
		}
	}()
	for time.Now().Before(deadline) {
		if _, err := repo.CreateTask(context.Background(), domain.Task{Title: "Ping"}); err != nil {
			t.Fatal(err)
		}
		select {
		case e := <-got:
			if e.Kind != events.TaskCreated {
				t.Errorf("kind = %s", e.Kind)
			}
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
	t.Fatal("no event received")
}
