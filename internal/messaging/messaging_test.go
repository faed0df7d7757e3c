package messaging

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestWebhook_Send(t *testing.T) {
	var got webhookPayload
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, "secret", time.Second)
	msg := Message{Template: TemplateTaskStarted, Body: "hello", Params: map[string]any{"task_id": "tsk_1"}}
	if err := wh.Send(context.Background(), "+15550100", msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if auth != "Bearer secret" {
		t.Errorf("Authorization = %q", auth)
	}
	if got.To != "+15550100" || got.Body != "hello" || got.Template != TemplateTaskStarted {
		t.Errorf("payload = %+v", got)
	}
	if got.Params["task_id"] != "tsk_1" {
		t.Errorf("params = %v", got.Params)
	}
}

func TestWebhook_SendErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewWebhook(srv.URL, "", time.Second).Send(context.Background(), "+1", Message{Body: "x"})
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Fatalf("expected 429 error, got %v", err)
	}
}

func TestWebhook_RequiresContact(t *testing.T) {
	if err := NewWebhook("http://127.0.0.1:1", "", time.Second).Send(context.Background(), "", Message{}); err == nil {
		t.Fatal("expected error for empty contact")
	}
}

func TestDefaultTemplates(t *testing.T) {
	tmpl := DefaultTemplates()
	if err := tmpl.Validate(); err != nil {
		t.Fatal(err)
	}

	type line struct {
		Position int
		Title    string
		Due      string
	}
	data := struct {
		Name     string
		Count    int
		Tasks    []line
		Overflow int
	}{
		Name:  "Maya",
		Count: 2,
		Tasks: []line{
			{Position: 1, Title: "Pour footing", Due: "2024-01-03"},
			{Position: 2, Title: "Frame walls"},
		},
	}
	body, err := tmpl.Render(TemplateDailySummary, data)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"Maya", "2 open tasks", "1. Pour footing (due 2024-01-03)", "2. Frame walls"} {
		if !strings.Contains(body, want) {
			t.Errorf("summary missing %q:\n%s", want, body)
		}
	}
	if strings.Contains(body, "more.") {
		t.Errorf("unexpected overflow line:\n%s", body)
	}
}

func TestRender_UnknownTemplate(t *testing.T) {
	if _, err := DefaultTemplates().Render("nope", nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestLoadTemplateFile_Overrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "templates.yaml")
	if err := os.WriteFile(path, []byte("task_started: \"Go: {{.Title}}\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	tmpl, err := LoadTemplateFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := tmpl.Validate(); err != nil {
		t.Fatalf("overrides should keep built-ins: %v", err)
	}
	body, err := tmpl.Render(TemplateTaskStarted, struct{ Title string }{"Frame walls"})
	if err != nil {
		t.Fatal(err)
	}
	if body != "Go: Frame walls" {
		t.Errorf("body = %q", body)
	}
}

func TestParseTemplatesYAML_Invalid(t *testing.T) {
	if _, err := ParseTemplatesYAML([]byte("  ")); err == nil {
		t.Error("expected error for empty payload")
	}
	if _, err := ParseTemplatesYAML([]byte("x: \"{{.Broken\"\n")); err == nil {
		t.Error("expected parse error")
	}
}
