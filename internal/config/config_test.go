package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Default()

	if cfg.Dispatch.SummaryLimit != 5 {
		t.Errorf("SummaryLimit = %d, want 5", cfg.Dispatch.SummaryLimit)
	}
	if cfg.Extraction.DefaultWindowDays != 30 {
		t.Errorf("DefaultWindowDays = %d, want 30", cfg.Extraction.DefaultWindowDays)
	}
	if cfg.Messaging.Provider != "log" {
		t.Errorf("Provider = %q, want log", cfg.Messaging.Provider)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("Addr = %q, want :8080", cfg.Server.Addr)
	}
}

func TestLoad_FromFile(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.toml")

	content := `
[server]
addr = ":9000"

[database]
path = "/var/lib/sitecrew.db"

[dispatch]
cron = "30 6 * * 1-5"
parallelism = 3

[messaging]
provider = "webhook"
webhook_url = "https://msg.example/send"
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Addr != ":9000" {
		t.Errorf("Addr = %q, want :9000", cfg.Server.Addr)
	}
	if cfg.Database.Path != "/var/lib/sitecrew.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if cfg.Dispatch.Cron != "30 6 * * 1-5" || cfg.Dispatch.Parallelism != 3 {
		t.Errorf("Dispatch = %+v", cfg.Dispatch)
	}
	// Unset keys keep their defaults.
	if cfg.Dispatch.SummaryLimit != 5 {
		t.Errorf("SummaryLimit = %d, want 5", cfg.Dispatch.SummaryLimit)
	}
	if cfg.Messaging.Provider != "webhook" {
		t.Errorf("Provider = %q", cfg.Messaging.Provider)
	}
}

func TestLoad_Durations(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	configPath := filepath.Join(t.TempDir(), "config.toml")
	content := `
[extraction]
timeout = "90s"
lease = "10m"

[messaging]
timeout = "3s"
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(configPath)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Extraction.Timeout.Duration != 90*time.Second {
		t.Errorf("Extraction.Timeout = %v", cfg.Extraction.Timeout)
	}
	if cfg.Extraction.Lease.Duration != 10*time.Minute {
		t.Errorf("Lease = %v", cfg.Extraction.Lease)
	}
	if cfg.Extraction.PollInterval.Duration != time.Second {
		t.Errorf("PollInterval = %v, want default", cfg.Extraction.PollInterval)
	}
	if cfg.Messaging.Timeout.Duration != 3*time.Second {
		t.Errorf("Messaging.Timeout = %v", cfg.Messaging.Timeout)
	}

	if err := os.WriteFile(configPath, []byte("[extraction]\ntimeout = \"soon\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(configPath); err == nil {
		t.Error("expected error for invalid duration")
	}
}

func TestLoad_APIKeyFromEnv(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Extraction.APIKey != "sk-test" {
		t.Errorf("APIKey = %q", cfg.Extraction.APIKey)
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()

	tests := []struct {
		input string
		want  string
	}{
		{"~/data/db.sqlite", filepath.Join(home, "data/db.sqlite")},
		{"/abs/path", "/abs/path"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := ExpandPath(tt.input); got != tt.want {
			t.Errorf("ExpandPath(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
