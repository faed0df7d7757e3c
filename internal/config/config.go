package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all application configuration
type Config struct {
	Server     ServerConfig     `toml:"server"`
	Database   DatabaseConfig   `toml:"database"`
	Log        LogConfig        `toml:"log"`
	Extraction ExtractionConfig `toml:"extraction"`
	Dispatch   DispatchConfig   `toml:"dispatch"`
	Messaging  MessagingConfig  `toml:"messaging"`
}

type ServerConfig struct {
	Addr  string `toml:"addr"`
	Debug bool   `toml:"debug"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Pretty bool   `toml:"pretty"`
}

// ExtractionConfig holds settings for the quote extraction worker
type ExtractionConfig struct {
	APIKey            string   `toml:"api_key"`
	Model             string   `toml:"model"`
	Timeout           Duration `toml:"timeout"`
	Workers           int      `toml:"workers"`
	PollInterval      Duration `toml:"poll_interval"`
	Lease             Duration `toml:"lease"`
	DefaultWindowDays int      `toml:"default_window_days"`
}

// DispatchConfig holds settings for the daily worker dispatch
type DispatchConfig struct {
	Cron         string `toml:"cron"`
	Parallelism  int    `toml:"parallelism"`
	SummaryLimit int    `toml:"summary_limit"`
}

// Duration reads TOML strings such as "90s" or "5m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// MessagingConfig selects the outbound channel. Provider is "webhook" or "log".
type MessagingConfig struct {
	Provider   string   `toml:"provider"`
	WebhookURL string   `toml:"webhook_url"`
	Token      string   `toml:"token"`
	Timeout    Duration `toml:"timeout"`
	Templates  string   `toml:"templates"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Server: ServerConfig{Addr: ":8080"},
		Database: DatabaseConfig{
			Path: filepath.Join(home, ".sitecrew", "sitecrew.db"),
		},
		Log: LogConfig{Level: "info", Pretty: true},
		Extraction: ExtractionConfig{
			Model:             "gpt-4.1-mini",
			Timeout:           Duration{2 * time.Minute},
			Workers:           2,
			PollInterval:      Duration{time.Second},
			Lease:             Duration{5 * time.Minute},
			DefaultWindowDays: 30,
		},
		Dispatch: DispatchConfig{
			Cron:         "0 7 * * *",
			Parallelism:  8,
			SummaryLimit: 5,
		},
		Messaging: MessagingConfig{
			Provider: "log",
			Timeout:  Duration{10 * time.Second},
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults.
// OPENAI_API_KEY overrides extraction.api_key.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		cfg.Extraction.APIKey = key
	}
	cfg.Database.Path = ExpandPath(cfg.Database.Path)
	cfg.Messaging.Templates = ExpandPath(cfg.Messaging.Templates)

	return cfg, nil
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "sitecrew", "config.toml")
}
