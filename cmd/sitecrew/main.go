package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"sitecrew/internal/api"
	"sitecrew/internal/config"
	"sitecrew/internal/events"
	"sitecrew/internal/extraction"
	"sitecrew/internal/messaging"
	"sitecrew/internal/planner"
	"sitecrew/internal/scheduler"
	"sitecrew/internal/store"
	"sitecrew/internal/worker"
	"sitecrew/internal/workflow"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:           "sitecrew",
		Short:         "Construction task scheduling, quote extraction and crew notifications",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath(), "Path to config file")

	rootCmd.AddCommand(newServeCmd(), newDispatchCmd(), newCheckConflictsCmd(), newRetryExtractionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// app holds the wired components shared by every command.
type app struct {
	cfg       *config.Config
	db        *sql.DB
	bus       *events.Bus
	repo      store.Repository
	templates *messaging.Templates
	messenger messaging.Messenger
}

func setupLogging(cfg config.LogConfig) {
	zerolog.TimeFieldFormat = time.RFC3339
	if level, err := zerolog.ParseLevel(cfg.Level); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	if cfg.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}
}

func loadApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", configPath, err)
	}
	setupLogging(cfg.Log)
	if err := scheduler.ValidateCronExpression(cfg.Dispatch.Cron); err != nil {
		return nil, fmt.Errorf("dispatch cron %q: %w", cfg.Dispatch.Cron, err)
	}

	if cfg.Database.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := store.EnsureSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	templates, err := messaging.LoadTemplateFile(cfg.Messaging.Templates)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := templates.Validate(); err != nil {
		db.Close()
		return nil, err
	}

	var messenger messaging.Messenger
	switch cfg.Messaging.Provider {
	case "webhook":
		messenger = messaging.NewWebhook(cfg.Messaging.WebhookURL, cfg.Messaging.Token, cfg.Messaging.Timeout.Duration)
	case "log", "":
		messenger = messaging.LogMessenger{}
	default:
		db.Close()
		return nil, fmt.Errorf("unknown messaging provider %q", cfg.Messaging.Provider)
	}

	bus := events.NewBus()
	return &app{
		cfg:       cfg,
		db:        db,
		bus:       bus,
		repo:      store.NewSQLiteRepo(db, bus),
		templates: templates,
		messenger: messenger,
	}, nil
}

func (a *app) dispatcher() *workflow.Dispatcher {
	return workflow.NewDispatcher(a.repo, a.messenger, a.templates, a.cfg.Dispatch.Parallelism, a.cfg.Dispatch.SummaryLimit)
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, extraction worker and daily dispatch",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.db.Close()
			return serve(a)
		},
	}
}

func serve(a *app) error {
	cfg := a.cfg
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Extraction.APIKey == "" {
		log.Warn().Msg("OPENAI_API_KEY not set; extraction worker disabled, requests stay in backlog")
	} else {
		capability := extraction.NewOpenAICapability(cfg.Extraction.APIKey, cfg.Extraction.Model)
		pipeline := extraction.NewPipeline(a.repo, capability, cfg.Extraction.DefaultWindowDays)
		pool := worker.NewPool(a.repo, pipeline, cfg.Extraction.Workers, cfg.Extraction.PollInterval.Duration, cfg.Extraction.Lease.Duration, cfg.Extraction.Timeout.Duration)
		go pool.Run(ctx)
		go pool.WatchBus(ctx, a.bus.Subscribe())
	}

	notifier := workflow.NewAssignmentNotifier(a.repo, a.messenger, a.templates)
	go notifier.Run(ctx, a.bus.Subscribe())

	dispatcher := a.dispatcher()
	sched, err := scheduler.NewService(dispatcher, cfg.Dispatch.Cron, 30*time.Second)
	if err != nil {
		return fmt.Errorf("dispatch cron %q: %w", cfg.Dispatch.Cron, err)
	}
	nextDispatch := sched.NextRun()
	go sched.Start(ctx)

	handler := api.NewServer(api.Deps{
		Repo:       a.repo,
		Planner:    planner.NewService(a.repo, cfg.Extraction.DefaultWindowDays),
		Engine:     workflow.NewEngine(a.repo, a.messenger, a.templates),
		Dispatcher: dispatcher,
		Bus:        a.bus,
		Debug:      cfg.Server.Debug,
	})
	srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler}
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Time("next_dispatch", nextDispatch).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	cancel()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	return srv.Shutdown(ctxTimeout)
}
