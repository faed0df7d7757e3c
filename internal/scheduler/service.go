package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"sitecrew/internal/workflow"
)

// Runner performs one daily dispatch.
type Runner interface {
	Run(ctx context.Context) (workflow.Report, error)
}

// Service fires the daily dispatch on a cron schedule.
type Service struct {
	runner   Runner
	expr     string
	schedule cron.Schedule
	stop     chan struct{}
	interval time.Duration

	mu   sync.Mutex
	next time.Time
}

func NewService(runner Runner, expr string, checkInterval time.Duration) (*Service, error) {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, err
	}
	if checkInterval <= 0 {
		checkInterval = 30 * time.Second
	}
	return &Service{
		runner:   runner,
		expr:     expr,
		schedule: schedule,
		stop:     make(chan struct{}),
		interval: checkInterval,
		next:     schedule.Next(time.Now()),
	}, nil
}

func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Info().Str("cron_expr", s.expr).Time("next_run", s.NextRun()).Msg("dispatch schedule started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

func (s *Service) Stop() {
	close(s.stop)
}

// NextRun returns when the next dispatch is due.
func (s *Service) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

func (s *Service) tick(ctx context.Context, now time.Time) {
	if now.Before(s.NextRun()) {
		return
	}
	report, err := s.runner.Run(ctx)
	next := s.schedule.Next(now)
	s.mu.Lock()
	s.next = next
	s.mu.Unlock()
	if err != nil {
		log.Error().Err(err).Time("next_run", next).Msg("daily dispatch failed")
		return
	}
	log.Info().
		Int("workers", report.Workers).
		Int("notified", report.Notified).
		Int("failed", report.Failed).
		Time("next_run", next).
		Msg("daily dispatch completed")
}

// ValidateCronExpression reports whether expr is a valid five-field dispatch schedule.
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// NextRunTime returns the first dispatch after from.
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return schedule.Next(from), nil
}
