package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"sitecrew/internal/workflow"
)

type countingRunner struct {
	runs int
	err  error
}

func (r *countingRunner) Run(ctx context.Context) (workflow.Report, error) {
	r.runs++
	return workflow.Report{Workers: 1, Notified: 1}, r.err
}

func TestService_TickRunsWhenDue(t *testing.T) {
	runner := &countingRunner{}
	s, err := NewService(runner, "0 7 * * *", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	due := time.Date(2024, 1, 2, 7, 0, 0, 0, time.Local)
	s.next = due

	s.tick(context.Background(), due.Add(-time.Second))
	if runner.runs != 0 {
		t.Fatalf("ran before due")
	}
	s.tick(context.Background(), due.Add(10*time.Second))
	if runner.runs != 1 {
		t.Fatalf("runs = %d, want 1", runner.runs)
	}
	if want := due.AddDate(0, 0, 1); !s.NextRun().Equal(want) {
		t.Errorf("next = %s, want %s", s.NextRun(), want)
	}
	s.tick(context.Background(), due.Add(time.Minute))
	if runner.runs != 1 {
		t.Errorf("ran twice in one day")
	}
}

func TestService_FailedRunStillAdvances(t *testing.T) {
	runner := &countingRunner{err: errors.New("db locked")}
	s, err := NewService(runner, "*/5 * * * *", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	due := time.Date(2024, 1, 2, 7, 0, 0, 0, time.Local)
	s.next = due
	s.tick(context.Background(), due)
	if !s.NextRun().Equal(due.Add(5 * time.Minute)) {
		t.Errorf("next = %s", s.NextRun())
	}
}

func TestService_NextRunWhileTicking(t *testing.T) {
	runner := &countingRunner{}
	s, err := NewService(runner, "* * * * *", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	start := time.Date(2024, 1, 2, 7, 0, 0, 0, time.Local)
	s.next = start

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			s.tick(context.Background(), start.Add(time.Duration(i)*time.Minute))
		}
	}()
	for i := 0; i < 50; i++ {
		_ = s.NextRun()
	}
	wg.Wait()
	if want := start.Add(50 * time.Minute); !s.NextRun().Equal(want) {
		t.Errorf("next = %s, want %s", s.NextRun(), want)
	}
}

func TestNewService_InvalidCron(t *testing.T) {
	if _, err := NewService(&countingRunner{}, "not a cron", time.Minute); err == nil {
		t.Fatal("expected error")
	}
}

func TestNextRunTime(t *testing.T) {
	from := time.Date(2024, 1, 1, 6, 0, 0, 0, time.Local)
	got, err := NextRunTime("0 7 * * *", from)
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2024, 1, 1, 7, 0, 0, 0, time.Local); !got.Equal(want) {
		t.Errorf("got %s, want %s", got, want)
	}
	if err := ValidateCronExpression("61 * * * *"); err == nil {
		t.Error("expected invalid minute to fail")
	}
}
