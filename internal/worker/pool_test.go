package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"sitecrew/internal/domain"
	"sitecrew/internal/events"
	"sitecrew/internal/extraction"
	"sitecrew/internal/store"
)

type fakeClaimer struct {
	mu      sync.Mutex
	pending []domain.Task
}

func (f *fakeClaimer) ClaimExtraction(ctx context.Context, now time.Time, lease time.Duration) (domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) == 0 {
		return domain.Task{}, store.ErrNotFound
	}
	t := f.pending[0]
	f.pending = f.pending[1:]
	return t, nil
}

func (f *fakeClaimer) add(t domain.Task) {
	f.mu.Lock()
	f.pending = append(f.pending, t)
	f.mu.Unlock()
}

type recordingProcessor struct {
	mu       sync.Mutex
	done     chan string
	deadline bool
}

func (r *recordingProcessor) Process(ctx context.Context, req domain.Task) (extraction.Result, error) {
	_, ok := ctx.Deadline()
	r.mu.Lock()
	r.deadline = ok
	r.mu.Unlock()
	r.done <- req.ID
	return extraction.Result{Created: 1}, nil
}

func waitFor(t *testing.T, ch <-chan string, n int) []string {
	t.Helper()
	var got []string
	timeout := time.After(2 * time.Second)
	for len(got) < n {
		select {
		case id := <-ch:
			got = append(got, id)
		case <-timeout:
			t.Fatalf("processed %d of %d requests", len(got), n)
		}
	}
	return got
}

func TestPool_ProcessesClaimedRequests(t *testing.T) {
	claimer := &fakeClaimer{}
	claimer.add(domain.Task{ID: "r1"})
	claimer.add(domain.Task{ID: "r2"})
	proc := &recordingProcessor{done: make(chan string, 4)}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool := NewPool(claimer, proc, 2, 10*time.Millisecond, time.Minute, time.Second)
	go pool.Run(ctx)

	got := waitFor(t, proc.done, 2)
	if len(got) != 2 {
		t.Fatalf("got %v", got)
	}
	proc.mu.Lock()
	defer proc.mu.Unlock()
	if !proc.deadline {
		t.Error("processor context should carry the per-job timeout")
	}
}

func TestPool_WakesOnExtractionRequestEvent(t *testing.T) {
	claimer := &fakeClaimer{}
	proc := &recordingProcessor{done: make(chan string, 4)}
	bus := events.NewBus()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// Long poll interval so only the wake can trigger a pass in time.
	pool := NewPool(claimer, proc, 1, time.Hour, time.Minute, time.Second)
	go pool.Run(ctx)
	go pool.WatchBus(ctx, bus.Subscribe())

	claimer.add(domain.Task{ID: "r1"})
	bus.Publish(events.Event{Kind: events.TaskCreated, TaskID: "plain", Assignee: "Maya"})
	bus.Publish(events.Event{Kind: events.TaskCreated, TaskID: "r1", Assignee: domain.AIBot})

	if got := waitFor(t, proc.done, 1); got[0] != "r1" {
		t.Errorf("processed %v", got)
	}
}

func TestPool_Stop(t *testing.T) {
	pool := NewPool(&fakeClaimer{}, &recordingProcessor{done: make(chan string)}, 1, 10*time.Millisecond, time.Minute, time.Second)
	done := make(chan struct{})
	go func() {
		pool.Run(context.Background())
		close(done)
	}()
	pool.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

type blockingProcessor struct {
	started chan string
	release chan struct{}
}

func (b *blockingProcessor) Process(ctx context.Context, req domain.Task) (extraction.Result, error) {
	b.started <- req.ID
	<-b.release
	return extraction.Result{}, nil
}

func TestPool_StopWhileAllWorkersBusy(t *testing.T) {
	claimer := &fakeClaimer{}
	claimer.add(domain.Task{ID: "r1"})
	claimer.add(domain.Task{ID: "r2"})
	proc := &blockingProcessor{started: make(chan string, 2), release: make(chan struct{})}
	defer close(proc.release)

	pool := NewPool(claimer, proc, 1, 10*time.Millisecond, time.Minute, time.Second)
	done := make(chan struct{})
	go func() {
		pool.Run(context.Background())
		close(done)
	}()
	select {
	case <-proc.started:
	case <-time.After(2 * time.Second):
		t.Fatal("first request never started")
	}

	pool.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop while the only worker was busy")
	}
}

func TestPool_UnconfiguredExtractionIsNotRetriedInALoop(t *testing.T) {
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	if err := store.EnsureSchema(db); err != nil {
		t.Fatal(err)
	}
	repo := store.NewSQLiteRepo(db, nil)
	ctx := context.Background()

	p, err := repo.CreateProject(ctx, domain.Project{Name: "Kitchen"})
	if err != nil {
		t.Fatal(err)
	}
	req, err := repo.CreateTask(ctx, domain.Task{
		ProjectID: p.ID,
		Title:     "Extract quote",
		Assignee:  domain.AIBot,
		QuoteURL:  "https://files.example/quote.png",
	})
	if err != nil {
		t.Fatal(err)
	}

	pipeline := extraction.NewPipeline(repo, extraction.NewOpenAICapability("", ""), 30)
	pool := NewPool(repo, pipeline, 1, 10*time.Millisecond, 5*time.Minute, time.Minute)
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		pool.Run(runCtx)
		close(done)
	}()
	time.Sleep(300 * time.Millisecond)
	cancel()
	<-done
	// Let an in-flight Process finish its bookkeeping.
	time.Sleep(50 * time.Millisecond)

	entries, err := repo.ListEvents(ctx, p.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	notConfigured := 0
	for _, e := range entries {
		if e.Step == extraction.StepNotConfigured {
			notConfigured++
		}
	}
	if notConfigured != 1 {
		t.Errorf("not_configured entries = %d, want 1 (total %d)", notConfigured, len(entries))
	}
	got, err := repo.GetTask(ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusBacklog {
		t.Errorf("status = %s, want backlog", got.Status)
	}
}
