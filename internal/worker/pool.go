package worker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"sitecrew/internal/domain"
	"sitecrew/internal/events"
	"sitecrew/internal/extraction"
	"sitecrew/internal/store"
)

// Claimer leases extraction requests.
type Claimer interface {
	ClaimExtraction(ctx context.Context, now time.Time, lease time.Duration) (domain.Task, error)
}

// Processor runs a single claimed request.
type Processor interface {
	Process(ctx context.Context, req domain.Task) (extraction.Result, error)
}

type Pool struct {
	repo      Claimer
	proc      Processor
	sem       chan struct{}
	wake      chan struct{}
	stop      chan struct{}
	pollEvery time.Duration
	lease     time.Duration
	timeout   time.Duration
}

func NewPool(repo Claimer, proc Processor, size int, pollEvery, lease, timeout time.Duration) *Pool {
	if size <= 0 {
		size = 1
	}
	if pollEvery <= 0 {
		pollEvery = time.Second
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Pool{
		repo:      repo,
		proc:      proc,
		sem:       make(chan struct{}, size),
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		pollEvery: pollEvery,
		lease:     lease,
		timeout:   timeout,
	}
}

// Run claims and processes requests until ctx is done or Stop is called.
func (p *Pool) Run(ctx context.Context) {
	t := time.NewTicker(p.pollEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case now := <-t.C:
			p.drain(ctx, now)
		case <-p.wake:
			p.drain(ctx, time.Now())
		}
	}
}

func (p *Pool) Stop() {
	close(p.stop)
}

// Wake triggers an immediate claim pass.
func (p *Pool) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// WatchBus wakes the pool whenever an extraction request is created.
func (p *Pool) WatchBus(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if e.Kind == events.TaskCreated && e.Assignee == domain.AIBot {
				p.Wake()
			}
		}
	}
}

func (p *Pool) drain(ctx context.Context, now time.Time) {
	for {
		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		}
		req, err := p.repo.ClaimExtraction(ctx, now, p.lease)
		if err != nil {
			<-p.sem
			if !errors.Is(err, store.ErrNotFound) {
				log.Error().Err(err).Msg("failed to claim extraction request")
			}
			return
		}
		go func(req domain.Task) {
			defer func() { <-p.sem }()
			c, cancel := context.WithTimeout(ctx, p.timeout)
			defer cancel()
			if _, err := p.proc.Process(c, req); err != nil {
				log.Warn().Err(err).Str("request_id", req.ID).Msg("extraction request not completed")
			}
		}(req)
	}
}
