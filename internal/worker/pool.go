package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/ASR-Innovations/agentic-social-sub002/internal/domain"
	"github.com/ASR-Innovations/agentic-social-sub002/internal/queue"
)

// Handler executes one job. The returned result is stored on the completed job.
type Handler interface {
	Handle(ctx context.Context, job domain.Job, p queue.Payload) (json.RawMessage, error)
}

type HandlerFunc func(ctx context.Context, job domain.Job, p queue.Payload) (json.RawMessage, error)

func (f HandlerFunc) Handle(ctx context.Context, job domain.Job, p queue.Payload) (json.RawMessage, error) {
	return f(ctx, job, p)
}

// Typed adapts a handler for a single payload type.
func Typed[P queue.Payload](fn func(ctx context.Context, job domain.Job, p P) (json.RawMessage, error)) Handler {
	return HandlerFunc(func(ctx context.Context, job domain.Job, p queue.Payload) (json.RawMessage, error) {
		typed, ok := p.(P)
		if !ok {
			return nil, fmt.Errorf("%w: payload %T for %s", queue.ErrUnrecoverable, p, job.Type)
		}
		return fn(ctx, job, typed)
	})
}

// Pool runs claim loops for every queue of a dispatcher. Each queue gets as
// many concurrent jobs as its configured concurrency.
type Pool struct {
	d         *queue.Dispatcher
	handlers  map[string]Handler
	pollEvery time.Duration

	// Timeout bounds a single handler run. Zero means no limit.
	Timeout time.Duration

	inflight sync.WaitGroup
}

func NewPool(d *queue.Dispatcher, handlers map[string]Handler, pollEvery time.Duration) *Pool {
	if pollEvery <= 0 {
		pollEvery = time.Second
	}
	return &Pool{d: d, handlers: handlers, pollEvery: pollEvery}
}

// Run blocks until ctx is cancelled, then waits for in-flight jobs to finish.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, name := range p.d.Names() {
		cfg, err := p.d.Config(name)
		if err != nil {
			return err
		}
		name := name
		sem := make(chan struct{}, cfg.Concurrency)
		g.Go(func() error {
			p.loop(ctx, name, sem)
			return nil
		})
	}
	log.Info().Int("queues", len(p.d.Names())).Dur("poll_every", p.pollEvery).Msg("worker pool started")
	err := g.Wait()
	p.inflight.Wait()
	log.Info().Msg("worker pool stopped")
	return err
}

func (p *Pool) loop(ctx context.Context, name string, sem chan struct{}) {
	t := time.NewTicker(p.pollEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.drain(ctx, name, sem)
		}
	}
}

// drain claims jobs until the queue has nothing eligible or the semaphore is full.
func (p *Pool) drain(ctx context.Context, name string, sem chan struct{}) {
	for {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		job, err := p.d.Claim(ctx, name)
		if err != nil {
			<-sem
			if !errors.Is(err, queue.ErrEmpty) && ctx.Err() == nil {
				log.Error().Err(err).Str("queue", name).Msg("claim failed")
			}
			return
		}
		p.inflight.Add(1)
		go func(j domain.Job) {
			defer p.inflight.Done()
			defer func() { <-sem }()
			// active jobs run to completion even when the pool is stopping
			p.process(context.WithoutCancel(ctx), j)
		}(job)
	}
}

func (p *Pool) process(ctx context.Context, j domain.Job) {
	result, err := p.execute(ctx, j)
	if err != nil {
		herr := &queue.HandlerError{Queue: j.Queue, JobID: j.ID, Type: j.Type, Err: err}
		if _, ferr := p.d.Fail(ctx, j, herr); ferr != nil {
			log.Error().Err(ferr).Str("queue", j.Queue).Str("job_id", j.ID).Msg("failed to record job failure")
		}
		return
	}
	if cerr := p.d.Complete(ctx, j, result); cerr != nil {
		log.Error().Err(cerr).Str("queue", j.Queue).Str("job_id", j.ID).Msg("failed to record job completion")
	}
}

func (p *Pool) execute(ctx context.Context, j domain.Job) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	h, ok := p.handlers[j.Type]
	if !ok {
		return nil, fmt.Errorf("%w: no handler for %q", queue.ErrUnrecoverable, j.Type)
	}
	payload, err := p.d.Types().Decode(j.Type, j.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", queue.ErrUnrecoverable, err)
	}
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	log.Debug().Str("queue", j.Queue).Str("job_id", j.ID).Str("job_type", j.Type).Int("attempt", j.AttemptsMade+1).Msg("job started")
	return h.Handle(ctx, j, payload)
}
