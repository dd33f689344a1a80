package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ASR-Innovations/agentic-social-sub002/internal/domain"
	"github.com/ASR-Innovations/agentic-social-sub002/internal/scheduler"
)

// Options tune a single enqueue call. Zero values fall back to the queue defaults.
type Options struct {
	Priority       int
	Delay          time.Duration
	Attempts       int
	Backoff        *domain.Backoff
	IdempotencyKey string
}

type Page struct {
	Offset int
	Limit  int
}

// Dispatcher is the registry of named queues. It is created once at startup
// and passed to producers, workers and the monitor.
type Dispatcher struct {
	store  Store
	types  *Types
	queues map[string]domain.QueueConfig
	names  []string

	Now func() time.Time
}

func NewDispatcher(store Store, types *Types, configs ...domain.QueueConfig) *Dispatcher {
	d := &Dispatcher{
		store:  store,
		types:  types,
		queues: make(map[string]domain.QueueConfig, len(configs)),
		Now:    func() time.Time { return time.Now().UTC() },
	}
	for _, c := range configs {
		if c.Attempts < 1 {
			c.Attempts = 1
		}
		if c.Concurrency < 1 {
			c.Concurrency = 1
		}
		if _, dup := d.queues[c.Name]; !dup {
			d.names = append(d.names, c.Name)
		}
		d.queues[c.Name] = c
	}
	sort.Strings(d.names)
	return d
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now().UTC()
	}
	return time.Now().UTC()
}

// Names returns the registered queue names in sorted order.
func (d *Dispatcher) Names() []string {
	return append([]string(nil), d.names...)
}

func (d *Dispatcher) Config(queue string) (domain.QueueConfig, error) {
	c, ok := d.queues[queue]
	if !ok {
		return domain.QueueConfig{}, fmt.Errorf("%w: %q", ErrUnknownQueue, queue)
	}
	return c, nil
}

func (d *Dispatcher) Types() *Types { return d.types }

func (d *Dispatcher) Enqueue(ctx context.Context, queue string, p Payload, opts Options) (domain.Job, error) {
	raw, err := d.types.encode(p)
	if err != nil {
		return domain.Job{}, err
	}
	return d.add(ctx, queue, p.Kind(), raw, opts, nil)
}

// EnqueueRaw decodes a JSON payload for kind through the type registry and enqueues it.
func (d *Dispatcher) EnqueueRaw(ctx context.Context, queue, kind string, raw json.RawMessage, opts Options) (domain.Job, error) {
	if _, err := d.Config(queue); err != nil {
		return domain.Job{}, err
	}
	p, err := d.types.Decode(kind, raw)
	if err != nil {
		return domain.Job{}, err
	}
	return d.Enqueue(ctx, queue, p, opts)
}

func (d *Dispatcher) EnqueueDelayed(ctx context.Context, queue string, p Payload, delay time.Duration, opts Options) (domain.Job, error) {
	opts.Delay = delay
	return d.Enqueue(ctx, queue, p, opts)
}

// EnqueueRepeating schedules the first occurrence of a repeating job as a
// delayed job. Each occurrence schedules the next one when it is claimed.
func (d *Dispatcher) EnqueueRepeating(ctx context.Context, queue string, p Payload, r domain.Repeat, opts Options) (domain.Job, error) {
	sched, err := scheduler.Parse(r)
	if err != nil {
		return domain.Job{}, err
	}
	raw, err := d.types.encode(p)
	if err != nil {
		return domain.Job{}, err
	}
	if r.Key == "" {
		r.Key = scheduler.Key(p.Kind(), r)
	}
	r.Count = 0
	now := d.now()
	next := sched.Next(now)
	opts.Delay = next.Sub(now)
	opts.IdempotencyKey = occurrenceKey(r.Key, next)
	return d.add(ctx, queue, p.Kind(), raw, opts, &r)
}

func occurrenceKey(repeatKey string, at time.Time) string {
	return fmt.Sprintf("repeat:%s:%d", repeatKey, at.UnixMilli())
}

func (d *Dispatcher) add(ctx context.Context, queue, kind string, raw json.RawMessage, opts Options, repeat *domain.Repeat) (domain.Job, error) {
	cfg, err := d.Config(queue)
	if err != nil {
		return domain.Job{}, err
	}
	now := d.now()
	j := domain.Job{
		ID:          "job_" + uuid.NewString(),
		Queue:       queue,
		Type:        kind,
		Payload:     raw,
		Priority:    opts.Priority,
		State:       domain.StateWaiting,
		MaxAttempts: cfg.Attempts,
		Backoff:     cfg.Backoff,
		RunAt:       now,
		Repeat:      repeat,
		CreatedAt:   now,
	}
	if opts.Attempts > 0 {
		j.MaxAttempts = opts.Attempts
	}
	if opts.Backoff != nil {
		j.Backoff = opts.Backoff
	}
	if opts.Delay > 0 {
		j.State = domain.StateDelayed
		j.RunAt = now.Add(opts.Delay)
	}
	if opts.IdempotencyKey != "" {
		k := opts.IdempotencyKey
		j.IdempotencyKey = &k
	}

	job, created, err := d.store.Insert(ctx, j)
	if err != nil {
		return domain.Job{}, fmt.Errorf("enqueue %s/%s: %w", queue, kind, err)
	}
	if !created {
		log.Debug().Str("queue", queue).Str("job_id", job.ID).Str("idempotency_key", opts.IdempotencyKey).Msg("job already scheduled")
		return job, nil
	}
	log.Info().Str("queue", queue).Str("job_id", job.ID).Str("job_type", kind).Str("state", string(job.State)).Msg("job enqueued")
	return job, nil
}

func (d *Dispatcher) Get(ctx context.Context, queue, id string) (domain.Job, error) {
	if _, err := d.Config(queue); err != nil {
		return domain.Job{}, err
	}
	return d.store.Get(ctx, queue, id)
}

// Lookup returns the pending job scheduled under an idempotency key.
func (d *Dispatcher) Lookup(ctx context.Context, queue, key string) (domain.Job, error) {
	if _, err := d.Config(queue); err != nil {
		return domain.Job{}, err
	}
	return d.store.FindByIdempotencyKey(ctx, queue, key)
}

// Claim hands the next eligible job of queue to a worker. It returns ErrEmpty
// when nothing is eligible or the queue is paused.
func (d *Dispatcher) Claim(ctx context.Context, queue string) (domain.Job, error) {
	if _, err := d.Config(queue); err != nil {
		return domain.Job{}, err
	}
	j, err := d.store.Claim(ctx, queue, d.now())
	if err != nil {
		return domain.Job{}, err
	}
	// the next occurrence belongs to the first attempt only; retries reuse it
	if j.Repeat != nil && j.AttemptsMade == 0 {
		if err := d.scheduleNext(ctx, j); err != nil {
			log.Error().Err(err).Str("queue", queue).Str("job_id", j.ID).Msg("failed to schedule next occurrence")
		}
	}
	return j, nil
}

func (d *Dispatcher) scheduleNext(ctx context.Context, j domain.Job) error {
	r := *j.Repeat
	r.Count++
	if r.Limit > 0 && r.Count >= r.Limit {
		log.Info().Str("queue", j.Queue).Str("repeat_key", r.Key).Int("count", r.Count).Msg("repeat limit reached")
		return nil
	}
	sched, err := scheduler.Parse(r)
	if err != nil {
		return err
	}
	now := d.now()
	next := sched.Next(j.RunAt)
	if next.Before(now) {
		next = sched.Next(now)
	}
	_, err = d.add(ctx, j.Queue, j.Type, j.Payload, Options{
		Priority:       j.Priority,
		Delay:          next.Sub(now),
		Attempts:       j.MaxAttempts,
		Backoff:        j.Backoff,
		IdempotencyKey: occurrenceKey(r.Key, next),
	}, &r)
	return err
}

func (d *Dispatcher) Complete(ctx context.Context, j domain.Job, result json.RawMessage) error {
	if err := d.store.Complete(ctx, j.Queue, j.ID, result, d.now()); err != nil {
		return err
	}
	log.Info().Str("queue", j.Queue).Str("job_id", j.ID).Str("job_type", j.Type).Msg("job completed")
	return nil
}

// Fail applies the job's backoff policy: the job is delayed for another
// attempt, or moved to failed once attempts are exhausted or the cause wraps
// ErrUnrecoverable.
func (d *Dispatcher) Fail(ctx context.Context, j domain.Job, cause error) (domain.JobState, error) {
	now := d.now()
	attempts := j.AttemptsMade + 1
	msg := cause.Error()
	var he *HandlerError
	if errors.As(cause, &he) {
		msg = he.Err.Error()
	}
	if attempts < j.MaxAttempts && !errors.Is(cause, ErrUnrecoverable) {
		at := now.Add(BackoffDelay(j.Backoff, attempts))
		if err := d.store.Fail(ctx, j.Queue, j.ID, attempts, msg, &at, now); err != nil {
			return "", err
		}
		log.Warn().Err(cause).Str("queue", j.Queue).Str("job_id", j.ID).Int("attempt", attempts).
			Int("max_attempts", j.MaxAttempts).Time("retry_at", at).Msg("job failed, retry scheduled")
		return domain.StateDelayed, nil
	}
	if err := d.store.Fail(ctx, j.Queue, j.ID, attempts, msg, nil, now); err != nil {
		return "", err
	}
	log.Error().Err(cause).Str("queue", j.Queue).Str("job_id", j.ID).Int("attempt", attempts).Msg("job failed permanently")
	return domain.StateFailed, nil
}

func (d *Dispatcher) Pause(ctx context.Context, queue string) error {
	if _, err := d.Config(queue); err != nil {
		return err
	}
	if err := d.store.SetPaused(ctx, queue, true, d.now()); err != nil {
		return err
	}
	log.Info().Str("queue", queue).Msg("queue paused")
	return nil
}

func (d *Dispatcher) Resume(ctx context.Context, queue string) error {
	if _, err := d.Config(queue); err != nil {
		return err
	}
	if err := d.store.SetPaused(ctx, queue, false, d.now()); err != nil {
		return err
	}
	log.Info().Str("queue", queue).Msg("queue resumed")
	return nil
}

// Inspect lists jobs in state ordered by enqueue time, ties by priority.
func (d *Dispatcher) Inspect(ctx context.Context, queue string, state domain.JobState, page Page) ([]domain.Job, error) {
	if _, err := d.Config(queue); err != nil {
		return nil, err
	}
	if !state.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidState, state)
	}
	if page.Limit <= 0 {
		page.Limit = 100
	}
	if page.Offset < 0 {
		page.Offset = 0
	}
	return d.store.List(ctx, queue, state, page.Offset, page.Limit)
}

// Retry moves a failed job back to waiting. Attempts made are preserved.
func (d *Dispatcher) Retry(ctx context.Context, queue, id string) (domain.Job, error) {
	if _, err := d.Config(queue); err != nil {
		return domain.Job{}, err
	}
	j, err := d.store.Retry(ctx, queue, id, d.now())
	if err != nil {
		return domain.Job{}, err
	}
	log.Info().Str("queue", queue).Str("job_id", id).Msg("job retried")
	return j, nil
}

// Remove deletes any job that is not active.
func (d *Dispatcher) Remove(ctx context.Context, queue, id string) error {
	if _, err := d.Config(queue); err != nil {
		return err
	}
	if err := d.store.Remove(ctx, queue, id); err != nil {
		return err
	}
	log.Info().Str("queue", queue).Str("job_id", id).Msg("job removed")
	return nil
}

// Clean deletes up to limit terminal jobs in state that finished more than
// olderThan ago. A limit <= 0 removes every match.
func (d *Dispatcher) Clean(ctx context.Context, queue string, olderThan time.Duration, limit int, state domain.JobState) ([]string, error) {
	if _, err := d.Config(queue); err != nil {
		return nil, err
	}
	if !state.Terminal() {
		return nil, fmt.Errorf("%w: clean %q", ErrInvalidState, state)
	}
	if limit <= 0 {
		limit = -1
	}
	ids, err := d.store.Clean(ctx, queue, state, d.now().Add(-olderThan), limit)
	if err != nil {
		return nil, err
	}
	log.Info().Str("queue", queue).Str("state", string(state)).Int("removed", len(ids)).Msg("queue cleaned")
	return ids, nil
}

// Drain removes waiting jobs, and delayed ones when includeDelayed is set.
func (d *Dispatcher) Drain(ctx context.Context, queue string, includeDelayed bool) (int, error) {
	if _, err := d.Config(queue); err != nil {
		return 0, err
	}
	n, err := d.store.Drain(ctx, queue, includeDelayed)
	if err != nil {
		return 0, err
	}
	log.Info().Str("queue", queue).Bool("delayed", includeDelayed).Int("removed", n).Msg("queue drained")
	return n, nil
}

// ApplyRetention enforces the queue's max age and max count for terminal jobs.
func (d *Dispatcher) ApplyRetention(ctx context.Context, queue string) ([]string, error) {
	cfg, err := d.Config(queue)
	if err != nil {
		return nil, err
	}
	var removed []string
	for state, keep := range map[domain.JobState]domain.Retention{
		domain.StateCompleted: cfg.RemoveOnComplete,
		domain.StateFailed:    cfg.RemoveOnFail,
	} {
		if keep.MaxAge > 0 {
			ids, err := d.store.Clean(ctx, queue, state, d.now().Add(-keep.MaxAge), -1)
			if err != nil {
				return removed, err
			}
			removed = append(removed, ids...)
		}
		if keep.MaxCount > 0 {
			ids, err := d.store.Trim(ctx, queue, state, keep.MaxCount)
			if err != nil {
				return removed, err
			}
			removed = append(removed, ids...)
		}
	}
	return removed, nil
}

func (d *Dispatcher) Stats(ctx context.Context, queue string) (domain.QueueStats, error) {
	if _, err := d.Config(queue); err != nil {
		return domain.QueueStats{}, err
	}
	return d.store.Counts(ctx, queue)
}

func (d *Dispatcher) AllStats(ctx context.Context) (map[string]domain.QueueStats, error) {
	out := make(map[string]domain.QueueStats, len(d.names))
	for _, name := range d.names {
		s, err := d.store.Counts(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("stats %s: %w", name, err)
		}
		out[name] = s
	}
	return out, nil
}

// RecoverStale re-queues active jobs that were claimed more than timeout ago.
func (d *Dispatcher) RecoverStale(ctx context.Context, timeout time.Duration) (int, error) {
	return d.store.RecoverStale(ctx, d.now(), timeout)
}

// Handle is a per-queue view of the dispatcher.
type Handle struct {
	d    *Dispatcher
	name string
}

// Queues holds one handle per registered queue.
type Queues map[string]Handle

func (d *Dispatcher) Queues() Queues {
	qs := make(Queues, len(d.names))
	for _, n := range d.names {
		qs[n] = Handle{d: d, name: n}
	}
	return qs
}

// Get returns the handle for name, or ErrUnknownQueue.
func (qs Queues) Get(name string) (Handle, error) {
	h, ok := qs[name]
	if !ok {
		return Handle{}, fmt.Errorf("%w: %q", ErrUnknownQueue, name)
	}
	return h, nil
}

func (h Handle) Name() string { return h.name }

func (h Handle) check() error {
	if h.d == nil {
		return fmt.Errorf("%w: %q", ErrUnknownQueue, h.name)
	}
	return nil
}

func (h Handle) Enqueue(ctx context.Context, p Payload, opts Options) (domain.Job, error) {
	if err := h.check(); err != nil {
		return domain.Job{}, err
	}
	return h.d.Enqueue(ctx, h.name, p, opts)
}

func (h Handle) EnqueueDelayed(ctx context.Context, p Payload, delay time.Duration, opts Options) (domain.Job, error) {
	if err := h.check(); err != nil {
		return domain.Job{}, err
	}
	return h.d.EnqueueDelayed(ctx, h.name, p, delay, opts)
}

func (h Handle) EnqueueRepeating(ctx context.Context, p Payload, r domain.Repeat, opts Options) (domain.Job, error) {
	if err := h.check(); err != nil {
		return domain.Job{}, err
	}
	return h.d.EnqueueRepeating(ctx, h.name, p, r, opts)
}

func (h Handle) Stats(ctx context.Context) (domain.QueueStats, error) {
	if err := h.check(); err != nil {
		return domain.QueueStats{}, err
	}
	return h.d.Stats(ctx, h.name)
}
