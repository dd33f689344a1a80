package monitor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/ASR-Innovations/agentic-social-sub002/internal/domain"
	"github.com/ASR-Innovations/agentic-social-sub002/internal/queue"
)

type Status string

const (
	Healthy  Status = "healthy"
	Warning  Status = "warning"
	Critical Status = "critical"
)

func (s Status) worse(o Status) Status {
	rank := map[Status]int{Healthy: 0, Warning: 1, Critical: 2}
	if rank[o] > rank[s] {
		return o
	}
	return s
}

// Thresholds above which a queue count is flagged.
type Thresholds struct {
	Failed  int
	Waiting int
	Delayed int
	Active  int
}

var DefaultThresholds = Thresholds{Failed: 100, Waiting: 10000, Delayed: 5000, Active: 1000}

type QueueHealth struct {
	Queue  string            `json:"queue"`
	Status Status            `json:"status"`
	Stats  domain.QueueStats `json:"stats"`
	Issues []string          `json:"issues"`
}

type Summary struct {
	TotalQueues    int `json:"total_queues"`
	TotalWaiting   int `json:"total_waiting"`
	TotalActive    int `json:"total_active"`
	TotalCompleted int `json:"total_completed"`
	TotalFailed    int `json:"total_failed"`
	TotalDelayed   int `json:"total_delayed"`
	PausedQueues   int `json:"paused_queues"`
	TotalPending   int `json:"total_pending"`
}

type SystemHealth struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Summary   Summary                `json:"summary"`
	Queues    map[string]QueueHealth `json:"queues"`
}

// Cleanup policy of the scheduled clean runs.
const (
	completedAge   = 24 * time.Hour
	completedLimit = 1000
	failedAge      = 7 * 24 * time.Hour
	failedLimit    = 500
	lockTTL        = 10 * time.Minute
)

// Locker grants a named lease to a single process at a time.
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (release func(), ok bool, err error)
}

// Monitor samples queue health and cleans terminal jobs on a cron schedule.
type Monitor struct {
	d    *queue.Dispatcher
	lock Locker
	cron *cron.Cron

	Thresholds Thresholds
	Now        func() time.Time

	mu     sync.RWMutex
	latest *SystemHealth
}

// New builds a monitor. lock may be nil when a single process runs the cleanup.
func New(d *queue.Dispatcher, lock Locker) *Monitor {
	return &Monitor{
		d:          d,
		lock:       lock,
		cron:       cron.New(),
		Thresholds: DefaultThresholds,
		Now:        func() time.Time { return time.Now().UTC() },
	}
}

func (m *Monitor) now() time.Time {
	if m.Now != nil {
		return m.Now().UTC()
	}
	return time.Now().UTC()
}

// Start registers the periodic runs. Each run gets its own timeout derived from ctx.
func (m *Monitor) Start(ctx context.Context) error {
	entries := []struct {
		spec string
		name string
		run  func(context.Context)
	}{
		{"*/5 * * * *", "health", func(ctx context.Context) { _, _ = m.Sample(ctx) }},
		{"0 * * * *", "clean-completed", func(ctx context.Context) { m.CleanCompleted(ctx) }},
		{"0 */6 * * *", "clean-failed", func(ctx context.Context) { m.CleanFailed(ctx) }},
		{"*/10 * * * *", "report", func(ctx context.Context) { _, _ = m.Report(ctx) }},
	}
	for _, e := range entries {
		e := e
		if _, err := m.cron.AddFunc(e.spec, func() {
			runCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
			defer cancel()
			e.run(runCtx)
		}); err != nil {
			return fmt.Errorf("schedule %s: %w", e.name, err)
		}
	}
	m.cron.Start()
	log.Info().Int("entries", len(entries)).Msg("queue monitor started")
	return nil
}

// Stop halts the schedule and waits for running jobs.
func (m *Monitor) Stop() {
	<-m.cron.Stop().Done()
}

func (m *Monitor) evaluate(name string, stats domain.QueueStats) QueueHealth {
	h := QueueHealth{Queue: name, Status: Healthy, Stats: stats, Issues: []string{}}
	t := m.Thresholds
	flag := func(s Status, format string, args ...any) {
		h.Status = h.Status.worse(s)
		h.Issues = append(h.Issues, fmt.Sprintf(format, args...))
	}
	if stats.Failed > t.Failed {
		flag(Critical, "High number of failed jobs: %d (threshold: %d)", stats.Failed, t.Failed)
	}
	if stats.Waiting > t.Waiting {
		flag(Warning, "High number of waiting jobs: %d (threshold: %d)", stats.Waiting, t.Waiting)
	}
	if stats.Delayed > t.Delayed {
		flag(Warning, "High number of delayed jobs: %d (threshold: %d)", stats.Delayed, t.Delayed)
	}
	if stats.Active > t.Active {
		flag(Warning, "High number of active jobs: %d (threshold: %d)", stats.Active, t.Active)
	}
	if stats.IsPaused {
		flag(Critical, "Queue is paused")
	}
	return h
}

func (m *Monitor) QueueHealth(ctx context.Context, name string) (QueueHealth, error) {
	stats, err := m.d.Stats(ctx, name)
	if err != nil {
		return QueueHealth{}, err
	}
	return m.evaluate(name, stats), nil
}

func (m *Monitor) SystemHealth(ctx context.Context) (SystemHealth, error) {
	all, err := m.d.AllStats(ctx)
	if err != nil {
		return SystemHealth{}, err
	}
	sh := SystemHealth{
		Status:    Healthy,
		Timestamp: m.now(),
		Summary:   summarize(all),
		Queues:    make(map[string]QueueHealth, len(all)),
	}
	for name, stats := range all {
		h := m.evaluate(name, stats)
		sh.Queues[name] = h
		sh.Status = sh.Status.worse(h.Status)
	}
	return sh, nil
}

func summarize(all map[string]domain.QueueStats) Summary {
	s := Summary{TotalQueues: len(all)}
	for _, q := range all {
		s.TotalWaiting += q.Waiting
		s.TotalActive += q.Active
		s.TotalCompleted += q.Completed
		s.TotalFailed += q.Failed
		s.TotalDelayed += q.Delayed
		if q.IsPaused {
			s.PausedQueues++
		}
	}
	s.TotalPending = s.TotalWaiting + s.TotalActive + s.TotalDelayed
	return s
}

// Latest returns the most recent sample taken by the schedule.
func (m *Monitor) Latest() (SystemHealth, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.latest == nil {
		return SystemHealth{}, false
	}
	return *m.latest, true
}

// Sample evaluates every queue, logs alerts for unhealthy ones and keeps the
// result for Latest.
func (m *Monitor) Sample(ctx context.Context) (SystemHealth, error) {
	sh, err := m.SystemHealth(ctx)
	if err != nil {
		log.Error().Err(err).Msg("queue health sampling failed")
		return SystemHealth{}, err
	}
	names := make([]string, 0, len(sh.Queues))
	for name := range sh.Queues {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		h := sh.Queues[name]
		if h.Status == Healthy {
			continue
		}
		log.Warn().Str("queue", name).Str("status", string(h.Status)).
			Str("issues", strings.Join(h.Issues, "; ")).Msg("queue health alert")
	}
	m.mu.Lock()
	m.latest = &sh
	m.mu.Unlock()
	log.Debug().Str("status", string(sh.Status)).Msg("queue health sampled")
	return sh, nil
}

// CleanCompleted removes completed jobs older than a day, at most 1000 per
// queue, then applies each queue's retention. It returns the number removed.
func (m *Monitor) CleanCompleted(ctx context.Context) int {
	return m.withLock(ctx, "clean-completed", func(ctx context.Context) int {
		total := 0
		for _, name := range m.d.Names() {
			ids, err := m.d.Clean(ctx, name, completedAge, completedLimit, domain.StateCompleted)
			if err != nil {
				log.Error().Err(err).Str("queue", name).Msg("cleaning completed jobs failed")
				continue
			}
			total += len(ids)
			kept, err := m.d.ApplyRetention(ctx, name)
			if err != nil {
				log.Error().Err(err).Str("queue", name).Msg("applying retention failed")
			}
			total += len(kept)
		}
		log.Info().Int("removed", total).Msg("cleaned completed jobs across all queues")
		return total
	})
}

// CleanFailed removes failed jobs older than a week, at most 500 per queue.
func (m *Monitor) CleanFailed(ctx context.Context) int {
	return m.withLock(ctx, "clean-failed", func(ctx context.Context) int {
		total := 0
		for _, name := range m.d.Names() {
			ids, err := m.d.Clean(ctx, name, failedAge, failedLimit, domain.StateFailed)
			if err != nil {
				log.Error().Err(err).Str("queue", name).Msg("cleaning failed jobs failed")
				continue
			}
			total += len(ids)
		}
		log.Info().Int("removed", total).Msg("cleaned failed jobs across all queues")
		return total
	})
}

// Report logs a summary across all queues.
func (m *Monitor) Report(ctx context.Context) (Summary, error) {
	all, err := m.d.AllStats(ctx)
	if err != nil {
		log.Error().Err(err).Msg("queue metrics report failed")
		return Summary{}, err
	}
	s := summarize(all)
	log.Info().Int("queues", s.TotalQueues).Int("waiting", s.TotalWaiting).Int("active", s.TotalActive).
		Int("completed", s.TotalCompleted).Int("failed", s.TotalFailed).Int("delayed", s.TotalDelayed).
		Int("paused_queues", s.PausedQueues).Int("pending", s.TotalPending).Msg("queue metrics report")
	return s, nil
}

func (m *Monitor) withLock(ctx context.Context, name string, fn func(context.Context) int) int {
	if m.lock == nil {
		return fn(ctx)
	}
	release, ok, err := m.lock.Acquire(ctx, name, lockTTL)
	if err != nil {
		log.Error().Err(err).Str("task", name).Msg("monitor lock failed")
		return 0
	}
	if !ok {
		log.Debug().Str("task", name).Msg("monitor task held by another instance")
		return 0
	}
	defer release()
	return fn(ctx)
}
