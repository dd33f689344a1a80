package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/ASR-Innovations/agentic-social-sub002/internal/api"
	"github.com/ASR-Innovations/agentic-social-sub002/internal/config"
	"github.com/ASR-Innovations/agentic-social-sub002/internal/domain"
	integration "github.com/ASR-Innovations/agentic-social-sub002/internal/handlers/http"
	"github.com/ASR-Innovations/agentic-social-sub002/internal/monitor"
	"github.com/ASR-Innovations/agentic-social-sub002/internal/queue"
	"github.com/ASR-Innovations/agentic-social-sub002/internal/ratelimit"
	"github.com/ASR-Innovations/agentic-social-sub002/internal/scheduler"
	"github.com/ASR-Innovations/agentic-social-sub002/internal/webhook"
	"github.com/ASR-Innovations/agentic-social-sub002/internal/worker"
)

const maintenanceQueue = "maintenance"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	setupLogging(cfg)

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.DBPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	for name, ensure := range map[string]func(*sql.DB) error{
		"queue":     queue.EnsureSchema,
		"webhook":   webhook.EnsureSchema,
		"ratelimit": ratelimit.EnsureSchema,
	} {
		if err := ensure(db); err != nil {
			log.Fatal().Err(err).Str("schema", name).Msg("ensure schema")
		}
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("redis ping")
		}
		cancel()
	}

	// Limiter
	limitStore := ratelimit.NewSQLiteStore(db)
	if rdb != nil {
		limitStore = ratelimit.NewRedisStore(rdb)
	}
	limiter := ratelimit.New(limitStore)

	// Job types and dispatcher
	types := queue.NewTypes()
	types.Register(func() queue.Payload { return &integration.Call{} })
	types.Register(func() queue.Payload { return &webhook.RetryDueJob{} })
	types.Register(func() queue.Payload { return &ratelimit.PurgeJob{} })
	d := queue.NewDispatcher(queue.NewSQLiteStore(db), types, config.DefaultQueues(cfg.Concurrency)...)

	if n, err := d.RecoverStale(context.Background(), cfg.StaleActiveTimeout); err != nil {
		log.Error().Err(err).Msg("recover stale active jobs")
	} else {
		log.Info().Int("recovered", n).Msg("recovered stale active jobs")
	}

	hooks := webhook.NewService(webhook.NewSQLiteStore(db), &http.Client{Timeout: cfg.WebhookTimeout})

	// Handlers registry
	calls := integration.Integration{
		Limiter: limiter,
		Default: integration.Limits{Hourly: cfg.IntegrationHourlyLimit, Daily: cfg.IntegrationDailyLimit},
		Client:  &http.Client{Timeout: 30 * time.Second},
	}
	handlers := map[string]worker.Handler{
		integration.Call{}.Kind():    worker.Typed(calls.Handle),
		webhook.RetryDueJob{}.Kind(): hooks.RetryDueHandler(),
		ratelimit.PurgeJob{}.Kind():  limiter.PurgeHandler(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	seed := []struct {
		p     queue.Payload
		every time.Duration
	}{
		{webhook.RetryDueJob{}, cfg.WebhookRetrySweep},
		{ratelimit.PurgeJob{}, cfg.RateLimitPurge},
	}
	maint, err := d.Queues().Get(maintenanceQueue)
	if err != nil {
		log.Fatal().Err(err).Msg("maintenance queue")
	}
	for _, s := range seed {
		if err := ensureRepeating(ctx, d, maint, s.p, s.every); err != nil {
			log.Fatal().Err(err).Str("job_type", s.p.Kind()).Msg("seed maintenance job")
		}
	}

	// Monitor, with a shared cleanup lock when Redis is available
	var lock monitor.Locker
	if rdb != nil {
		lock = monitor.NewRedisLock(rdb)
	}
	mon := monitor.New(d, lock)
	if err := mon.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start monitor")
	}

	// Start worker pool
	pool := worker.NewPool(d, handlers, cfg.PollInterval)
	poolDone := make(chan error, 1)
	go func() { poolDone <- pool.Run(ctx) }()

	// HTTP server
	router := api.NewServer(d, mon, hooks, api.Options{
		RateLimit: ratelimit.Middleware(limiter, cfg.APIKeyHourlyLimit, cfg.APIKeyDailyLimit, ratelimit.APIKey),
		Debug:     cfg.Debug,
	})
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")

	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
	mon.Stop()
	cancel()
	select {
	case err := <-poolDone:
		if err != nil {
			log.Error().Err(err).Msg("worker pool")
		}
	case <-ctxTimeout.Done():
		log.Warn().Msg("gave up waiting for in-flight jobs")
	}
}

func setupLogging(cfg config.Config) {
	zerolog.TimeFieldFormat = time.RFC3339
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if cfg.Debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.LogFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}
}

// ensureRepeating schedules a repeating maintenance job unless an occurrence
// of the same repeat is already pending from an earlier run.
func ensureRepeating(ctx context.Context, d *queue.Dispatcher, q queue.Handle, p queue.Payload, every time.Duration) error {
	rep := domain.Repeat{Every: every}
	key := scheduler.Key(p.Kind(), rep)
	for _, state := range []domain.JobState{domain.StateDelayed, domain.StateWaiting, domain.StatePaused} {
		jobs, err := d.Inspect(ctx, q.Name(), state, queue.Page{Limit: 1000})
		if err != nil {
			return err
		}
		for _, j := range jobs {
			if j.Repeat != nil && j.Repeat.Key == key {
				log.Debug().Str("job_type", p.Kind()).Str("job_id", j.ID).Msg("maintenance job already scheduled")
				return nil
			}
		}
	}
	j, err := q.EnqueueRepeating(ctx, p, rep, queue.Options{})
	if err != nil {
		return err
	}
	log.Info().Str("job_type", p.Kind()).Str("job_id", j.ID).Dur("every", every).Msg("maintenance job scheduled")
	return nil
}
