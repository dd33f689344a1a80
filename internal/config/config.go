package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/ASR-Innovations/agentic-social-sub002/internal/domain"
)

type Config struct {
	HTTPAddr      string        `env:"HTTP_ADDR" envDefault:":8080"`
	DBPath        string        `env:"DB_PATH" envDefault:"relayd.db"`
	RedisAddr     string        `env:"REDIS_ADDR"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	PollInterval  time.Duration `env:"POLL_INTERVAL" envDefault:"250ms"`
	Concurrency   int           `env:"WORKER_CONCURRENCY" envDefault:"4"`

	WebhookTimeout     time.Duration `env:"WEBHOOK_TIMEOUT" envDefault:"30s"`
	WebhookRetrySweep  time.Duration `env:"WEBHOOK_RETRY_SWEEP" envDefault:"1m"`
	RateLimitPurge     time.Duration `env:"RATELIMIT_PURGE_INTERVAL" envDefault:"1h"`
	APIKeyHourlyLimit  int           `env:"API_KEY_HOURLY_LIMIT" envDefault:"1000"`
	APIKeyDailyLimit   int           `env:"API_KEY_DAILY_LIMIT" envDefault:"10000"`
	StaleActiveTimeout time.Duration `env:"STALE_ACTIVE_TIMEOUT" envDefault:"5m"`

	// Outbound integration calls, per provider and scope.
	IntegrationHourlyLimit int `env:"INTEGRATION_HOURLY_LIMIT" envDefault:"500"`
	IntegrationDailyLimit  int `env:"INTEGRATION_DAILY_LIMIT" envDefault:"5000"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"console"`
	Debug     bool   `env:"DEBUG"`
}

// Load reads the configuration from the environment.
func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if c.Concurrency < 1 {
		return Config{}, fmt.Errorf("WORKER_CONCURRENCY must be positive, got %d", c.Concurrency)
	}
	if c.PollInterval <= 0 {
		return Config{}, fmt.Errorf("POLL_INTERVAL must be positive, got %s", c.PollInterval)
	}
	return c, nil
}

const (
	day  = 24 * time.Hour
	week = 7 * day
)

func exponential(d time.Duration) *domain.Backoff {
	return &domain.Backoff{Type: domain.BackoffExponential, Delay: d}
}

func fixed(d time.Duration) *domain.Backoff {
	return &domain.Backoff{Type: domain.BackoffFixed, Delay: d}
}

// DefaultQueues is the production queue set. concurrency applies to every
// queue except maintenance, which runs one job at a time.
func DefaultQueues(concurrency int) []domain.QueueConfig {
	q := func(name string, attempts int, b *domain.Backoff, done, failed domain.Retention) domain.QueueConfig {
		return domain.QueueConfig{
			Name:             name,
			Attempts:         attempts,
			Backoff:          b,
			RemoveOnComplete: done,
			RemoveOnFail:     failed,
			Concurrency:      concurrency,
		}
	}
	keep := func(age time.Duration, count int) domain.Retention {
		return domain.Retention{MaxAge: age, MaxCount: count}
	}

	queues := []domain.QueueConfig{
		q("post-publishing", 3, exponential(5*time.Second), keep(day, 1000), keep(week, 0)),
		q("analytics-collection", 5, exponential(10*time.Second), keep(12*time.Hour, 5000), keep(week, 0)),
		q("social-listening", 3, exponential(5*time.Second), keep(6*time.Hour, 10000), keep(3*day, 0)),
		q("media-processing", 2, fixed(30*time.Second), keep(day, 500), keep(week, 0)),
		q("email-notifications", 5, exponential(2*time.Second), keep(12*time.Hour, 2000), keep(3*day, 0)),
		q("webhook-delivery", 10, exponential(time.Second), keep(day, 1000), keep(week, 0)),
		q("report-generation", 2, fixed(time.Minute), keep(2*day, 100), keep(week, 0)),
		q("data-export", 2, fixed(30*time.Second), keep(2*day, 50), keep(week, 0)),
		q("ai-processing", 3, exponential(3*time.Second), keep(day, 2000), keep(3*day, 0)),
		q("maintenance", 1, nil, keep(day, 100), keep(3*day, 0)),
	}
	queues[len(queues)-1].Concurrency = 1
	return queues
}
