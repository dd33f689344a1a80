package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ASR-Innovations/agentic-social-sub002/internal/domain"
)

func TestLoad_Defaults(t *testing.T) {
	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", c.HTTPAddr)
	assert.Equal(t, "relayd.db", c.DBPath)
	assert.Empty(t, c.RedisAddr)
	assert.Equal(t, 250*time.Millisecond, c.PollInterval)
	assert.Equal(t, 4, c.Concurrency)
	assert.Equal(t, 30*time.Second, c.WebhookTimeout)
	assert.Equal(t, time.Minute, c.WebhookRetrySweep)
	assert.Equal(t, time.Hour, c.RateLimitPurge)
	assert.Equal(t, 1000, c.APIKeyHourlyLimit)
	assert.Equal(t, 10000, c.APIKeyDailyLimit)
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("HTTP_ADDR", "127.0.0.1:9000")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("POLL_INTERVAL", "1s")
	t.Setenv("WORKER_CONCURRENCY", "16")
	t.Setenv("API_KEY_HOURLY_LIMIT", "50")
	t.Setenv("DEBUG", "true")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", c.HTTPAddr)
	assert.Equal(t, "localhost:6379", c.RedisAddr)
	assert.Equal(t, time.Second, c.PollInterval)
	assert.Equal(t, 16, c.Concurrency)
	assert.Equal(t, 50, c.APIKeyHourlyLimit)
	assert.True(t, c.Debug)
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("WORKER_CONCURRENCY", "0")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("WORKER_CONCURRENCY", "lots")
	_, err = Load()
	assert.Error(t, err)
}

func TestDefaultQueues(t *testing.T) {
	qs := DefaultQueues(6)
	require.Len(t, qs, 10)

	byName := map[string]domain.QueueConfig{}
	for _, q := range qs {
		byName[q.Name] = q
	}
	hook := byName["webhook-delivery"]
	assert.Equal(t, 10, hook.Attempts)
	assert.Equal(t, domain.BackoffExponential, hook.Backoff.Type)
	assert.Equal(t, time.Second, hook.Backoff.Delay)
	assert.Equal(t, 6, hook.Concurrency)

	media := byName["media-processing"]
	assert.Equal(t, domain.BackoffFixed, media.Backoff.Type)
	assert.Equal(t, 500, media.RemoveOnComplete.MaxCount)

	maint := byName["maintenance"]
	assert.Equal(t, 1, maint.Attempts)
	assert.Nil(t, maint.Backoff)
	assert.Equal(t, 1, maint.Concurrency)
	assert.Equal(t, 3*24*time.Hour, maint.RemoveOnFail.MaxAge)
}
