package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ASR-Innovations/agentic-social-sub002/internal/domain"
)

const (
	windowSize = time.Hour
	dayWindow  = 24 * time.Hour
	// windows ending before now-purgeAfter are deleted
	purgeAfter = 48 * time.Hour
)

// Store keeps per-key request counts in hour-aligned windows.
type Store interface {
	// Windows returns the windows of key starting at or after since, oldest first.
	Windows(ctx context.Context, key domain.RateLimitKey, since time.Time) ([]domain.RateLimitWindow, error)
	// Admit sums the trailing hour and day of key as of now and, when both
	// sums are below their limits, counts one request in the window holding
	// now. The read and the increment happen as one atomic operation.
	Admit(ctx context.Context, key domain.RateLimitKey, now time.Time, hourlyLimit, dailyLimit int) (Usage, error)
	Purge(ctx context.Context, endedBefore time.Time) (int, error)
}

// Usage is what Admit saw before counting the request. Oldest window starts
// are zero when no window falls in the range.
type Usage struct {
	Admitted     bool
	Hourly       int
	Daily        int
	OldestHourly time.Time
	OldestDaily  time.Time
}

// Result is the outcome of a Check. A denial is a value, not an error.
type Result struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

type Limiter struct {
	store Store
	Now   func() time.Time
}

func New(store Store) *Limiter {
	return &Limiter{store: store, Now: func() time.Time { return time.Now().UTC() }}
}

func (l *Limiter) now() time.Time {
	if l.Now != nil {
		return l.Now().UTC()
	}
	return time.Now().UTC()
}

// Check admits or denies one request for key. Windows starting within the
// trailing hour count against hourlyLimit, windows within the trailing day
// against dailyLimit. Reaching a limit exactly denies. Only an admitted request
// is counted.
func (l *Limiter) Check(ctx context.Context, key domain.RateLimitKey, hourlyLimit, dailyLimit int) (Result, error) {
	now := l.now()
	current := now.Truncate(windowSize)
	u, err := l.store.Admit(ctx, key, now, hourlyLimit, dailyLimit)
	if err != nil {
		return Result{}, fmt.Errorf("rate limit admit: %w", err)
	}
	if u.Admitted {
		return Result{
			Allowed:   true,
			Remaining: min(hourlyLimit-u.Hourly, dailyLimit-u.Daily) - 1,
			ResetAt:   current.Add(windowSize),
		}, nil
	}

	if u.Hourly < hourlyLimit && u.Daily >= dailyLimit {
		reset := current.Add(dayWindow)
		if !u.OldestDaily.IsZero() {
			reset = u.OldestDaily.Add(dayWindow)
		}
		log.Debug().Str("resource_type", key.ResourceType).Str("resource_id", key.ResourceID).
			Int("count", u.Daily).Int("limit", dailyLimit).Msg("daily rate limit reached")
		return Result{Allowed: false, Remaining: 0, ResetAt: reset}, nil
	}
	reset := current.Add(windowSize)
	if !u.OldestHourly.IsZero() {
		reset = u.OldestHourly.Add(windowSize)
	}
	log.Debug().Str("resource_type", key.ResourceType).Str("resource_id", key.ResourceID).
		Int("count", u.Hourly).Int("limit", hourlyLimit).Msg("hourly rate limit reached")
	return Result{Allowed: false, Remaining: 0, ResetAt: reset}, nil
}

// Purge deletes windows that ended more than two days ago.
func (l *Limiter) Purge(ctx context.Context) (int, error) {
	n, err := l.store.Purge(ctx, l.now().Add(-purgeAfter))
	if err != nil {
		return 0, err
	}
	log.Info().Int("removed", n).Msg("rate limit windows purged")
	return n, nil
}
