package domain

import (
	"encoding/json"
	"time"
)

type JobState string

const (
	StateWaiting   JobState = "waiting"
	StateDelayed   JobState = "delayed"
	StateActive    JobState = "active"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StatePaused    JobState = "paused"
)

// Terminal reports whether the state is completed or failed.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

func (s JobState) Valid() bool {
	switch s {
	case StateWaiting, StateDelayed, StateActive, StateCompleted, StateFailed, StatePaused:
		return true
	}
	return false
}

type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
)

type Backoff struct {
	Type   BackoffType   `json:"type"`
	Delay  time.Duration `json:"delay"`
	Factor float64       `json:"factor,omitempty"` // exponential only, 2 when zero
}

type Retention struct {
	MaxAge   time.Duration `json:"max_age"`
	MaxCount int           `json:"max_count,omitempty"`
}

// QueueConfig is the static definition of a named queue.
type QueueConfig struct {
	Name             string    `json:"name"`
	Attempts         int       `json:"attempts"`
	Backoff          *Backoff  `json:"backoff,omitempty"`
	RemoveOnComplete Retention `json:"remove_on_complete"`
	RemoveOnFail     Retention `json:"remove_on_fail"`
	Concurrency      int       `json:"concurrency"`
}

// Repeat describes a repeating job. Exactly one of Pattern or Every is set.
type Repeat struct {
	Pattern string        `json:"pattern,omitempty"`
	Every   time.Duration `json:"every,omitempty"`
	Limit   int           `json:"limit,omitempty"`
	Count   int           `json:"count"`
	Key     string        `json:"key"`
}

type Job struct {
	ID             string          `json:"id"`
	Queue          string          `json:"queue"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	Priority       int             `json:"priority"`
	State          JobState        `json:"state"`
	AttemptsMade   int             `json:"attempts_made"`
	MaxAttempts    int             `json:"max_attempts"`
	Backoff        *Backoff        `json:"backoff,omitempty"`
	RunAt          time.Time       `json:"run_at"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty"`
	Repeat         *Repeat         `json:"repeat,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	ProcessedAt    *time.Time      `json:"processed_at,omitempty"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

type QueueStats struct {
	Waiting   int  `json:"waiting"`
	Active    int  `json:"active"`
	Completed int  `json:"completed"`
	Failed    int  `json:"failed"`
	Delayed   int  `json:"delayed"`
	Paused    int  `json:"paused_jobs"`
	IsPaused  bool `json:"paused"`
	Total     int  `json:"total"`
}
