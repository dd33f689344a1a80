package domain

import (
	"encoding/json"
	"time"
)

type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionInactive SubscriptionStatus = "inactive"
	SubscriptionFailed   SubscriptionStatus = "failed"
)

func (s SubscriptionStatus) Valid() bool {
	return s == SubscriptionActive || s == SubscriptionInactive || s == SubscriptionFailed
}

type RetryConfig struct {
	MaxRetries        int     `json:"max_retries"`
	BackoffMultiplier float64 `json:"backoff_multiplier"`
}

type Subscription struct {
	ID              string             `json:"id"`
	ScopeID         string             `json:"scope_id"`
	URL             string             `json:"url"`
	Secret          string             `json:"-"`
	HasSecret       bool               `json:"has_secret"`
	Events          []string           `json:"events"`
	Headers         map[string]string  `json:"headers,omitempty"`
	Retry           RetryConfig        `json:"retry"`
	Status          SubscriptionStatus `json:"status"`
	FailureCount    int                `json:"failure_count"`
	SuccessCount    int                `json:"success_count"`
	LastTriggeredAt *time.Time         `json:"last_triggered_at,omitempty"`
	LastSuccessAt   *time.Time         `json:"last_success_at,omitempty"`
	LastFailureAt   *time.Time         `json:"last_failure_at,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// Subscribed reports whether the subscription listens to eventType.
func (s Subscription) Subscribed(eventType string) bool {
	for _, e := range s.Events {
		if e == eventType {
			return true
		}
	}
	return false
}

// Delivery is one attempt to POST an event to a subscription. ChainID is the
// id of the first attempt of the logical delivery.
type Delivery struct {
	ID             string          `json:"id"`
	ChainID        string          `json:"chain_id"`
	SubscriptionID string          `json:"subscription_id"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	Attempt        int             `json:"attempt"`
	Success        bool            `json:"success"`
	ResponseStatus int             `json:"response_status,omitempty"`
	ResponseBody   string          `json:"response_body,omitempty"`
	Error          string          `json:"error,omitempty"`
	DurationMs     int64           `json:"duration_ms"`
	NextRetryAt    *time.Time      `json:"next_retry_at,omitempty"`
	RetriedAt      *time.Time      `json:"retried_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}
