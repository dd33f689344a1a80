package domain

import "time"

type RateLimitKey struct {
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`
	Identity     string `json:"identity"`
}

type RateLimitWindow struct {
	Key         RateLimitKey `json:"key"`
	Count       int          `json:"count"`
	WindowStart time.Time    `json:"window_start"`
	WindowEnd   time.Time    `json:"window_end"`
}
