package ratelimit

import (
	"context"
	"encoding/json"

	"github.com/ASR-Innovations/agentic-social-sub002/internal/domain"
	"github.com/ASR-Innovations/agentic-social-sub002/internal/worker"
)

// PurgeJob is the payload of the repeating window sweep.
type PurgeJob struct{}

func (PurgeJob) Kind() string { return "ratelimit.purge" }

// PurgeHandler runs Purge as a job and reports the number of deleted windows.
func (l *Limiter) PurgeHandler() worker.Handler {
	return worker.Typed(func(ctx context.Context, _ domain.Job, _ *PurgeJob) (json.RawMessage, error) {
		n, err := l.Purge(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]int{"removed": n})
	})
}
