package webhook

import (
	"context"
	"encoding/json"

	"github.com/ASR-Innovations/agentic-social-sub002/internal/domain"
	"github.com/ASR-Innovations/agentic-social-sub002/internal/worker"
)

// RetryDueJob is the payload of the repeating sweep that re-delivers
// scheduled webhook retries.
type RetryDueJob struct{}

func (RetryDueJob) Kind() string { return "webhook.retry-due" }

func (s *Service) RetryDueHandler() worker.Handler {
	return worker.Typed(func(ctx context.Context, _ domain.Job, _ *RetryDueJob) (json.RawMessage, error) {
		n, err := s.RetryDue(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]int{"redelivered": n})
	})
}
