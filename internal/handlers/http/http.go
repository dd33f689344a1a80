package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ASR-Innovations/agentic-social-sub002/internal/domain"
	"github.com/ASR-Innovations/agentic-social-sub002/internal/queue"
	"github.com/ASR-Innovations/agentic-social-sub002/internal/ratelimit"
)

const maxResponseBody = 1000

// Call is the payload of an outbound integration request. Provider and
// ScopeID select the rate-limit bucket.
type Call struct {
	Provider string            `json:"provider"`
	ScopeID  string            `json:"scope_id"`
	URL      string            `json:"url"`
	Method   string            `json:"method"`
	Headers  map[string]string `json:"headers"`
	Body     json.RawMessage   `json:"body,omitempty"`
	Timeout  int               `json:"timeout"` // seconds
}

func (Call) Kind() string { return "integration.call" }

func (c Call) Validate() error {
	if c.URL == "" {
		return errors.New("URL is required")
	}
	if c.Provider == "" {
		return errors.New("provider is required")
	}
	return nil
}

type Response struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
}

type Limits struct {
	Hourly int
	Daily  int
}

// Integration performs rate-limited outbound calls.
type Integration struct {
	Limiter   *ratelimit.Limiter
	Providers map[string]Limits
	Default   Limits
	Client    *http.Client
}

func (h Integration) limits(provider string) Limits {
	if l, ok := h.Providers[provider]; ok {
		return l
	}
	return h.Default
}

// Handle checks the provider's rate limit before sending. A denial or a 5xx/429
// answer is retried through the queue backoff, other 4xx answers are not.
func (h Integration) Handle(ctx context.Context, job domain.Job, req *Call) (json.RawMessage, error) {
	lim := h.limits(req.Provider)
	key := domain.RateLimitKey{ResourceType: "integration", ResourceID: req.Provider, Identity: req.ScopeID}
	res, err := h.Limiter.Check(ctx, key, lim.Hourly, lim.Daily)
	if err != nil {
		return nil, err
	}
	if !res.Allowed {
		log.Warn().Str("job_id", job.ID).Str("provider", req.Provider).Time("reset_at", res.ResetAt).Msg("integration call rate limited")
		return nil, fmt.Errorf("rate limit for %s exceeded until %s", req.Provider, res.ResetAt.Format(time.RFC3339))
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	timeout := time.Duration(req.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := h.Client
	if client == nil {
		client = &http.Client{}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create HTTP request: %v", queue.ErrUnrecoverable, err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("HTTP %d error: %s", resp.StatusCode, string(respBody))
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("%w: HTTP %d error: %s", queue.ErrUnrecoverable, resp.StatusCode, string(respBody))
	}

	out := Response{StatusCode: resp.StatusCode, Headers: map[string]string{}, Body: string(respBody)}
	for k := range resp.Header {
		out.Headers[k] = resp.Header.Get(k)
	}
	return json.Marshal(out)
}
