package http

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/ASR-Innovations/agentic-social-sub002/internal/domain"
	"github.com/ASR-Innovations/agentic-social-sub002/internal/queue"
	"github.com/ASR-Innovations/agentic-social-sub002/internal/ratelimit"
)

func newLimiter(t *testing.T) *ratelimit.Limiter {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, ratelimit.EnsureSchema(db))
	return ratelimit.New(ratelimit.NewSQLiteStore(db))
}

func TestCall_Validate(t *testing.T) {
	assert.Error(t, Call{Provider: "hubspot"}.Validate())
	assert.Error(t, Call{URL: "http://example.com"}.Validate())
	assert.NoError(t, Call{Provider: "hubspot", URL: "http://example.com"}.Validate())
}

func TestIntegration_SendsAndRateLimits(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "token-1", r.Header.Get("Authorization"))
		w.Header().Set("X-Request-Id", "abc")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	h := Integration{Limiter: newLimiter(t), Default: Limits{Hourly: 1, Daily: 10}}
	call := &Call{
		Provider: "hubspot",
		ScopeID:  "ws_1",
		URL:      srv.URL,
		Method:   http.MethodPost,
		Headers:  map[string]string{"Authorization": "token-1"},
		Body:     json.RawMessage(`{"contact":"a@b.c"}`),
	}

	out, err := h.Handle(context.Background(), domain.Job{ID: "job_1"}, call)
	require.NoError(t, err)
	assert.JSONEq(t, `{"contact":"a@b.c"}`, gotBody)

	var resp Response
	require.NoError(t, json.Unmarshal(out, &resp))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `{"ok":true}`, resp.Body)
	assert.Equal(t, "abc", resp.Headers["X-Request-Id"])

	_, err = h.Handle(context.Background(), domain.Job{ID: "job_2"}, call)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit")
	assert.NotErrorIs(t, err, queue.ErrUnrecoverable)
}

func TestIntegration_ErrorClassification(t *testing.T) {
	status := http.StatusServiceUnavailable
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	h := Integration{Limiter: newLimiter(t), Default: Limits{Hourly: 100, Daily: 100}}
	call := &Call{Provider: "mailchimp", URL: srv.URL}

	_, err := h.Handle(context.Background(), domain.Job{}, call)
	require.Error(t, err)
	assert.NotErrorIs(t, err, queue.ErrUnrecoverable)

	status = http.StatusNotFound
	_, err = h.Handle(context.Background(), domain.Job{}, call)
	assert.ErrorIs(t, err, queue.ErrUnrecoverable)
}
