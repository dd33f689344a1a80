package webhook

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/ASR-Innovations/agentic-social-sub002/internal/domain"
)

type received struct {
	body      []byte
	signature string
	event     string
	delivery  string
	custom    string
}

type receiver struct {
	mu     sync.Mutex
	got    []received
	status atomic.Int32
	srv    *httptest.Server
}

func newReceiver(t *testing.T) *receiver {
	t.Helper()
	r := &receiver{}
	r.status.Store(http.StatusOK)
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		b, _ := io.ReadAll(req.Body)
		r.mu.Lock()
		r.got = append(r.got, received{
			body:      b,
			signature: req.Header.Get(SignatureHeader),
			event:     req.Header.Get("X-Webhook-Event"),
			delivery:  req.Header.Get("X-Webhook-Delivery-Id"),
			custom:    req.Header.Get("X-Tenant"),
		})
		r.mu.Unlock()
		w.WriteHeader(int(r.status.Load()))
		_, _ = w.Write([]byte(`{"received":true}`))
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *receiver) requests() []received {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]received(nil), r.got...)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newService(t *testing.T) (*Service, *clock) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, EnsureSchema(db))

	c := &clock{t: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)}
	s := NewService(NewSQLiteStore(db), nil)
	s.Now = c.Now
	return s, c
}

func TestSignVerify(t *testing.T) {
	body := []byte(`{"event":"post.published"}`)
	sig := Sign("s3cret", body)
	assert.Len(t, sig, 64)
	assert.True(t, Verify("s3cret", body, sig))
	assert.False(t, Verify("other", body, sig))
	assert.False(t, Verify("s3cret", []byte(`{"event":"x"}`), sig))
	assert.False(t, Verify("s3cret", body, "not-hex"))
}

func TestRegister(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()

	_, err := s.Register(ctx, Registration{URL: "ftp://example.com", Events: []string{"a"}})
	assert.ErrorIs(t, err, ErrInvalidSubscription)
	_, err = s.Register(ctx, Registration{URL: "https://example.com/hook"})
	assert.ErrorIs(t, err, ErrInvalidSubscription)

	reg, err := s.Register(ctx, Registration{ScopeID: "ws_1", URL: "https://example.com/hook", Events: []string{"post.published"}})
	require.NoError(t, err)
	assert.Len(t, reg.Secret, 64)
	assert.Empty(t, reg.Subscription.Secret)
	assert.True(t, reg.HasSecret)
	assert.Equal(t, DefaultRetry, reg.Retry)
	assert.Equal(t, domain.SubscriptionActive, reg.Status)

	got, err := s.Get(ctx, reg.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Secret)
	assert.True(t, got.HasSecret)

	b, err := json.Marshal(got)
	require.NoError(t, err)
	assert.NotContains(t, string(b), reg.Secret)

	_, err = s.Get(ctx, "whk_missing")
	assert.ErrorIs(t, err, ErrUnknownSubscription)
}

func TestTrigger_SignedDeliveryToMatchingSubscriptions(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()
	rcv := newReceiver(t)

	match, err := s.Register(ctx, Registration{
		ScopeID: "ws_1",
		URL:     rcv.srv.URL,
		Events:  []string{"post.published", "post.failed"},
		Headers: map[string]string{"X-Tenant": "acme"},
	})
	require.NoError(t, err)
	_, err = s.Register(ctx, Registration{ScopeID: "ws_1", URL: rcv.srv.URL, Events: []string{"post.failed"}})
	require.NoError(t, err)
	_, err = s.Register(ctx, Registration{ScopeID: "ws_2", URL: rcv.srv.URL, Events: []string{"post.published"}})
	require.NoError(t, err)
	inactive, err := s.Register(ctx, Registration{ScopeID: "ws_1", URL: rcv.srv.URL, Events: []string{"post.published"}})
	require.NoError(t, err)
	_, err = s.SetStatus(ctx, inactive.ID, domain.SubscriptionInactive)
	require.NoError(t, err)

	deliveries, err := s.Trigger(ctx, "post.published", "ws_1", json.RawMessage(`{"post_id":"p1"}`))
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	d := deliveries[0]
	assert.True(t, d.Success)
	assert.Equal(t, 1, d.Attempt)
	assert.Equal(t, d.ID, d.ChainID)
	assert.Nil(t, d.NextRetryAt)
	assert.Equal(t, http.StatusOK, d.ResponseStatus)
	assert.Equal(t, `{"received":true}`, d.ResponseBody)

	reqs := rcv.requests()
	require.Len(t, reqs, 1)
	r := reqs[0]
	assert.True(t, Verify(match.Secret, r.body, r.signature))
	assert.Equal(t, "post.published", r.event)
	assert.Equal(t, d.ID, r.delivery)
	assert.Equal(t, "acme", r.custom)

	var env Envelope
	require.NoError(t, json.Unmarshal(r.body, &env))
	assert.Equal(t, "post.published", env.Event)
	assert.Equal(t, "ws_1", env.ScopeID)
	assert.JSONEq(t, `{"post_id":"p1"}`, string(env.Data))

	sub, err := s.Get(ctx, match.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, sub.SuccessCount)
	assert.NotNil(t, sub.LastSuccessAt)
}

// recordFailsFor fails RecordSuccess for one subscription.
type recordFailsFor struct {
	Store
	id     string
	failed chan struct{}
}

func (r *recordFailsFor) RecordSuccess(ctx context.Context, id string, now time.Time) error {
	if id == r.id {
		close(r.failed)
		return errors.New("disk full")
	}
	return r.Store.RecordSuccess(ctx, id, now)
}

func TestTrigger_StoreErrorDoesNotCancelOtherDeliveries(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()

	failed := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path == "/slow" {
			<-failed
			time.Sleep(100 * time.Millisecond)
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	fast, err := s.Register(ctx, Registration{ScopeID: "ws_1", URL: srv.URL + "/fast", Events: []string{"post.published"}})
	require.NoError(t, err)
	slow, err := s.Register(ctx, Registration{ScopeID: "ws_1", URL: srv.URL + "/slow", Events: []string{"post.published"}})
	require.NoError(t, err)
	s.store = &recordFailsFor{Store: s.store, id: fast.ID, failed: failed}

	deliveries, err := s.Trigger(ctx, "post.published", "ws_1", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	require.Len(t, deliveries, 2)

	var slowDelivery domain.Delivery
	for _, d := range deliveries {
		if d.SubscriptionID == slow.ID {
			slowDelivery = d
		}
	}
	assert.True(t, slowDelivery.Success, slowDelivery.Error)

	sub, err := s.Get(ctx, slow.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, sub.SuccessCount)
	assert.Zero(t, sub.FailureCount)
}

func TestDelivery_FailureSchedulesRetry(t *testing.T) {
	s, c := newService(t)
	ctx := context.Background()
	rcv := newReceiver(t)
	rcv.status.Store(http.StatusInternalServerError)

	reg, err := s.Register(ctx, Registration{ScopeID: "ws_1", URL: rcv.srv.URL, Events: []string{"e"}})
	require.NoError(t, err)

	first, err := s.DeliverOne(ctx, reg.ID, "e", json.RawMessage(`{"n":1}`))
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusInternalServerError, te.StatusCode)
	assert.False(t, first.Success)
	require.NotNil(t, first.NextRetryAt)
	assert.Equal(t, c.Now().Add(2*time.Minute), *first.NextRetryAt)

	// not yet due
	n, err := s.RetryDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	c.Advance(2 * time.Minute)
	n, err = s.RetryDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	history, err := s.Deliveries(ctx, reg.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	second := history[0]
	assert.Equal(t, 2, second.Attempt)
	assert.Equal(t, first.ChainID, second.ChainID)
	require.NotNil(t, second.NextRetryAt)
	assert.Equal(t, c.Now().Add(4*time.Minute), *second.NextRetryAt)

	// the first attempt is not picked up twice
	n, err = s.RetryDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	rcv.status.Store(http.StatusOK)
	c.Advance(4 * time.Minute)
	n, err = s.RetryDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	sub, err := s.Get(ctx, reg.ID)
	require.NoError(t, err)
	assert.Zero(t, sub.FailureCount)
	assert.Len(t, rcv.requests(), 3)
}

func TestDelivery_RetriesStopAfterMaxRetries(t *testing.T) {
	s, c := newService(t)
	ctx := context.Background()
	rcv := newReceiver(t)
	rcv.status.Store(http.StatusBadGateway)

	reg, err := s.Register(ctx, Registration{
		ScopeID: "ws_1", URL: rcv.srv.URL, Events: []string{"e"},
		Retry: &domain.RetryConfig{MaxRetries: 1, BackoffMultiplier: 3},
	})
	require.NoError(t, err)

	first, err := s.DeliverOne(ctx, reg.ID, "e", json.RawMessage(`{}`))
	require.Error(t, err)
	require.NotNil(t, first.NextRetryAt)
	assert.Equal(t, c.Now().Add(3*time.Minute), *first.NextRetryAt)

	c.Advance(3 * time.Minute)
	n, err := s.RetryDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	history, err := s.Deliveries(ctx, reg.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Nil(t, history[0].NextRetryAt)
}

func TestDelivery_AutoDisableAfterTenFailures(t *testing.T) {
	s, c := newService(t)
	ctx := context.Background()
	rcv := newReceiver(t)
	rcv.status.Store(http.StatusServiceUnavailable)

	reg, err := s.Register(ctx, Registration{ScopeID: "ws_1", URL: rcv.srv.URL, Events: []string{"e"}})
	require.NoError(t, err)

	var last domain.Delivery
	for i := 0; i < FailureThreshold; i++ {
		deliveries, err := s.Trigger(ctx, "e", "ws_1", json.RawMessage(`{}`))
		require.NoError(t, err)
		require.Len(t, deliveries, 1, "trigger %d", i+1)
		last = deliveries[0]
	}

	sub, err := s.Get(ctx, reg.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionFailed, sub.Status)
	assert.Equal(t, FailureThreshold, sub.FailureCount)
	assert.Nil(t, last.NextRetryAt, "no automatic retry once failed")

	// failed subscriptions receive nothing and pending retries are skipped
	deliveries, err := s.Trigger(ctx, "e", "ws_1", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Empty(t, deliveries)

	c.Advance(24 * time.Hour)
	before := len(rcv.requests())
	_, err = s.RetryDue(ctx)
	require.NoError(t, err)
	assert.Len(t, rcv.requests(), before)

	// operator re-enables: counter reset
	sub, err = s.SetStatus(ctx, reg.ID, domain.SubscriptionActive)
	require.NoError(t, err)
	assert.Zero(t, sub.FailureCount)
	assert.Equal(t, domain.SubscriptionActive, sub.Status)
}

func TestRetryDelivery_Manual(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()
	rcv := newReceiver(t)
	rcv.status.Store(http.StatusInternalServerError)

	reg, err := s.Register(ctx, Registration{ScopeID: "ws_1", URL: rcv.srv.URL, Events: []string{"e"}})
	require.NoError(t, err)
	first, err := s.DeliverOne(ctx, reg.ID, "e", json.RawMessage(`{"x":1}`))
	require.Error(t, err)

	rcv.status.Store(http.StatusOK)
	again, err := s.RetryDelivery(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, again.Success)
	assert.Equal(t, 2, again.Attempt)
	assert.Equal(t, first.ChainID, again.ChainID)
	assert.JSONEq(t, `{"x":1}`, string(again.Payload))

	reqs := rcv.requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, reqs[0].body, reqs[1].body)
	assert.True(t, Verify(reg.Secret, reqs[1].body, reqs[1].signature))

	// the manual retry superseded the scheduled one
	n, err := s.RetryDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = s.RetryDelivery(ctx, "missing")
	assert.ErrorIs(t, err, ErrUnknownDelivery)
}

func TestUpdateAndList(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()

	reg, err := s.Register(ctx, Registration{ScopeID: "ws_9", URL: "https://a.example.com", Events: []string{"a"}})
	require.NoError(t, err)

	newURL := "https://b.example.com/hook"
	sub, err := s.Update(ctx, reg.ID, Update{URL: &newURL, Events: []string{"a", "b"}, Retry: &domain.RetryConfig{MaxRetries: 5}})
	require.NoError(t, err)
	assert.Equal(t, newURL, sub.URL)
	assert.Equal(t, []string{"a", "b"}, sub.Events)
	assert.Equal(t, domain.RetryConfig{MaxRetries: 5, BackoffMultiplier: 2}, sub.Retry)

	bad := "nope"
	_, err = s.Update(ctx, reg.ID, Update{URL: &bad})
	assert.ErrorIs(t, err, ErrInvalidSubscription)

	subs, err := s.List(ctx, "ws_9")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, newURL, subs[0].URL)
	assert.Empty(t, subs[0].Secret)

	_, err = s.SetStatus(ctx, reg.ID, "bogus")
	assert.ErrorIs(t, err, ErrInvalidSubscription)
}
