package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/ASR-Innovations/agentic-social-sub002/internal/domain"
)

const (
	// FailureThreshold consecutive failures auto-disable a subscription.
	FailureThreshold = 10
	DefaultTimeout   = 30 * time.Second
	maxResponseBody  = 1000
	retryUnit        = time.Minute
	retryBatch       = 100
)

var DefaultRetry = domain.RetryConfig{MaxRetries: 3, BackoffMultiplier: 2}

// Envelope is the JSON body POSTed to subscribers.
type Envelope struct {
	Event     string          `json:"event"`
	Timestamp time.Time       `json:"timestamp"`
	ScopeID   string          `json:"scopeId"`
	Data      json.RawMessage `json:"data"`
}

type Registration struct {
	ScopeID string              `json:"scope_id"`
	URL     string              `json:"url"`
	Events  []string            `json:"events"`
	Headers map[string]string   `json:"headers,omitempty"`
	Retry   *domain.RetryConfig `json:"retry,omitempty"`
}

// Registered carries the secret, which is only ever returned here.
type Registered struct {
	domain.Subscription
	Secret string `json:"secret"`
}

// Update changes the mutable parts of a subscription. Nil fields are kept.
type Update struct {
	URL     *string             `json:"url,omitempty"`
	Events  []string            `json:"events,omitempty"`
	Headers map[string]string   `json:"headers,omitempty"`
	Retry   *domain.RetryConfig `json:"retry,omitempty"`
}

type Service struct {
	store  Store
	client *http.Client
	Now    func() time.Time
}

// NewService uses a client with DefaultTimeout when client is nil.
func NewService(store Store, client *http.Client) *Service {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	return &Service{store: store, client: client, Now: func() time.Time { return time.Now().UTC() }}
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Service) Register(ctx context.Context, reg Registration) (Registered, error) {
	if err := validateTarget(reg.URL, reg.Events); err != nil {
		return Registered{}, err
	}
	retry := DefaultRetry
	if reg.Retry != nil {
		retry = normalizeRetry(*reg.Retry)
	}
	secret, err := GenerateSecret()
	if err != nil {
		return Registered{}, fmt.Errorf("generate secret: %w", err)
	}
	now := s.now()
	sub := domain.Subscription{
		ID:        "whk_" + uuid.NewString(),
		ScopeID:   reg.ScopeID,
		URL:       reg.URL,
		Secret:    secret,
		HasSecret: true,
		Events:    reg.Events,
		Headers:   reg.Headers,
		Retry:     retry,
		Status:    domain.SubscriptionActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateSubscription(ctx, sub); err != nil {
		return Registered{}, err
	}
	log.Info().Str("subscription_id", sub.ID).Str("scope_id", sub.ScopeID).Strs("events", sub.Events).Msg("webhook registered")
	sub.Secret = ""
	return Registered{Subscription: sub, Secret: secret}, nil
}

func validateTarget(raw string, events []string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: url must be an absolute http(s) URL", ErrInvalidSubscription)
	}
	if len(events) == 0 {
		return fmt.Errorf("%w: at least one event is required", ErrInvalidSubscription)
	}
	return nil
}

func normalizeRetry(r domain.RetryConfig) domain.RetryConfig {
	if r.MaxRetries < 0 {
		r.MaxRetries = 0
	}
	if r.BackoffMultiplier <= 0 {
		r.BackoffMultiplier = DefaultRetry.BackoffMultiplier
	}
	return r
}

// Get returns the subscription without its secret.
func (s *Service) Get(ctx context.Context, id string) (domain.Subscription, error) {
	sub, err := s.store.GetSubscription(ctx, id)
	sub.Secret = ""
	return sub, err
}

func (s *Service) List(ctx context.Context, scopeID string) ([]domain.Subscription, error) {
	subs, err := s.store.ListSubscriptions(ctx, scopeID)
	for i := range subs {
		subs[i].Secret = ""
	}
	return subs, err
}

func (s *Service) Update(ctx context.Context, id string, u Update) (domain.Subscription, error) {
	sub, err := s.store.GetSubscription(ctx, id)
	if err != nil {
		return domain.Subscription{}, err
	}
	if u.URL != nil {
		sub.URL = *u.URL
	}
	if u.Events != nil {
		sub.Events = u.Events
	}
	if u.Headers != nil {
		sub.Headers = u.Headers
	}
	if u.Retry != nil {
		sub.Retry = normalizeRetry(*u.Retry)
	}
	if err := validateTarget(sub.URL, sub.Events); err != nil {
		return domain.Subscription{}, err
	}
	sub.UpdatedAt = s.now()
	if err := s.store.UpdateSubscription(ctx, sub); err != nil {
		return domain.Subscription{}, err
	}
	sub.Secret = ""
	return sub, nil
}

// SetStatus toggles a subscription. Re-activating resets its failure counter.
func (s *Service) SetStatus(ctx context.Context, id string, status domain.SubscriptionStatus) (domain.Subscription, error) {
	if !status.Valid() {
		return domain.Subscription{}, fmt.Errorf("%w: status %q", ErrInvalidSubscription, status)
	}
	if err := s.store.SetStatus(ctx, id, status, s.now()); err != nil {
		return domain.Subscription{}, err
	}
	log.Info().Str("subscription_id", id).Str("status", string(status)).Msg("webhook status changed")
	return s.Get(ctx, id)
}

func (s *Service) Deliveries(ctx context.Context, subscriptionID string, limit int) ([]domain.Delivery, error) {
	if _, err := s.store.GetSubscription(ctx, subscriptionID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}
	return s.store.ListDeliveries(ctx, subscriptionID, limit)
}

// Trigger delivers eventType to every active subscription of scopeID in
// parallel and returns once each first attempt is recorded. Failed deliveries
// are not errors; only store failures are returned.
func (s *Service) Trigger(ctx context.Context, eventType, scopeID string, data json.RawMessage) ([]domain.Delivery, error) {
	subs, err := s.store.ActiveSubscriptions(ctx, scopeID, eventType)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	body, err := json.Marshal(Envelope{Event: eventType, Timestamp: s.now(), ScopeID: scopeID, Data: data})
	if err != nil {
		return nil, err
	}

	// a store error on one subscription leaves the other deliveries running
	out := make([]domain.Delivery, len(subs))
	var g errgroup.Group
	for i, sub := range subs {
		i, sub := i, sub
		g.Go(func() error {
			d, err := s.deliver(ctx, sub, eventType, body, 1, "")
			out[i] = d
			var te *TransportError
			if errors.As(err, &te) {
				return nil
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return out, err
	}
	log.Info().Str("event_type", eventType).Str("scope_id", scopeID).Int("subscriptions", len(subs)).Msg("webhook event triggered")
	return out, nil
}

// DeliverOne sends a pre-built envelope to one subscription as a new chain.
// A failed delivery is returned together with a *TransportError.
func (s *Service) DeliverOne(ctx context.Context, subscriptionID, eventType string, envelope json.RawMessage) (domain.Delivery, error) {
	sub, err := s.store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return domain.Delivery{}, err
	}
	return s.deliver(ctx, sub, eventType, envelope, 1, "")
}

// RetryDelivery re-sends a recorded delivery now, whatever its schedule, as
// the next attempt of the same chain.
func (s *Service) RetryDelivery(ctx context.Context, deliveryID string) (domain.Delivery, error) {
	prev, err := s.store.GetDelivery(ctx, deliveryID)
	if err != nil {
		return domain.Delivery{}, err
	}
	sub, err := s.store.GetSubscription(ctx, prev.SubscriptionID)
	if err != nil {
		return domain.Delivery{}, err
	}
	// a pending scheduled retry of prev is superseded
	if _, err := s.store.MarkRetried(ctx, prev.ID, s.now()); err != nil {
		return domain.Delivery{}, err
	}
	log.Info().Str("delivery_id", prev.ID).Str("subscription_id", sub.ID).Msg("manual webhook retry")
	return s.deliver(ctx, sub, prev.EventType, prev.Payload, prev.Attempt+1, prev.ChainID)
}

// RetryDue re-delivers every failed delivery whose retry time has passed and
// whose subscription is still active. It returns the number re-delivered.
func (s *Service) RetryDue(ctx context.Context) (int, error) {
	due, err := s.store.DueRetries(ctx, s.now(), retryBatch)
	if err != nil {
		return 0, err
	}
	var (
		g    errgroup.Group
		sent = make([]bool, len(due))
	)
	g.SetLimit(8)
	for i, prev := range due {
		i, prev := i, prev
		g.Go(func() error {
			won, err := s.store.MarkRetried(ctx, prev.ID, s.now())
			if err != nil || !won {
				return err
			}
			sub, err := s.store.GetSubscription(ctx, prev.SubscriptionID)
			if err != nil {
				return err
			}
			if sub.Status != domain.SubscriptionActive {
				log.Debug().Str("delivery_id", prev.ID).Str("status", string(sub.Status)).Msg("skipping retry for inactive webhook")
				return nil
			}
			_, err = s.deliver(ctx, sub, prev.EventType, prev.Payload, prev.Attempt+1, prev.ChainID)
			var te *TransportError
			if err != nil && !errors.As(err, &te) {
				return err
			}
			sent[i] = true
			return nil
		})
	}
	err = g.Wait()
	n := 0
	for _, ok := range sent {
		if ok {
			n++
		}
	}
	if n > 0 {
		log.Info().Int("redelivered", n).Msg("due webhook retries sent")
	}
	return n, err
}

// deliver performs one attempt and records it. The chain starts at the new
// delivery when chainID is empty.
func (s *Service) deliver(ctx context.Context, sub domain.Subscription, eventType string, body []byte, attempt int, chainID string) (domain.Delivery, error) {
	d := domain.Delivery{
		ID:             uuid.NewString(),
		ChainID:        chainID,
		SubscriptionID: sub.ID,
		EventType:      eventType,
		Payload:        body,
		Attempt:        attempt,
	}
	if d.ChainID == "" {
		d.ChainID = d.ID
	}

	start := s.now()
	status, respBody, sendErr := s.send(ctx, sub, d.ID, eventType, body)
	now := s.now()
	d.DurationMs = now.Sub(start).Milliseconds()
	d.CreatedAt = now
	d.ResponseStatus = status
	d.ResponseBody = respBody

	if sendErr == nil {
		d.Success = true
		if err := s.store.RecordSuccess(ctx, sub.ID, now); err != nil {
			return d, err
		}
		if err := s.store.InsertDelivery(ctx, d); err != nil {
			return d, err
		}
		log.Info().Str("delivery_id", d.ID).Str("subscription_id", sub.ID).Str("event_type", eventType).
			Int("attempt", attempt).Int("status", status).Int64("duration_ms", d.DurationMs).Msg("webhook delivered")
		return d, nil
	}

	d.Error = sendErr.Error()
	failures, subStatus, err := s.store.RecordFailure(ctx, sub.ID, FailureThreshold, now)
	if err != nil {
		return d, err
	}
	if subStatus == domain.SubscriptionActive && attempt <= sub.Retry.MaxRetries {
		next := now.Add(retryDelay(sub.Retry.BackoffMultiplier, attempt))
		d.NextRetryAt = &next
	}
	if err := s.store.InsertDelivery(ctx, d); err != nil {
		return d, err
	}

	ev := log.Warn()
	if subStatus == domain.SubscriptionFailed && failures == FailureThreshold {
		ev = log.Error()
	}
	ev.Err(sendErr).Str("delivery_id", d.ID).Str("subscription_id", sub.ID).Str("event_type", eventType).
		Int("attempt", attempt).Int("failures", failures).Str("status", string(subStatus)).Msg("webhook delivery failed")
	return d, &TransportError{DeliveryID: d.ID, StatusCode: status, Err: sendErr}
}

// retryDelay is multiplier^attempt minutes.
func retryDelay(multiplier float64, attempt int) time.Duration {
	d := math.Pow(multiplier, float64(attempt)) * float64(retryUnit)
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

func (s *Service) send(ctx context.Context, sub domain.Subscription, deliveryID, eventType string, body []byte) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Sign(sub.Secret, body))
	req.Header.Set("X-Webhook-Event", eventType)
	req.Header.Set("X-Webhook-Delivery-Id", deliveryID)
	for k, v := range sub.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, string(b), fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return resp.StatusCode, string(b), nil
}
