package webhook

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/ASR-Innovations/agentic-social-sub002/internal/domain"
)

// EnsureSchema creates the subscription and delivery tables. Times are unix milliseconds.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS webhook_subscriptions (
  id TEXT PRIMARY KEY,
  scope_id TEXT NOT NULL,
  url TEXT NOT NULL,
  secret TEXT NOT NULL,
  events TEXT NOT NULL,
  headers TEXT,
  max_retries INTEGER NOT NULL,
  backoff_multiplier REAL NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('active','inactive','failed')),
  failure_count INTEGER NOT NULL DEFAULT 0,
  success_count INTEGER NOT NULL DEFAULT 0,
  last_triggered_at INTEGER,
  last_success_at INTEGER,
  last_failure_at INTEGER,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_webhook_subscriptions_scope ON webhook_subscriptions(scope_id, status);
CREATE TABLE IF NOT EXISTS webhook_deliveries (
  id TEXT PRIMARY KEY,
  chain_id TEXT NOT NULL,
  subscription_id TEXT NOT NULL REFERENCES webhook_subscriptions(id),
  event_type TEXT NOT NULL,
  payload BLOB NOT NULL,
  attempt INTEGER NOT NULL,
  success INTEGER NOT NULL,
  response_status INTEGER NOT NULL DEFAULT 0,
  response_body TEXT NOT NULL DEFAULT '',
  error TEXT NOT NULL DEFAULT '',
  duration_ms INTEGER NOT NULL DEFAULT 0,
  next_retry_at INTEGER,
  retried_at INTEGER,
  created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_sub ON webhook_deliveries(subscription_id, created_at);
CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_due ON webhook_deliveries(next_retry_at) WHERE retried_at IS NULL;
`
	_, err := db.Exec(schema)
	return err
}

// Store persists subscriptions and their delivery history. Counter updates
// are single atomic statements.
type Store interface {
	CreateSubscription(ctx context.Context, s domain.Subscription) error
	GetSubscription(ctx context.Context, id string) (domain.Subscription, error)
	ListSubscriptions(ctx context.Context, scopeID string) ([]domain.Subscription, error)
	// ActiveSubscriptions returns active subscriptions of scopeID listening to eventType.
	ActiveSubscriptions(ctx context.Context, scopeID, eventType string) ([]domain.Subscription, error)
	UpdateSubscription(ctx context.Context, s domain.Subscription) error
	SetStatus(ctx context.Context, id string, status domain.SubscriptionStatus, now time.Time) error
	RecordSuccess(ctx context.Context, id string, now time.Time) error
	// RecordFailure increments the failure counter and moves an active
	// subscription to failed once the counter reaches threshold.
	RecordFailure(ctx context.Context, id string, threshold int, now time.Time) (failures int, status domain.SubscriptionStatus, err error)

	InsertDelivery(ctx context.Context, d domain.Delivery) error
	GetDelivery(ctx context.Context, id string) (domain.Delivery, error)
	ListDeliveries(ctx context.Context, subscriptionID string, limit int) ([]domain.Delivery, error)
	// DueRetries returns failed deliveries whose retry time has passed and that were not retried yet.
	DueRetries(ctx context.Context, now time.Time, limit int) ([]domain.Delivery, error)
	// MarkRetried claims a delivery for re-delivery. false when already claimed.
	MarkRetried(ctx context.Context, id string, now time.Time) (bool, error)
}

type sqliteStore struct{ db *sql.DB }

func NewSQLiteStore(db *sql.DB) Store { return &sqliteStore{db: db} }

const subscriptionColumns = `id,scope_id,url,secret,events,headers,max_retries,backoff_multiplier,status,failure_count,success_count,last_triggered_at,last_success_at,last_failure_at,created_at,updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row scanner) (domain.Subscription, error) {
	var (
		s                          domain.Subscription
		events                     string
		headers                    sql.NullString
		status                     string
		triggered, success, failed sql.NullInt64
		created, updated           int64
	)
	err := row.Scan(&s.ID, &s.ScopeID, &s.URL, &s.Secret, &events, &headers, &s.Retry.MaxRetries, &s.Retry.BackoffMultiplier,
		&status, &s.FailureCount, &s.SuccessCount, &triggered, &success, &failed, &created, &updated)
	if err != nil {
		return domain.Subscription{}, err
	}
	if err := json.Unmarshal([]byte(events), &s.Events); err != nil {
		return domain.Subscription{}, err
	}
	if headers.Valid {
		if err := json.Unmarshal([]byte(headers.String), &s.Headers); err != nil {
			return domain.Subscription{}, err
		}
	}
	s.Status = domain.SubscriptionStatus(status)
	s.HasSecret = s.Secret != ""
	s.LastTriggeredAt = optMillis(triggered)
	s.LastSuccessAt = optMillis(success)
	s.LastFailureAt = optMillis(failed)
	s.CreatedAt = time.UnixMilli(created).UTC()
	s.UpdatedAt = time.UnixMilli(updated).UTC()
	return s, nil
}

func (r *sqliteStore) CreateSubscription(ctx context.Context, s domain.Subscription) error {
	events, err := json.Marshal(s.Events)
	if err != nil {
		return err
	}
	headers, err := nullHeaders(s.Headers)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO webhook_subscriptions (id,scope_id,url,secret,events,headers,max_retries,backoff_multiplier,status,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`, s.ID, s.ScopeID, s.URL, s.Secret, string(events), headers, s.Retry.MaxRetries,
		s.Retry.BackoffMultiplier, string(s.Status), s.CreatedAt.UnixMilli(), s.UpdatedAt.UnixMilli())
	return err
}

func (r *sqliteStore) GetSubscription(ctx context.Context, id string) (domain.Subscription, error) {
	s, err := scanSubscription(r.db.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM webhook_subscriptions WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Subscription{}, ErrUnknownSubscription
	}
	return s, err
}

func (r *sqliteStore) ListSubscriptions(ctx context.Context, scopeID string) ([]domain.Subscription, error) {
	return r.querySubscriptions(ctx, `SELECT `+subscriptionColumns+` FROM webhook_subscriptions
WHERE scope_id=? ORDER BY created_at DESC, id`, scopeID)
}

func (r *sqliteStore) ActiveSubscriptions(ctx context.Context, scopeID, eventType string) ([]domain.Subscription, error) {
	return r.querySubscriptions(ctx, `SELECT `+subscriptionColumns+` FROM webhook_subscriptions
WHERE scope_id=? AND status='active'
  AND EXISTS (SELECT 1 FROM json_each(webhook_subscriptions.events) WHERE value=?)
ORDER BY created_at, id`, scopeID, eventType)
}

func (r *sqliteStore) querySubscriptions(ctx context.Context, query string, args ...any) ([]domain.Subscription, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []domain.Subscription{}
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *sqliteStore) UpdateSubscription(ctx context.Context, s domain.Subscription) error {
	events, err := json.Marshal(s.Events)
	if err != nil {
		return err
	}
	headers, err := nullHeaders(s.Headers)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE webhook_subscriptions SET url=?, events=?, headers=?, max_retries=?, backoff_multiplier=?, updated_at=?
WHERE id=?`, s.URL, string(events), headers, s.Retry.MaxRetries, s.Retry.BackoffMultiplier, s.UpdatedAt.UnixMilli(), s.ID)
	if err != nil {
		return err
	}
	return expectOne(res, ErrUnknownSubscription)
}

func (r *sqliteStore) SetStatus(ctx context.Context, id string, status domain.SubscriptionStatus, now time.Time) error {
	// re-activation starts a fresh failure streak
	res, err := r.db.ExecContext(ctx, `
UPDATE webhook_subscriptions
SET status=?, failure_count=CASE WHEN ?='active' THEN 0 ELSE failure_count END, updated_at=?
WHERE id=?`, string(status), string(status), now.UnixMilli(), id)
	if err != nil {
		return err
	}
	return expectOne(res, ErrUnknownSubscription)
}

func (r *sqliteStore) RecordSuccess(ctx context.Context, id string, now time.Time) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE webhook_subscriptions
SET failure_count=0, success_count=success_count+1, last_triggered_at=?, last_success_at=?, updated_at=?
WHERE id=?`, now.UnixMilli(), now.UnixMilli(), now.UnixMilli(), id)
	if err != nil {
		return err
	}
	return expectOne(res, ErrUnknownSubscription)
}

func (r *sqliteStore) RecordFailure(ctx context.Context, id string, threshold int, now time.Time) (int, domain.SubscriptionStatus, error) {
	var (
		failures int
		status   string
	)
	err := r.db.QueryRowContext(ctx, `
UPDATE webhook_subscriptions
SET failure_count=failure_count+1,
    status=CASE WHEN status='active' AND failure_count+1>=? THEN 'failed' ELSE status END,
    last_triggered_at=?, last_failure_at=?, updated_at=?
WHERE id=?
RETURNING failure_count, status`, threshold, now.UnixMilli(), now.UnixMilli(), now.UnixMilli(), id).Scan(&failures, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", ErrUnknownSubscription
	}
	if err != nil {
		return 0, "", err
	}
	return failures, domain.SubscriptionStatus(status), nil
}

const deliveryColumns = `id,chain_id,subscription_id,event_type,payload,attempt,success,response_status,response_body,error,duration_ms,next_retry_at,retried_at,created_at`

func scanDelivery(row scanner) (domain.Delivery, error) {
	var (
		d             domain.Delivery
		payload       []byte
		next, retried sql.NullInt64
		created       int64
	)
	err := row.Scan(&d.ID, &d.ChainID, &d.SubscriptionID, &d.EventType, &payload, &d.Attempt, &d.Success,
		&d.ResponseStatus, &d.ResponseBody, &d.Error, &d.DurationMs, &next, &retried, &created)
	if err != nil {
		return domain.Delivery{}, err
	}
	d.Payload = payload
	d.NextRetryAt = optMillis(next)
	d.RetriedAt = optMillis(retried)
	d.CreatedAt = time.UnixMilli(created).UTC()
	return d, nil
}

func (r *sqliteStore) InsertDelivery(ctx context.Context, d domain.Delivery) error {
	var next sql.NullInt64
	if d.NextRetryAt != nil {
		next = sql.NullInt64{Int64: d.NextRetryAt.UnixMilli(), Valid: true}
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO webhook_deliveries (id,chain_id,subscription_id,event_type,payload,attempt,success,response_status,response_body,error,duration_ms,next_retry_at,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`, d.ID, d.ChainID, d.SubscriptionID, d.EventType, []byte(d.Payload), d.Attempt, d.Success,
		d.ResponseStatus, d.ResponseBody, d.Error, d.DurationMs, next, d.CreatedAt.UnixMilli())
	return err
}

func (r *sqliteStore) GetDelivery(ctx context.Context, id string) (domain.Delivery, error) {
	d, err := scanDelivery(r.db.QueryRowContext(ctx, `SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Delivery{}, ErrUnknownDelivery
	}
	return d, err
}

func (r *sqliteStore) ListDeliveries(ctx context.Context, subscriptionID string, limit int) ([]domain.Delivery, error) {
	return r.queryDeliveries(ctx, `SELECT `+deliveryColumns+` FROM webhook_deliveries
WHERE subscription_id=? ORDER BY created_at DESC, attempt DESC LIMIT ?`, subscriptionID, limit)
}

func (r *sqliteStore) DueRetries(ctx context.Context, now time.Time, limit int) ([]domain.Delivery, error) {
	return r.queryDeliveries(ctx, `SELECT `+deliveryColumns+` FROM webhook_deliveries
WHERE retried_at IS NULL AND next_retry_at IS NOT NULL AND next_retry_at<=?
ORDER BY next_retry_at ASC LIMIT ?`, now.UnixMilli(), limit)
}

func (r *sqliteStore) queryDeliveries(ctx context.Context, query string, args ...any) ([]domain.Delivery, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []domain.Delivery{}
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *sqliteStore) MarkRetried(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE webhook_deliveries SET retried_at=? WHERE id=? AND retried_at IS NULL`, now.UnixMilli(), id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func expectOne(res sql.Result, notFound error) error {
	if n, _ := res.RowsAffected(); n != 1 {
		return notFound
	}
	return nil
}

func nullHeaders(h map[string]string) (sql.NullString, error) {
	if len(h) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(h)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func optMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}
