package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ASR-Innovations/agentic-social-sub002/internal/domain"
)

// EnsureSchema creates tables if they don't exist. Times are unix milliseconds.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS jobs (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  id TEXT NOT NULL,
  queue TEXT NOT NULL,
  type TEXT NOT NULL,
  payload BLOB NOT NULL,
  priority INTEGER NOT NULL DEFAULT 0,
  state TEXT NOT NULL CHECK(state IN ('waiting','delayed','active','completed','failed','paused')),
  attempts_made INTEGER NOT NULL DEFAULT 0,
  max_attempts INTEGER NOT NULL DEFAULT 1,
  backoff TEXT,
  run_at INTEGER NOT NULL,
  idempotency_key TEXT,
  repeat TEXT,
  result BLOB,
  last_error TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL,
  processed_at INTEGER,
  finished_at INTEGER,
  updated_at INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_queue_id ON jobs(queue, id);
CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(queue, state, priority, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_finished ON jobs(queue, state, finished_at);
CREATE INDEX IF NOT EXISTS idx_jobs_idem ON jobs(queue, idempotency_key) WHERE idempotency_key IS NOT NULL;
CREATE TABLE IF NOT EXISTS queues (
  name TEXT PRIMARY KEY,
  paused INTEGER NOT NULL DEFAULT 0,
  updated_at INTEGER NOT NULL
);
`
	_, err := db.Exec(schema)
	return err
}

// Store is the durable backing store for job records of every named queue.
// Each mutation is a single atomic read-modify-write.
type Store interface {
	// Insert stores j unless a non-terminal job with the same idempotency key
	// exists in the queue, in which case that job is returned with created=false.
	Insert(ctx context.Context, j domain.Job) (job domain.Job, created bool, err error)
	Get(ctx context.Context, queue, id string) (domain.Job, error)
	// FindByIdempotencyKey returns the non-terminal job holding key, or ErrUnknownJob.
	FindByIdempotencyKey(ctx context.Context, queue, key string) (domain.Job, error)
	// Claim atomically moves the next eligible job to active. ErrEmpty when none.
	Claim(ctx context.Context, queue string, now time.Time) (domain.Job, error)
	Complete(ctx context.Context, queue, id string, result json.RawMessage, now time.Time) error
	// Fail records a failed attempt. A nil retryAt moves the job to failed,
	// otherwise to delayed until retryAt.
	Fail(ctx context.Context, queue, id string, attemptsMade int, errMsg string, retryAt *time.Time, now time.Time) error
	Retry(ctx context.Context, queue, id string, now time.Time) (domain.Job, error)
	Remove(ctx context.Context, queue, id string) error
	Clean(ctx context.Context, queue string, state domain.JobState, before time.Time, limit int) ([]string, error)
	Trim(ctx context.Context, queue string, state domain.JobState, keep int) ([]string, error)
	Drain(ctx context.Context, queue string, includeDelayed bool) (int, error)
	List(ctx context.Context, queue string, state domain.JobState, offset, limit int) ([]domain.Job, error)
	Counts(ctx context.Context, queue string) (domain.QueueStats, error)
	SetPaused(ctx context.Context, queue string, paused bool, now time.Time) error
	Paused(ctx context.Context, queue string) (bool, error)
	RecoverStale(ctx context.Context, now time.Time, timeout time.Duration) (int, error)
}

type sqliteStore struct{ db *sql.DB }

// NewSQLiteStore expects a single-writer connection (db.SetMaxOpenConns(1)).
func NewSQLiteStore(db *sql.DB) Store { return &sqliteStore{db: db} }

const jobColumns = `id,queue,type,payload,priority,state,attempts_made,max_attempts,backoff,run_at,idempotency_key,repeat,result,last_error,created_at,processed_at,finished_at,updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (domain.Job, error) {
	var (
		j                     domain.Job
		state                 string
		backoff, idem, repeat sql.NullString
		payload, result       []byte
		runAt, created, upd   int64
		processed, finished   sql.NullInt64
	)
	err := row.Scan(&j.ID, &j.Queue, &j.Type, &payload, &j.Priority, &state, &j.AttemptsMade, &j.MaxAttempts,
		&backoff, &runAt, &idem, &repeat, &result, &j.LastError, &created, &processed, &finished, &upd)
	if err != nil {
		return domain.Job{}, err
	}
	j.Payload = payload
	j.State = domain.JobState(state)
	j.RunAt = fromMillis(runAt)
	j.CreatedAt = fromMillis(created)
	j.UpdatedAt = fromMillis(upd)
	if len(result) > 0 {
		j.Result = result
	}
	if idem.Valid {
		s := idem.String
		j.IdempotencyKey = &s
	}
	if backoff.Valid {
		j.Backoff = &domain.Backoff{}
		if err := json.Unmarshal([]byte(backoff.String), j.Backoff); err != nil {
			return domain.Job{}, fmt.Errorf("decode backoff: %w", err)
		}
	}
	if repeat.Valid {
		j.Repeat = &domain.Repeat{}
		if err := json.Unmarshal([]byte(repeat.String), j.Repeat); err != nil {
			return domain.Job{}, fmt.Errorf("decode repeat: %w", err)
		}
	}
	if processed.Valid {
		t := fromMillis(processed.Int64)
		j.ProcessedAt = &t
	}
	if finished.Valid {
		t := fromMillis(finished.Int64)
		j.FinishedAt = &t
	}
	return j, nil
}

func (r *sqliteStore) Insert(ctx context.Context, j domain.Job) (domain.Job, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	if j.IdempotencyKey != nil {
		existing, err := findByKey(ctx, tx, j.Queue, *j.IdempotencyKey)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, ErrUnknownJob) {
			return domain.Job{}, false, err
		}
	}

	if j.State == domain.StateWaiting {
		paused, err := queuePaused(ctx, tx, j.Queue)
		if err != nil {
			return domain.Job{}, false, err
		}
		if paused {
			j.State = domain.StatePaused
		}
	}

	backoff, err := nullJSON(j.Backoff)
	if err != nil {
		return domain.Job{}, false, err
	}
	repeat, err := nullJSON(j.Repeat)
	if err != nil {
		return domain.Job{}, false, err
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO jobs (id,queue,type,payload,priority,state,attempts_made,max_attempts,backoff,run_at,idempotency_key,repeat,last_error,created_at,updated_at)
VALUES (?,?,?,?,?,?,0,?,?,?,?,?,'',?,?)
`, j.ID, j.Queue, j.Type, []byte(j.Payload), j.Priority, string(j.State), j.MaxAttempts, backoff,
		millis(j.RunAt), j.IdempotencyKey, repeat, millis(j.CreatedAt), millis(j.CreatedAt))
	if err != nil {
		return domain.Job{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, false, err
	}
	j.UpdatedAt = j.CreatedAt
	return j, true, nil
}

func (r *sqliteStore) Get(ctx context.Context, queue, id string) (domain.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE queue=? AND id=?`, queue, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, ErrUnknownJob
	}
	return j, err
}

func (r *sqliteStore) FindByIdempotencyKey(ctx context.Context, queue, key string) (domain.Job, error) {
	return findByKey(ctx, r.db, queue, key)
}

func findByKey(ctx context.Context, q querier, queue, key string) (domain.Job, error) {
	row := q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs
WHERE queue=? AND idempotency_key=? AND state NOT IN ('completed','failed')
ORDER BY seq DESC LIMIT 1`, queue, key)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, ErrUnknownJob
	}
	return j, err
}

func (r *sqliteStore) Claim(ctx context.Context, queue string, now time.Time) (domain.Job, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer func() { _ = tx.Rollback() }()

	paused, err := queuePaused(ctx, tx, queue)
	if err != nil {
		return domain.Job{}, err
	}
	if paused {
		return domain.Job{}, ErrEmpty
	}

	row := tx.QueryRowContext(ctx, `
SELECT seq,`+jobColumns+`
FROM jobs
WHERE queue=? AND (state='waiting' OR (state='delayed' AND run_at<=?))
ORDER BY priority ASC, created_at ASC, seq ASC
LIMIT 1
`, queue, millis(now))
	var seq int64
	j, err := scanJob(prefixed{row: row, dest: &seq})
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, ErrEmpty
	}
	if err != nil {
		return domain.Job{}, err
	}

	// compare-and-set on the state we read; a lost race claims nothing
	res, err := tx.ExecContext(ctx, `UPDATE jobs SET state='active', processed_at=?, updated_at=? WHERE seq=? AND state=?`,
		millis(now), millis(now), seq, string(j.State))
	if err != nil {
		return domain.Job{}, err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return domain.Job{}, ErrEmpty
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	j.State = domain.StateActive
	j.ProcessedAt = &now
	j.UpdatedAt = now
	return j, nil
}

func (r *sqliteStore) Complete(ctx context.Context, queue, id string, result json.RawMessage, now time.Time) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE jobs SET state='completed', result=?, last_error='', finished_at=?, updated_at=?
WHERE queue=? AND id=? AND state='active'`, []byte(result), millis(now), millis(now), queue, id)
	if err != nil {
		return err
	}
	return r.expectOne(ctx, res, queue, id)
}

func (r *sqliteStore) Fail(ctx context.Context, queue, id string, attemptsMade int, errMsg string, retryAt *time.Time, now time.Time) error {
	var res sql.Result
	var err error
	if retryAt == nil {
		res, err = r.db.ExecContext(ctx, `
UPDATE jobs SET state='failed', attempts_made=?, last_error=?, finished_at=?, updated_at=?
WHERE queue=? AND id=? AND state='active'`, attemptsMade, errMsg, millis(now), millis(now), queue, id)
	} else {
		res, err = r.db.ExecContext(ctx, `
UPDATE jobs SET state='delayed', attempts_made=?, last_error=?, run_at=?, updated_at=?
WHERE queue=? AND id=? AND state='active'`, attemptsMade, errMsg, millis(*retryAt), millis(now), queue, id)
	}
	if err != nil {
		return err
	}
	return r.expectOne(ctx, res, queue, id)
}

func (r *sqliteStore) Retry(ctx context.Context, queue, id string, now time.Time) (domain.Job, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer func() { _ = tx.Rollback() }()

	paused, err := queuePaused(ctx, tx, queue)
	if err != nil {
		return domain.Job{}, err
	}
	next := domain.StateWaiting
	if paused {
		next = domain.StatePaused
	}
	res, err := tx.ExecContext(ctx, `
UPDATE jobs SET state=?, last_error='', run_at=?, finished_at=NULL, updated_at=?
WHERE queue=? AND id=? AND state='failed'`, string(next), millis(now), millis(now), queue, id)
	if err != nil {
		return domain.Job{}, err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		if _, err := r.getTx(ctx, tx, queue, id); err != nil {
			return domain.Job{}, err
		}
		return domain.Job{}, ErrInvalidState
	}
	j, err := r.getTx(ctx, tx, queue, id)
	if err != nil {
		return domain.Job{}, err
	}
	return j, tx.Commit()
}

func (r *sqliteStore) Remove(ctx context.Context, queue, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM jobs WHERE queue=? AND id=? AND state<>'active'`, queue, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := r.Get(ctx, queue, id); err != nil {
		return err
	}
	return ErrInvalidState
}

func (r *sqliteStore) Clean(ctx context.Context, queue string, state domain.JobState, before time.Time, limit int) ([]string, error) {
	return r.deleteSelected(ctx, `
SELECT seq,id FROM jobs WHERE queue=? AND state=? AND finished_at<=?
ORDER BY finished_at ASC, seq ASC LIMIT ?`, queue, string(state), millis(before), limit)
}

func (r *sqliteStore) Trim(ctx context.Context, queue string, state domain.JobState, keep int) ([]string, error) {
	return r.deleteSelected(ctx, `
SELECT seq,id FROM jobs WHERE queue=? AND state=?
ORDER BY finished_at DESC, seq DESC LIMIT -1 OFFSET ?`, queue, string(state), keep)
}

func (r *sqliteStore) deleteSelected(ctx context.Context, query string, args ...any) ([]string, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var seqs []any
	ids := []string{}
	for rows.Next() {
		var seq int64
		var id string
		if err := rows.Scan(&seq, &id); err != nil {
			rows.Close()
			return nil, err
		}
		seqs = append(seqs, seq)
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(seqs) == 0 {
		return ids, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(seqs)), ",")
	if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE seq IN (`+placeholders+`)`, seqs...); err != nil {
		return nil, err
	}
	return ids, tx.Commit()
}

func (r *sqliteStore) Drain(ctx context.Context, queue string, includeDelayed bool) (int, error) {
	q := `DELETE FROM jobs WHERE queue=? AND state IN ('waiting','paused')`
	if includeDelayed {
		q = `DELETE FROM jobs WHERE queue=? AND state IN ('waiting','paused','delayed')`
	}
	res, err := r.db.ExecContext(ctx, q, queue)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *sqliteStore) List(ctx context.Context, queue string, state domain.JobState, offset, limit int) ([]domain.Job, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs
WHERE queue=? AND state=?
ORDER BY created_at ASC, priority ASC, seq ASC
LIMIT ? OFFSET ?`, queue, string(state), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := []domain.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (r *sqliteStore) Counts(ctx context.Context, queue string) (domain.QueueStats, error) {
	var s domain.QueueStats
	rows, err := r.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM jobs WHERE queue=? GROUP BY state`, queue)
	if err != nil {
		return s, err
	}
	defer rows.Close()
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return s, err
		}
		switch domain.JobState(state) {
		case domain.StateWaiting:
			s.Waiting = n
		case domain.StateActive:
			s.Active = n
		case domain.StateCompleted:
			s.Completed = n
		case domain.StateFailed:
			s.Failed = n
		case domain.StateDelayed:
			s.Delayed = n
		case domain.StatePaused:
			s.Paused = n
		}
	}
	if err := rows.Err(); err != nil {
		return s, err
	}
	if s.IsPaused, err = r.Paused(ctx, queue); err != nil {
		return s, err
	}
	s.Total = s.Waiting + s.Active + s.Delayed + s.Paused
	return s, nil
}

func (r *sqliteStore) SetPaused(ctx context.Context, queue string, paused bool, now time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
INSERT INTO queues(name, paused, updated_at) VALUES (?,?,?)
ON CONFLICT(name) DO UPDATE SET paused=excluded.paused, updated_at=excluded.updated_at`, queue, paused, millis(now))
	if err != nil {
		return err
	}
	from, to := domain.StateWaiting, domain.StatePaused
	if !paused {
		from, to = domain.StatePaused, domain.StateWaiting
	}
	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET state=?, updated_at=? WHERE queue=? AND state=?`,
		string(to), millis(now), queue, string(from)); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *sqliteStore) Paused(ctx context.Context, queue string) (bool, error) {
	return queuePaused(ctx, r.db, queue)
}

// RecoverStale returns active jobs whose worker went away back to waiting.
func (r *sqliteStore) RecoverStale(ctx context.Context, now time.Time, timeout time.Duration) (int, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE jobs SET state='waiting', run_at=?, updated_at=?
WHERE state='active' AND processed_at<=?`, millis(now), millis(now), millis(now.Add(-timeout)))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *sqliteStore) getTx(ctx context.Context, tx *sql.Tx, queue, id string) (domain.Job, error) {
	j, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE queue=? AND id=?`, queue, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, ErrUnknownJob
	}
	return j, err
}

// expectOne maps a zero-row state transition to ErrUnknownJob or ErrInvalidState.
func (r *sqliteStore) expectOne(ctx context.Context, res sql.Result, queue, id string) error {
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := r.Get(ctx, queue, id); err != nil {
		return err
	}
	return ErrInvalidState
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func queuePaused(ctx context.Context, q querier, queue string) (bool, error) {
	var paused bool
	err := q.QueryRowContext(ctx, `SELECT paused FROM queues WHERE name=?`, queue).Scan(&paused)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return paused, err
}

// prefixed scans one leading column into dest before the job columns.
type prefixed struct {
	row  scanner
	dest any
}

func (p prefixed) Scan(dest ...any) error {
	return p.row.Scan(append([]any{p.dest}, dest...)...)
}

func nullJSON(v any) (sql.NullString, error) {
	switch t := v.(type) {
	case *domain.Backoff:
		if t == nil {
			return sql.NullString{}, nil
		}
	case *domain.Repeat:
		if t == nil {
			return sql.NullString{}, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(v int64) time.Time { return time.UnixMilli(v).UTC() }
