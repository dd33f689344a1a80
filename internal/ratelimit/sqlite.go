package ratelimit

import (
	"context"
	"database/sql"
	"time"

	"github.com/ASR-Innovations/agentic-social-sub002/internal/domain"
)

func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS rate_limit_windows (
  resource_type TEXT NOT NULL,
  resource_id TEXT NOT NULL,
  identity TEXT NOT NULL,
  window_start INTEGER NOT NULL,
  window_end INTEGER NOT NULL,
  count INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (resource_type, resource_id, identity, window_start)
);
CREATE INDEX IF NOT EXISTS idx_rate_limit_windows_end ON rate_limit_windows(window_end);
`
	_, err := db.Exec(schema)
	return err
}

type sqliteStore struct{ db *sql.DB }

func NewSQLiteStore(db *sql.DB) Store { return &sqliteStore{db: db} }

func (s *sqliteStore) Windows(ctx context.Context, key domain.RateLimitKey, since time.Time) ([]domain.RateLimitWindow, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT window_start, window_end, count FROM rate_limit_windows
WHERE resource_type=? AND resource_id=? AND identity=? AND window_start>=?
ORDER BY window_start ASC`, key.ResourceType, key.ResourceID, key.Identity, since.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.RateLimitWindow
	for rows.Next() {
		var start, end int64
		w := domain.RateLimitWindow{Key: key}
		if err := rows.Scan(&start, &end, &w.Count); err != nil {
			return nil, err
		}
		w.WindowStart = time.UnixMilli(start).UTC()
		w.WindowEnd = time.UnixMilli(end).UTC()
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Admit(ctx context.Context, key domain.RateLimitKey, now time.Time, hourlyLimit, dailyLimit int) (Usage, error) {
	current := now.Truncate(windowSize)
	hourCut, dayCut := now.Add(-windowSize).UnixMilli(), now.Add(-dayWindow).UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Usage{}, err
	}
	defer tx.Rollback()

	var u Usage
	var oldestHourly, oldestDaily sql.NullInt64
	err = tx.QueryRowContext(ctx, `
SELECT COALESCE(SUM(CASE WHEN window_start>=? THEN count END),0), COALESCE(SUM(count),0),
  MIN(CASE WHEN window_start>=? THEN window_start END), MIN(window_start)
FROM rate_limit_windows
WHERE resource_type=? AND resource_id=? AND identity=? AND window_start>=?`,
		hourCut, hourCut, key.ResourceType, key.ResourceID, key.Identity, dayCut,
	).Scan(&u.Hourly, &u.Daily, &oldestHourly, &oldestDaily)
	if err != nil {
		return Usage{}, err
	}
	if oldestHourly.Valid {
		u.OldestHourly = time.UnixMilli(oldestHourly.Int64).UTC()
	}
	if oldestDaily.Valid {
		u.OldestDaily = time.UnixMilli(oldestDaily.Int64).UTC()
	}
	if u.Hourly >= hourlyLimit || u.Daily >= dailyLimit {
		return u, nil
	}

	// the insert re-checks both sums so a concurrent writer on another
	// connection cannot push the key past its limits
	res, err := tx.ExecContext(ctx, `
INSERT INTO rate_limit_windows(resource_type, resource_id, identity, window_start, window_end, count)
SELECT ?,?,?,?,?,1
WHERE (SELECT COALESCE(SUM(count),0) FROM rate_limit_windows
       WHERE resource_type=? AND resource_id=? AND identity=? AND window_start>=?) < ?
  AND (SELECT COALESCE(SUM(count),0) FROM rate_limit_windows
       WHERE resource_type=? AND resource_id=? AND identity=? AND window_start>=?) < ?
ON CONFLICT(resource_type, resource_id, identity, window_start) DO UPDATE SET count=count+1`,
		key.ResourceType, key.ResourceID, key.Identity, current.UnixMilli(), current.Add(windowSize).UnixMilli(),
		key.ResourceType, key.ResourceID, key.Identity, hourCut, hourlyLimit,
		key.ResourceType, key.ResourceID, key.Identity, dayCut, dailyLimit,
	)
	if err != nil {
		return Usage{}, err
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return Usage{}, err
	}
	u.Admitted = n == 1
	return u, nil
}

func (s *sqliteStore) Purge(ctx context.Context, endedBefore time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rate_limit_windows WHERE window_end<?`, endedBefore.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
