package ratelimit

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/ASR-Innovations/agentic-social-sub002/internal/domain"
)

var base = time.Date(2026, 3, 10, 10, 20, 0, 0, time.UTC)

type storeCase struct {
	name string
	new  func(t *testing.T) Store
	// redis drops whole hashes through key expiry, so purge counts are not exact
	exactPurge bool
}

func stores() []storeCase {
	return []storeCase{
		{name: "sqlite", exactPurge: true, new: func(t *testing.T) Store {
			db, err := sql.Open("sqlite", ":memory:")
			require.NoError(t, err)
			db.SetMaxOpenConns(1)
			t.Cleanup(func() { db.Close() })
			require.NoError(t, EnsureSchema(db))
			return NewSQLiteStore(db)
		}},
		{name: "redis", new: func(t *testing.T) Store {
			mr := miniredis.RunT(t)
			mr.SetTime(base)
			rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { rdb.Close() })
			return NewRedisStore(rdb)
		}},
	}
}

func newLimiter(store Store, now time.Time) *Limiter {
	l := New(store)
	l.Now = func() time.Time { return now }
	return l
}

var key = domain.RateLimitKey{ResourceType: "integration", ResourceID: "hubspot", Identity: "ws_1"}

// seed counts n requests for key in the window holding at.
func seed(t *testing.T, store Store, at time.Time, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		u, err := store.Admit(context.Background(), key, at, 1<<30, 1<<30)
		require.NoError(t, err)
		require.True(t, u.Admitted)
	}
}

func TestCheck_HourlyLimit(t *testing.T) {
	for _, sc := range stores() {
		t.Run(sc.name, func(t *testing.T) {
			ctx := context.Background()
			store := sc.new(t)
			l := newLimiter(store, base)

			var allowed []bool
			var results []Result
			for i := 0; i < 4; i++ {
				res, err := l.Check(ctx, key, 3, 100)
				require.NoError(t, err)
				allowed = append(allowed, res.Allowed)
				results = append(results, res)
			}
			assert.Equal(t, []bool{true, true, true, false}, allowed)
			assert.Equal(t, 2, results[0].Remaining)
			assert.Equal(t, 0, results[2].Remaining)
			assert.Equal(t, 0, results[3].Remaining)
			assert.Equal(t, time.Date(2026, 3, 10, 11, 0, 0, 0, time.UTC), results[3].ResetAt)

			// the denied call did not count
			windows, err := store.Windows(ctx, key, base.Add(-time.Hour))
			require.NoError(t, err)
			require.Len(t, windows, 1)
			assert.Equal(t, 3, windows[0].Count)
			assert.Equal(t, time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC), windows[0].WindowStart)
		})
	}
}

func TestCheck_ConcurrentRequestsRespectLimit(t *testing.T) {
	for _, sc := range stores() {
		t.Run(sc.name, func(t *testing.T) {
			ctx := context.Background()
			store := sc.new(t)
			l := newLimiter(store, base)

			var admitted atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 50; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					res, err := l.Check(ctx, key, 3, 100)
					assert.NoError(t, err)
					if res.Allowed {
						admitted.Add(1)
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(3), admitted.Load())

			windows, err := store.Windows(ctx, key, base.Add(-time.Hour))
			require.NoError(t, err)
			require.Len(t, windows, 1)
			assert.Equal(t, 3, windows[0].Count)
		})
	}
}

func TestCheck_KeysAreIndependent(t *testing.T) {
	for _, sc := range stores() {
		t.Run(sc.name, func(t *testing.T) {
			ctx := context.Background()
			l := newLimiter(sc.new(t), base)

			res, err := l.Check(ctx, key, 1, 10)
			require.NoError(t, err)
			assert.True(t, res.Allowed)

			other := key
			other.Identity = "ws_2"
			res, err = l.Check(ctx, other, 1, 10)
			require.NoError(t, err)
			assert.True(t, res.Allowed)

			res, err = l.Check(ctx, key, 1, 10)
			require.NoError(t, err)
			assert.False(t, res.Allowed)
		})
	}
}

func TestCheck_DailyLimit(t *testing.T) {
	for _, sc := range stores() {
		t.Run(sc.name, func(t *testing.T) {
			ctx := context.Background()
			store := sc.new(t)
			two := time.Date(2026, 3, 10, 2, 0, 0, 0, time.UTC)
			five := time.Date(2026, 3, 10, 5, 0, 0, 0, time.UTC)
			seed(t, store, two, 3)
			seed(t, store, five, 2)
			l := newLimiter(store, base)

			res, err := l.Check(ctx, key, 100, 6)
			require.NoError(t, err)
			assert.True(t, res.Allowed)
			assert.Equal(t, 0, res.Remaining)

			res, err = l.Check(ctx, key, 100, 6)
			require.NoError(t, err)
			assert.False(t, res.Allowed)
			assert.Equal(t, two.Add(24*time.Hour), res.ResetAt)
		})
	}
}

func TestCheck_OnlyTrailingHourCountsHourly(t *testing.T) {
	for _, sc := range stores() {
		t.Run(sc.name, func(t *testing.T) {
			ctx := context.Background()
			store := sc.new(t)
			nine := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
			seed(t, store, nine, 3)

			// 09:00 started more than an hour before 10:20
			res, err := newLimiter(store, base).Check(ctx, key, 3, 100)
			require.NoError(t, err)
			assert.True(t, res.Allowed)

			// at 09:50 the 09:00 window is still inside the trailing hour
			res, err = newLimiter(store, nine.Add(50*time.Minute)).Check(ctx, key, 3, 100)
			require.NoError(t, err)
			assert.False(t, res.Allowed)
			assert.Equal(t, nine.Add(time.Hour), res.ResetAt)
		})
	}
}

func TestPurge(t *testing.T) {
	for _, sc := range stores() {
		t.Run(sc.name, func(t *testing.T) {
			ctx := context.Background()
			store := sc.new(t)
			old := base.Truncate(time.Hour).Add(-72 * time.Hour)
			recent := base.Truncate(time.Hour)
			seed(t, store, old, 1)
			seed(t, store, recent, 1)

			n, err := newLimiter(store, base).Purge(ctx)
			require.NoError(t, err)
			if sc.exactPurge {
				assert.Equal(t, 1, n)
			}

			windows, err := store.Windows(ctx, key, old.Add(-time.Hour))
			require.NoError(t, err)
			require.Len(t, windows, 1)
			assert.Equal(t, recent, windows[0].WindowStart)
		})
	}
}

func TestMiddleware(t *testing.T) {
	store := stores()[0].new(t)
	l := newLimiter(store, base)
	h := Middleware(l, 2, 100, APIKey)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	call := func(apiKey string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/queues/stats", nil)
		if apiKey != "" {
			req.Header.Set(APIKeyHeader, apiKey)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	rec := call("key-1")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Remaining"))

	rec = call("key-1")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	rec = call("key-1")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "1773140400", rec.Header().Get("X-RateLimit-Reset"))
	assert.Equal(t, "2400", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "rate limit exceeded")

	rec = call("")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Header().Get("X-RateLimit-Remaining"))
}
