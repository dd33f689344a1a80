package ratelimit

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ASR-Innovations/agentic-social-sub002/internal/domain"
)

const keyPrefix = "ratelimit:"

// redisStore keeps one hash per key: field is the window start in unix
// milliseconds, value is the request count.
type redisStore struct{ rdb *redis.Client }

func NewRedisStore(rdb *redis.Client) Store { return &redisStore{rdb: rdb} }

func hashKey(k domain.RateLimitKey) string {
	return keyPrefix + k.ResourceType + ":" + k.ResourceID + ":" + k.Identity
}

func (s *redisStore) Windows(ctx context.Context, key domain.RateLimitKey, since time.Time) ([]domain.RateLimitWindow, error) {
	fields, err := s.rdb.HGetAll(ctx, hashKey(key)).Result()
	if err != nil {
		return nil, err
	}
	var out []domain.RateLimitWindow
	for field, value := range fields {
		start, err := strconv.ParseInt(field, 10, 64)
		if err != nil {
			continue
		}
		if start < since.UnixMilli() {
			continue
		}
		n, err := strconv.Atoi(value)
		if err != nil {
			return nil, err
		}
		ws := time.UnixMilli(start).UTC()
		out = append(out, domain.RateLimitWindow{Key: key, Count: n, WindowStart: ws, WindowEnd: ws.Add(windowSize)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WindowStart.Before(out[j].WindowStart) })
	return out, nil
}

// admitScript sums the fields of KEYS[1] at or after the hour cutoff ARGV[1]
// and the day cutoff ARGV[2]. Below both limits (ARGV[3], ARGV[4]) it bumps
// field ARGV[5] and moves the hash expiry to ARGV[6] (unix ms).
var admitScript = redis.NewScript(`
local fields = redis.call("HGETALL", KEYS[1])
local hourCut = tonumber(ARGV[1])
local dayCut = tonumber(ARGV[2])
local hourly, daily = 0, 0
local oldestHourly, oldestDaily = -1, -1
for i = 1, #fields, 2 do
  local start = tonumber(fields[i])
  local n = tonumber(fields[i + 1])
  if start and n and start >= dayCut then
    daily = daily + n
    if oldestDaily < 0 or start < oldestDaily then oldestDaily = start end
    if start >= hourCut then
      hourly = hourly + n
      if oldestHourly < 0 or start < oldestHourly then oldestHourly = start end
    end
  end
end
local admitted = 0
if hourly < tonumber(ARGV[3]) and daily < tonumber(ARGV[4]) then
  redis.call("HINCRBY", KEYS[1], ARGV[5], 1)
  redis.call("PEXPIREAT", KEYS[1], ARGV[6])
  admitted = 1
end
return {admitted, hourly, daily, oldestHourly, oldestDaily}
`)

func (s *redisStore) Admit(ctx context.Context, key domain.RateLimitKey, now time.Time, hourlyLimit, dailyLimit int) (Usage, error) {
	current := now.Truncate(windowSize)
	// the whole hash expires once its newest window is past the purge horizon
	expireAt := current.Add(windowSize + purgeAfter)
	vals, err := admitScript.Run(ctx, s.rdb, []string{hashKey(key)},
		now.Add(-windowSize).UnixMilli(),
		now.Add(-dayWindow).UnixMilli(),
		hourlyLimit,
		dailyLimit,
		strconv.FormatInt(current.UnixMilli(), 10),
		expireAt.UnixMilli(),
	).Int64Slice()
	if err != nil {
		return Usage{}, err
	}
	if len(vals) != 5 {
		return Usage{}, fmt.Errorf("admit script returned %d values", len(vals))
	}
	u := Usage{Admitted: vals[0] == 1, Hourly: int(vals[1]), Daily: int(vals[2])}
	if vals[3] >= 0 {
		u.OldestHourly = time.UnixMilli(vals[3]).UTC()
	}
	if vals[4] >= 0 {
		u.OldestDaily = time.UnixMilli(vals[4]).UTC()
	}
	return u, nil
}

func (s *redisStore) Purge(ctx context.Context, endedBefore time.Time) (int, error) {
	removed := 0
	iter := s.rdb.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		hk := iter.Val()
		fields, err := s.rdb.HKeys(ctx, hk).Result()
		if err != nil {
			return removed, err
		}
		var stale []string
		for _, f := range fields {
			start, err := strconv.ParseInt(f, 10, 64)
			if err != nil {
				continue
			}
			if time.UnixMilli(start).Add(windowSize).Before(endedBefore) {
				stale = append(stale, f)
			}
		}
		if len(stale) == 0 {
			continue
		}
		n, err := s.rdb.HDel(ctx, hk, stale...).Result()
		if err != nil {
			return removed, err
		}
		removed += int(n)
	}
	return removed, iter.Err()
}
