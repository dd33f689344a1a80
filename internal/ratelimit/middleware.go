package ratelimit

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ASR-Innovations/agentic-social-sub002/internal/domain"
)

const APIKeyHeader = "X-API-Key"

// KeyFunc derives the rate-limit key of a request. ok=false skips limiting.
type KeyFunc func(r *http.Request) (key domain.RateLimitKey, ok bool)

// APIKey limits requests per API key. Requests without a key pass through.
func APIKey(r *http.Request) (domain.RateLimitKey, bool) {
	k := r.Header.Get(APIKeyHeader)
	if k == "" {
		return domain.RateLimitKey{}, false
	}
	return domain.RateLimitKey{ResourceType: "api_key", ResourceID: k, Identity: "inbound"}, true
}

// Middleware gates requests through the limiter and writes the
// X-RateLimit-* headers. Denied requests get 429.
func Middleware(l *Limiter, hourlyLimit, dailyLimit int, keyOf KeyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, ok := keyOf(r)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			res, err := l.Check(r.Context(), key, hourlyLimit, dailyLimit)
			if err != nil {
				log.Error().Err(err).Str("resource_type", key.ResourceType).Msg("rate limit check failed")
				writeError(w, http.StatusServiceUnavailable, "rate limit unavailable")
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(hourlyLimit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))

			if !res.Allowed {
				retryAfter := int(res.ResetAt.Sub(l.now()).Seconds())
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": msg, "time": time.Now().UTC()})
}
