package queue

import (
	"math"
	"time"

	"github.com/ASR-Innovations/agentic-social-sub002/internal/domain"
)

// BackoffDelay is the delay before retry number n (1-based): Delay for fixed,
// Delay*Factor^(n-1) for exponential.
func BackoffDelay(b *domain.Backoff, n int) time.Duration {
	if b == nil || b.Delay <= 0 {
		return 0
	}
	if n < 1 {
		n = 1
	}
	if b.Type != domain.BackoffExponential {
		return b.Delay
	}
	factor := b.Factor
	if factor <= 0 {
		factor = 2
	}
	d := float64(b.Delay) * math.Pow(factor, float64(n-1))
	if d > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}
