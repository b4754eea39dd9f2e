package jobs

import (
	"math/rand"
	"time"

	"github.com/remiges-tech/tenderflow/jobs/store"
)

// Default back-off parameters for retry scheduling.
const (
	DefaultBackoffBase = 2 * time.Second
	DefaultBackoffMax  = 60 * time.Second
	RateLimitFloor     = 30 * time.Second
)

// Backoff computes retry delays. Zero fields fall back to the defaults.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns how long to park the next attempt, given the failure kind
// and the attempt number that just failed (0-based). Exponential growth
// capped at Max, plus up to 25% jitter so requeued items do not stampede.
// Rate-limited failures never come back sooner than RateLimitFloor.
func (b Backoff) Delay(kind store.ErrorKind, attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = DefaultBackoffBase
	}
	max := b.Max
	if max <= 0 {
		max = DefaultBackoffMax
	}
	for i := 0; i < attempt && base < max; i++ {
		base *= 2
	}
	if base > max {
		base = max
	}
	jitter := time.Duration(rand.Int63n(int64(base)/4 + 1))
	delay := base + jitter

	if kind == store.ErrKindRateLimit && delay < RateLimitFloor {
		delay = RateLimitFloor
	}
	return delay
}
