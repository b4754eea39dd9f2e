package jobs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/remiges-tech/tenderflow/jobs/store"
)

func TestBackoffDelayGrows(t *testing.T) {
	var b Backoff
	for i := 0; i < 50; i++ {
		d0 := b.Delay(store.ErrKindRetryable, 0)
		assert.GreaterOrEqual(t, d0, 2*time.Second)
		assert.Less(t, d0, 2*time.Second+time.Second)

		d1 := b.Delay(store.ErrKindRetryable, 1)
		assert.GreaterOrEqual(t, d1, 4*time.Second)
		assert.LessOrEqual(t, d1, 5*time.Second)
	}
}

func TestBackoffDelayCapped(t *testing.T) {
	var b Backoff
	for i := 0; i < 50; i++ {
		d := b.Delay(store.ErrKindRetryable, 30)
		assert.GreaterOrEqual(t, d, DefaultBackoffMax)
		assert.LessOrEqual(t, d, DefaultBackoffMax+DefaultBackoffMax/4)
	}
}

func TestBackoffDelayRateLimitFloor(t *testing.T) {
	var b Backoff
	for i := 0; i < 50; i++ {
		d := b.Delay(store.ErrKindRateLimit, 0)
		assert.GreaterOrEqual(t, d, RateLimitFloor)
	}
}

func TestBackoffDelayConfigured(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: 300 * time.Millisecond}
	for i := 0; i < 50; i++ {
		d0 := b.Delay(store.ErrKindRetryable, 0)
		assert.GreaterOrEqual(t, d0, 100*time.Millisecond)
		assert.Less(t, d0, 130*time.Millisecond)

		capped := b.Delay(store.ErrKindRetryable, 10)
		assert.LessOrEqual(t, capped, 300*time.Millisecond+75*time.Millisecond)
	}
}
