package api

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/remiges-tech/tenderflow/jobs/queue"
)

// processRateWindow is the fixed window over which processing starts are
// counted per batch.
const processRateWindow = time.Minute

// AllowProcessStart counts a processing start against the batch's fixed
// one-minute window and reports whether it is within limit. The INCR result
// of 1 marks a fresh window, which is when the expiry is armed; the key
// expiring resets the count.
func AllowProcessStart(ctx context.Context, rdb *redis.Client, batchID string, limit int) (bool, error) {
	if rdb == nil || limit <= 0 {
		return true, nil
	}

	key := queue.ProcessRateKey(batchID)
	n, err := rdb.Incr(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if n == 1 {
		if err := rdb.Expire(ctx, key, processRateWindow).Err(); err != nil {
			return false, err
		}
	}
	return n <= int64(limit), nil
}
