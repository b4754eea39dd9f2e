package jobs

import (
	"io"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/remiges-tech/tenderflow/jobs/queue"
)

func newTestLogger() *logharbour.Logger {
	lctx := logharbour.NewLoggerContext(logharbour.DefaultPriority)
	return logharbour.NewLogger(lctx, "tenderflow-test", io.Discard)
}

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func newTestJobQueue(t *testing.T) (*queue.Queue, *redis.Client) {
	t.Helper()
	client := newTestRedis(t)
	return queue.NewQueue(client, "jobs", 100), client
}
