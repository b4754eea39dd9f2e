package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ErrEmpty is returned by Reserve when no envelope became available within
// the blocking window.
var ErrEmpty = errors.New("queue: no job available")

// promoteScript atomically moves due envelopes from the delayed sorted set to
// the head of the main list. Runs as a script so a promotion can neither be
// lost nor duplicated under concurrent reapers.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for i, v in ipairs(due) do
	redis.call('LPUSH', KEYS[2], v)
	redis.call('ZREM', KEYS[1], v)
end
return #due
`)

// Metrics is a point-in-time depth snapshot of the four queue structures.
type Metrics struct {
	Ready      int64
	Processing int64
	Delayed    int64
	Dead       int64
}

// Queue is a Redis-backed job queue with delayed retry and a bounded
// dead-letter list. Reservation integrity: every reserved envelope is parked
// in the processing set until the consumer settles it with exactly one of
// Ack, RetryLater or Deadletter.
type Queue struct {
	client       *redis.Client
	name         string
	maxDead      int64
	promoteBatch int64
}

// NewQueue creates a queue over the given Redis client. maxDead bounds the
// dead-letter list; zero means the default of 1000.
func NewQueue(client *redis.Client, name string, maxDead int) *Queue {
	if maxDead <= 0 {
		maxDead = 1000
	}
	return &Queue{
		client:       client,
		name:         name,
		maxDead:      int64(maxDead),
		promoteBatch: 100,
	}
}

// Enqueue appends a first-attempt envelope for the given entity to the queue.
// entityID is the doc_id for process_file jobs and the batch_id otherwise.
func (q *Queue) Enqueue(ctx context.Context, jobType, entityID string) error {
	p := envelopePayload{}
	if jobType == TypeProcessFile {
		p.DocID = entityID
	} else {
		p.BatchID = entityID
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	env := Envelope{Type: jobType, ID: uuid.New().String(), Attempt: 0, Payload: payload}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return q.client.LPush(ctx, QueueKey(q.name), data).Err()
}

// Reserve blocks up to the given duration for the next envelope. The envelope
// is moved into the processing set before it is returned; the caller must
// settle the token. Returns ErrEmpty on timeout.
func (q *Queue) Reserve(ctx context.Context, block time.Duration) (Envelope, Token, error) {
	res, err := q.client.BRPop(ctx, block, QueueKey(q.name)).Result()
	if errors.Is(err, redis.Nil) {
		return Envelope{}, nil, ErrEmpty
	}
	if err != nil {
		return Envelope{}, nil, err
	}
	// BRPop returns [key, value].
	raw := []byte(res[1])

	if err := q.client.SAdd(ctx, ProcessingKey(q.name), raw).Err(); err != nil {
		// Park failed; push the envelope back rather than lose it.
		q.client.LPush(ctx, QueueKey(q.name), raw)
		return Envelope{}, nil, err
	}

	env, err := Token(raw).Envelope()
	if err != nil {
		q.client.SRem(ctx, ProcessingKey(q.name), raw)
		return Envelope{}, nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return env, Token(raw), nil
}

// Ack settles a reservation as done and drops the envelope.
func (q *Queue) Ack(ctx context.Context, tok Token) error {
	return q.client.SRem(ctx, ProcessingKey(q.name), []byte(tok)).Err()
}

// RetryLater settles a reservation by scheduling the next attempt after the
// given delay. The delayed envelope carries a bumped attempt counter.
func (q *Queue) RetryLater(ctx context.Context, tok Token, delay time.Duration) error {
	env, err := tok.Envelope()
	if err != nil {
		return fmt.Errorf("unmarshal envelope: %w", err)
	}
	env.Attempt++
	next, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	due := float64(time.Now().Add(delay).UnixMilli())
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, DelayedKey(q.name), &redis.Z{Score: due, Member: next})
		pipe.SRem(ctx, ProcessingKey(q.name), []byte(tok))
		return nil
	})
	return err
}

// Deadletter settles a reservation by parking the envelope on the bounded
// dead-letter list with the given reason.
func (q *Queue) Deadletter(ctx context.Context, tok Token, reason string) error {
	env, err := tok.Envelope()
	if err != nil {
		return fmt.Errorf("unmarshal envelope: %w", err)
	}
	env.Reason = reason
	dead, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, DeadKey(q.name), dead)
		pipe.LTrim(ctx, DeadKey(q.name), 0, q.maxDead-1)
		pipe.SRem(ctx, ProcessingKey(q.name), []byte(tok))
		return nil
	})
	return err
}

// PromoteDue moves envelopes whose delay has elapsed back onto the queue and
// returns how many were promoted. Called from the reap tick.
func (q *Queue) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	n, err := promoteScript.Run(ctx, q.client,
		[]string{DelayedKey(q.name), QueueKey(q.name)},
		now.UnixMilli(), q.promoteBatch).Int()
	if err != nil {
		return 0, err
	}
	return n, nil
}

// DeadLetters returns up to limit most recently dead-lettered envelopes.
func (q *Queue) DeadLetters(ctx context.Context, limit int64) ([]Envelope, error) {
	raws, err := q.client.LRange(ctx, DeadKey(q.name), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	envs := make([]Envelope, 0, len(raws))
	for _, raw := range raws {
		var env Envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			return nil, fmt.Errorf("unmarshal envelope: %w", err)
		}
		envs = append(envs, env)
	}
	return envs, nil
}

// Depths returns the current size of each queue structure.
func (q *Queue) Depths(ctx context.Context) (Metrics, error) {
	var ready, dead *redis.IntCmd
	var processing, delayed *redis.IntCmd
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		ready = pipe.LLen(ctx, QueueKey(q.name))
		processing = pipe.SCard(ctx, ProcessingKey(q.name))
		delayed = pipe.ZCard(ctx, DelayedKey(q.name))
		dead = pipe.LLen(ctx, DeadKey(q.name))
		return nil
	})
	if err != nil {
		return Metrics{}, err
	}
	return Metrics{
		Ready:      ready.Val(),
		Processing: processing.Val(),
		Delayed:    delayed.Val(),
		Dead:       dead.Val(),
	}, nil
}
