package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Dial parses redisURL and checks connectivity.
func Dial(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	c := redis.NewClient(opt)
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := c.Ping(pctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return c, nil
}

// RedisQueue carries fulfillment tickets over a Redis Stream with a
// consumer group, a delayed ZSET for retries and a DLQ stream.
type RedisQueue struct {
	client *redis.Client

	Stream      string
	Group       string
	DelayedKey  string
	DLQStream   string
	IdemDoneKey string

	pollInterval time.Duration
	stop         chan struct{}
	stopOnce     sync.Once
}

// NewRedisQueue ensures stream and group exist and starts the delayed mover.
// The client stays owned by the caller.
func NewRedisQueue(ctx context.Context, c *redis.Client, stream, group string, poll time.Duration) (*RedisQueue, error) {
	q := &RedisQueue{
		client:       c,
		Stream:       stream,
		Group:        group,
		DelayedKey:   stream + ":delayed",
		DLQStream:    stream + ":dlq",
		IdemDoneKey:  "idem:done:",
		pollInterval: poll,
		stop:         make(chan struct{}),
	}
	// MKSTREAM creates the stream if missing
	if err := c.XGroupCreateMkStream(ctx, stream, group, "0").Err(); err != nil && !isBusyGroupErr(err) {
		return nil, fmt.Errorf("xgroup create: %w", err)
	}
	go q.mover()
	return q, nil
}

func isBusyGroupErr(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToUpper(err.Error()), "BUSYGROUP")
}

// Close stops the delayed mover.
func (q *RedisQueue) Close() error {
	q.stopOnce.Do(func() { close(q.stop) })
	return nil
}

// Ping checks redis connectivity.
func (q *RedisQueue) Ping(ctx context.Context) error { return q.client.Ping(ctx).Err() }

// Enqueue adds a ticket to the stream as a single-field entry {data: <json>}.
func (q *RedisQueue) Enqueue(ctx context.Context, payload []byte) (string, error) {
	return q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.Stream,
		Values: map[string]any{"data": string(payload)},
	}).Result()
}

// EnqueueDelayed schedules a ticket for later delivery via the ZSET.
func (q *RedisQueue) EnqueueDelayed(ctx context.Context, payload []byte, executeAt time.Time) error {
	return q.client.ZAdd(ctx, q.DelayedKey, redis.Z{Score: float64(executeAt.Unix()), Member: string(payload)}).Err()
}

// Dequeue reads one message for consumer. It returns an empty id when the
// block timeout passes with nothing to read.
func (q *RedisQueue) Dequeue(ctx context.Context, consumer string, timeout time.Duration) (string, []byte, error) {
	res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.Group,
		Consumer: consumer,
		Streams:  []string{q.Stream, ">"},
		Count:    1,
		Block:    timeout,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil, nil
		}
		return "", nil, err
	}
	if len(res) == 0 || len(res[0].Messages) == 0 {
		return "", nil, nil
	}
	msg := res[0].Messages[0]
	if v, ok := msg.Values["data"]; ok {
		switch t := v.(type) {
		case string:
			return msg.ID, []byte(t), nil
		case []byte:
			return msg.ID, t, nil
		}
	}
	return msg.ID, nil, nil
}

// Ack marks a message as processed.
func (q *RedisQueue) Ack(ctx context.Context, msgID string) error {
	if msgID == "" {
		return nil
	}
	return q.client.XAck(ctx, q.Stream, q.Group, msgID).Err()
}

// AddDLQ pushes a failed ticket to the DLQ stream with reason.
func (q *RedisQueue) AddDLQ(ctx context.Context, payload []byte, reason string) error {
	return q.client.XAdd(ctx, &redis.XAddArgs{Stream: q.DLQStream, Values: map[string]any{"data": string(payload), "reason": reason}}).Err()
}

// IsIdemDone returns true if idempotency key already marked done.
func (q *RedisQueue) IsIdemDone(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, nil
	}
	exists, err := q.client.Exists(ctx, q.IdemDoneKey+key).Result()
	return exists == 1, err
}

// MarkIdemDone marks idempotency key as done with TTL.
func (q *RedisQueue) MarkIdemDone(ctx context.Context, key string, ttl time.Duration) error {
	if key == "" {
		return nil
	}
	return q.client.Set(ctx, q.IdemDoneKey+key, 1, ttl).Err()
}

func (q *RedisQueue) mover() {
	if q.pollInterval <= 0 {
		q.pollInterval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if _, err := q.MoveDue(ctx, time.Now()); err != nil {
				log.Debug().Err(err).Str("key", q.DelayedKey).Msg("delayed mover failed")
			}
			cancel()
		}
	}
}

// MoveDue moves up to 100 delayed tickets due at now into the stream.
func (q *RedisQueue) MoveDue(ctx context.Context, now time.Time) (int, error) {
	vals, err := q.client.ZRangeByScore(ctx, q.DelayedKey, &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now.Unix()), Offset: 0, Count: 100,
	}).Result()
	if err != nil || len(vals) == 0 {
		return 0, err
	}
	moved := 0
	for _, s := range vals {
		// ZREM first so two movers never both enqueue the same member
		n, err := q.client.ZRem(ctx, q.DelayedKey, s).Result()
		if err != nil {
			return moved, err
		}
		if n == 0 {
			continue
		}
		if err := q.client.XAdd(ctx, &redis.XAddArgs{Stream: q.Stream, Values: map[string]any{"data": s}}).Err(); err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}

// Depths returns stream, delayed and dlq lengths for metrics.
func (q *RedisQueue) Depths(ctx context.Context) (int64, int64, int64, error) {
	pipe := q.client.Pipeline()
	xlen := pipe.XLen(ctx, q.Stream)
	zcard := pipe.ZCard(ctx, q.DelayedKey)
	dxlen := pipe.XLen(ctx, q.DLQStream)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, 0, err
	}
	return xlen.Val(), zcard.Val(), dxlen.Val(), nil
}
