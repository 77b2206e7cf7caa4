package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultQueueKey is the Redis list job ids are pushed onto.
const DefaultQueueKey = "lumi:jobs"

// RedisQueue is a Queue on a Redis list: RPUSH to enqueue, BLPOP to
// dequeue, so ids come out in submission order across processes.
type RedisQueue struct {
	rdb *redis.Client
	key string
}

// NewRedisQueue connects using a redis:// URL.
func NewRedisQueue(ctx context.Context, url, key string) (*RedisQueue, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	if key == "" {
		key = DefaultQueueKey
	}
	return &RedisQueue{rdb: rdb, key: key}, nil
}

func (q *RedisQueue) Enqueue(ctx context.Context, jobID string) error {
	if err := q.rdb.RPush(ctx, q.key, jobID).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", jobID, err)
	}
	return nil
}

// Dequeue waits at least one second. BLPOP timeouts are whole seconds and
// zero would block forever.
func (q *RedisQueue) Dequeue(ctx context.Context, timeout time.Duration) (string, error) {
	if timeout < time.Second {
		timeout = time.Second
	}
	res, err := q.rdb.BLPop(ctx, timeout, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("dequeue: %w", err)
	}
	if len(res) != 2 {
		return "", fmt.Errorf("dequeue: unexpected reply %v", res)
	}
	return res[1], nil
}

func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.rdb.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return int(n), nil
}

func (q *RedisQueue) Close() error { return q.rdb.Close() }
