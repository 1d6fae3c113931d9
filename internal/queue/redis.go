package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue keeps jobs in a sorted set scored by NotBefore. Consumers
// claim a due job by removing it; whoever removes it owns it.
type RedisQueue struct {
	client       redis.UniversalClient
	key          string
	pollInterval time.Duration
	done         chan struct{}
	once         sync.Once
	now          func() time.Time
}

func NewRedisQueue(client redis.UniversalClient, key string, pollInterval time.Duration) *RedisQueue {
	if pollInterval <= 0 {
		pollInterval = 250 * time.Millisecond
	}
	return &RedisQueue{client: client, key: key, pollInterval: pollInterval, done: make(chan struct{}), now: time.Now}
}

func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	b, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	score := float64(job.NotBefore.UnixMilli())
	if job.NotBefore.IsZero() {
		score = float64(q.now().UnixMilli())
	}
	if err := q.client.ZAdd(ctx, q.key, redis.Z{Score: score, Member: string(b)}).Err(); err != nil {
		return fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (Job, error) {
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()
	for {
		job, ok, err := q.claim(ctx)
		if err != nil {
			return Job{}, err
		}
		if ok {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return Job{}, ctx.Err()
		case <-q.done:
			return Job{}, ErrClosed
		case <-ticker.C:
		}
	}
}

func (q *RedisQueue) claim(ctx context.Context) (Job, bool, error) {
	members, err := q.client.ZRangeByScore(ctx, q.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(q.now().UnixMilli(), 10),
		Count: 8,
	}).Result()
	if err != nil {
		return Job{}, false, fmt.Errorf("poll %s: %w", q.key, err)
	}
	for _, m := range members {
		removed, err := q.client.ZRem(ctx, q.key, m).Result()
		if err != nil {
			return Job{}, false, fmt.Errorf("claim job: %w", err)
		}
		if removed == 0 {
			// another consumer got it first
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(m), &job); err != nil {
			return Job{}, false, fmt.Errorf("decode job: %w", err)
		}
		return job, true, nil
	}
	return Job{}, false, nil
}

func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.key).Result()
}

func (q *RedisQueue) Close() error {
	q.once.Do(func() { close(q.done) })
	return nil
}
