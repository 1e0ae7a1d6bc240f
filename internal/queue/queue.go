package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/LeventeLantos/group-messaging/internal/model"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// End selects which side of the queue a job is pushed to.
type End int

const (
	// Back is the normal enqueue side: the job waits behind everything already queued.
	Back End = iota
	// Front makes the job the next one popped.
	Front
)

type Queue interface {
	Push(ctx context.Context, job model.DeliveryJob, end End) error
	Pop(ctx context.Context) (model.DeliveryJob, bool, error)
	Len(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
}

// RedisQueue is a list-backed queue. Producers LPUSH, the consumer RPOPs,
// so the right end of the list is the front.
type RedisQueue struct {
	rdb redis.Cmdable
	key string
}

func NewRedisQueue(rdb redis.Cmdable, key string) *RedisQueue {
	return &RedisQueue{rdb: rdb, key: key}
}

func (q *RedisQueue) Push(ctx context.Context, job model.DeliveryJob, end End) error {
	if job.AttemptID == "" {
		job.AttemptID = uuid.NewString()
	}
	b, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if end == Front {
		return q.rdb.RPush(ctx, q.key, b).Err()
	}
	return q.rdb.LPush(ctx, q.key, b).Err()
}

// Pop never blocks. An empty queue is reported as ok=false with a nil error.
// Entries that are not valid JSON are dropped and reported as an error.
func (q *RedisQueue) Pop(ctx context.Context) (model.DeliveryJob, bool, error) {
	raw, err := q.rdb.RPop(ctx, q.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.DeliveryJob{}, false, nil
	}
	if err != nil {
		return model.DeliveryJob{}, false, err
	}

	var job model.DeliveryJob
	if err := json.Unmarshal(raw, &job); err != nil {
		return model.DeliveryJob{}, false, fmt.Errorf("%w: %v body=%q", ErrUndecodable, err, string(raw))
	}
	return job, true, nil
}

var ErrUndecodable = errors.New("undecodable queue entry")

func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.key).Result()
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}
