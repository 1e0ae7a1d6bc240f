// Package cache keeps short-lived delivery receipts in redis.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/LeventeLantos/group-messaging/internal/model"
	"github.com/redis/go-redis/v9"
)

var ErrNoReceipt = errors.New("no receipt")

type Receipt struct {
	RecordID        int64     `json:"recordId,omitempty"`
	AttemptID       string    `json:"attemptId,omitempty"`
	GroupID         string    `json:"groupId"`
	RemoteMessageID string    `json:"remoteMessageId"`
	SentAt          time.Time `json:"sentAt"`
}

type ReceiptCache interface {
	StoreSent(ctx context.Context, job model.DeliveryJob, remoteMessageID string, sentAt time.Time) error
	Get(ctx context.Context, recordID int64) (Receipt, error)
}

type RedisReceipts struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewRedisReceipts(rdb redis.Cmdable, ttl time.Duration) *RedisReceipts {
	return &RedisReceipts{rdb: rdb, ttl: ttl}
}

func recordKey(id int64) string { return fmt.Sprintf("msg:%d", id) }

// StoreSent records the remote id of a delivered job. Jobs without a record
// id are keyed by attempt id.
func (c *RedisReceipts) StoreSent(ctx context.Context, job model.DeliveryJob, remoteMessageID string, sentAt time.Time) error {
	key := recordKey(job.RecordID)
	if job.RecordID == 0 {
		if job.AttemptID == "" {
			return nil
		}
		key = "attempt:" + job.AttemptID
	}

	b, err := json.Marshal(Receipt{
		RecordID:        job.RecordID,
		AttemptID:       job.AttemptID,
		GroupID:         job.GroupID,
		RemoteMessageID: remoteMessageID,
		SentAt:          sentAt.UTC(),
	})
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, key, b, c.ttl).Err()
}

func (c *RedisReceipts) Get(ctx context.Context, recordID int64) (Receipt, error) {
	raw, err := c.rdb.Get(ctx, recordKey(recordID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Receipt{}, ErrNoReceipt
	}
	if err != nil {
		return Receipt{}, err
	}
	var r Receipt
	if err := json.Unmarshal(raw, &r); err != nil {
		return Receipt{}, err
	}
	return r, nil
}
