package session

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"
)

// RedisTier is the durable tier. The value is a single JSON object mapping
// blob names to their JSON content.
type RedisTier struct {
	rdb redis.Cmdable
	key string
}

func NewRedisTier(rdb redis.Cmdable, key string) *RedisTier {
	return &RedisTier{rdb: rdb, key: key}
}

func (r *RedisTier) Load(ctx context.Context) (Credentials, error) {
	raw, err := r.rdb.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Credentials{}, nil
	}
	if err != nil {
		return nil, err
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	out := make(Credentials, len(doc))
	for k, v := range doc {
		out[k] = []byte(v)
	}
	return out, nil
}

func (r *RedisTier) Save(ctx context.Context, creds Credentials) error {
	doc := make(map[string]json.RawMessage, len(creds))
	for k, v := range creds {
		doc[k] = json.RawMessage(v)
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, r.key, b, 0).Err()
}

func (r *RedisTier) Clear(ctx context.Context) error {
	return r.rdb.Del(ctx, r.key).Err()
}
