package api

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisDeduper stores create idempotency keys in Redis so all instances agree
// on which request made a task.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeduper creates a deduper using the provided Redis client and TTL.
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func (r *RedisDeduper) key(userID, key string) string {
	return fmt.Sprintf("idem:%s:%s", userID, key)
}

func (r *RedisDeduper) Claim(ctx context.Context, userID, key string) (bool, error) {
	return r.client.SetNX(ctx, r.key(userID, key), "", r.ttl).Result()
}

func (r *RedisDeduper) Complete(ctx context.Context, userID, key, taskID string) error {
	return r.client.Set(ctx, r.key(userID, key), taskID, redis.KeepTTL).Err()
}

func (r *RedisDeduper) Lookup(ctx context.Context, userID, key string) (string, error) {
	id, err := r.client.Get(ctx, r.key(userID, key)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return id, err
}

func (r *RedisDeduper) Remove(ctx context.Context, userID, key string) error {
	return r.client.Del(ctx, r.key(userID, key)).Err()
}
