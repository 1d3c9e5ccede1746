package trust

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is a read-through cache for ledger records.
type Cache interface {
	Get(ctx context.Context, userID string) (Record, bool, error)
	Set(ctx context.Context, rec Record) error
	Delete(ctx context.Context, userIDs ...string) error
}

type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisCache{client: client, ttl: ttl, prefix: "trust:"}
}

func (c *RedisCache) key(userID string) string {
	return c.prefix + userID
}

func (c *RedisCache) Get(ctx context.Context, userID string) (Record, bool, error) {
	data, err := c.client.Get(ctx, c.key(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("trust: cache get: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, false, fmt.Errorf("trust: cache decode: %w", err)
	}
	return rec, true, nil
}

func (c *RedisCache) Set(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("trust: cache encode: %w", err)
	}
	if err := c.client.Set(ctx, c.key(rec.UserID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("trust: cache set: %w", err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, userIDs ...string) error {
	if len(userIDs) == 0 {
		return nil
	}
	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = c.key(id)
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("trust: cache delete: %w", err)
	}
	return nil
}
