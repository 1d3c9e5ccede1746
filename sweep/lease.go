package sweep

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lease lets one worker at a time run a sweep pass.
type Lease interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(context.Context), ok bool, err error)
}

// releaseScript deletes the key only while this holder still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0`)

type RedisLease struct {
	client *redis.Client
}

func NewRedisLease(client *redis.Client) *RedisLease {
	return &RedisLease{client: client}
}

func (l *RedisLease) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context), bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("sweep: acquire lease: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func(ctx context.Context) {
		_ = releaseScript.Run(ctx, l.client, []string{key}, token).Err()
	}
	return release, true, nil
}
