// Package lock provides a Redis-backed run lock so only one scheduled sweep
// executes at a time across replicas.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"custodian/api/internal/util"
)

// releaseScript deletes the key only if it still holds our token, so an
// expired lock re-acquired elsewhere is never released by the old holder.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisLock struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

func NewRedisLock(redisURL, key string, ttl time.Duration) (*RedisLock, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisLockWithClient(client, key, ttl), nil
}

// NewRedisLockWithClient creates a lock from an existing Redis client.
func NewRedisLockWithClient(client *redis.Client, key string, ttl time.Duration) *RedisLock {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisLock{client: client, key: key, ttl: ttl}
}

// TryAcquire attempts to take the lock without blocking. When acquired, the
// returned release function frees it; the TTL bounds the hold time if the
// process dies mid-sweep.
func (l *RedisLock) TryAcquire(ctx context.Context) (func(), bool, error) {
	token := util.NewID("lock")
	acquired, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %s: %w", l.key, err)
	}
	if !acquired {
		return nil, false, nil
	}

	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(releaseCtx, l.client, []string{l.key}, token).Err()
	}
	return release, true, nil
}

func (l *RedisLock) Close() error {
	return l.client.Close()
}
