package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// claimScript sets every key only if none exists, so overlapping claims
// cannot interleave.
var claimScript = redis.NewScript(`
for i, key in ipairs(KEYS) do
	if redis.call('EXISTS', key) == 1 then
		return 0
	end
end
for i, key in ipairs(KEYS) do
	redis.call('SET', key, ARGV[1], 'PX', ARGV[2])
end
return 1
`)

// releaseScript deletes only the keys still owned by the token.
var releaseScript = redis.NewScript(`
local released = 0
for i, key in ipairs(KEYS) do
	if redis.call('GET', key) == ARGV[1] then
		redis.call('DEL', key)
		released = released + 1
	end
end
return released
`)

// RedisLocker implements Locker on Redis so that every process sharing the
// database also shares locks.
type RedisLocker struct {
	client *redis.Client
	prefix string
}

// NewRedisLocker connects to redisURL and verifies the connection.
func NewRedisLocker(redisURL string) (*RedisLocker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisLockerWithClient(client), nil
}

// NewRedisLockerWithClient creates a locker from an existing Redis client.
func NewRedisLockerWithClient(client *redis.Client) *RedisLocker {
	return &RedisLocker{
		client: client,
		prefix: "votes:lock:",
	}
}

func (l *RedisLocker) keys(keys []string) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = l.prefix + k
	}
	return out
}

// Claim implements Locker.
func (l *RedisLocker) Claim(ctx context.Context, keys []string, token string, ttl time.Duration) (bool, error) {
	if len(keys) == 0 {
		return true, nil
	}
	res, err := claimScript.Run(ctx, l.client, l.keys(keys), token, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("claim scope lock: %w", err)
	}
	return res == 1, nil
}

// Release implements Locker.
func (l *RedisLocker) Release(ctx context.Context, keys []string, token string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := releaseScript.Run(ctx, l.client, l.keys(keys), token).Err(); err != nil {
		return fmt.Errorf("release scope lock: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (l *RedisLocker) Close() error {
	return l.client.Close()
}

// Ping checks if Redis is reachable.
func (l *RedisLocker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}
