package authkit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// floorIncrementScript adds a delta and clamps the result at zero atomically.
var floorIncrementScript = redis.NewScript(`
local value = redis.call("INCRBY", KEYS[1], ARGV[1])
if value < 0 then
  redis.call("SET", KEYS[1], 0)
  return 0
end
return value
`)

// RedisCacheBackend stores cache entries in Redis under a key prefix.
type RedisCacheBackend struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisCacheBackend wraps an existing client.
func NewRedisCacheBackend(client redis.UniversalClient, prefix string) *RedisCacheBackend {
	return &RedisCacheBackend{client: client, prefix: prefix}
}

// NewRedisClientFromURL parses a redis:// URL into a client.
func NewRedisClientFromURL(redisURL string) (*redis.Client, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis_cache.parse_url: %w", err)
	}
	return redis.NewClient(options), nil
}

func (backend *RedisCacheBackend) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := backend.client.Get(ctx, backend.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("redis_cache.get: %w", err)
	}
	return value, nil
}

func (backend *RedisCacheBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := backend.client.Set(ctx, backend.prefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis_cache.set: %w", err)
	}
	return nil
}

func (backend *RedisCacheBackend) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	prefixed := make([]string, len(keys))
	for index, key := range keys {
		prefixed[index] = backend.prefix + key
	}
	if err := backend.client.Del(ctx, prefixed...).Err(); err != nil {
		return fmt.Errorf("redis_cache.delete: %w", err)
	}
	return nil
}

func (backend *RedisCacheBackend) IncrementBy(ctx context.Context, key string, delta int64) (int64, error) {
	value, err := floorIncrementScript.Run(ctx, backend.client, []string{backend.prefix + key}, delta).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis_cache.increment: %w", err)
	}
	return value, nil
}

// Ping checks connectivity.
func (backend *RedisCacheBackend) Ping(ctx context.Context) error {
	if err := backend.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis_cache.ping: %w", err)
	}
	return nil
}
