package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/transflow/transflow/pkg/errors"
	"github.com/transflow/transflow/pkg/types"
)

const redisKeyPrefix = "transflow:chunk:"

// RedisStore is the shared tier, backed by Redis. It is shared across worker
// processes; Redis expires entries natively, so no sweep is needed here.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore creates a RedisStore from a Redis URL.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidConfig, "invalid redis url", err)
	}
	return &RedisStore{client: redis.NewClient(opts)}, nil
}

// NewRedisStoreFromClient wraps an existing client. Tests use this with
// miniredis.
func NewRedisStoreFromClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Ping verifies connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Get retrieves a value, mapping redis.Nil to a miss.
func (s *RedisStore) Get(ctx context.Context, key types.CacheKey) ([]byte, bool, error) {
	val, err := s.client.Get(ctx, redisKeyPrefix+key.String()).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(errors.ErrCodeTierUnavailable, "redis get", err).
			WithComponent("cache.redis")
	}
	return val, true, nil
}

// Put stores a value with the given TTL. A non-positive TTL stores nothing.
func (s *RedisStore) Put(ctx context.Context, key types.CacheKey, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := s.client.Set(ctx, redisKeyPrefix+key.String(), value, ttl).Err(); err != nil {
		return errors.Wrap(errors.ErrCodeTierUnavailable, "redis set", err).
			WithComponent("cache.redis")
	}
	return nil
}

// Delete removes a key.
func (s *RedisStore) Delete(ctx context.Context, key types.CacheKey) error {
	if err := s.client.Del(ctx, redisKeyPrefix+key.String()).Err(); err != nil {
		return errors.Wrap(errors.ErrCodeTierUnavailable, "redis del", err).
			WithComponent("cache.redis")
	}
	return nil
}

// Close releases the client connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
