package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisStore implements Store on top of a Redis instance, letting several
// processes share the short-TTL response cache.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a store backed by the Redis server at addr. Keys are
// namespaced with prefix to keep snapshot responses apart from other users
// of the same instance.
func NewRedisStore(addr, prefix string) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		prefix: prefix,
	}
}

// NewRedisStoreWithClient wraps an existing client, mainly for tests.
func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

// Get retrieves a cached value. Any Redis error is treated as a miss so the
// caller falls through to the network.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool) {
	val, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Warn().Err(err).Str("key", key).Msg("redis cache get failed")
		}
		return nil, false
	}
	return val, true
}

// Set stores a value with the given TTL. Failures are logged, not surfaced:
// a broken cache must never fail a fetch.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if err := s.client.Set(ctx, s.prefix+key, value, ttl).Err(); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("redis cache set failed")
	}
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
