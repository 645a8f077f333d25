// Package idempotency provides a Redis-backed response cache for the
// Idempotency middleware. Keys are scoped so that unrelated services
// sharing the Redis instance never collide.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds Redis configuration.
type Config struct {
	Addr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	Password string `envconfig:"REDIS_PASSWORD" default:""`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
}

// RedisStore implements middleware.IdempotencyStore on Redis.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a store and verifies connectivity.
func NewRedisStore(ctx context.Context, cfg Config, prefix string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	return &RedisStore{client: client, prefix: prefix}, nil
}

// Get returns the cached response for a key, if any.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.client.Get(ctx, s.prefix+":"+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("getting idempotency key: %w", err)
	}
	return val, true, nil
}

// Set caches a response for a key with a TTL.
func (s *RedisStore) Set(ctx context.Context, key string, response []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.prefix+":"+key, response, ttl).Err(); err != nil {
		return fmt.Errorf("setting idempotency key: %w", err)
	}
	return nil
}

// Close releases the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
