package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Pushparaj13811/flowforge-ai-sub003/internal/repository"
)

// RedisStateStore implements repository.StateStore backed by Redis. Redis
// enforces the TTL; Consume uses GETDEL so a state or verifier can never be
// read twice, even by concurrent callbacks on different processes.
type RedisStateStore struct {
	client redis.UniversalClient
}

var _ repository.StateStore = (*RedisStateStore)(nil)

// NewRedisStateStore constructs a Redis-backed state store.
func NewRedisStateStore(client redis.UniversalClient) *RedisStateStore {
	return &RedisStateStore{client: client}
}

// Put stores the value with TTL.
func (s *RedisStateStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	return nil
}

// Consume atomically reads and deletes the key. Missing keys (expired or
// already consumed) return nil without error.
func (s *RedisStateStore) Consume(ctx context.Context, key string) ([]byte, error) {
	value, err := s.client.GetDel(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("consume state: %w", err)
	}
	return value, nil
}
