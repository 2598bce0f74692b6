package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Pushparaj13811/flowforge-ai-sub003/internal/service/lifecycle"
)

// releaseScript deletes the lock only when the caller still owns it, so a
// lease that expired and was re-acquired by another process is never
// released by the original holder.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// RedisLocker implements lifecycle.Locker with a short-lease Redis lock
// (SET NX PX plus an owner token).
type RedisLocker struct {
	client redis.UniversalClient
}

var _ lifecycle.Locker = (*RedisLocker)(nil)

// NewRedisLocker constructs a Redis-backed lock provider.
func NewRedisLocker(client redis.UniversalClient) *RedisLocker {
	return &RedisLocker{client: client}
}

// Acquire attempts to take the lease. It returns ok=false without error when
// another owner currently holds it.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error) {
	owner := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func(ctx context.Context) error {
		if err := l.client.Eval(ctx, releaseScript, []string{key}, owner).Err(); err != nil {
			return fmt.Errorf("release lock: %w", err)
		}
		return nil
	}
	return release, true, nil
}
