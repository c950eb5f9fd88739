package idempotency

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lock is an optional distributed mutex consulted before the durable
// TryInsert claim: a cheap SET NX fast-path that rejects a concurrently
// in-flight redelivery without a round trip to Postgres. Postgres' unique
// constraint on the idempotency key remains the source of truth either
// way — a missing or unreachable Lock only costs an extra claim attempt,
// never a correctness gap.
type Lock interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// RedisLock implements Lock over a single redis.Client using SET NX EX,
// the same pattern evalgo-org-eve and kubernaut use for their own
// in-flight dedup locks.
type RedisLock struct {
	client *redis.Client
	prefix string
}

// NewRedisLock constructs a RedisLock. prefix namespaces keys so this
// engine's locks never collide with another application sharing the
// instance.
func NewRedisLock(client *redis.Client, prefix string) *RedisLock {
	return &RedisLock{client: client, prefix: prefix}
}

// Acquire attempts to claim key for ttl, returning false without error if
// another caller already holds it.
func (l *RedisLock) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return l.client.SetNX(ctx, l.prefix+key, "1", ttl).Result()
}

// Release drops the lock early, once the guarded operation has resolved
// (completed or failed) and the durable record is the authority going
// forward.
func (l *RedisLock) Release(ctx context.Context, key string) error {
	return l.client.Del(ctx, l.prefix+key).Err()
}
