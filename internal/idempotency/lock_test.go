package idempotency_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/ap-invoice-engine/internal/idempotency"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestRedisLockRejectsConcurrentAcquire(t *testing.T) {
	client := newTestRedis(t)
	lock := idempotency.NewRedisLock(client, "test:")
	ctx := context.Background()

	acquired, err := lock.Acquire(ctx, "key-1", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	acquired, err = lock.Acquire(ctx, "key-1", time.Minute)
	require.NoError(t, err)
	require.False(t, acquired)
}

func TestRedisLockReleaseAllowsReacquire(t *testing.T) {
	client := newTestRedis(t)
	lock := idempotency.NewRedisLock(client, "test:")
	ctx := context.Background()

	_, err := lock.Acquire(ctx, "key-2", time.Minute)
	require.NoError(t, err)

	require.NoError(t, lock.Release(ctx, "key-2"))

	acquired, err := lock.Acquire(ctx, "key-2", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)
}
