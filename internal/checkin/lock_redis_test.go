package checkin

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisLocker(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR is required for redis locker tests")
	}
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(ctx).Err())

	locker := NewRedisLocker(client, time.Second, 50*time.Millisecond)
	code := uuid.NewString()

	token, err := locker.Lock(ctx, code)
	require.NoError(t, err)

	_, err = locker.Lock(ctx, code)
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, locker.Unlock(ctx, code, "stale-token"))
	_, err = locker.Lock(ctx, code)
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, locker.Unlock(ctx, code, token))
	second, err := locker.Lock(ctx, code)
	require.NoError(t, err)
	require.NoError(t, locker.Unlock(ctx, code, second))
}
