package circuitbreaker

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestRedis(t *testing.T) *RedisWrapper {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisWrapper(client, "test", zaptest.NewLogger(t))
}

func TestRedisWrapperRoundTrip(t *testing.T) {
	rw := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, rw.Set(ctx, "k", "v", 0))
	val, err := rw.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", val)

	require.NoError(t, rw.Del(ctx, "k"))
	_, err = rw.Get(ctx, "k")
	assert.True(t, errors.Is(err, redis.Nil))
}

func TestRedisWrapperMissingKeyDoesNotTrip(t *testing.T) {
	rw := newTestRedis(t)
	ctx := context.Background()

	// A burst of misses must not open the breaker.
	for i := 0; i < 20; i++ {
		_, err := rw.Get(ctx, "absent")
		assert.True(t, errors.Is(err, redis.Nil))
	}
	assert.False(t, rw.IsOpen())
}

func TestRedisWrapperListOps(t *testing.T) {
	rw := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, rw.RPush(ctx, "list", "a"))
	require.NoError(t, rw.RPush(ctx, "list", "b", "c"))

	n, err := rw.LLen(ctx, "list")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	vals, err := rw.LRange(ctx, "list", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, vals)

	require.NoError(t, rw.LRem(ctx, "list", 1, "b"))
	vals, err = rw.LRange(ctx, "list", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, vals)
}
