package circuitbreaker

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisWrapper wraps the non-blocking Redis calls the session store, job
// queue and embedding cache make. Blocking pops go through Client(), since
// a breaker would misread their timeouts as failures.
type RedisWrapper struct {
	client  *redis.Client
	breaker *Breaker
	service string
}

// NewRedisWrapper creates a breaker-guarded Redis client.
func NewRedisWrapper(client *redis.Client, service string, logger *zap.Logger) *RedisWrapper {
	b := New("redis", RedisDefaults(), logger)
	Collector.Register("redis", service, b)
	return &RedisWrapper{client: client, breaker: b, service: service}
}

func (rw *RedisWrapper) record(success bool) {
	Collector.RecordRequest("redis", rw.service, rw.breaker.State(), success)
}

// run executes op through the breaker, treating redis.Nil as success.
func (rw *RedisWrapper) run(ctx context.Context, op func() error) error {
	err := rw.breaker.Execute(ctx, func() error {
		if opErr := op(); opErr != nil && !errors.Is(opErr, redis.Nil) {
			return opErr
		}
		return nil
	})
	rw.record(err == nil)
	return err
}

// Ping wraps PING.
func (rw *RedisWrapper) Ping(ctx context.Context) error {
	return rw.run(ctx, func() error { return rw.client.Ping(ctx).Err() })
}

// Get wraps GET. Returns redis.Nil for a missing key, like the raw client.
func (rw *RedisWrapper) Get(ctx context.Context, key string) (string, error) {
	var val string
	var missing bool
	err := rw.run(ctx, func() error {
		v, getErr := rw.client.Get(ctx, key).Result()
		if errors.Is(getErr, redis.Nil) {
			missing = true
			return getErr
		}
		val = v
		return getErr
	})
	if err != nil {
		return "", err
	}
	if missing {
		return "", redis.Nil
	}
	return val, nil
}

// Set wraps SET with expiration.
func (rw *RedisWrapper) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return rw.run(ctx, func() error { return rw.client.Set(ctx, key, value, expiration).Err() })
}

// Del wraps DEL.
func (rw *RedisWrapper) Del(ctx context.Context, keys ...string) error {
	return rw.run(ctx, func() error { return rw.client.Del(ctx, keys...).Err() })
}

// Expire wraps EXPIRE.
func (rw *RedisWrapper) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return rw.run(ctx, func() error { return rw.client.Expire(ctx, key, ttl).Err() })
}

// RPush wraps RPUSH.
func (rw *RedisWrapper) RPush(ctx context.Context, key string, values ...interface{}) error {
	return rw.run(ctx, func() error { return rw.client.RPush(ctx, key, values...).Err() })
}

// LPush wraps LPUSH.
func (rw *RedisWrapper) LPush(ctx context.Context, key string, values ...interface{}) error {
	return rw.run(ctx, func() error { return rw.client.LPush(ctx, key, values...).Err() })
}

// LRange wraps LRANGE.
func (rw *RedisWrapper) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	var vals []string
	err := rw.run(ctx, func() error {
		v, rangeErr := rw.client.LRange(ctx, key, start, stop).Result()
		vals = v
		return rangeErr
	})
	return vals, err
}

// LLen wraps LLEN.
func (rw *RedisWrapper) LLen(ctx context.Context, key string) (int64, error) {
	var n int64
	err := rw.run(ctx, func() error {
		v, lenErr := rw.client.LLen(ctx, key).Result()
		n = v
		return lenErr
	})
	return n, err
}

// LRem wraps LREM.
func (rw *RedisWrapper) LRem(ctx context.Context, key string, count int64, value interface{}) error {
	return rw.run(ctx, func() error { return rw.client.LRem(ctx, key, count, value).Err() })
}

// Client exposes the raw client for blocking operations (BLMove) and
// pipelines the wrapper does not cover.
func (rw *RedisWrapper) Client() *redis.Client { return rw.client }

// IsOpen reports whether the breaker is currently rejecting requests.
func (rw *RedisWrapper) IsOpen() bool { return rw.breaker.State() == StateOpen }

// Close closes the underlying client.
func (rw *RedisWrapper) Close() error { return rw.client.Close() }
