package circuitbreaker

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisWrapper wraps the session store's Redis client with a circuit breaker
// so a Redis outage fails fast instead of stalling every cycle.
type RedisWrapper struct {
	client *redis.Client
	cb     *CircuitBreaker
	logger *zap.Logger
}

// NewRedisWrapper creates a Redis wrapper with a breaker tuned for a local
// cache-backed store: short open timeout, low failure threshold.
func NewRedisWrapper(client *redis.Client, logger *zap.Logger) *RedisWrapper {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 3
	cfg.Timeout = 5 * time.Second
	return &RedisWrapper{
		client: client,
		cb:     NewCircuitBreaker("redis", cfg, nil, logger),
		logger: logger,
	}
}

// Ping wraps Redis Ping.
func (rw *RedisWrapper) Ping(ctx context.Context) error {
	return rw.cb.Execute(ctx, func() error {
		return rw.client.Ping(ctx).Err()
	})
}

// Get wraps Redis Get. A missing key returns redis.Nil without counting as a
// breaker failure.
func (rw *RedisWrapper) Get(ctx context.Context, key string) (string, error) {
	var val string
	var missing bool
	err := rw.cb.Execute(ctx, func() error {
		v, err := rw.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			missing = true
			return nil
		}
		val = v
		return err
	})
	if err != nil {
		return "", err
	}
	if missing {
		return "", redis.Nil
	}
	return val, nil
}

// Set wraps Redis Set.
func (rw *RedisWrapper) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return rw.cb.Execute(ctx, func() error {
		return rw.client.Set(ctx, key, value, expiration).Err()
	})
}

// SetNX wraps Redis SetNX, used for the session in-flight lock.
func (rw *RedisWrapper) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	var acquired bool
	err := rw.cb.Execute(ctx, func() error {
		ok, err := rw.client.SetNX(ctx, key, value, expiration).Result()
		acquired = ok
		return err
	})
	return acquired, err
}

// Del wraps Redis Del.
func (rw *RedisWrapper) Del(ctx context.Context, keys ...string) error {
	return rw.cb.Execute(ctx, func() error {
		return rw.client.Del(ctx, keys...).Err()
	})
}

// Expire wraps Redis Expire, used to refresh session TTLs on access.
func (rw *RedisWrapper) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return rw.cb.Execute(ctx, func() error {
		return rw.client.Expire(ctx, key, ttl).Err()
	})
}

// Close closes the underlying client.
func (rw *RedisWrapper) Close() error {
	return rw.client.Close()
}

// IsCircuitBreakerOpen reports whether the breaker is currently open.
func (rw *RedisWrapper) IsCircuitBreakerOpen() bool {
	return rw.cb.State() == StateOpen
}
