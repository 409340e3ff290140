package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/platinummonkey/subledger/pkg/observability"
)

// ErrNotAcquired is returned when the lease could not be taken before the
// wait deadline
var ErrNotAcquired = errors.New("lock not acquired")

// releaseScript deletes the key only if we still own it
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisConfig tunes the Redis lease
type RedisConfig struct {
	Prefix      string
	TTL         time.Duration
	RetryDelay  time.Duration
	WaitTimeout time.Duration
}

// Redis is a distributed keyed lock backed by SET NX PX
type Redis struct {
	client *redis.Client
	config RedisConfig
	logger *observability.Logger
}

// NewRedis creates a new Redis locker. logger may be nil.
func NewRedis(client *redis.Client, config RedisConfig, logger *observability.Logger) *Redis {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if config.Prefix == "" {
		config.Prefix = "subledger:lock"
	}
	if config.TTL <= 0 {
		config.TTL = 30 * time.Second
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 50 * time.Millisecond
	}
	if config.WaitTimeout <= 0 {
		config.WaitTimeout = 10 * time.Second
	}
	return &Redis{client: client, config: config, logger: logger}
}

// Lock polls until the lease is acquired, ctx is done or WaitTimeout passes.
// The lease expires after TTL even if unlock is never called.
func (l *Redis) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := fmt.Sprintf("%s:%s", l.config.Prefix, key)
	token := uuid.NewString()
	deadline := time.Now().Add(l.config.WaitTimeout)

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.config.TTL).Result()
		if err != nil {
			return nil, fmt.Errorf("redis lock failed: %w", err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrNotAcquired, key)
		}

		timer := time.NewTimer(l.config.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return func() {
		// Release on a fresh context so a canceled request still frees the key.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, l.client, []string{redisKey}, token).Err(); err != nil {
			l.logger.WithError(err).WithField("lock_key", redisKey).
				Warn("Failed to release lock; it will expire after its TTL")
		}
	}, nil
}
