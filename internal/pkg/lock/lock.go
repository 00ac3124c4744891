package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	goredislib "github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/pageforge/pageforge-api/internal/metrics"
)

// ErrNotAcquired is returned when the lock is held elsewhere.
var ErrNotAcquired = errors.New("lock not acquired")

// Locker serializes work on a key across processes.
type Locker interface {
	// Lock blocks until key is held or ctx ends. The returned func releases it.
	Lock(ctx context.Context, key string) (func(), error)
}

// RedisLocker is a redsync-backed Locker.
type RedisLocker struct {
	rs     *redsync.Redsync
	expiry time.Duration
}

func NewRedisLocker(client *redis.Client, expiry time.Duration) *RedisLocker {
	if expiry <= 0 {
		expiry = 10 * time.Second
	}
	return &RedisLocker{
		rs:     redsync.New(goredislib.NewPool(client)),
		expiry: expiry,
	}
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	m := metrics.Get()
	start := time.Now()

	mutex := l.rs.NewMutex("lock:"+key,
		redsync.WithExpiry(l.expiry),
		redsync.WithTries(20),
		redsync.WithRetryDelay(50*time.Millisecond),
	)
	err := mutex.LockContext(ctx)
	m.LockAcquireDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		m.LockAcquireTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("%w: %s: %w", ErrNotAcquired, key, err)
	}
	m.LockAcquireTotal.WithLabelValues("success").Inc()

	return func() {
		if ok, err := mutex.UnlockContext(context.WithoutCancel(ctx)); !ok || err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Failed to release lock")
		}
	}, nil
}

// Noop is a Locker that never blocks, used when Redis is not configured.
type Noop struct{}

func (Noop) Lock(context.Context, string) (func(), error) {
	return func() {}, nil
}
