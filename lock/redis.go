package lock

import (
	"context"
	"fmt"
	"time"

	"booking/entity"
	"booking/metrics"

	"github.com/ThreeDotsLabs/go-event-driven/common/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "booking:lock:"

const (
	DefaultWaitTimeout = 10 * time.Second
	DefaultLeaseTime   = 120 * time.Second

	pollInterval = 100 * time.Millisecond
)

// releaseScript deletes the lock key only when it still holds our token, so
// a lease that expired and was re-acquired by someone else is never released
// by the previous holder.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLock is a lease-based mutual exclusion primitive over a single Redis
// key. The lease expires on its own if the holder dies.
type RedisLock struct {
	client      redis.UniversalClient
	waitTimeout time.Duration
	leaseTime   time.Duration
}

func NewRedisLock(client redis.UniversalClient) *RedisLock {
	return &RedisLock{
		client:      client,
		waitTimeout: DefaultWaitTimeout,
		leaseTime:   DefaultLeaseTime,
	}
}

func NewRedisLockWithTimeouts(client redis.UniversalClient, waitTimeout, leaseTime time.Duration) *RedisLock {
	return &RedisLock{
		client:      client,
		waitTimeout: waitTimeout,
		leaseTime:   leaseTime,
	}
}

// Lease is a held lock. Release it exactly once.
type Lease struct {
	client redis.UniversalClient
	key    string
	token  string
}

// Acquire blocks until the lock is obtained or the wait timeout elapses.
// On timeout it returns entity.ErrLockNotAcquired.
func (l *RedisLock) Acquire(ctx context.Context, key string) (*Lease, error) {
	redisKey := keyPrefix + key
	token := uuid.NewString()

	deadline := time.Now().Add(l.waitTimeout)

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.leaseTime).Result()
		if err != nil {
			return nil, fmt.Errorf("could not acquire lock %s: %w", key, err)
		}
		if ok {
			metrics.LockAcquisitions.WithLabelValues("acquired").Inc()
			return &Lease{client: l.client, key: redisKey, token: token}, nil
		}

		if time.Now().After(deadline) {
			metrics.LockAcquisitions.WithLabelValues("timeout").Inc()
			return nil, fmt.Errorf("lock %s: %w", key, entity.ErrLockNotAcquired)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// Release frees the lease if it is still held by this token. Releasing an
// expired lease is not an error.
func (le *Lease) Release(ctx context.Context) error {
	err := releaseScript.Run(ctx, le.client, []string{le.key}, le.token).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("could not release lock %s: %w", le.key, err)
	}
	return nil
}

// WithLock runs fn under the lock for the given key, releasing it on every
// exit path.
func (l *RedisLock) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	lease, err := l.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer func() {
		if releaseErr := lease.Release(ctx); releaseErr != nil {
			log.FromContext(ctx).WithError(releaseErr).WithField("key", key).Error("Failed to release lock")
		}
	}()

	return fn(ctx)
}
