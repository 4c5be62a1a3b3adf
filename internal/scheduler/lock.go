package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lock guards one job run across processes. Acquire reports false when
// another holder owns the lease. A failed release leaves the lease to
// expire on its own.
type Lock interface {
	Acquire(ctx context.Context, job string) (release func() error, ok bool, err error)
}

// RedisLock is a lease per job name stored in Redis with SET NX and a TTL.
// The TTL bounds how long a crashed holder can block the job.
type RedisLock struct {
	redis  *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisLock creates a Redis-backed job lock
func NewRedisLock(client *redis.Client, ttl time.Duration) *RedisLock {
	return &RedisLock{redis: client, ttl: ttl, prefix: "job_lock:"}
}

// releaseScript deletes the key only if this holder still owns it
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (l *RedisLock) Acquire(ctx context.Context, job string) (func() error, bool, error) {
	key := l.prefix + job
	token := uuid.NewString()

	ok, err := l.redis.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, l.redis, []string{key}, token).Err(); err != nil {
			return fmt.Errorf("failed to release lock %s: %w", key, err)
		}
		return nil
	}
	return release, true, nil
}
