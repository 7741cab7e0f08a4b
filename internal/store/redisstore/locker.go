package redisstore

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/busybox42/bounced/internal/store"
)

// Locker is a store.Locker backed by Redis SET NX with a TTL. Each lock is
// owned by a random token and released with a compare-and-delete script, so
// an expired lock taken over by another process is never released by us.
type Locker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	poll   time.Duration
	logger *slog.Logger
}

// NewLocker creates a Locker. ttl bounds how long a crashed holder can block
// a key.
func NewLocker(client *redis.Client, prefix string, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &Locker{
		client: client,
		prefix: prefix + "lock:",
		ttl:    ttl,
		poll:   10 * time.Millisecond,
		logger: slog.Default().With("component", "redis-locker"),
	}
}

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	k := l.prefix + key
	token := uuid.NewString()
	wait := l.poll

	for {
		ok, err := l.client.SetNX(ctx, k, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, store.Wrap("lock", err)
		}
		if ok {
			return func() { l.release(k, token) }, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		if wait < 200*time.Millisecond {
			wait *= 2
		}
	}
}

func (l *Locker) release(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil {
		l.logger.Warn("failed to release lock", "key", key, "error", err)
	}
}
