package publish

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Locker serializes publishes of one table across processes. Release must
// be called exactly once after a successful Acquire.
type Locker interface {
	Acquire(ctx context.Context, tableName string) (release func(context.Context) error, err error)
}

// tableLocks serializes publishes of one table within the process.
type tableLocks struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func newTableLocks() *tableLocks {
	return &tableLocks{locks: make(map[string]chan struct{})}
}

func (l *tableLocks) acquire(ctx context.Context, name string) (func(), error) {
	l.mu.Lock()
	ch, ok := l.locks[name]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[name] = ch
	}
	l.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s: %v", ErrLockTimeout, name, ctx.Err())
	}
}

// releaseScript deletes the lock only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// LockKeyPrefix namespaces publish locks in Redis.
const LockKeyPrefix = "stockpile:publish:lock:"

// RedisLocker holds a per-table lock in Redis with SET NX PX. The lock
// expires after TTL so a crashed holder cannot block publishing forever.
type RedisLocker struct {
	redis  *redis.Client
	ttl    time.Duration
	poll   time.Duration
	logger zerolog.Logger
}

var _ Locker = (*RedisLocker)(nil)

// NewRedisLocker creates a Redis-backed Locker. A ttl of zero means 10 minutes.
func NewRedisLocker(redisClient *redis.Client, ttl time.Duration, logger zerolog.Logger) *RedisLocker {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisLocker{redis: redisClient, ttl: ttl, poll: 200 * time.Millisecond, logger: logger}
}

// Acquire blocks until the lock is held or ctx is done.
func (l *RedisLocker) Acquire(ctx context.Context, tableName string) (func(context.Context) error, error) {
	key := LockKeyPrefix + tableName
	token := uuid.NewString()

	for {
		ok, err := l.redis.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis setnx: %w", err)
		}
		if ok {
			break
		}
		l.logger.Debug().Str("table", tableName).Msg("Waiting for publish lock")
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", ErrLockTimeout, tableName, ctx.Err())
		case <-time.After(l.poll):
		}
	}

	return func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.redis, []string{key}, token).Err(); err != nil {
			return fmt.Errorf("release lock %s: %w", tableName, err)
		}
		return nil
	}, nil
}
