package untrackable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/stockpile/pkg/job"
)

// KeyPrefix namespaces registry keys in Redis.
const KeyPrefix = "stockpile:untrackable:"

// Key returns the Redis key for identity.
func Key(identity string) string {
	return KeyPrefix + job.NormalizeIdentity(identity)
}

// RedisRegistry stores entries as JSON under Key(identity) and lets Redis
// expire them.
type RedisRegistry struct {
	redis  *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

var _ Registry = (*RedisRegistry)(nil)

// NewRedisRegistry creates a Redis-backed registry. A ttl of zero uses DefaultTTL.
func NewRedisRegistry(redisClient *redis.Client, ttl time.Duration, logger zerolog.Logger) *RedisRegistry {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisRegistry{redis: redisClient, ttl: ttl, logger: logger}
}

func (r *RedisRegistry) get(ctx context.Context, key string) (*Entry, error) {
	data, err := r.redis.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		ErrorsTotal.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		ErrorsTotal.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	return &entry, nil
}

// Suppressed implements Registry.
func (r *RedisRegistry) Suppressed(ctx context.Context, identity string) (bool, error) {
	entry, err := r.get(ctx, Key(identity))
	if err != nil || entry == nil {
		return false, err
	}
	if entry.IsExpired(r.ttl, time.Now()) {
		// Redis normally expires the key first; this covers a shortened ttl.
		_ = r.redis.Del(ctx, Key(identity)).Err()
		return false, nil
	}
	SuppressedTotal.WithLabelValues("redis").Inc()
	return true, nil
}

// Mark implements Registry.
func (r *RedisRegistry) Mark(ctx context.Context, identity, reason string) error {
	entry, err := newEntry(identity, reason, time.Now())
	if err != nil {
		return err
	}

	data, err := json.Marshal(entry)
	if err != nil {
		ErrorsTotal.WithLabelValues("set").Inc()
		return fmt.Errorf("marshal untrackable entry: %w", err)
	}
	if err := r.redis.Set(ctx, Key(entry.Identity), data, r.ttl).Err(); err != nil {
		ErrorsTotal.WithLabelValues("set").Inc()
		return fmt.Errorf("redis set: %w", err)
	}

	MarkedTotal.WithLabelValues("redis").Inc()
	r.logger.Info().
		Str("identity", entry.Identity).
		Str("reason", reason).
		Dur("ttl", r.ttl).
		Msg("Identity marked untrackable")
	return nil
}

// List implements Registry.
func (r *RedisRegistry) List(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	now := time.Now()

	iter := r.redis.Scan(ctx, 0, KeyPrefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		entry, err := r.get(ctx, iter.Val())
		if err != nil {
			return nil, err
		}
		if entry == nil || entry.IsExpired(r.ttl, now) {
			continue
		}
		entries = append(entries, *entry)
	}
	if err := iter.Err(); err != nil {
		ErrorsTotal.WithLabelValues("list").Inc()
		return nil, fmt.Errorf("redis scan: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Identity < entries[j].Identity })
	return entries, nil
}
