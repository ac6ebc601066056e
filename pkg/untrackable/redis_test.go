package untrackable

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// setupTestRedis connects to a local Redis or skips the test.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // Use a separate DB for tests
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available for testing: %v", err)
	}
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test DB: %v", err)
	}

	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})
	return client
}

func TestNewRedisRegistry_Panic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("NewRedisRegistry should panic with nil redis client")
		}
	}()
	NewRedisRegistry(nil, 0, testLogger())
}

func TestRedisRegistry_MarkAndList(t *testing.T) {
	client := setupTestRedis(t)
	reg := NewRedisRegistry(client, time.Hour, testLogger())
	ctx := context.Background()

	if err := reg.Mark(ctx, "zzz", "404"); err != nil {
		t.Fatalf("Mark() error = %v", err)
	}
	if err := reg.Mark(ctx, "aaa", "NOT_FOUND"); err != nil {
		t.Fatalf("Mark() error = %v", err)
	}

	if ok, err := reg.Suppressed(ctx, "ZZZ"); err != nil || !ok {
		t.Errorf("Suppressed() = %v, %v; want true", ok, err)
	}
	ttl, err := client.TTL(ctx, Key("zzz")).Result()
	if err != nil || ttl <= 0 || ttl > time.Hour {
		t.Errorf("key ttl = %v, %v", ttl, err)
	}

	entries, err := reg.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 2 || entries[0].Identity != "AAA" || entries[1].Identity != "ZZZ" {
		t.Errorf("List() = %v", entries)
	}
}

func TestRedisRegistry_InvalidEntry(t *testing.T) {
	client := setupTestRedis(t)
	reg := NewRedisRegistry(client, time.Hour, testLogger())
	ctx := context.Background()

	client.Set(ctx, Key("BAD"), "not-json", time.Minute)
	if _, err := reg.Suppressed(ctx, "BAD"); err == nil {
		t.Error("Suppressed() expected decode error")
	}
}
