package publish

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestTableLocks(t *testing.T) {
	locks := newTableLocks()
	ctx := context.Background()

	unlock, err := locks.acquire(ctx, "t")
	if err != nil {
		t.Fatal(err)
	}

	// Other tables are independent.
	unlockOther, err := locks.acquire(ctx, "u")
	if err != nil {
		t.Fatalf("acquire(u) error = %v", err)
	}
	unlockOther()

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := locks.acquire(short, "t"); !errors.Is(err, ErrLockTimeout) {
		t.Errorf("acquire(held) error = %v, want ErrLockTimeout", err)
	}

	unlock()
	unlock2, err := locks.acquire(ctx, "t")
	if err != nil {
		t.Fatalf("acquire after release error = %v", err)
	}
	unlock2()
}

// setupTestRedis connects to a local Redis or skips the test.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
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

func TestRedisLocker(t *testing.T) {
	client := setupTestRedis(t)
	locker := NewRedisLocker(client, time.Minute, testLogger())
	locker.poll = 10 * time.Millisecond
	ctx := context.Background()

	release, err := locker.Acquire(ctx, "ticker_info")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := locker.Acquire(short, "ticker_info"); !errors.Is(err, ErrLockTimeout) {
		t.Errorf("second Acquire() error = %v, want ErrLockTimeout", err)
	}

	if err := release(ctx); err != nil {
		t.Fatalf("release() error = %v", err)
	}
	if n, _ := client.Exists(ctx, LockKeyPrefix+"ticker_info").Result(); n != 0 {
		t.Error("lock key still present after release")
	}
}

func TestRedisLocker_ReleaseKeepsForeignLock(t *testing.T) {
	client := setupTestRedis(t)
	locker := NewRedisLocker(client, time.Minute, testLogger())
	ctx := context.Background()

	release, err := locker.Acquire(ctx, "t")
	if err != nil {
		t.Fatal(err)
	}
	// Lock expired and was taken by another holder.
	client.Set(ctx, LockKeyPrefix+"t", "someone-else", time.Minute)

	if err := release(ctx); err != nil {
		t.Fatal(err)
	}
	if v, _ := client.Get(ctx, LockKeyPrefix+"t").Result(); v != "someone-else" {
		t.Errorf("foreign lock removed, value = %q", v)
	}
}
