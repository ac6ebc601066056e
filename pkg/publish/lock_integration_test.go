//go:build integration

package publish

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis starts a Redis container and returns a client
func setupRedis(t *testing.T) (*redis.Client, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	endpoint, err := redisContainer.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get Redis endpoint: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("Failed to connect to Redis: %v", err)
	}

	cleanup := func() {
		client.Close()
		redisContainer.Terminate(ctx)
	}
	return client, cleanup
}

func TestRedisLocker_Integration_MutualExclusion(t *testing.T) {
	client, cleanup := setupRedis(t)
	defer cleanup()

	// Two lockers model two processes sharing one Redis.
	a := NewRedisLocker(client, time.Minute, testLogger())
	b := NewRedisLocker(client, time.Minute, testLogger())
	a.poll, b.poll = 5*time.Millisecond, 5*time.Millisecond

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		locker := a
		if i%2 == 1 {
			locker = b
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx := context.Background()
			release, err := locker.Acquire(ctx, "stock_history")
			if err != nil {
				t.Errorf("Acquire() error = %v", err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			if err := release(ctx); err != nil {
				t.Errorf("release() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxInside)
	}
}

func TestRedisLocker_Integration_ExpiresAfterCrash(t *testing.T) {
	client, cleanup := setupRedis(t)
	defer cleanup()

	locker := NewRedisLocker(client, 500*time.Millisecond, testLogger())
	locker.poll = 20 * time.Millisecond
	ctx := context.Background()

	// Acquire and never release, as a crashed holder would.
	if _, err := locker.Acquire(ctx, "ticker_info"); err != nil {
		t.Fatal(err)
	}

	ctx2, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	release, err := locker.Acquire(ctx2, "ticker_info")
	if err != nil {
		t.Fatalf("Acquire() after expiry error = %v", err)
	}
	release(ctx)
}
