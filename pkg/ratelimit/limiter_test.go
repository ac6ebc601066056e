package ratelimit

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func TestNew_Interval(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want time.Duration
	}{
		{
			name: "derived from ceiling",
			cfg:  Config{CallsPerMinute: 5},
			want: 12 * time.Second,
		},
		{
			name: "min interval wins",
			cfg:  Config{CallsPerMinute: 60, MinInterval: 3 * time.Second},
			want: 3 * time.Second,
		},
		{
			name: "zero ceiling uses default",
			cfg:  Config{},
			want: time.Minute / DefaultCallsPerMinute,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := New(tt.cfg, testLogger())
			if got := l.State().Interval; got != tt.want {
				t.Errorf("Interval = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAcquire_SpacesCalls(t *testing.T) {
	// 6000 calls per minute = 10ms spacing.
	l := New(Config{CallsPerMinute: 6000}, testLogger())
	ctx := context.Background()

	const calls = 6
	var stamps []time.Time
	for i := 0; i < calls; i++ {
		if err := l.Acquire(ctx); err != nil {
			t.Fatalf("Acquire() error = %v", err)
		}
		stamps = append(stamps, time.Now())
	}

	elapsed := stamps[len(stamps)-1].Sub(stamps[0])
	if min := time.Duration(calls-1) * 10 * time.Millisecond; elapsed < min {
		t.Errorf("%d calls took %v, want at least %v", calls, elapsed, min)
	}
	if got := l.State().Calls; got != calls {
		t.Errorf("Calls = %d, want %d", got, calls)
	}
}

func TestAcquire_ConcurrentCallersShareSpacing(t *testing.T) {
	l := New(Config{CallsPerMinute: 6000}, testLogger())
	ctx := context.Background()

	const workers = 8
	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Acquire(ctx); err != nil {
				t.Errorf("Acquire() error = %v", err)
			}
		}()
	}
	wg.Wait()

	// The last of N callers cannot start before (N-1) intervals have passed.
	if elapsed, min := time.Since(start), time.Duration(workers-1)*10*time.Millisecond; elapsed < min {
		t.Errorf("%d concurrent callers finished in %v, want at least %v", workers, elapsed, min)
	}
}

func TestAcquire_ContextCancelled(t *testing.T) {
	l := New(Config{CallsPerMinute: 1}, testLogger())
	ctx, cancel := context.WithCancel(context.Background())

	// First call takes the free slot, second has to wait a minute.
	if err := l.Acquire(ctx); err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := l.Acquire(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Acquire() error = %v, want context.Canceled", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Acquire() did not return promptly on cancellation")
	}
}

func TestOnThrottle_RaisesIntervalAndLowersCeiling(t *testing.T) {
	l := New(Config{
		CallsPerMinute:     5,
		ThrottleFloor:      15 * time.Second,
		ThrottleMultiplier: 2,
		CeilingStep:        1,
	}, testLogger())

	before := l.State()
	after := l.OnThrottle()

	if after.CallsPerMinute != 4 {
		t.Errorf("CallsPerMinute = %d, want 4", after.CallsPerMinute)
	}
	if after.Interval != 24*time.Second {
		t.Errorf("Interval = %v, want 24s", after.Interval)
	}
	if after.Interval <= before.Interval {
		t.Errorf("Interval did not increase: %v -> %v", before.Interval, after.Interval)
	}
	if after.Throttles != 1 {
		t.Errorf("Throttles = %d, want 1", after.Throttles)
	}
}

func TestOnThrottle_FloorApplies(t *testing.T) {
	l := New(Config{CallsPerMinute: 6000, ThrottleFloor: 15 * time.Second}, testLogger())
	if got := l.OnThrottle().Interval; got != 15*time.Second {
		t.Errorf("Interval = %v, want floor 15s", got)
	}
}

func TestOnThrottle_MonotonicAndCeilingFloor(t *testing.T) {
	l := New(Config{CallsPerMinute: 3, ThrottleMultiplier: 1.5}, testLogger())

	prev := l.State().Interval
	for i := 0; i < 10; i++ {
		s := l.OnThrottle()
		if s.Interval <= prev {
			t.Fatalf("throttle %d: interval %v not greater than %v", i, s.Interval, prev)
		}
		if s.CallsPerMinute < 1 {
			t.Fatalf("throttle %d: calls per minute dropped to %d", i, s.CallsPerMinute)
		}
		prev = s.Interval
	}
	if got := l.State().CallsPerMinute; got != 1 {
		t.Errorf("CallsPerMinute = %d, want 1", got)
	}
}

func TestOnThrottle_AffectsSubsequentAcquire(t *testing.T) {
	l := New(Config{CallsPerMinute: 6000, ThrottleFloor: 80 * time.Millisecond}, testLogger())
	ctx := context.Background()

	if err := l.Acquire(ctx); err != nil {
		t.Fatal(err)
	}
	l.OnThrottle()

	start := time.Now()
	if err := l.Acquire(ctx); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Errorf("Acquire after throttle waited %v, want about 80ms", elapsed)
	}
}

func TestState_NextSlot(t *testing.T) {
	var s State
	if !s.NextSlot().IsZero() {
		t.Error("NextSlot() before first call should be zero")
	}
	now := time.Now()
	s = State{LastCall: now, Interval: time.Second}
	if got := s.NextSlot(); !got.Equal(now.Add(time.Second)) {
		t.Errorf("NextSlot() = %v, want %v", got, now.Add(time.Second))
	}
}

func TestCooldown(t *testing.T) {
	l := New(Config{Cooldown: 3 * time.Second}, testLogger())
	if got := l.Cooldown(); got != 3*time.Second {
		t.Errorf("Cooldown() = %v, want 3s", got)
	}
	if got := DefaultConfig().Cooldown; got != DefaultCooldown {
		t.Errorf("DefaultConfig().Cooldown = %v", got)
	}
}
