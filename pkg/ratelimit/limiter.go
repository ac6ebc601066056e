package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for request pacing.
var (
	intervalSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stockpile_ratelimit_interval_seconds",
		Help: "Spacing currently enforced between provider calls",
	})

	callsPerMinute = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stockpile_ratelimit_calls_per_minute",
		Help: "Current provider call ceiling",
	})

	waitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stockpile_ratelimit_wait_seconds",
		Help:    "Time callers spent waiting for a call slot",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 30, 60, 120},
	})

	throttlesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stockpile_ratelimit_throttles_total",
		Help: "Total number of throttle signals received from the provider",
	})
)

// Limiter paces provider calls. A single Limiter must be shared by every
// worker of a run; it is safe for concurrent use.
type Limiter struct {
	mu        sync.Mutex
	cfg       Config
	cpm       int
	interval  time.Duration
	last      time.Time
	throttles int
	calls     int64
	logger    zerolog.Logger
}

// New creates a Limiter. The starting interval is the larger of
// cfg.MinInterval and one minute divided by cfg.CallsPerMinute.
func New(cfg Config, logger zerolog.Logger) *Limiter {
	cfg = cfg.normalized()
	interval := ceilingInterval(cfg.CallsPerMinute)
	if cfg.MinInterval > interval {
		interval = cfg.MinInterval
	}

	intervalSeconds.Set(interval.Seconds())
	callsPerMinute.Set(float64(cfg.CallsPerMinute))

	return &Limiter{
		cfg:      cfg,
		cpm:      cfg.CallsPerMinute,
		interval: interval,
		logger:   logger,
	}
}

// Acquire blocks until the caller may issue one provider call. Slots are
// reserved under the lock and waited for outside it, so concurrent callers
// queue up one interval apart.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	now := time.Now()
	slot := now
	if !l.last.IsZero() {
		if next := l.last.Add(l.interval); next.After(slot) {
			slot = next
		}
	}
	l.last = slot
	l.calls++
	l.mu.Unlock()

	wait := slot.Sub(now)
	waitSeconds.Observe(wait.Seconds())
	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// OnThrottle records a throttle signal from the provider. The call ceiling
// drops by CeilingStep (never below 1) and the interval grows to at least
// ThrottleFloor and the new ceiling's spacing. The interval always strictly
// increases.
func (l *Limiter) OnThrottle() State {
	l.mu.Lock()
	old := l.interval
	oldCPM := l.cpm

	l.cpm -= l.cfg.CeilingStep
	if l.cpm < 1 {
		l.cpm = 1
	}

	next := time.Duration(float64(old) * l.cfg.ThrottleMultiplier)
	if next < l.cfg.ThrottleFloor {
		next = l.cfg.ThrottleFloor
	}
	if c := ceilingInterval(l.cpm); next < c {
		next = c
	}
	if next <= old {
		next = old + time.Millisecond
	}
	l.interval = next
	l.throttles++
	state := l.stateLocked()
	l.mu.Unlock()

	throttlesTotal.Inc()
	intervalSeconds.Set(next.Seconds())
	callsPerMinute.Set(float64(state.CallsPerMinute))

	l.logger.Warn().
		Dur("old_interval", old).
		Dur("new_interval", next).
		Int("old_calls_per_minute", oldCPM).
		Int("calls_per_minute", state.CallsPerMinute).
		Int("throttles", state.Throttles).
		Msg("Provider rate limit hit - widening call interval")

	return state
}

// Cooldown returns the pause a caller should take after a throttle signal.
func (l *Limiter) Cooldown() time.Duration {
	return l.cfg.Cooldown
}

// State returns a copy of the current limiter state.
func (l *Limiter) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stateLocked()
}

func (l *Limiter) stateLocked() State {
	return State{
		CallsPerMinute: l.cpm,
		MinInterval:    l.cfg.MinInterval,
		Interval:       l.interval,
		LastCall:       l.last,
		Throttles:      l.throttles,
		Calls:          l.calls,
	}
}
