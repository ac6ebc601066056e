// Package ratelimit implements the process-wide request pacer shared by every
// fetch worker. It spaces calls at a fixed interval and widens that interval
// each time the provider reports that the rate limit was hit.
//
// The interval never shrinks during a run: a provider that throttled once is
// assumed to throttle again at the old pace.
package ratelimit

import (
	"time"
)

// Defaults for provider pacing.
const (
	// DefaultCallsPerMinute matches the free tier of the aggregates provider.
	DefaultCallsPerMinute = 5

	// DefaultThrottleFloor is the minimum interval after any throttle signal.
	DefaultThrottleFloor = 15 * time.Second

	// DefaultThrottleMultiplier scales the interval on each throttle signal.
	DefaultThrottleMultiplier = 2.0

	// DefaultCeilingStep is how many calls per minute one throttle signal removes.
	DefaultCeilingStep = 1

	// DefaultCooldown is how long a caller waits after a throttle signal before retrying.
	DefaultCooldown = 60 * time.Second
)

// Config configures a Limiter.
type Config struct {
	// CallsPerMinute is the initial request ceiling. Values below 1 use DefaultCallsPerMinute.
	CallsPerMinute int

	// MinInterval is a lower bound on the spacing between calls, applied on
	// top of the spacing derived from CallsPerMinute.
	MinInterval time.Duration

	// ThrottleFloor is the smallest interval allowed after a throttle signal.
	ThrottleFloor time.Duration

	// ThrottleMultiplier scales the interval on each throttle signal.
	// Values of 1 or less use DefaultThrottleMultiplier.
	ThrottleMultiplier float64

	// CeilingStep lowers CallsPerMinute on each throttle signal. Values below 1 use DefaultCeilingStep.
	CeilingStep int

	// Cooldown is the pause callers take after a throttle signal.
	Cooldown time.Duration
}

// DefaultConfig returns the production pacing configuration.
func DefaultConfig() Config {
	return Config{
		CallsPerMinute:     DefaultCallsPerMinute,
		ThrottleFloor:      DefaultThrottleFloor,
		ThrottleMultiplier: DefaultThrottleMultiplier,
		CeilingStep:        DefaultCeilingStep,
		Cooldown:           DefaultCooldown,
	}
}

func (c Config) normalized() Config {
	if c.CallsPerMinute < 1 {
		c.CallsPerMinute = DefaultCallsPerMinute
	}
	if c.ThrottleMultiplier <= 1 {
		c.ThrottleMultiplier = DefaultThrottleMultiplier
	}
	if c.CeilingStep < 1 {
		c.CeilingStep = DefaultCeilingStep
	}
	if c.ThrottleFloor < 0 {
		c.ThrottleFloor = 0
	}
	if c.Cooldown < 0 {
		c.Cooldown = 0
	}
	return c
}

// State is a point-in-time copy of the limiter.
type State struct {
	// CallsPerMinute is the current request ceiling.
	CallsPerMinute int `json:"calls_per_minute"`

	// MinInterval is the configured lower bound on spacing.
	MinInterval time.Duration `json:"min_interval"`

	// Interval is the spacing currently enforced between calls.
	Interval time.Duration `json:"interval"`

	// LastCall is the most recently reserved call slot. Zero before the first call.
	LastCall time.Time `json:"last_call"`

	// Throttles counts throttle signals received.
	Throttles int `json:"throttles"`

	// Calls counts reserved call slots.
	Calls int64 `json:"calls"`
}

// NextSlot returns the earliest time the next call may start.
func (s State) NextSlot() time.Time {
	if s.LastCall.IsZero() {
		return time.Time{}
	}
	return s.LastCall.Add(s.Interval)
}

// ceilingInterval is the spacing implied by a calls-per-minute ceiling.
func ceilingInterval(callsPerMinute int) time.Duration {
	return time.Minute / time.Duration(callsPerMinute)
}
