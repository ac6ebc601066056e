package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/Sternrassler/stockpile/pkg/logging"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Provider.BaseURL == "" {
		return errors.New("provider.base_url is required")
	}
	if _, err := url.ParseRequestURI(c.Provider.BaseURL); err != nil {
		return fmt.Errorf("provider.base_url is invalid: %v", err)
	}
	if c.Provider.Timeout <= 0 {
		return errors.New("provider.timeout must be > 0")
	}

	if c.RateLimit.CallsPerMinute < 1 {
		return errors.New("rate_limit.calls_per_minute must be >= 1")
	}
	if c.RateLimit.MinInterval < 0 {
		return errors.New("rate_limit.min_interval must be >= 0")
	}
	if c.RateLimit.ThrottleMultiplier < 1 {
		return fmt.Errorf("rate_limit.throttle_multiplier must be >= 1, got %g", c.RateLimit.ThrottleMultiplier)
	}
	if c.RateLimit.CeilingStep < 1 {
		return errors.New("rate_limit.ceiling_step must be >= 1")
	}

	if c.Retry.MaxAttempts < 1 {
		return errors.New("retry.max_attempts must be >= 1")
	}
	if c.Retry.InitialBackoff > c.Retry.MaxBackoff {
		return fmt.Errorf("retry.initial_backoff (%s) cannot exceed max_backoff (%s)", c.Retry.InitialBackoff, c.Retry.MaxBackoff)
	}
	if c.Retry.MaxRateLimitRetries < -1 {
		return errors.New("retry.max_rate_limit_retries must be >= 0, or -1 for unbounded")
	}

	if c.Runner.Workers < 1 {
		return errors.New("runner.workers must be >= 1")
	}
	if c.Runner.BatchSize < 1 {
		return errors.New("runner.batch_size must be >= 1")
	}
	if c.Runner.MaxRuntime < 0 {
		return errors.New("runner.max_runtime must be >= 0")
	}

	if c.Staging.Dir == "" {
		return errors.New("staging.dir is required")
	}

	switch c.Store.Driver {
	case "sqlite":
		if c.Store.SQLite.Path == "" {
			return errors.New("store.sqlite.path is required")
		}
	case "postgres":
		if err := c.Store.Postgres.validate("store.postgres"); err != nil {
			return err
		}
	default:
		return fmt.Errorf("store.driver must be sqlite or postgres, got %q", c.Store.Driver)
	}

	switch c.Untrackable.Backend {
	case "store":
	case "redis":
		if c.Redis.Addr == "" {
			return errors.New("redis.addr is required for untrackable.backend redis")
		}
	default:
		return fmt.Errorf("untrackable.backend must be store or redis, got %q", c.Untrackable.Backend)
	}
	if c.Untrackable.TTL <= 0 {
		return errors.New("untrackable.ttl must be > 0")
	}

	if c.Publish.DistributedLock && c.Redis.Addr == "" {
		return errors.New("redis.addr is required for publish.distributed_lock")
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %v", err)
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /, got %q", c.Metrics.Path)
	}

	specs, err := c.TableSpecs()
	if err != nil {
		return err
	}
	names := make(map[string]bool, len(specs))
	for _, s := range specs {
		names[s.Name] = true
	}
	if !names[c.Runner.Destination] {
		return fmt.Errorf("runner.destination %q is not declared in tables", c.Runner.Destination)
	}
	for _, s := range specs {
		for _, ref := range s.Checks.References {
			if !names[ref.Parent] {
				return fmt.Errorf("tables.%s: reference parent %q is not declared", s.Name, ref.Parent)
			}
		}
	}
	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
