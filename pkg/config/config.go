// Package config handles YAML configuration loading with environment variable substitution.
//
// Configuration files support ${VAR} syntax for environment variable interpolation.
// A .env file, when present, is loaded into the environment before expansion.
// The resolved record is static: nothing re-reads it during a run.
package config

import "time"

// Config is the root configuration.
type Config struct {
	Provider    ProviderConfig    `yaml:"provider"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Retry       RetryConfig       `yaml:"retry"`
	Runner      RunnerConfig      `yaml:"runner"`
	Staging     StagingConfig     `yaml:"staging"`
	Store       StoreConfig       `yaml:"store"`
	Redis       RedisConfig       `yaml:"redis"`
	Untrackable UntrackableConfig `yaml:"untrackable"`
	Publish     PublishConfig     `yaml:"publish"`
	Validation  ValidationConfig  `yaml:"validation"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Tables      []TableConfig     `yaml:"tables"`
}

// ProviderConfig holds market data provider settings.
type ProviderConfig struct {
	BaseURL    string        `yaml:"base_url"`
	APIKey     string        `yaml:"api_key"`
	UserAgent  string        `yaml:"user_agent"`
	Timeout    time.Duration `yaml:"timeout"`
	Timespan   string        `yaml:"timespan"`
	Multiplier int           `yaml:"multiplier"`
}

// RateLimitConfig holds the shared limiter settings.
type RateLimitConfig struct {
	CallsPerMinute     int           `yaml:"calls_per_minute"`
	MinInterval        time.Duration `yaml:"min_interval"`
	ThrottleFloor      time.Duration `yaml:"throttle_floor"`
	ThrottleMultiplier float64       `yaml:"throttle_multiplier"`
	CeilingStep        int           `yaml:"ceiling_step"`
	Cooldown           time.Duration `yaml:"cooldown"`
}

// RetryConfig holds fetch retry settings.
type RetryConfig struct {
	MaxAttempts         int           `yaml:"max_attempts"`
	InitialBackoff      time.Duration `yaml:"initial_backoff"`
	MaxBackoff          time.Duration `yaml:"max_backoff"`
	BackoffMultiplier   float64       `yaml:"backoff_multiplier"`
	MaxRateLimitRetries int           `yaml:"max_rate_limit_retries"`
}

// RunnerConfig holds job runner settings.
type RunnerConfig struct {
	Backlog       string        `yaml:"backlog"`
	Workers       int           `yaml:"workers"`
	MaxRuntime    time.Duration `yaml:"max_runtime"`
	BatchSize     int           `yaml:"batch_size"`
	BatchInterval time.Duration `yaml:"batch_interval"`
	Destination   string        `yaml:"destination"`
	ErrorsTable   string        `yaml:"errors_table"`
}

// StagingConfig holds the staged artifact directory settings.
type StagingConfig struct {
	Dir      string        `yaml:"dir"`
	SweepAge time.Duration `yaml:"sweep_age"`
}

// StoreConfig selects and configures the live store.
type StoreConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver   string       `yaml:"driver"`
	SQLite   SQLiteConfig `yaml:"sqlite"`
	Postgres DBConfig     `yaml:"postgres"`
}

// SQLiteConfig holds the embedded store file.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	Schema   string `yaml:"schema"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// RedisConfig holds the optional Redis connection. An empty Addr disables Redis.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// UntrackableConfig selects the untrackable registry backend.
type UntrackableConfig struct {
	// Backend is "store" or "redis".
	Backend string        `yaml:"backend"`
	TTL     time.Duration `yaml:"ttl"`
}

// PublishConfig holds publish settings.
type PublishConfig struct {
	Checkpoint      bool          `yaml:"checkpoint"`
	DistributedLock bool          `yaml:"distributed_lock"`
	LockTTL         time.Duration `yaml:"lock_ttl"`
}

// ValidationConfig holds post-publish validation settings.
type ValidationConfig struct {
	Disabled   bool `yaml:"disabled"`
	SampleSize int  `yaml:"sample_size"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// MetricsConfig holds the ops HTTP server settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
}

// TableConfig is the policy record of one destination table.
type TableConfig struct {
	Name           string         `yaml:"name"`
	Classification string         `yaml:"classification"`
	Columns        []ColumnConfig `yaml:"columns"`
	PrimaryKey     []string       `yaml:"primary_key"`
	UniverseKey    []string       `yaml:"universe_key"`
	Checks         ChecksConfig   `yaml:"checks"`
}

// ColumnConfig declares one column.
type ColumnConfig struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Required bool   `yaml:"required"`
}

// ChecksConfig declares the validation battery of a table.
type ChecksConfig struct {
	MinRows    int64             `yaml:"min_rows"`
	Ranges     []RangeConfig     `yaml:"ranges"`
	Ordered    []OrderConfig     `yaml:"ordered"`
	References []ReferenceConfig `yaml:"references"`
}

// RangeConfig bounds a numeric column. Omitted bounds are open.
type RangeConfig struct {
	Column string   `yaml:"column"`
	Min    *float64 `yaml:"min"`
	Max    *float64 `yaml:"max"`
}

// OrderConfig asserts high >= low.
type OrderConfig struct {
	High string `yaml:"high"`
	Low  string `yaml:"low"`
}

// ReferenceConfig declares a parent relation.
type ReferenceConfig struct {
	Column       string `yaml:"column"`
	Parent       string `yaml:"parent"`
	ParentColumn string `yaml:"parent_column"`
	AllowNull    bool   `yaml:"allow_null"`
}
