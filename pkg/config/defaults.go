package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultBaseURL             = "https://api.polygon.io"
	DefaultUserAgent           = "stockpile/1.0"
	DefaultProviderTimeout     = 30 * time.Second
	DefaultTimespan            = "day"
	DefaultCallsPerMinute      = 5
	DefaultThrottleFloor       = 15 * time.Second
	DefaultThrottleMultiplier  = 2.0
	DefaultCeilingStep         = 1
	DefaultCooldown            = 60 * time.Second
	DefaultMaxAttempts         = 3
	DefaultInitialBackoff      = 1 * time.Second
	DefaultMaxBackoff          = 30 * time.Second
	DefaultBackoffMultiplier   = 2.0
	DefaultMaxRateLimitRetries = 5
	DefaultWorkers             = 1
	DefaultMaxRuntime          = 6 * time.Hour
	DefaultBatchSize           = 5000
	DefaultBatchInterval       = 5 * time.Minute
	DefaultDestination         = "stock_history"
	DefaultErrorsTable         = "stock_fetch_errors"
	DefaultStagingDir          = "data/staging"
	DefaultSweepAge            = 24 * time.Hour
	DefaultStoreDriver         = "sqlite"
	DefaultSQLitePath          = "data/stockpile.db"
	DefaultDBPort              = 5432
	DefaultDBSSLMode           = "prefer"
	DefaultMaxConns            = 10
	DefaultMinConns            = 2
	DefaultUntrackableBackend  = "store"
	DefaultUntrackableTTL      = 365 * 24 * time.Hour
	DefaultLockTTL             = 10 * time.Minute
	DefaultSampleSize          = 5
	DefaultLogLevel            = "info"
	DefaultMetricsAddr         = ":9090"
	DefaultMetricsPath         = "/metrics"
)

func (c *Config) applyDefaults() {
	// Provider defaults
	if c.Provider.BaseURL == "" {
		c.Provider.BaseURL = DefaultBaseURL
	}
	if c.Provider.UserAgent == "" {
		c.Provider.UserAgent = DefaultUserAgent
	}
	if c.Provider.Timeout == 0 {
		c.Provider.Timeout = DefaultProviderTimeout
	}
	if c.Provider.Timespan == "" {
		c.Provider.Timespan = DefaultTimespan
	}
	if c.Provider.Multiplier == 0 {
		c.Provider.Multiplier = 1
	}

	// Rate limit defaults
	if c.RateLimit.CallsPerMinute == 0 {
		c.RateLimit.CallsPerMinute = DefaultCallsPerMinute
	}
	if c.RateLimit.ThrottleFloor == 0 {
		c.RateLimit.ThrottleFloor = DefaultThrottleFloor
	}
	if c.RateLimit.ThrottleMultiplier == 0 {
		c.RateLimit.ThrottleMultiplier = DefaultThrottleMultiplier
	}
	if c.RateLimit.CeilingStep == 0 {
		c.RateLimit.CeilingStep = DefaultCeilingStep
	}
	if c.RateLimit.Cooldown == 0 {
		c.RateLimit.Cooldown = DefaultCooldown
	}

	// Retry defaults
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = DefaultMaxAttempts
	}
	if c.Retry.InitialBackoff == 0 {
		c.Retry.InitialBackoff = DefaultInitialBackoff
	}
	if c.Retry.MaxBackoff == 0 {
		c.Retry.MaxBackoff = DefaultMaxBackoff
	}
	if c.Retry.BackoffMultiplier == 0 {
		c.Retry.BackoffMultiplier = DefaultBackoffMultiplier
	}
	if c.Retry.MaxRateLimitRetries == 0 {
		c.Retry.MaxRateLimitRetries = DefaultMaxRateLimitRetries
	}

	// Runner defaults
	if c.Runner.Workers == 0 {
		c.Runner.Workers = DefaultWorkers
	}
	if c.Runner.MaxRuntime == 0 {
		c.Runner.MaxRuntime = DefaultMaxRuntime
	}
	if c.Runner.BatchSize == 0 {
		c.Runner.BatchSize = DefaultBatchSize
	}
	if c.Runner.BatchInterval == 0 {
		c.Runner.BatchInterval = DefaultBatchInterval
	}
	if c.Runner.Destination == "" {
		c.Runner.Destination = DefaultDestination
	}
	if c.Runner.ErrorsTable == "" {
		c.Runner.ErrorsTable = DefaultErrorsTable
	}

	// Staging defaults
	if c.Staging.Dir == "" {
		c.Staging.Dir = DefaultStagingDir
	}
	if c.Staging.SweepAge == 0 {
		c.Staging.SweepAge = DefaultSweepAge
	}

	// Store defaults
	if c.Store.Driver == "" {
		c.Store.Driver = DefaultStoreDriver
	}
	if c.Store.SQLite.Path == "" {
		c.Store.SQLite.Path = DefaultSQLitePath
	}
	applyDBDefaults(&c.Store.Postgres)

	// Untrackable defaults
	if c.Untrackable.Backend == "" {
		c.Untrackable.Backend = DefaultUntrackableBackend
	}
	if c.Untrackable.TTL == 0 {
		c.Untrackable.TTL = DefaultUntrackableTTL
	}

	// Publish defaults
	if c.Publish.LockTTL == 0 {
		c.Publish.LockTTL = DefaultLockTTL
	}

	// Validation defaults
	if c.Validation.SampleSize == 0 {
		c.Validation.SampleSize = DefaultSampleSize
	}

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}

	// Metrics defaults
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = DefaultMetricsAddr
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}

	// Tables defaults
	if len(c.Tables) == 0 {
		c.Tables = []TableConfig{defaultHistoryTable()}
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}

// defaultHistoryTable is the incremental daily bar table fed by the
// aggregates endpoint.
func defaultHistoryTable() TableConfig {
	zero := 0.0
	return TableConfig{
		Name:           DefaultDestination,
		Classification: "incremental",
		Columns: []ColumnConfig{
			{Name: "ticker", Type: "string", Required: true},
			{Name: "date", Type: "date", Required: true},
			{Name: "open", Type: "float"},
			{Name: "high", Type: "float"},
			{Name: "low", Type: "float"},
			{Name: "close", Type: "float"},
			{Name: "adj_close", Type: "float"},
			{Name: "volume", Type: "int"},
		},
		PrimaryKey: []string{"ticker", "date"},
		Checks: ChecksConfig{
			Ranges:  []RangeConfig{{Column: "volume", Min: &zero}, {Column: "close", Min: &zero}},
			Ordered: []OrderConfig{{High: "high", Low: "low"}},
		},
	}
}
