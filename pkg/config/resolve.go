package config

import (
	"fmt"

	"github.com/Sternrassler/stockpile/pkg/client"
	"github.com/Sternrassler/stockpile/pkg/logging"
	"github.com/Sternrassler/stockpile/pkg/publish"
	"github.com/Sternrassler/stockpile/pkg/ratelimit"
	"github.com/Sternrassler/stockpile/pkg/runner"
	"github.com/Sternrassler/stockpile/pkg/store/pgstore"
	"github.com/Sternrassler/stockpile/pkg/table"
)

// TableSpecs resolves the table policy records. Every spec is validated.
func (c *Config) TableSpecs() ([]table.Spec, error) {
	specs := make([]table.Spec, 0, len(c.Tables))
	seen := make(map[string]bool, len(c.Tables))
	for i, tc := range c.Tables {
		spec, err := tc.spec()
		if err != nil {
			return nil, fmt.Errorf("tables[%d]: %w", i, err)
		}
		if seen[spec.Name] {
			return nil, fmt.Errorf("tables[%d]: duplicate table %q", i, spec.Name)
		}
		seen[spec.Name] = true
		specs = append(specs, spec)
	}
	return specs, nil
}

func (tc TableConfig) spec() (table.Spec, error) {
	class, err := table.ParseClassification(tc.Classification)
	if err != nil {
		return table.Spec{}, err
	}
	spec := table.Spec{
		Name:           tc.Name,
		Classification: class,
		Schema:         table.Schema{PrimaryKey: tc.PrimaryKey},
		UniverseKey:    tc.UniverseKey,
		Checks:         table.Checks{MinRows: tc.Checks.MinRows},
	}
	for _, col := range tc.Columns {
		spec.Schema.Columns = append(spec.Schema.Columns, table.Column{
			Name:     col.Name,
			Type:     table.ColumnType(col.Type),
			Required: col.Required,
		})
	}
	for _, r := range tc.Checks.Ranges {
		spec.Checks.Ranges = append(spec.Checks.Ranges, table.RangeCheck{Column: r.Column, Min: r.Min, Max: r.Max})
	}
	for _, o := range tc.Checks.Ordered {
		spec.Checks.Orders = append(spec.Checks.Orders, table.OrderCheck{High: o.High, Low: o.Low})
	}
	for _, r := range tc.Checks.References {
		spec.Checks.References = append(spec.Checks.References, table.Reference{
			Column:       r.Column,
			Parent:       r.Parent,
			ParentColumn: r.ParentColumn,
			AllowNull:    r.AllowNull,
		})
	}
	if err := spec.Validate(); err != nil {
		return table.Spec{}, err
	}
	for _, col := range checkedColumns(spec.Checks) {
		if _, ok := spec.Schema.Column(col); !ok {
			return table.Spec{}, fmt.Errorf("table %s: check column %q not declared", spec.Name, col)
		}
	}
	return spec, nil
}

func checkedColumns(c table.Checks) []string {
	var cols []string
	for _, r := range c.Ranges {
		cols = append(cols, r.Column)
	}
	for _, o := range c.Orders {
		cols = append(cols, o.High, o.Low)
	}
	for _, r := range c.References {
		cols = append(cols, r.Column)
	}
	return cols
}

// RateLimiterConfig returns the limiter settings.
func (c *Config) RateLimiterConfig() ratelimit.Config {
	return ratelimit.Config{
		CallsPerMinute:     c.RateLimit.CallsPerMinute,
		MinInterval:        c.RateLimit.MinInterval,
		ThrottleFloor:      c.RateLimit.ThrottleFloor,
		ThrottleMultiplier: c.RateLimit.ThrottleMultiplier,
		CeilingStep:        c.RateLimit.CeilingStep,
		Cooldown:           c.RateLimit.Cooldown,
	}
}

// ClientConfig returns the fetch client settings.
func (c *Config) ClientConfig() client.Config {
	return client.Config{
		UserAgent: c.Provider.UserAgent,
		Timeout:   c.Provider.Timeout,
		Retry: client.RetryConfig{
			MaxAttempts:         c.Retry.MaxAttempts,
			InitialBackoff:      c.Retry.InitialBackoff,
			MaxBackoff:          c.Retry.MaxBackoff,
			BackoffMultiplier:   c.Retry.BackoffMultiplier,
			MaxRateLimitRetries: c.Retry.MaxRateLimitRetries,
		},
	}
}

// Endpoint returns the aggregates endpoint of the provider.
func (c *Config) Endpoint() client.AggregatesEndpoint {
	return client.AggregatesEndpoint{
		BaseURL:    c.Provider.BaseURL,
		APIKey:     c.Provider.APIKey,
		Timespan:   c.Provider.Timespan,
		Multiplier: c.Provider.Multiplier,
	}
}

// RunnerConfig returns the job runner settings.
func (c *Config) RunnerConfig() runner.Config {
	return runner.Config{
		Workers:       c.Runner.Workers,
		MaxRuntime:    c.Runner.MaxRuntime,
		BatchSize:     c.Runner.BatchSize,
		BatchInterval: c.Runner.BatchInterval,
		Destination:   c.Runner.Destination,
		ErrorsTable:   c.Runner.ErrorsTable,
		Publish:       publish.Options{Checkpoint: c.Publish.Checkpoint},
	}
}

// PostgresConfig returns the pgstore connection settings.
func (c *Config) PostgresConfig() pgstore.Config {
	db := c.Store.Postgres
	return pgstore.Config{
		Host:     db.Host,
		Port:     db.Port,
		Name:     db.Name,
		User:     db.User,
		Password: db.Password,
		SSLMode:  db.SSLMode,
		Schema:   db.Schema,
		MaxConns: db.MaxConns,
		MinConns: db.MinConns,
	}
}

// LoggingConfig returns the logger settings.
func (c *Config) LoggingConfig() logging.Config {
	cfg := logging.DefaultConfig()
	if l, err := logging.ParseLevel(c.Logging.Level); err == nil {
		cfg.Level = l
	}
	cfg.Pretty = c.Logging.Pretty
	return cfg
}
