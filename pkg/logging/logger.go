// Package logging provides structured logging configuration using zerolog.
//
// Components receive an injected zerolog.Logger; NewLogger derives one from
// the global logger configured by Setup.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelTrace logs everything.
	LevelTrace LogLevel = "trace"

	// LevelDebug logs per-job detail and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs run progress and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

var levels = map[LogLevel]zerolog.Level{
	LevelTrace: zerolog.TraceLevel,
	LevelDebug: zerolog.DebugLevel,
	LevelInfo:  zerolog.InfoLevel,
	LevelWarn:  zerolog.WarnLevel,
	LevelError: zerolog.ErrorLevel,
}

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// ParseLevel normalizes a configured level name. "warning" is accepted as
// an alias of warn.
func ParseLevel(s string) (LogLevel, error) {
	l := LogLevel(strings.ToLower(strings.TrimSpace(s)))
	if l == "warning" {
		l = LevelWarn
	}
	if _, ok := levels[l]; !ok {
		return "", fmt.Errorf("unknown log level %q", s)
	}
	return l, nil
}

// Setup configures the global zerolog logger. Unknown levels fall back to info.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(zerologLevel(cfg.Level))
	zerolog.DurationFieldUnit = time.Millisecond

	var output io.Writer = cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.TimeOnly}
	}

	logger := zerolog.New(output).With().Timestamp().Logger()
	log.Logger = logger
	return logger
}

func zerologLevel(level LogLevel) zerolog.Level {
	l, err := ParseLevel(string(level))
	if err != nil {
		return zerolog.InfoLevel
	}
	return levels[l]
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Per-job dispatch and fetch results (worker, attempts, rows)
//   - Limiter waits and untrackable lookups
//   - Ledger and staging bookkeeping
//
// Info: Normal operation events
//   - Run start and the end-of-run summary
//   - Batches staged and tables published
//   - Identities recorded as untrackable
//
// Warn: Conditions that don't stop the run
//   - Throttle signals and retry attempts
//   - Swap guard aborts (prior data retained)
//   - Failed validation checks
//   - Jobs left undispatched at max runtime
//
// Error: Conditions requiring attention
//   - Staging failures and discarded batches
//   - Publish rollbacks and schema mismatches
//   - Store or registry errors
//
// Context Fields:
//   - run_id: Identifier of the current run
//   - component: Emitting subsystem (runner, publish, staging, ...)
//   - identity: Ticker or other fetch identity
//   - table: Destination table name
//   - artifact: Staged artifact name
//   - category: Failure category in the run summary
//   - attempts: Fetch attempts spent on a job
//   - interval: Current limiter spacing
