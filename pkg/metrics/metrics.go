// Package metrics provides the centralized Prometheus registry for stockpile.
// All metrics are defined in their respective packages (client, ratelimit,
// runner, staging, publish, untrackable, validate) to maintain modularity and
// avoid circular dependencies.
//
// This package provides the scrape handler and a reference for all available
// metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by stockpile.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the gatherer paired with Registry.
var Gatherer = prometheus.DefaultGatherer

// Handler returns the scrape handler for every registered metric.
func Handler() http.Handler {
	return promhttp.InstrumentMetricHandler(Registry, promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{}))
}

// Metrics Documentation
//
// Rate Limit Metrics (pkg/ratelimit):
//   - stockpile_ratelimit_interval_seconds (Gauge): Spacing currently enforced between calls
//   - stockpile_ratelimit_calls_per_minute (Gauge): Current call ceiling
//   - stockpile_ratelimit_wait_seconds (Histogram): Time callers spent waiting for a slot
//   - stockpile_ratelimit_throttles_total (Counter): Throttle signals received
//
// Fetch Metrics (pkg/client):
//   - stockpile_fetch_requests_total{outcome} (Counter): Provider requests by outcome
//   - stockpile_fetch_duration_seconds (Histogram): Provider request duration
//   - stockpile_fetch_retries_total{kind} (Counter): Retries by error kind
//   - stockpile_fetch_retry_backoff_seconds{kind} (Histogram): Pause before a retry
//   - stockpile_fetch_exhausted_total{kind} (Counter): Jobs whose retry budget ran out
//
// Runner Metrics (pkg/runner):
//   - stockpile_runner_jobs_total{outcome} (Counter): Jobs by outcome
//   - stockpile_runner_batches_total{table, outcome} (Counter): Flushed batches
//   - stockpile_runner_jobs_in_flight (Gauge): Jobs currently being fetched
//
// Staging Metrics (pkg/staging):
//   - stockpile_staging_artifacts_total{table, outcome} (Counter): committed, discarded, rolled_back
//
// Publish Metrics (pkg/publish):
//   - stockpile_publish_total{table, state} (Counter): Publish attempts by terminal state
//   - stockpile_publish_rows{table} (Gauge): Live row count after the last publish
//   - stockpile_swap_guard_aborts_total{table} (Counter): Snapshot swaps refused
//
// Untrackable Metrics (pkg/untrackable):
//   - stockpile_untrackable_marked_total{backend} (Counter): Identities recorded
//   - stockpile_untrackable_suppressed_total{backend} (Counter): Lookups suppressed
//   - stockpile_untrackable_errors_total{operation} (Counter): Registry errors
//
// Validation Metrics (pkg/validate):
//   - stockpile_validation_failures_total{table, check} (Counter): Failed checks
//
// Example Prometheus Queries:
//
//   # Provider throttling
//   rate(stockpile_ratelimit_throttles_total[15m]) > 0
//
//   # Permanent failure share
//   sum(rate(stockpile_runner_jobs_total{outcome="permanent"}[1h])) /
//   sum(rate(stockpile_runner_jobs_total[1h]))
//
//   # Snapshot tables that kept prior data
//   increase(stockpile_swap_guard_aborts_total[1d]) > 0
//
//   # P95 fetch latency
//   histogram_quantile(0.95, rate(stockpile_fetch_duration_seconds_bucket[5m]))
