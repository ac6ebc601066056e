// Package client provides the rate-limited fetch client. Every attempt first
// takes a slot from the shared ratelimit.Limiter, then the outcome is
// classified into an ErrorKind which alone decides the retry path.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/stockpile/pkg/job"
	"github.com/Sternrassler/stockpile/pkg/ratelimit"
	"github.com/Sternrassler/stockpile/pkg/table"
)

// Prometheus metrics for fetch operations.
var (
	fetchRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockpile_fetch_requests_total",
		Help: "Total provider requests by outcome",
	}, []string{"outcome"})

	fetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stockpile_fetch_duration_seconds",
		Help:    "Provider request duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	})
)

// maxBodyBytes caps how much of a response body is read.
const maxBodyBytes = 64 << 20

// Endpoint builds provider requests and decodes their responses.
// Decode may return a *FetchError to classify provider-level failures
// reported inside a successful HTTP response; any other error is treated
// as transient.
type Endpoint interface {
	NewRequest(ctx context.Context, j job.Job) (*http.Request, error)
	Decode(status int, body []byte, j job.Job) ([]table.Row, error)
}

// Result is the terminal outcome of one job. Err is nil on success; a
// successful Result may carry zero rows when the provider has no data.
type Result struct {
	Job           job.Job
	Rows          []table.Row
	Err           *FetchError
	Attempts      int
	RateLimitHits int
	Duration      time.Duration
}

// OK reports whether the job succeeded.
func (r Result) OK() bool { return r.Err == nil }

// Empty reports whether the job succeeded without rows.
func (r Result) Empty() bool { return r.Err == nil && len(r.Rows) == 0 }

// Config holds the client configuration.
type Config struct {
	// UserAgent is sent with every request when set.
	UserAgent string

	// Timeout is the per-request HTTP timeout.
	Timeout time.Duration

	// Retry configures the transient and rate-limit retry budgets.
	Retry RetryConfig
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig() Config {
	return Config{
		UserAgent: "stockpile/1.0",
		Timeout:   30 * time.Second,
		Retry:     DefaultRetryConfig(),
	}
}

// Client fetches jobs from one provider endpoint.
type Client struct {
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	endpoint   Endpoint
	config     Config
	logger     zerolog.Logger
}

// New creates a new fetch client. The limiter must be the run's shared
// instance.
func New(cfg Config, limiter *ratelimit.Limiter, endpoint Endpoint, logger zerolog.Logger) (*Client, error) {
	if limiter == nil {
		return nil, ErrNilLimiter
	}
	if endpoint == nil {
		return nil, fmt.Errorf("endpoint is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.Retry = cfg.Retry.withDefaults()

	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    limiter,
		endpoint:   endpoint,
		config:     cfg,
		logger:     logger,
	}, nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// Limiter returns the shared limiter the client paces against.
func (c *Client) Limiter() *ratelimit.Limiter {
	return c.limiter
}

// Fetch runs one job to a terminal outcome. Transient failures are retried
// with exponential backoff up to Retry.MaxAttempts. Rate limit signals widen
// the shared limiter and are retried after its cool-down without consuming
// the transient budget. Permanent and rejected failures return immediately.
func (c *Client) Fetch(ctx context.Context, j job.Job) (res Result) {
	start := time.Now()
	res.Job = j
	defer func() { res.Duration = time.Since(start) }()

	retry := c.config.Retry
	schedule := newSchedule(retry)
	transient := 0
	log := c.logger.With().Str("identity", j.Identity).Logger()

	for {
		if err := c.limiter.Acquire(ctx); err != nil {
			res.Err = cancelled(j, err)
			return res
		}
		res.Attempts++

		rows, ferr := c.attempt(ctx, j)
		if ferr == nil {
			res.Rows = rows
			if len(rows) == 0 {
				fetchRequestsTotal.WithLabelValues("empty").Inc()
			} else {
				fetchRequestsTotal.WithLabelValues("ok").Inc()
			}
			if res.Attempts > 1 {
				log.Info().Int("attempts", res.Attempts).Msg("Fetch succeeded after retry")
			}
			return res
		}
		fetchRequestsTotal.WithLabelValues(string(ferr.Kind)).Inc()
		if errors.Is(ferr, ErrContextCancelled) {
			res.Err = ferr
			return res
		}

		var wait time.Duration
		switch ferr.Kind {
		case KindPermanent:
			log.Warn().Err(ferr).Msg("Permanent fetch failure")
			res.Err = ferr
			return res

		case KindRejected:
			log.Error().Err(ferr).Int("status", ferr.StatusCode).Msg("Fetch rejected by provider")
			res.Err = ferr
			return res

		case KindRateLimited:
			res.RateLimitHits++
			c.limiter.OnThrottle()
			if retry.MaxRateLimitRetries != UnboundedRateLimitRetries && res.RateLimitHits > retry.MaxRateLimitRetries {
				res.Err = exhausted(ferr, res.RateLimitHits)
				log.Warn().Int("rate_limit_hits", res.RateLimitHits).Msg("Rate limit retries exhausted")
				return res
			}
			wait = c.limiter.Cooldown()
			if ferr.RetryAfter > wait {
				wait = ferr.RetryAfter
			}

		default:
			transient++
			if transient >= retry.MaxAttempts {
				res.Err = exhausted(ferr, transient)
				log.Warn().Err(ferr).Int("max_attempts", retry.MaxAttempts).Msg("Retry attempts exhausted")
				return res
			}
			wait = schedule.NextBackOff()
		}

		fetchRetriesTotal.WithLabelValues(string(ferr.Kind)).Inc()
		fetchRetryBackoffSeconds.WithLabelValues(string(ferr.Kind)).Observe(wait.Seconds())
		log.Debug().
			Str("kind", string(ferr.Kind)).
			Int("attempt", res.Attempts).
			Dur("backoff", wait).
			Msg("Retrying fetch after backoff")

		if err := sleepCtx(ctx, wait); err != nil {
			res.Err = cancelled(j, err)
			return res
		}
	}
}

// attempt performs one HTTP exchange and classifies its outcome.
func (c *Client) attempt(ctx context.Context, j job.Job) ([]table.Row, *FetchError) {
	req, err := c.endpoint.NewRequest(ctx, j)
	if err != nil {
		return nil, &FetchError{Kind: KindRejected, Identity: j.Identity, Message: "build request", Err: err}
	}
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}
	req.Header.Set("Accept", "application/json")

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	fetchDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			return nil, cancelled(j, ctx.Err())
		}
		return nil, &FetchError{Kind: KindTransient, Identity: j.Identity, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &FetchError{Kind: KindTransient, StatusCode: resp.StatusCode, Identity: j.Identity, Message: "read body", Err: err}
	}

	if ferr := classifyStatus(resp, body); ferr != nil {
		ferr.Identity = j.Identity
		c.logger.Debug().
			Str("identity", j.Identity).
			Int("status", resp.StatusCode).
			Str("kind", string(ferr.Kind)).
			Msg("Fetch attempt failed")
		return nil, ferr
	}

	rows, err := c.endpoint.Decode(resp.StatusCode, body, j)
	if err != nil {
		var ferr *FetchError
		if errors.As(err, &ferr) {
			ferr.Identity = j.Identity
			if ferr.StatusCode == 0 {
				ferr.StatusCode = resp.StatusCode
			}
			return nil, ferr
		}
		return nil, &FetchError{Kind: KindTransient, StatusCode: resp.StatusCode, Identity: j.Identity, Message: "decode response", Err: err}
	}
	return rows, nil
}

// classifyStatus maps non-2xx responses to a FetchError.
func classifyStatus(resp *http.Response, body []byte) *FetchError {
	status := resp.StatusCode
	if status < 400 {
		return nil
	}
	msg := http.StatusText(status)
	if len(body) > 0 {
		msg = truncate(string(body), 200)
	}

	switch {
	case status == http.StatusTooManyRequests || IsRateLimitMessage(string(body)):
		return &FetchError{
			Kind:       KindRateLimited,
			StatusCode: status,
			Message:    msg,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	case status >= 500:
		return &FetchError{Kind: KindTransient, StatusCode: status, Message: msg}
	case status == http.StatusNotFound || isNotFoundBody(body):
		return &FetchError{Kind: KindPermanent, StatusCode: status, Message: msg}
	default:
		return &FetchError{Kind: KindRejected, StatusCode: status, Message: msg}
	}
}

// isNotFoundBody reports whether a provider error body carries status NOT_FOUND.
func isNotFoundBody(body []byte) bool {
	var envelope struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return false
	}
	return strings.EqualFold(envelope.Status, "NOT_FOUND")
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func exhausted(last *FetchError, attempts int) *FetchError {
	fetchExhaustedTotal.WithLabelValues(string(last.Kind)).Inc()
	return &FetchError{
		Kind:       last.Kind,
		StatusCode: last.StatusCode,
		Identity:   last.Identity,
		Message:    last.Message,
		Err:        fmt.Errorf("%w after %d attempts", ErrRetryExhausted, attempts),
	}
}

func cancelled(j job.Job, err error) *FetchError {
	if !errors.Is(err, ErrContextCancelled) {
		err = fmt.Errorf("%w: %v", ErrContextCancelled, err)
	}
	return &FetchError{Kind: KindTransient, Identity: j.Identity, Message: "cancelled", Err: err}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
