// Package runner drives a backlog of fetch jobs through the fetch client,
// batches the results into staged artifacts and publishes them.
//
// Workers pull jobs from one queue and share one rate limiter, so network
// dispatch is serialized by the limiter even with several workers. Results
// are collected on a single goroutine, which owns every batch.
package runner

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/stockpile/pkg/client"
	"github.com/Sternrassler/stockpile/pkg/job"
	"github.com/Sternrassler/stockpile/pkg/publish"
	"github.com/Sternrassler/stockpile/pkg/ratelimit"
	"github.com/Sternrassler/stockpile/pkg/staging"
	"github.com/Sternrassler/stockpile/pkg/table"
	"github.com/Sternrassler/stockpile/pkg/untrackable"
	"github.com/Sternrassler/stockpile/pkg/validate"
)

// Prometheus metrics for runs.
var (
	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockpile_runner_jobs_total",
		Help: "Jobs by outcome",
	}, []string{"outcome"})

	batchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockpile_runner_batches_total",
		Help: "Flushed batches by table and outcome",
	}, []string{"table", "outcome"})

	inFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stockpile_runner_jobs_in_flight",
		Help: "Jobs currently being fetched",
	})
)

// Fetcher fetches one job. *client.Client implements it.
type Fetcher interface {
	Fetch(ctx context.Context, j job.Job) client.Result
}

// Stager commits a batch as a staged artifact. *staging.Manager implements it.
type Stager interface {
	Stage(spec table.Spec, rows []table.Row) (*staging.Artifact, error)
}

// Publisher publishes staged artifacts. *publish.Engine implements it.
type Publisher interface {
	PublishAll(ctx context.Context, specs []table.Spec, opts publish.Options) ([]*publish.Outcome, error)
}

// Validator checks published tables. *validate.Validator implements it.
type Validator interface {
	Validate(ctx context.Context, names ...string) (*validate.Report, error)
}

// Deps are the collaborators of a Runner. Publisher and Validator are optional.
type Deps struct {
	Fetcher   Fetcher
	Limiter   *ratelimit.Limiter
	Registry  untrackable.Registry
	Stager    Stager
	Publisher Publisher
	Validator Validator

	// Tables holds the policy records of every table the run publishes.
	Tables []table.Spec
}

// Config holds runner configuration.
type Config struct {
	// Workers is the number of concurrent fetch workers. One is the safe
	// setting for providers with hostile rate limits.
	Workers int

	// MaxRuntime stops dispatching new jobs once exceeded. Zero disables it.
	MaxRuntime time.Duration

	// BatchSize flushes a batch once it holds this many rows.
	BatchSize int

	// BatchInterval flushes every non-empty batch at this interval.
	BatchInterval time.Duration

	// Destination is the table fetched rows are staged for.
	Destination string

	// ErrorsTable, when set, receives one row per terminal job failure.
	ErrorsTable string

	// Publish is passed to the publisher.
	Publish publish.Options
}

// DefaultConfig returns single-worker defaults.
func DefaultConfig() Config {
	return Config{
		Workers:       1,
		BatchSize:     5000,
		BatchInterval: 5 * time.Minute,
		Destination:   "stock_history",
	}
}

// Runner executes runs. It holds no per-run state and may be reused.
type Runner struct {
	cfg    Config
	deps   Deps
	specs  map[string]table.Spec
	logger zerolog.Logger
}

// New validates the configuration and creates a runner.
func New(cfg Config, deps Deps, logger zerolog.Logger) (*Runner, error) {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.BatchInterval <= 0 {
		cfg.BatchInterval = def.BatchInterval
	}
	if deps.Fetcher == nil || deps.Stager == nil || deps.Registry == nil {
		return nil, errors.New("runner: fetcher, stager and registry are required")
	}
	if deps.Limiter == nil {
		return nil, client.ErrNilLimiter
	}

	specs := make(map[string]table.Spec, len(deps.Tables)+1)
	for _, s := range deps.Tables {
		specs[s.Name] = s
	}
	if _, ok := specs[cfg.Destination]; !ok {
		return nil, fmt.Errorf("runner: no table policy for destination %q", cfg.Destination)
	}
	if cfg.ErrorsTable != "" {
		if _, ok := specs[cfg.ErrorsTable]; !ok {
			spec := ErrorsSpec(cfg.ErrorsTable)
			specs[spec.Name] = spec
			deps.Tables = append(slices.Clone(deps.Tables), spec)
		}
	}

	return &Runner{cfg: cfg, deps: deps, specs: specs, logger: logger}, nil
}

// Run processes jobs in order. The returned error is non-nil only when the
// run was halted by a schema mismatch; every other failure is tallied in the
// Summary.
func (r *Runner) Run(ctx context.Context, jobs []job.Job) (*Summary, error) {
	summary := newSummary(uuid.NewString())
	summary.Jobs = len(jobs)
	log := r.logger.With().Str("run_id", summary.RunID).Logger()

	queue := r.filterSuppressed(ctx, jobs, summary, log)
	log.Info().
		Int("jobs", len(jobs)).
		Int("dispatchable", len(queue)).
		Int("workers", r.cfg.Workers).
		Dur("max_runtime", r.cfg.MaxRuntime).
		Msg("Run started")

	c := newCollector(r, summary, log)
	dispatched := r.fetchAll(ctx, queue, c)
	c.flushAll()

	summary.Dispatched = dispatched
	summary.NotDispatched = len(queue) - dispatched
	summary.TimedOut = summary.NotDispatched > 0 && ctx.Err() == nil
	if summary.NotDispatched > 0 {
		log.Warn().
			Int("not_dispatched", summary.NotDispatched).
			Bool("timed_out", summary.TimedOut).
			Msg("Stopped dispatching before backlog was exhausted")
	}

	err := r.publishAndValidate(ctx, summary, log)
	summary.Limiter = r.deps.Limiter.State()
	summary.finish(err != nil)
	summary.Log(log)
	return summary, err
}

func (r *Runner) filterSuppressed(ctx context.Context, jobs []job.Job, summary *Summary, log zerolog.Logger) []job.Job {
	queue := make([]job.Job, 0, len(jobs))
	for _, j := range jobs {
		suppressed, err := r.deps.Registry.Suppressed(ctx, j.Identity)
		if err != nil {
			log.Warn().Err(err).Str("identity", j.Identity).Msg("Untrackable lookup failed - dispatching anyway")
		}
		if suppressed {
			summary.count(CategorySuppressed)
			jobsTotal.WithLabelValues(string(CategorySuppressed)).Inc()
			log.Debug().Str("identity", j.Identity).Msg("Skipping untrackable identity")
			continue
		}
		queue = append(queue, j)
	}
	return queue
}

// fetchAll runs the worker pool over queue and hands every result to c on the
// calling goroutine. It returns the number of dispatched jobs.
func (r *Runner) fetchAll(ctx context.Context, queue []job.Job, c *collector) int {
	var deadline <-chan time.Time
	if r.cfg.MaxRuntime > 0 {
		timer := time.NewTimer(r.cfg.MaxRuntime)
		defer timer.Stop()
		deadline = timer.C
	}

	jobs := make(chan job.Job)
	results := make(chan client.Result, r.cfg.Workers)

	var wg sync.WaitGroup
	for i := 0; i < r.cfg.Workers; i++ {
		wg.Add(1)
		go r.worker(ctx, i, jobs, results, &wg)
	}

	dispatched := 0
	go func() {
		defer close(jobs)
		for _, j := range queue {
			select {
			case <-deadline:
				return
			case <-ctx.Done():
				return
			default:
			}
			select {
			case jobs <- j:
				dispatched++
			case <-deadline:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	flushTicker := time.NewTicker(r.cfg.BatchInterval)
	defer flushTicker.Stop()
	for {
		select {
		case res, ok := <-results:
			if !ok {
				// Workers exit only after the dispatcher closed jobs.
				return dispatched
			}
			c.receive(res)
		case <-flushTicker.C:
			c.flushAll()
		}
	}
}

// worker fetches jobs until the queue closes. In-flight fetches use the run
// context, not the dispatch deadline, so they finish after a timeout.
func (r *Runner) worker(ctx context.Context, id int, jobs <-chan job.Job, results chan<- client.Result, wg *sync.WaitGroup) {
	defer wg.Done()
	for j := range jobs {
		inFlight.Inc()
		res := r.deps.Fetcher.Fetch(ctx, j)
		inFlight.Dec()
		r.logger.Debug().
			Int("worker", id).
			Str("job", j.String()).
			Int("rows", len(res.Rows)).
			Int("attempts", res.Attempts).
			Msg("Job fetched")
		results <- res
	}
}

func (r *Runner) publishAndValidate(ctx context.Context, summary *Summary, log zerolog.Logger) error {
	if r.deps.Publisher == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		log.Warn().Err(err).Msg("Run cancelled - skipping publish")
		return nil
	}

	outcomes, err := r.deps.Publisher.PublishAll(ctx, r.deps.Tables, r.cfg.Publish)
	summary.Publish = outcomes

	var published []string
	for _, out := range outcomes {
		if out == nil {
			continue
		}
		var gv *publish.GuardViolation
		var sm *publish.SchemaMismatchError
		switch {
		case out.Err == nil:
			published = append(published, out.Table)
		case errors.As(out.Err, &sm):
			summary.count(CategorySchemaMismatch)
		case errors.As(out.Err, &gv):
			summary.count(CategorySwapGuard)
			summary.Retained = append(summary.Retained, out.Table)
			log.Warn().
				Str("table", out.Table).
				Str("reason", gv.Result.Reason).
				Msg("Swap guard aborted publish - retained prior data")
		default:
			summary.count(CategoryPublishFailed)
		}
	}
	if err != nil {
		log.Error().Err(err).Msg("Schema mismatch - halting run")
		return err
	}

	if r.deps.Validator == nil || r.cfg.Publish.DryRun || len(published) == 0 {
		return nil
	}
	report, err := r.deps.Validator.Validate(ctx, published...)
	if report != nil {
		s := report.Summary()
		summary.Validation = &s
	}
	if err != nil {
		log.Warn().Err(err).Msg("Validation did not complete")
	}
	return nil
}
