package runner

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/stockpile/pkg/client"
	"github.com/Sternrassler/stockpile/pkg/staging"
	"github.com/Sternrassler/stockpile/pkg/table"
)

// ErrorsSchema is the shape of the fetch error table.
func ErrorsSchema() table.Schema {
	return table.Schema{
		Columns: []table.Column{
			{Name: "identity", Type: table.TypeString, Required: true},
			{Name: "error_timestamp", Type: table.TypeTimestamp, Required: true},
			{Name: "error_type", Type: table.TypeString, Required: true},
			{Name: "error_message", Type: table.TypeString},
			{Name: "start_date_req", Type: table.TypeDate},
			{Name: "end_date_req", Type: table.TypeDate},
		},
		PrimaryKey: []string{"identity", "error_timestamp"},
	}
}

// ErrorsSpec is the policy record of the fetch error table.
func ErrorsSpec(name string) table.Spec {
	return table.Spec{Name: name, Classification: table.Incremental, Schema: ErrorsSchema()}
}

// batch accumulates rows for one destination table.
type batch struct {
	rows      []table.Row
	createdAt time.Time
}

// collector turns fetch results into batches and staged artifacts. It is only
// used from the goroutine that runs fetchAll.
type collector struct {
	r       *Runner
	summary *Summary
	batches map[string]*batch
	order   []string
	logger  zerolog.Logger
}

func newCollector(r *Runner, summary *Summary, logger zerolog.Logger) *collector {
	return &collector{r: r, summary: summary, batches: make(map[string]*batch), logger: logger}
}

func (c *collector) receive(res client.Result) {
	if res.OK() {
		if len(res.Rows) == 0 {
			c.summary.Empty++
			jobsTotal.WithLabelValues("empty").Inc()
			return
		}
		c.summary.Succeeded++
		jobsTotal.WithLabelValues("success").Inc()
		c.add(c.r.cfg.Destination, res.Rows...)
		return
	}

	cat := category(res.Err)
	c.summary.count(cat)
	jobsTotal.WithLabelValues(string(cat)).Inc()

	ev := c.logger.Warn()
	switch cat {
	case CategoryPermanent:
		ev = c.logger.Info()
	case CategoryRejected:
		ev = c.logger.Error().Int("status", res.Err.StatusCode)
	}
	ev.Err(res.Err).
		Str("identity", res.Job.Identity).
		Str("category", string(cat)).
		Int("attempts", res.Attempts).
		Int("rate_limit_hits", res.RateLimitHits).
		Msg("Job failed")

	// Only a missing identity is suppressed. A rejected request says
	// nothing about the identity.
	if cat == CategoryPermanent {
		if err := c.r.deps.Registry.Mark(context.Background(), res.Job.Identity, res.Err.Message); err != nil {
			c.logger.Error().Err(err).Str("identity", res.Job.Identity).Msg("Failed to record untrackable identity")
		}
	}

	if name := c.r.cfg.ErrorsTable; name != "" && cat != CategoryCancelled {
		c.add(name, table.Row{
			"identity":        res.Job.Identity,
			"error_timestamp": time.Now().UTC(),
			"error_type":      string(cat),
			"error_message":   res.Err.Error(),
			"start_date_req":  res.Job.From,
			"end_date_req":    res.Job.To,
		})
	}
}

func category(err *client.FetchError) Category {
	switch {
	case errors.Is(err, client.ErrContextCancelled):
		return CategoryCancelled
	case err.Permanent():
		return CategoryPermanent
	case err.Rejected():
		return CategoryRejected
	case err.RateLimited():
		return CategoryRateLimited
	default:
		return CategoryTransientExhausted
	}
}

func (c *collector) add(dest string, rows ...table.Row) {
	b, ok := c.batches[dest]
	if !ok {
		b = &batch{}
		c.batches[dest] = b
		c.order = append(c.order, dest)
	}
	if len(b.rows) == 0 {
		b.createdAt = time.Now()
	}
	b.rows = append(b.rows, rows...)
	if len(b.rows) >= c.r.cfg.BatchSize {
		c.flush(dest)
	}
}

// flushAll stages every non-empty batch.
func (c *collector) flushAll() {
	for _, dest := range c.order {
		c.flush(dest)
	}
}

func (c *collector) flush(dest string) {
	b := c.batches[dest]
	if b == nil || len(b.rows) == 0 {
		return
	}
	rows := b.rows
	b.rows = nil

	log := c.logger.With().Str("table", dest).Int("rows", len(rows)).Dur("age", time.Since(b.createdAt)).Logger()
	a, err := c.r.deps.Stager.Stage(c.r.specs[dest], rows)
	if err != nil {
		var ve *staging.ValidationError
		if errors.As(err, &ve) {
			c.summary.count(CategoryStagingValidation)
			batchesTotal.WithLabelValues(dest, "invalid").Inc()
			log.Error().Err(err).Msg("Batch failed validation - discarded")
			return
		}
		c.summary.count(CategoryStagingFailed)
		batchesTotal.WithLabelValues(dest, "failed").Inc()
		log.Error().Err(err).Msg("Failed to stage batch")
		return
	}

	c.summary.Artifacts++
	if dest == c.r.cfg.Destination {
		c.summary.RowsStaged += a.Rows
	}
	batchesTotal.WithLabelValues(dest, "committed").Inc()
	log.Info().Str("artifact", a.Name).Msg("Batch staged")
}
