// Package publish moves committed staging artifacts into the live store.
//
// Snapshot tables are rebuilt in a side table and swapped in only when the
// swap guard proves the new content does not shrink the live table.
// Incremental tables are upserted artifact by artifact and never lose rows.
// A ledger in the live store remembers which artifacts were applied, so a
// publish cycle can be interrupted and resumed at any point.
package publish

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Sternrassler/stockpile/pkg/staging"
	"github.com/Sternrassler/stockpile/pkg/store"
	"github.com/Sternrassler/stockpile/pkg/table"
)

// Prometheus metrics for publish operations.
var (
	publishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockpile_publish_total",
		Help: "Publish attempts by table and terminal state",
	}, []string{"table", "state"})

	publishRows = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "stockpile_publish_rows",
		Help: "Live row count after the last committed publish",
	}, []string{"table"})

	swapGuardAbortsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockpile_swap_guard_aborts_total",
		Help: "Snapshot swaps refused by the swap guard",
	}, []string{"table"})
)

// State is the publish state of one table.
type State string

const (
	StateStaged     State = "STAGED"
	StateValidating State = "VALIDATING"
	StateCommitted  State = "COMMITTED"
	StateAborted    State = "ABORTED"
	StateSkipped    State = "SKIPPED"
)

// StagingSuffix names the side table a snapshot is rebuilt in.
const StagingSuffix = "__staging"

// Options adjust one publish cycle.
type Options struct {
	// FullRefresh rebuilds the table from every committed artifact through
	// the snapshot path, ignoring the ledger. The swap guard still applies.
	FullRefresh bool

	// DryRun reports pending artifacts without writing anything.
	DryRun bool

	// Checkpoint asks a store.Checkpointer for a copy before any write.
	Checkpoint bool
}

// Outcome describes the publish of one table.
type Outcome struct {
	Table      string
	Strategy   table.Classification
	State      State
	Artifacts  []string
	RowsStaged int
	LiveRows   int64
	Guard      *SwapGuardResult
	Checkpoint string
	DryRun     bool
	Err        error
	Duration   time.Duration
}

// Stager is the read side of staging.Manager.
type Stager interface {
	List(tableName string) ([]staging.Artifact, error)
	Read(a staging.Artifact, schema table.Schema) ([]table.Row, error)
}

// Engine publishes staged artifacts into the live store.
type Engine struct {
	store  store.Store
	stager Stager
	ledger *Ledger
	locker Locker
	locks  *tableLocks
	logger zerolog.Logger
}

// NewEngine creates a publish engine. locker may be nil when only one
// process publishes.
func NewEngine(ctx context.Context, st store.Store, stager Stager, locker Locker, logger zerolog.Logger) (*Engine, error) {
	if st == nil || stager == nil {
		return nil, fmt.Errorf("store and stager are required")
	}
	ledger, err := NewLedger(ctx, st)
	if err != nil {
		return nil, err
	}
	return &Engine{
		store:  st,
		stager: stager,
		ledger: ledger,
		locker: locker,
		locks:  newTableLocks(),
		logger: logger,
	}, nil
}

// Ledger returns the engine's publish ledger.
func (e *Engine) Ledger() *Ledger {
	return e.ledger
}

// PublishAll publishes every table concurrently, one publish in flight per
// table. Non-fatal failures are reported on the outcome; a
// SchemaMismatchError cancels the remaining tables and is returned.
func (e *Engine) PublishAll(ctx context.Context, specs []table.Spec, opts Options) ([]*Outcome, error) {
	checkpoint := ""
	if opts.Checkpoint && !opts.DryRun {
		path, err := e.checkpoint(ctx)
		if err != nil {
			return nil, err
		}
		checkpoint = path
		opts.Checkpoint = false
	}

	outcomes := make([]*Outcome, len(specs))
	g, gctx := errgroup.WithContext(ctx)
	for i, spec := range specs {
		i, spec := i, spec
		g.Go(func() error {
			out, err := e.Publish(gctx, spec, opts)
			out.Checkpoint = checkpoint
			outcomes[i] = out
			if IsFatal(err) {
				return err
			}
			return nil
		})
	}
	err := g.Wait()
	return outcomes, err
}

func (e *Engine) checkpoint(ctx context.Context) (string, error) {
	cp, ok := e.store.(store.Checkpointer)
	if !ok {
		e.logger.Warn().Msg("Store does not support checkpoints - continuing without one")
		return "", nil
	}
	path, err := cp.Checkpoint(ctx)
	if err != nil {
		return "", fmt.Errorf("checkpoint before publish: %w", err)
	}
	return path, nil
}

// Publish applies the pending artifacts of one table. The returned Outcome
// is never nil; err equals Outcome.Err.
func (e *Engine) Publish(ctx context.Context, spec table.Spec, opts Options) (*Outcome, error) {
	start := time.Now()
	out := &Outcome{Table: spec.Name, Strategy: spec.Classification, State: StateStaged, DryRun: opts.DryRun}
	if opts.FullRefresh {
		out.Strategy = table.Snapshot
	}
	log := e.logger.With().Str("table", spec.Name).Str("strategy", string(out.Strategy)).Logger()

	err := e.publish(ctx, spec, opts, out, log)
	out.Err = err
	out.Duration = time.Since(start)
	publishTotal.WithLabelValues(spec.Name, string(out.State)).Inc()

	ev := log.Info()
	if err != nil {
		ev = log.Error().Err(err)
	}
	ev.Str("state", string(out.State)).
		Int("artifacts", len(out.Artifacts)).
		Int("rows_staged", out.RowsStaged).
		Int64("live_rows", out.LiveRows).
		Dur("duration", out.Duration).
		Msg("Publish finished")
	return out, err
}

func (e *Engine) publish(ctx context.Context, spec table.Spec, opts Options, out *Outcome, log zerolog.Logger) error {
	if err := spec.Validate(); err != nil {
		out.State = StateAborted
		return fmt.Errorf("invalid table policy: %w", err)
	}

	unlock, err := e.locks.acquire(ctx, spec.Name)
	if err != nil {
		out.State = StateAborted
		return err
	}
	defer unlock()

	if e.locker != nil {
		release, err := e.locker.Acquire(ctx, spec.Name)
		if err != nil {
			out.State = StateAborted
			return err
		}
		defer func() {
			if err := release(context.Background()); err != nil {
				log.Warn().Err(err).Msg("Failed to release publish lock")
			}
		}()
	}

	artifacts, err := e.stager.List(spec.Name)
	if err != nil {
		out.State = StateAborted
		return fmt.Errorf("list artifacts: %w", err)
	}
	pending := artifacts
	if !opts.FullRefresh {
		if pending, err = e.ledger.Pending(ctx, spec.Name, artifacts); err != nil {
			out.State = StateAborted
			return err
		}
	}
	for _, a := range pending {
		out.Artifacts = append(out.Artifacts, a.Name)
	}

	exists, err := e.checkSchema(ctx, spec)
	if err != nil {
		out.State = StateAborted
		return err
	}

	if opts.DryRun {
		out.State = StateSkipped
		log.Info().Strs("pending", out.Artifacts).Msg("Dry run - nothing written")
		return nil
	}

	if opts.Checkpoint {
		if out.Checkpoint, err = e.checkpoint(ctx); err != nil {
			out.State = StateAborted
			return err
		}
	}

	if out.Strategy == table.Snapshot {
		err = e.publishSnapshot(ctx, spec, pending, exists, out, log)
	} else {
		err = e.publishIncremental(ctx, spec, pending, exists, out, log)
	}
	if err != nil {
		return err
	}

	if out.State == StateCommitted {
		if out.LiveRows, err = e.store.Count(ctx, spec.Name); err == nil {
			publishRows.WithLabelValues(spec.Name).Set(float64(out.LiveRows))
		} else {
			log.Warn().Err(err).Msg("Failed to count live table after publish")
		}
	}
	return nil
}

// checkSchema reports whether the live table exists and, if so, whether its
// columns match the policy record.
func (e *Engine) checkSchema(ctx context.Context, spec table.Spec) (bool, error) {
	exists, err := e.store.TableExists(ctx, spec.Name)
	if err != nil {
		return false, fmt.Errorf("check live table: %w", err)
	}
	if !exists {
		return false, nil
	}
	cols, err := e.store.Columns(ctx, spec.Name)
	if err != nil {
		return true, &SchemaMismatchError{Table: spec.Name, Err: err}
	}
	missing, extra := store.EqualColumns(cols, spec.Schema.ColumnNames())
	if len(missing) > 0 || len(extra) > 0 {
		return true, &SchemaMismatchError{Table: spec.Name, Missing: missing, Extra: extra}
	}
	return true, nil
}

func (e *Engine) publishSnapshot(ctx context.Context, spec table.Spec, pending []staging.Artifact, exists bool, out *Outcome, log zerolog.Logger) error {
	if len(pending) == 0 && exists {
		n, err := e.store.Count(ctx, spec.Name)
		if err != nil {
			out.State = StateAborted
			return &SchemaMismatchError{Table: spec.Name, Err: err}
		}
		if n > 0 {
			out.State = StateSkipped
			out.LiveRows = n
			return nil
		}
	}

	side := spec.Name + StagingSuffix
	if err := e.store.DropTable(ctx, side); err != nil {
		out.State = StateAborted
		return fmt.Errorf("drop leftover %s: %w", side, err)
	}
	if err := e.store.CreateTable(ctx, side, spec.Schema); err != nil {
		out.State = StateAborted
		return fmt.Errorf("create %s: %w", side, err)
	}
	discard := func() {
		if err := e.store.DropTable(context.Background(), side); err != nil {
			log.Warn().Err(err).Str("staging_table", side).Msg("Failed to drop staging table")
		}
	}

	counts := make([]int, len(pending))
	for i, a := range pending {
		rows, err := e.stager.Read(a, spec.Schema)
		if err != nil {
			discard()
			out.State = StateAborted
			return fmt.Errorf("read artifact %s: %w", a.Name, err)
		}
		if err := e.store.InsertOrReplace(ctx, side, spec.Schema, rows); err != nil {
			discard()
			out.State = StateAborted
			return fmt.Errorf("load artifact %s: %w", a.Name, err)
		}
		counts[i] = len(rows)
		out.RowsStaged += len(rows)
	}

	out.State = StateValidating
	guard, err := EvaluateGuard(ctx, e.store, spec, side)
	out.Guard = &guard
	if err != nil {
		discard()
		out.State = StateAborted
		return &SchemaMismatchError{Table: spec.Name, Err: err}
	}
	if guard.Decision == DecisionAbort {
		discard()
		out.State = StateAborted
		swapGuardAbortsTotal.WithLabelValues(spec.Name).Inc()
		log.Error().
			Int64("staged_rows", guard.StagedRows).
			Int64("existing_rows", guard.ExistingRows).
			Int64("staged_distinct", guard.StagedDistinct).
			Int64("existing_distinct", guard.ExistingDistinct).
			Str("reason", guard.Reason).
			Msg("Swap guard refused snapshot - live table kept")
		return &GuardViolation{Result: guard}
	}

	if err := e.store.Swap(ctx, side, spec.Name); err != nil {
		discard()
		out.State = StateAborted
		return fmt.Errorf("swap %s: %w", spec.Name, err)
	}
	out.State = StateCommitted

	if err := e.ledger.Record(ctx, spec.Name, pending, counts); err != nil {
		// The swap is durable; an unrecorded artifact is re-applied next
		// cycle, which the guard accepts because the content is identical.
		log.Warn().Err(err).Msg("Failed to record published artifacts")
	}
	return nil
}

func (e *Engine) publishIncremental(ctx context.Context, spec table.Spec, pending []staging.Artifact, exists bool, out *Outcome, log zerolog.Logger) error {
	// Every pending artifact is read before the first write, so an
	// unreadable artifact aborts with the live table untouched.
	out.State = StateValidating
	batches := make([][]table.Row, len(pending))
	for i, a := range pending {
		rows, err := e.stager.Read(a, spec.Schema)
		if err != nil {
			out.State = StateAborted
			return fmt.Errorf("read artifact %s: %w", a.Name, err)
		}
		batches[i] = rows
	}

	if !exists {
		if err := e.store.CreateTable(ctx, spec.Name, spec.Schema); err != nil {
			out.State = StateAborted
			return fmt.Errorf("create %s: %w", spec.Name, err)
		}
	}
	if len(pending) == 0 {
		out.State = StateSkipped
		return nil
	}

	for i, a := range pending {
		if err := e.store.InsertOrReplace(ctx, spec.Name, spec.Schema, batches[i]); err != nil {
			out.State = StateAborted
			if errors.Is(err, store.ErrTableNotFound) {
				return &SchemaMismatchError{Table: spec.Name, Err: err}
			}
			return fmt.Errorf("upsert artifact %s: %w", a.Name, err)
		}
		out.RowsStaged += len(batches[i])
		if err := e.ledger.Record(ctx, spec.Name, []staging.Artifact{a}, []int{len(batches[i])}); err != nil {
			log.Warn().Err(err).Str("artifact", a.Name).Msg("Failed to record published artifact")
		}
	}
	out.State = StateCommitted
	return nil
}
