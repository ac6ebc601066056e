// Command stockpile fetches a backlog of market data jobs under a shared
// rate limit, stages the results and publishes them to the live store.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/Sternrassler/stockpile/pkg/config"
	"github.com/Sternrassler/stockpile/pkg/job"
	"github.com/Sternrassler/stockpile/pkg/logging"
	"github.com/Sternrassler/stockpile/pkg/publish"
	"github.com/Sternrassler/stockpile/pkg/validate"
)

const (
	exitOK      = 0
	exitFailed  = 1
	exitPartial = 2
	exitUsage   = 64
)

const usage = `Usage: stockpile <command> [flags]

Commands:
  run          fetch the backlog, stage, publish and validate
  publish      publish pending staged artifacts
  validate     run the validation battery against live tables
  sweep        remove abandoned staging temp files
  untrackable  list identities the provider reported as unknown

Run 'stockpile <command> -h' for command flags.
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

type options struct {
	backlog     string
	tables      string
	dryRun      bool
	fullRefresh bool
	age         time.Duration
}

func (o options) publish() publish.Options {
	return publish.Options{DryRun: o.dryRun, FullRefresh: o.fullRefresh}
}

func (o options) tableNames() []string {
	if o.tables == "" {
		return nil
	}
	var names []string
	for _, n := range strings.Split(o.tables, ",") {
		if n = strings.TrimSpace(n); n != "" {
			names = append(names, n)
		}
	}
	return names
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return exitUsage
	}
	cmd, args := args[0], args[1:]

	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "stockpile.yaml", "path to the YAML config file")
	envFile := fs.String("env-file", ".env", "dotenv file loaded before the config")

	var opts options
	switch cmd {
	case "run":
		fs.StringVar(&opts.backlog, "backlog", "", "CSV backlog with header identity,from,to (overrides runner.backlog)")
		fs.BoolVar(&opts.dryRun, "dry-run", false, "report pending publishes without writing")
		fs.BoolVar(&opts.fullRefresh, "full-refresh", false, "rebuild tables from every committed artifact")
	case "publish":
		fs.StringVar(&opts.tables, "tables", "", "comma-separated tables to publish (default all)")
		fs.BoolVar(&opts.dryRun, "dry-run", false, "report pending publishes without writing")
		fs.BoolVar(&opts.fullRefresh, "full-refresh", false, "rebuild tables from every committed artifact")
	case "validate":
		fs.StringVar(&opts.tables, "tables", "", "comma-separated tables to validate (default all)")
	case "sweep":
		fs.DurationVar(&opts.age, "age", 0, "remove temp files older than this (default staging.sweep_age)")
	case "untrackable":
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return exitOK
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", cmd, usage)
		return exitUsage
	}
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	if err := config.LoadDotEnv(*envFile); err != nil {
		fmt.Fprintf(stderr, "stockpile: %v\n", err)
		return exitFailed
	}
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "stockpile: %v\n", err)
		return exitFailed
	}

	logCfg := cfg.LoggingConfig()
	logCfg.Output = stderr
	logging.Setup(logCfg)
	logger := logging.NewLogger("stockpile")

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize")
		return exitFailed
	}
	defer a.Close()

	if cfg.Metrics.Enabled {
		ops := newOpsServer(cfg.Metrics.Addr, cfg.Metrics.Path, a.limiter, logging.NewLogger("ops"))
		ops.Start()
		defer ops.Shutdown()
	}

	switch cmd {
	case "run":
		return a.cmdRun(ctx, opts, stdout)
	case "publish":
		return a.cmdPublish(ctx, opts, stdout)
	case "validate":
		return a.cmdValidate(ctx, opts, stdout)
	case "sweep":
		return a.cmdSweep(opts, stdout)
	default:
		return a.cmdUntrackable(ctx, stdout)
	}
}

func (a *app) cmdRun(ctx context.Context, opts options, stdout io.Writer) int {
	path := opts.backlog
	if path == "" {
		path = a.cfg.Runner.Backlog
	}
	if path == "" {
		a.logger.Error().Msg("No backlog given: set runner.backlog or pass -backlog")
		return exitUsage
	}
	jobs, err := job.LoadBacklog(path)
	if err != nil {
		a.logger.Error().Err(err).Str("backlog", path).Msg("Failed to load backlog")
		return exitFailed
	}

	r, err := a.runner(opts.publish())
	if err != nil {
		a.logger.Error().Err(err).Msg("Failed to create runner")
		return exitFailed
	}

	summary, err := r.Run(ctx, jobs)
	if err != nil {
		a.logger.Error().Err(err).Msg("Run halted")
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to write summary")
	}
	return summary.Status.ExitCode()
}

func (a *app) cmdPublish(ctx context.Context, opts options, stdout io.Writer) int {
	specs, err := a.selectSpecs(opts.tableNames())
	if err != nil {
		a.logger.Error().Err(err).Msg("Invalid table selection")
		return exitUsage
	}

	outcomes, err := a.engine.PublishAll(ctx, specs, opts.publish())
	code := exitOK
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TABLE\tSTRATEGY\tSTATE\tARTIFACTS\tROWS\tLIVE\tERROR")
	for _, out := range outcomes {
		if out == nil {
			continue
		}
		msg := ""
		if out.Err != nil {
			msg = out.Err.Error()
			code = exitPartial
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			out.Table, out.Strategy, out.State, len(out.Artifacts), out.RowsStaged, out.LiveRows, msg)
	}
	tw.Flush()
	if err != nil {
		a.logger.Error().Err(err).Msg("Publish halted")
		return exitFailed
	}
	return code
}

func (a *app) cmdValidate(ctx context.Context, opts options, stdout io.Writer) int {
	v := validate.New(a.store, a.specs, a.cfg.Validation.SampleSize, logging.NewLogger("validate"))
	report, err := v.Validate(ctx, opts.tableNames()...)
	if err != nil {
		a.logger.Error().Err(err).Msg("Validation did not complete")
		return exitFailed
	}

	for _, r := range report.Results {
		fmt.Fprintf(stdout, "%-24s %-40s %s\n", r.Table, r.Check, r)
		for _, s := range r.Sample {
			fmt.Fprintf(stdout, "%-24s %-40s   %s\n", "", "", s)
		}
	}
	s := report.Summary()
	fmt.Fprintf(stdout, "\n%d checks, %d passed, %d failed (%.1f%%)\n", s.Total, s.Passed, s.Failed, s.PassRate)
	if !report.OK() {
		return exitFailed
	}
	return exitOK
}

func (a *app) cmdSweep(opts options, stdout io.Writer) int {
	age := opts.age
	if age <= 0 {
		age = a.cfg.Staging.SweepAge
	}
	n, err := a.stager.Sweep(age)
	if err != nil {
		a.logger.Error().Err(err).Msg("Sweep failed")
		return exitFailed
	}
	fmt.Fprintf(stdout, "removed %d abandoned staging files\n", n)
	return exitOK
}

func (a *app) cmdUntrackable(ctx context.Context, stdout io.Writer) int {
	entries, err := a.registry.List(ctx)
	if err != nil {
		a.logger.Error().Err(err).Msg("Failed to list untrackable identities")
		return exitFailed
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "IDENTITY\tRECORDED\tEXPIRES\tREASON")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			e.Identity,
			e.RecordedAt.UTC().Format(time.RFC3339),
			e.ExpiresAt(a.cfg.Untrackable.TTL).UTC().Format(time.RFC3339),
			e.Reason)
	}
	tw.Flush()
	return exitOK
}
