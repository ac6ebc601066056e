package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/stockpile/pkg/client"
	"github.com/Sternrassler/stockpile/pkg/config"
	"github.com/Sternrassler/stockpile/pkg/logging"
	"github.com/Sternrassler/stockpile/pkg/publish"
	"github.com/Sternrassler/stockpile/pkg/ratelimit"
	"github.com/Sternrassler/stockpile/pkg/runner"
	"github.com/Sternrassler/stockpile/pkg/staging"
	"github.com/Sternrassler/stockpile/pkg/store"
	"github.com/Sternrassler/stockpile/pkg/store/pgstore"
	"github.com/Sternrassler/stockpile/pkg/store/sqlitestore"
	"github.com/Sternrassler/stockpile/pkg/table"
	"github.com/Sternrassler/stockpile/pkg/untrackable"
	"github.com/Sternrassler/stockpile/pkg/validate"
)

// app holds the components shared by every subcommand.
type app struct {
	cfg      *config.Config
	specs    []table.Spec
	store    store.Store
	redis    *redis.Client
	stager   *staging.Manager
	registry untrackable.Registry
	engine   *publish.Engine
	limiter  *ratelimit.Limiter
	logger   zerolog.Logger
	closers  []func()
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	if err := a.init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context) error {
	cfg := a.cfg
	specs, err := cfg.TableSpecs()
	if err != nil {
		return err
	}
	if name := cfg.Runner.ErrorsTable; name != "" && !declared(specs, name) {
		specs = append(specs, runner.ErrorsSpec(name))
	}
	a.specs = specs

	if err := a.openStore(ctx); err != nil {
		return err
	}

	if cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.closers = append(a.closers, func() { a.redis.Close() })
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		a.logger.Info().Str("addr", cfg.Redis.Addr).Msg("Connected to Redis")
	}

	a.stager, err = staging.NewManager(cfg.Staging.Dir, logging.NewLogger("staging"))
	if err != nil {
		return err
	}

	switch cfg.Untrackable.Backend {
	case "redis":
		a.registry = untrackable.NewRedisRegistry(a.redis, cfg.Untrackable.TTL, logging.NewLogger("untrackable"))
	default:
		reg, err := untrackable.NewStoreRegistry(ctx, a.store, cfg.Untrackable.TTL, logging.NewLogger("untrackable"))
		if err != nil {
			return err
		}
		a.registry = reg
	}

	var locker publish.Locker
	if cfg.Publish.DistributedLock {
		locker = publish.NewRedisLocker(a.redis, cfg.Publish.LockTTL, logging.NewLogger("lock"))
	}
	a.engine, err = publish.NewEngine(ctx, a.store, a.stager, locker, logging.NewLogger("publish"))
	if err != nil {
		return err
	}

	a.limiter = ratelimit.New(cfg.RateLimiterConfig(), logging.NewLogger("ratelimit"))
	return nil
}

func (a *app) openStore(ctx context.Context) error {
	switch a.cfg.Store.Driver {
	case "postgres":
		st, err := pgstore.Connect(ctx, a.cfg.PostgresConfig(), logging.NewLogger("pgstore"))
		if err != nil {
			return err
		}
		a.store = st
		a.closers = append(a.closers, st.Close)
	default:
		path := a.cfg.Store.SQLite.Path
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("create store directory: %w", err)
		}
		st, err := sqlitestore.Open(ctx, path, logging.NewLogger("sqlitestore"))
		if err != nil {
			return err
		}
		a.store = st
		a.closers = append(a.closers, func() {
			if err := st.Close(); err != nil {
				a.logger.Warn().Err(err).Msg("Failed to close store")
			}
		})
	}
	a.logger.Info().Str("driver", a.cfg.Store.Driver).Msg("Opened live store")
	return nil
}

// validator returns nil when post-publish validation is disabled.
func (a *app) validator() *validate.Validator {
	if a.cfg.Validation.Disabled {
		return nil
	}
	return validate.New(a.store, a.specs, a.cfg.Validation.SampleSize, logging.NewLogger("validate"))
}

func declared(specs []table.Spec, name string) bool {
	for _, s := range specs {
		if s.Name == name {
			return true
		}
	}
	return false
}

// selectSpecs returns the specs named in names, or all specs when names is empty.
func (a *app) selectSpecs(names []string) ([]table.Spec, error) {
	if len(names) == 0 {
		return a.specs, nil
	}
	out := make([]table.Spec, 0, len(names))
	for _, n := range names {
		found := false
		for _, s := range a.specs {
			if s.Name == n {
				out = append(out, s)
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("table %q is not declared", n)
		}
	}
	return out, nil
}

func (a *app) runner(opts publish.Options) (*runner.Runner, error) {
	fetcher, err := client.New(a.cfg.ClientConfig(), a.limiter, a.cfg.Endpoint(), logging.NewLogger("client"))
	if err != nil {
		return nil, err
	}
	deps := runner.Deps{
		Fetcher:   fetcher,
		Limiter:   a.limiter,
		Registry:  a.registry,
		Stager:    a.stager,
		Publisher: a.engine,
		Tables:    a.specs,
	}
	if v := a.validator(); v != nil {
		deps.Validator = v
	}
	cfg := a.cfg.RunnerConfig()
	cfg.Publish.DryRun = opts.DryRun
	cfg.Publish.FullRefresh = opts.FullRefresh
	return runner.New(cfg, deps, logging.NewLogger("runner"))
}

// Close releases every opened connection in reverse order.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
