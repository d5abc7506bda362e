package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/roach88/coffer/internal/cluster"
	"github.com/roach88/coffer/internal/coherency"
	"github.com/roach88/coffer/internal/config"
	"github.com/roach88/coffer/internal/index"
	"github.com/roach88/coffer/internal/ingest"
	"github.com/roach88/coffer/internal/ir"
	"github.com/roach88/coffer/internal/lifecycle"
	"github.com/roach88/coffer/internal/offer"
	"github.com/roach88/coffer/internal/reindex"
	"github.com/roach88/coffer/internal/replicate"
	"github.com/roach88/coffer/internal/securing"
	"github.com/roach88/coffer/internal/store"
	"github.com/roach88/coffer/internal/workpool"
)

// app is every component of one node, wired from the configuration.
type app struct {
	cfg      config.Config
	store    *store.Store
	registry *offer.Registry
	storage  *workpool.Pool
	tasks    *workpool.Pool
	sink     index.Sink

	ingester   *ingest.Ingester
	driver     *lifecycle.Driver
	pipeline   *securing.Pipeline
	verifier   *coherency.Verifier
	checks     *coherency.Orchestrator
	replicator *replicate.Replicator
	reindexer  *reindex.Reindexer
}

// loadConfig reads --config, or returns the defaults, and applies --db.
func loadConfig(opts *RootOptions) (config.Config, error) {
	cfg := config.Default()
	if opts.Config != "" {
		var err error
		cfg, err = config.Load(opts.Config)
		if err != nil {
			return cfg, WrapExitError(ExitCommandError, "failed to load config", err)
		}
	}
	if opts.Database != "" {
		cfg.Database = opts.Database
	}
	return cfg, nil
}

// openApp opens the journal and the configured filesystem offers. A nil
// sink logs index requests.
func openApp(opts *RootOptions, sink index.Sink) (*app, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	logger := slog.Default()

	registry := offer.NewRegistry(offer.WithMaxOffers(cfg.Storage.MaxOffers))
	for _, t := range cfg.Tenants {
		registry.AddTenant(t.ID)
		for _, o := range t.Offers {
			fs, err := offer.NewFilesystem(o.ID, o.Path)
			if err != nil {
				return nil, WrapExitError(ExitCommandError, fmt.Sprintf("failed to open offer %s of tenant %d", o.ID, t.ID), err)
			}
			if err := registry.AddOffer(t.ID, fs); err != nil {
				return nil, WrapExitError(ExitCommandError, "invalid offer configuration", err)
			}
		}
	}

	slog.Debug("opening journal", "path", cfg.Database)
	st, err := store.Open(cfg.Database, store.WithSecuringDelay(cfg.Securing.Delay))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open journal", err)
	}
	if err := os.MkdirAll(cfg.Workspace, 0o755); err != nil {
		st.Close()
		return nil, WrapExitError(ExitCommandError, "failed to create workspace", err)
	}

	if sink == nil {
		sink = index.LogSink{Logger: logger}
	}
	a := &app{
		cfg:      cfg,
		store:    st,
		registry: registry,
		storage:  workpool.NewStorage(cfg.Storage.PoolSize),
		tasks:    workpool.NewDefault(cfg.Coherency.MaxInFlight),
		sink:     sink,
	}

	a.ingester = ingest.New(st, registry, cfg.Workspace,
		ingest.WithPool(a.storage), ingest.WithSink(sink), ingest.WithLogger(logger))
	a.driver = lifecycle.NewDriver(st, logger)
	a.driver.Register(ir.OpIngest, a.ingester.Stages())

	a.pipeline = securing.New(st, registry, securing.Config{
		PageSize:     cfg.Securing.PageSize,
		MaxUnits:     cfg.Securing.BatchCeiling,
		TickInterval: cfg.Securing.Tick,
		MaxSealDelay: cfg.Securing.MaxSealDelay,
	}, securing.WithPool(a.storage), securing.WithSink(sink), securing.WithLogger(logger))

	a.verifier = coherency.NewVerifier(st, registry,
		coherency.WithPool(a.storage),
		coherency.WithChunkSize(cfg.Coherency.ChunkSize),
		coherency.WithPageSize(cfg.Securing.PageSize),
		coherency.WithLogger(logger))
	a.checks = coherency.NewOrchestrator(st, registry, a.verifier, coherency.OrchestratorConfig{
		MaxInFlight:  cfg.Coherency.MaxInFlight,
		ChildTimeout: cfg.Coherency.ChildTimeout,
		PollInterval: cfg.Coherency.PollInterval,
		AbandonGrace: cfg.Coherency.AbandonGrace,
		AdminTenant:  cfg.Coherency.AdminTenant,
	}, coherency.WithTaskPool(a.tasks), coherency.WithOrchestratorLogger(logger))

	a.replicator = replicate.New(st, registry,
		replicate.WithPool(a.storage),
		replicate.WithChunkSize(cfg.Coherency.ChunkSize),
		replicate.WithLogger(logger))
	a.reindexer = reindex.New(st, registry, sink, logger)
	return a, nil
}

// sweeper builds the sweeper; requeue receives operations moved out of
// RETRY_*.
func (a *app) sweeper(requeue func(ids ...int64)) *lifecycle.Sweeper {
	return lifecycle.NewSweeper(a.store, lifecycle.SweepConfig{
		InitTimeout:      a.cfg.Lifecycle.InitTimeout,
		RunTimeout:       a.cfg.Lifecycle.RunTimeout,
		SuccessRetention: a.cfg.Lifecycle.SuccessRetention,
		FailureRetention: a.cfg.Lifecycle.FailureRetention,
	}, lifecycle.WithRequeue(requeue))
}

// coordinator builds the job coordinator the configuration selects.
func (a *app) coordinator() cluster.Coordinator {
	if a.cfg.Cluster.Mode == config.ModeLease {
		return cluster.NewLease(a.store, a.cfg.Node, a.cfg.Cluster.LeaseTTL)
	}
	return cluster.NewStatic(a.cfg.Cluster.Jobs...)
}

// driveAll drives each operation until it settles, in order.
func (a *app) driveAll(ctx context.Context, ids ...int64) []lifecycle.Step {
	steps := make([]lifecycle.Step, 0, len(ids))
	for _, id := range ids {
		step, err := a.driver.Drive(ctx, id)
		if err != nil {
			slog.Error("drive operation failed", "operation", id, "error", err)
			step = lifecycle.Step{ID: id, Err: err}
		}
		steps = append(steps, step)
	}
	return steps
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		slog.Error("error closing journal", "error", err)
	}
}
