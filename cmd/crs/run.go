package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/b3yond/bugbuster/pkg/build"
	"github.com/b3yond/bugbuster/pkg/config"
	"github.com/b3yond/bugbuster/pkg/control"
	"github.com/b3yond/bugbuster/pkg/coordstore"
	"github.com/b3yond/bugbuster/pkg/logging"
	"github.com/b3yond/bugbuster/pkg/queuebus"
	"github.com/b3yond/bugbuster/pkg/store"
	"github.com/b3yond/bugbuster/pkg/submit"
	"github.com/b3yond/bugbuster/pkg/telemetry"
	"github.com/b3yond/bugbuster/pkg/triage"
	"github.com/b3yond/bugbuster/pkg/worker"
)

var workerNames = []string{
	"corpus", "cmin", "seedgen", "slice", "slice_r18", "directed",
	"triage", "timeout", "dedup", "patch", "scheduler", "submitter",
}

var runCmd = &cobra.Command{
	Use:       "run <worker>",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: workerNames,
	Short:     "Run one pipeline worker",
	Long: `Starts a single worker process. Stage workers consume their queue until
interrupted; the scheduler and submitter run their poll loops. Valid
workers: ` + fmt.Sprint(workerNames),
	RunE: runWorker,
}

// deps is the shared wiring every worker draws from. Connections are
// opened lazily so a worker only touches the backends it uses.
type deps struct {
	cfg    *config.Config
	logger zerolog.Logger

	cs  *coordstore.Store
	rs  *store.Store
	bus *queuebus.Bus
}

func (d *deps) coordStore() (*coordstore.Store, error) {
	if d.cs != nil {
		return d.cs, nil
	}
	cs, err := coordstore.New(d.cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to coordination store: %w", err)
	}
	d.cs = cs
	return cs, nil
}

func (d *deps) relStore(ctx context.Context) (*store.Store, error) {
	if d.rs != nil {
		return d.rs, nil
	}
	rs, err := store.Open(ctx, d.cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open relational store: %w", err)
	}
	d.rs = rs
	return rs, nil
}

func (d *deps) broker() (*queuebus.Bus, error) {
	if d.bus != nil {
		return d.bus, nil
	}
	bus, err := queuebus.New(d.cfg.Broker.URL(), d.cfg.Broker.PoolSize, d.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}
	if err := bus.DeclareAll(); err != nil {
		bus.Close()
		return nil, fmt.Errorf("failed to declare queues: %w", err)
	}
	d.bus = bus
	return bus, nil
}

func (d *deps) close() {
	if d.bus != nil {
		d.bus.Close()
	}
	if d.cs != nil {
		_ = d.cs.Close()
	}
}

func runWorker(cmd *cobra.Command, args []string) error {
	name := args[0]

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if verbose {
		cfg.Framework.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logCfg := logging.Config{
		Level:  cfg.Framework.LogLevel,
		Format: logging.Format(cfg.Framework.LogFormat),
		Output: os.Stdout,
	}
	logging.Init("crs", logCfg)
	logger := logging.New("crs."+name, logCfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.Init(ctx, "crs-"+name, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	d := &deps{cfg: cfg, logger: logger}
	defer d.close()

	logger.Info().Str("worker", name).Str("version", version).Msg("worker starting")
	err = dispatchWorker(ctx, name, d)
	if errors.Is(err, context.Canceled) {
		logger.Info().Str("worker", name).Msg("worker stopped")
		return nil
	}
	return err
}

func dispatchWorker(ctx context.Context, name string, d *deps) error {
	switch name {
	case "scheduler":
		return runScheduler(ctx, d)
	case "submitter":
		return runSubmitter(ctx, d)
	default:
		stage, err := buildStage(ctx, name, d)
		if err != nil {
			return err
		}
		bus, err := d.broker()
		if err != nil {
			return err
		}
		w := worker.New(bus, stage, d.cfg.Broker.PrefetchCount, d.cfg.Worker.RetryLimit, d.logger)
		return w.Run(ctx)
	}
}

func buildStage(ctx context.Context, name string, d *deps) (worker.Stage, error) {
	cfg := d.cfg
	storage := cfg.Storage.Dir
	instance := cfg.Framework.Instance

	cs, err := d.coordStore()
	if err != nil {
		return nil, err
	}

	// cmin is the only stage that never touches the relational store
	if name == "cmin" {
		return worker.NewCminStage(cs, storage, d.logger), nil
	}

	rs, err := d.relStore(ctx)
	if err != nil {
		return nil, err
	}
	bus, err := d.broker()
	if err != nil {
		return nil, err
	}
	builder := build.NewBuilder(cs, cfg.Build, storage, d.logger)

	switch name {
	case "corpus":
		return worker.NewCorpusStage(cs, rs, bus, builder, storage, instance, d.logger), nil

	case "seedgen":
		generators := worker.NewSeedGenerators(cfg.Worker.SeedgenAgent)
		return worker.NewSeedgenStage(cs, rs, bus, builder, storage, instance,
			cfg.Worker.Models, generators, d.logger), nil

	case "slice", "slice_r18":
		if cfg.Worker.SliceAgent == "" {
			return nil, fmt.Errorf("slice worker requires worker.slice_agent")
		}
		queue := queuebus.QueueSlice
		if name == "slice_r18" {
			queue = queuebus.QueueSliceR18
		}
		slicer := worker.NewCommandSlicer(cfg.Worker.SliceAgent)
		return worker.NewSliceStage(rs, slicer, storage, queue, d.logger), nil

	case "directed":
		fleet := build.NewFleet(cs, cfg.Build.MaxLoad, d.logger)
		return worker.NewDirectedStage(cs, rs, bus, builder, fleet, storage, instance,
			cfg.Build.RunnerImage, cfg.Worker.AFLSlaves, cfg.Worker.MonitorInterval, d.logger), nil

	case "triage", "timeout":
		fleet := build.NewFleet(cs, cfg.Build.MaxLoad, d.logger)
		docker, err := fleet.PickHost(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to pick a docker host: %w", err)
		}
		runner := build.NewRunner(cs, docker, cfg.Build, instance, d.logger)
		// the timeout pool replays with relaxed limits
		slow := name == "timeout"
		replayer := triage.NewContainerReplayer(builder, runner, storage, slow, d.logger)
		oracle := triage.NewOracle(cfg.Worker.DedupMethod, dedupJudge(cfg))
		engine := triage.NewEngine(cs, rs, bus, replayer, triage.StackParser{}, oracle,
			cfg.Worker.TimeoutOOMRole, d.logger)
		if name == "timeout" {
			return worker.NewTimeoutStage(engine), nil
		}
		return worker.NewTriageStage(engine), nil

	case "dedup":
		oracle := triage.NewOracle(cfg.Worker.DedupMethod, dedupJudge(cfg))
		clusterer := triage.NewClusterer(cs, rs, oracle, d.logger)
		return worker.NewDedupStage(rs, clusterer, d.logger), nil

	case "patch":
		if cfg.Worker.PatchAgent == "" {
			return nil, fmt.Errorf("patch worker requires worker.patch_agent")
		}
		fleet := build.NewFleet(cs, cfg.Build.MaxLoad, d.logger)
		docker, err := fleet.PickHost(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to pick a docker host: %w", err)
		}
		gen := worker.NewCommandPatchGenerator(cfg.Worker.PatchAgent)
		verifier := worker.NewBRSVerifier(cs, rs, docker, cfg.Build, storage, instance, d.logger)
		return worker.NewPatchStage(cs, rs, gen, verifier, d.logger), nil
	}
	return nil, fmt.Errorf("unknown worker %q", name)
}

func dedupJudge(cfg *config.Config) triage.Judge {
	if cfg.Worker.DedupAgent == "" {
		return nil
	}
	return worker.NewCommandJudge(cfg.Worker.DedupAgent)
}

// runScheduler hosts the control plane poll loops: pending-task dispatch,
// deadline enforcement and patch selection.
func runScheduler(ctx context.Context, d *deps) error {
	cs, err := d.coordStore()
	if err != nil {
		return err
	}
	rs, err := d.relStore(ctx)
	if err != nil {
		return err
	}
	bus, err := d.broker()
	if err != nil {
		return err
	}

	plane := control.NewPlane(cs, rs, bus, d.logger)
	fleet := build.NewFleet(cs, d.cfg.Build.MaxLoad, d.logger)
	reaper := control.NewReaper(cs, rs, fleet, d.cfg.Worker.MonitorInterval, d.logger)
	selector := submit.NewSelector(rs, d.logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return plane.Run(gctx) })
	g.Go(func() error { return reaper.Run(gctx) })
	g.Go(func() error { return selector.Run(gctx) })
	return g.Wait()
}

// runSubmitter hosts the two-phase submission loop.
func runSubmitter(ctx context.Context, d *deps) error {
	cs, err := d.coordStore()
	if err != nil {
		return err
	}
	rs, err := d.relStore(ctx)
	if err != nil {
		return err
	}
	if d.cfg.Scoring.BaseURL == "" {
		return fmt.Errorf("submitter requires scoring.base_url")
	}
	client := submit.NewClient(d.cfg.Scoring)
	loop := submit.NewLoop(cs, rs, client, d.cfg.Storage.Dir, d.logger)
	return loop.Run(ctx)
}
