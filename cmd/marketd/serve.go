package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/SubhajL/online-trading-sub000/config"
	"github.com/SubhajL/online-trading-sub000/eventbus"
	"github.com/SubhajL/online-trading-sub000/faults"
	"github.com/SubhajL/online-trading-sub000/ingest"
	"github.com/SubhajL/online-trading-sub000/market"
	"github.com/SubhajL/online-trading-sub000/ops"
	"github.com/SubhajL/online-trading-sub000/store/sqlite"
	"github.com/SubhajL/online-trading-sub000/telemetry"
)

// lifecycle is the start/stop shape every long-running component in the
// process shares.
type lifecycle interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type component struct {
	name string
	stop func(ctx context.Context) error
}

// runServe wires the whole process together and blocks until a signal
// arrives or startup fails. Started components are unwound in reverse
// start order on the way out, whichever way out it is.
func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level := new(slog.LevelVar)
	lvl, _ := cfg.Logging.SlogLevel()
	level.Set(lvl)
	logger := slog.New(cfg.Logging.Handler(os.Stderr, level))
	slog.SetDefault(logger)

	logger.Info("starting marketd", "version", version, "config", configPath)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sqlite.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store %q: %w", cfg.Store.Path, err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			logger.Error("store close failed", "error", cerr)
		}
	}()

	fm := faults.NewManager(logger)
	fm.Register(faults.NewLogHandler(logger))
	faultMetrics := faults.NewMetricsHandler(clock.WallClock)
	fm.Register(faultMetrics)

	busLog := logger.With("component", "eventbus")
	bus, err := eventbus.New(cfg.Bus,
		eventbus.WithLogger(busLog),
		eventbus.WithFaultManager(fm),
		eventbus.WithJournal(db),
		eventbus.WithObserver(func(_ context.Context, e cloudevents.Event) {
			switch e.Type() {
			case eventbus.OpsEventDeadLettered:
				busLog.Warn("event dead lettered", "ce_id", e.ID(), "data", string(e.Data()))
			default:
				busLog.Debug("bus lifecycle event", "ce_type", e.Type(), "ce_id", e.ID())
			}
		}),
	)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	busCollector, err := telemetry.NewBusCollector(bus, cfg.Telemetry.Namespace)
	if err != nil {
		return fmt.Errorf("bus collector: %w", err)
	}
	faultCollector, err := telemetry.NewFaultCollector(faultMetrics, cfg.Telemetry.Namespace)
	if err != nil {
		return fmt.Errorf("fault collector: %w", err)
	}
	registry.MustRegister(busCollector, faultCollector)

	var (
		ingesters   []*ingest.Ingester
		backfillers []*ingest.Backfiller
		ingestStats []ops.IngestSource
	)
	for _, vcfg := range cfg.Venues {
		venue, err := market.ParseVenue(vcfg.Venue)
		if err != nil {
			return fmt.Errorf("venue %q: %w", vcfg.Venue, err)
		}
		state, err := ingest.NewState(venue, vcfg.DedupCacheSize)
		if err != nil {
			return fmt.Errorf("venue %q: %w", vcfg.Venue, err)
		}
		vlog := logger.With("component", "ingest")
		rest := ingest.NewRESTClient(vcfg)
		bf := ingest.NewBackfiller(vcfg, rest, db, bus, state, clock.WallClock, vlog, fm)
		ingesters = append(ingesters, ingest.NewIngester(vcfg, db, bus, state, bf, clock.WallClock, vlog, fm))
		backfillers = append(backfillers, bf)
		ingestStats = append(ingestStats, state)
	}

	sweeper, err := ingest.NewSweeper(cfg.Sweep.Schedule, backfillers, logger.With("component", "sweep"))
	if err != nil {
		return err
	}

	opsServer, err := ops.NewServer(cfg.Ops, ops.Deps{
		Bus:      bus,
		Store:    db,
		Faults:   faultMetrics,
		Journal:  db,
		Ingest:   ingestStats,
		Gatherer: registry,
	}, logger.With("component", "ops"))
	if err != nil {
		return err
	}

	// The watcher hot-applies the log level and reports everything else
	// against the configuration this process actually started with.
	watcher, err := config.NewWatcher(configPath, func(next *config.Config) {
		if nl, lerr := next.Logging.SlogLevel(); lerr == nil && nl != level.Level() {
			logger.Info("log level changed", "level", next.Logging.Level)
			level.Set(nl)
		}
		if sections := config.RequiresRestart(cfg, next); len(sections) > 0 {
			logger.Warn("config changes require a restart", "sections", strings.Join(sections, ","))
		}
	}, clock.WallClock, logger.With("component", "config"))
	if err != nil {
		return err
	}

	// Background goroutines (startup catch-up, statsd flushing) hang off
	// runCtx so the shutdown path can cancel and await them even when
	// startup aborts before any signal fires.
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	var background sync.WaitGroup

	var stops []component
	defer func() {
		cancelRun()
		background.Wait()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Ops.ShutdownTimeout)
		defer cancel()
		for i := len(stops) - 1; i >= 0; i-- {
			if err := stops[i].stop(shutdownCtx); err != nil {
				logger.Error("component stop failed", "component", stops[i].name, "error", err)
			}
		}
		logger.Info("marketd stopped")
	}()

	startComponent := func(name string, c lifecycle) error {
		if err := c.Start(ctx); err != nil {
			return fmt.Errorf("start %s: %w", name, err)
		}
		stops = append(stops, component{name: name, stop: c.Stop})
		return nil
	}

	if err := startComponent("eventbus", bus); err != nil {
		return err
	}
	for i, ing := range ingesters {
		if err := startComponent("ingester/"+cfg.Venues[i].Venue, ing); err != nil {
			return err
		}
	}
	for i, bf := range backfillers {
		bf := bf
		venue := cfg.Venues[i].Venue
		background.Add(1)
		go func() {
			defer background.Done()
			if err := bf.CatchUp(runCtx); err != nil {
				if runCtx.Err() == nil {
					logger.Warn("historical catch-up aborted", "venue", venue, "error", err)
				}
				return
			}
			logger.Info("historical catch-up complete", "venue", venue)
		}()
	}
	if err := startComponent("sweeper", sweeper); err != nil {
		return err
	}
	if err := startComponent("ops", opsServer); err != nil {
		return err
	}

	if cfg.Telemetry.Statsd.Enabled {
		sd := cfg.Telemetry.Statsd
		exporter, err := telemetry.NewStatsdExporter(bus, faultMetrics, sd.Prefix, sd.Addr, sd.FlushInterval, sd.Tags)
		if err != nil {
			return fmt.Errorf("statsd exporter: %w", err)
		}
		background.Add(1)
		go func() {
			defer background.Done()
			exporter.Run(runCtx)
		}()
		stops = append(stops, component{name: "statsd", stop: func(context.Context) error { return exporter.Close() }})
	}

	if err := startComponent("config-watcher", watcher); err != nil {
		return err
	}

	logger.Info("marketd running",
		"venues", len(cfg.Venues),
		"ops_addr", cfg.Ops.ListenAddr,
		"store", cfg.Store.Path)

	<-ctx.Done()
	logger.Info("shutdown signal received")
	return nil
}
