// Command driftwatch runs the attack surface monitoring engine in a single
// process: the HTTP and websocket API, the job worker pool, the lease
// janitor, the run scheduler, and the retention sweeper, all sharing one
// PostgreSQL store.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/marcus-qen/driftwatch/internal/audit"
	"github.com/marcus-qen/driftwatch/internal/config"
	"github.com/marcus-qen/driftwatch/internal/dnsprobe"
	"github.com/marcus-qen/driftwatch/internal/events"
	"github.com/marcus-qen/driftwatch/internal/pipeline"
	"github.com/marcus-qen/driftwatch/internal/retention"
	"github.com/marcus-qen/driftwatch/internal/scanner"
	"github.com/marcus-qen/driftwatch/internal/scheduler"
	"github.com/marcus-qen/driftwatch/internal/server"
	"github.com/marcus-qen/driftwatch/internal/store"
	"github.com/marcus-qen/driftwatch/internal/telemetry"
	"github.com/marcus-qen/driftwatch/internal/verify"
	"github.com/marcus-qen/driftwatch/internal/worker"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cfgPath := flag.String("config", os.Getenv("DRIFTWATCH_CONFIG"), "path to JSON config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("driftwatch %s (%s, built %s)\n", version, commit, date)
		return
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("engine failed", zap.Error(err))
	}
	logger.Info("engine stopped")
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	shutdownTracing, err := telemetry.InitTraceProvider(ctx, cfg.OTLPEndpoint, version)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("trace flush failed", zap.Error(err))
		}
	}()

	st, err := store.Open(ctx, cfg.DatabaseURL, store.Options{
		GlobalCap:     cfg.MaxConcurrentJobsGlobal,
		PerTargetCap:  cfg.MaxConcurrentJobsPerTarget,
		LeaseDuration: cfg.LeaseDuration(),
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	bus := events.NewBus(256)
	recorder := audit.NewRecorder(st, bus, logger.Named("audit"))

	registry := scanner.NewRegistry()
	if cfg.ScannerDir != "" {
		n, err := registry.LoadDir(cfg.ScannerDir)
		if err != nil {
			return fmt.Errorf("load scanner descriptors: %w", err)
		}
		if n > 0 {
			logger.Info("scanner descriptors loaded",
				zap.Int("count", n),
				zap.String("dir", cfg.ScannerDir),
			)
		}
	}
	runner := scanner.NewRunner(registry, cfg.ToolsContainer, bus, logger.Named("scanner"))
	prober := dnsprobe.New(cfg.DNSResolvers)

	engine := pipeline.New(st, runner, prober, registry, recorder, bus,
		logger.Named("pipeline"), pipeline.Config{})
	verifier := verify.New(st, prober, nil, recorder, bus, logger.Named("verify"), 0)

	pool := worker.NewPool(st, cfg.WorkerCount, bus, logger.Named("worker"))
	engine.RegisterHandlers(pool)
	verifier.RegisterHandlers(pool)

	janitor := worker.NewJanitor(st, 0, recorder, logger.Named("janitor"))
	sched := scheduler.New(st, recorder, logger.Named("scheduler"), cfg.SchedulerTick())
	sweeper := retention.New(st, retention.Policy{
		RawOutputDays:     cfg.RetentionRawOutputDays,
		CompletedRunsDays: cfg.RetentionCompletedRunsDays,
	}, recorder, logger.Named("retention"), 0)

	if err := pool.Start(ctx); err != nil {
		return fmt.Errorf("start worker pool: %w", err)
	}
	defer pool.Stop()

	janitor.Start(ctx)
	defer janitor.Stop()

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	if err := sweeper.Start(ctx); err != nil {
		return fmt.Errorf("start retention sweeper: %w", err)
	}
	defer sweeper.Stop()

	logger.Info("driftwatch engine up",
		zap.String("version", version),
		zap.String("addr", cfg.ListenAddr),
		zap.Int("workers", cfg.WorkerCount),
		zap.Strings("scanners", registry.Names()),
		zap.Strings("resolvers", prober.Resolvers()),
		zap.String("tools_container", cfg.ToolsContainer),
	)

	// Blocks until ctx is cancelled or the listener fails. The deferred
	// Stops drain workers before the store closes underneath them.
	api := server.New(cfg.ListenAddr, st, registry, bus, recorder, logger.Named("http"))
	return api.Start(ctx)
}

func buildLogger(level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
