package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"eventsync/internal/config"
	"eventsync/internal/diff"
	appLog "eventsync/internal/log"
	"eventsync/internal/metrics"
	"eventsync/internal/runlock"
	"eventsync/internal/scheduler"
	"eventsync/internal/scrape"
	"eventsync/internal/source"
	"eventsync/internal/store"
	"eventsync/internal/store/memory"
	"eventsync/internal/store/postgres"
	"eventsync/internal/web"
)

const version = "0.1.0"

type flagConfig struct {
	configPath string
	listen     string
	once       bool
	dryRun     bool
}

func main() {
	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	conf.ApplyEnv(os.Getenv)
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if err := conf.Validate(); err != nil {
		appLog.Error("invalid config", err, "config_path", flags.configPath)
		os.Exit(1)
	}

	appLog.Init(os.Stderr, conf.LogFormat, appLog.ParseLevel(conf.LogLevel))
	appLog.Info("eventsync starting", "version", version)
	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"city", conf.City,
		"refresh", conf.RefreshCron,
		"stale_after", conf.StaleAfter,
		"imported_policy", conf.ImportedPolicy,
		"postgres", conf.DatabaseURL != "",
		"redis", conf.RedisURL != "",
		"sources", len(conf.Sources),
		"once", flags.once,
		"dry_run", flags.dryRun,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, conf, flags); err != nil {
		appLog.Error("eventsync failed", err)
		os.Exit(1)
	}
	appLog.Info("eventsync exiting")
}

func run(ctx context.Context, conf *config.Config, flags flagConfig) error {
	st, closeStore, err := openStore(ctx, conf)
	if err != nil {
		return err
	}
	defer closeStore()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	adapters, err := source.NewFromConfig(conf, source.Deps{Failures: m})
	if err != nil {
		return fmt.Errorf("build source adapters: %w", err)
	}
	policy, err := diff.ParsePolicy(conf.ImportedPolicy)
	if err != nil {
		return err
	}
	orch := scrape.New(st, adapters, scrape.Options{
		StaleAfter: conf.StaleAfter,
		Policy:     policy,
		Metrics:    m,
	})

	locker, closeLock, err := openLocker(ctx, conf)
	if err != nil {
		return err
	}
	defer closeLock()

	sched := scheduler.New(conf.RefreshCron, orch,
		scheduler.WithLocker(locker),
		scheduler.WithMetrics(m),
		scheduler.WithLocation(conf.Location()),
		scheduler.WithRunOnStart(conf.RunOnStart),
	)

	if flags.once || flags.dryRun {
		return runOnce(ctx, sched, flags.dryRun)
	}

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	srv := web.NewServer(conf, st, sched, web.WithGatherer(reg))
	httpServer := &http.Server{
		Addr:              conf.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+conf.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		appLog.Info("signal received, shutting down")
	case serveErr = <-errCh:
		if serveErr != nil {
			appLog.Error("HTTP server failed", serveErr)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		appLog.Error("HTTP server shutdown failed", err)
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		appLog.Error("scheduler stop timed out; in-flight run cancelled", err)
	}
	return serveErr
}

// runOnce performs a single run through the scheduler, so the run lock is
// honoured, and prints the summary as JSON on stdout.
func runOnce(ctx context.Context, sched *scheduler.Scheduler, dryRun bool) error {
	sum, err := sched.Trigger(ctx, dryRun)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(sum); encErr != nil {
		appLog.Error("failed to print summary", encErr)
	}
	return err
}

func openStore(ctx context.Context, conf *config.Config) (store.Store, func(), error) {
	if conf.DatabaseURL == "" {
		appLog.Warn("no database_url configured; events are kept in memory only")
		return memory.NewStore(), func() {}, nil
	}

	db, err := postgres.Connect(ctx, conf.DatabaseURL, conf.DatabaseMaxConns)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	if err := postgres.RunMigrations(ctx, db); err != nil {
		closeFn()
		return nil, nil, err
	}
	return postgres.NewStore(db), closeFn, nil
}

func openLocker(ctx context.Context, conf *config.Config) (runlock.Locker, func(), error) {
	if conf.RedisURL == "" {
		return runlock.NewLocal(), func() {}, nil
	}
	client, err := runlock.Connect(ctx, conf.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	appLog.Info("using redis run lock", "key", runlock.DefaultKey, "ttl", conf.LockTTL)
	return runlock.NewRedis(client, runlock.DefaultKey, conf.LockTTL), func() { _ = client.Close() }, nil
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/eventsync/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Run one ingestion pass, print the summary and exit")
	flag.BoolVar(&cfg.dryRun, "dry-run", false, "Run one ingestion pass without writing to the store (implies -once)")

	flag.Parse()

	return cfg
}
