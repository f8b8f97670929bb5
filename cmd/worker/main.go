package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"golang.org/x/sync/errgroup"

	"thirdcoast.systems/clipscan/internal/application"
	"thirdcoast.systems/clipscan/internal/config"
	"thirdcoast.systems/clipscan/internal/db"
	"thirdcoast.systems/clipscan/internal/jobs"
	"thirdcoast.systems/clipscan/internal/purge"
	"thirdcoast.systems/clipscan/internal/queue"
	"thirdcoast.systems/clipscan/internal/scan"
	"thirdcoast.systems/clipscan/internal/source"
	"thirdcoast.systems/clipscan/internal/thumbnail"
	"thirdcoast.systems/clipscan/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conf, err := config.LoadConfig(ctx)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	config.ConfigureLogging(conf.Log)

	if err := run(ctx, conf); err != nil {
		slog.Error("worker exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, conf *config.Config) error {
	kinds, err := parseKinds(conf.Worker.KindList())
	if err != nil {
		return err
	}
	slog.Info("Starting worker service", "kinds", kinds, "concurrency", conf.Worker.Concurrency)

	pool, err := application.OpenDBPoolWithRetry(ctx, *conf)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	dbc, err := db.NewDatabaseConnection(ctx, pool)
	if err != nil {
		return fmt.Errorf("create database connection: %w", err)
	}

	policy := db.RetryPolicy{
		MaxAttempts: conf.Retry.MaxAttempts,
		BaseDelay:   conf.Retry.BaseDelay,
		MaxDelay:    conf.Retry.MaxDelay,
		Jitter:      db.DefaultRetryPolicy.Jitter,
	}
	store := db.NewStore(dbc, policy)
	settings := db.NewSettingsCache(store, db.WithSettingsTTL(conf.Settings.CacheTTL))

	q, closeQueue, err := application.OpenQueue(ctx, conf.Queue)
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}
	defer closeQueue()

	handlers, sweeper, err := buildHandlers(conf, kinds, store, settings, q, policy)
	if err != nil {
		return err
	}

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "local"
	}
	w := worker.New(q, handlers, worker.Options{
		Kinds:       kinds,
		Group:       conf.Queue.ConsumerGroup,
		Consumer:    fmt.Sprintf("worker-%s-%d", hostname, os.Getpid()),
		Concurrency: conf.Worker.Concurrency,
		BatchSize:   conf.Queue.BatchSize,
		Block:       conf.Queue.Block,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		db.Listen(gctx, conf.DatabaseDSN, db.SettingsChannel, settings.HandleNotification)
		return nil
	})
	g.Go(func() error {
		h := &db.HealthChecker{Pinger: db.PoolPinger(pool), Interval: conf.Retry.HealthCheckInterval}
		h.Run(gctx)
		return nil
	})
	if sweeper != nil {
		if err := sweeper.Start(gctx, conf.Thumb.SweepSchedule); err != nil {
			return err
		}
	}
	g.Go(func() error { return w.Run(gctx) })

	err = g.Wait()
	slog.Info("Worker service stopping")
	return err
}

func parseKinds(names []string) ([]jobs.Kind, error) {
	if len(names) == 0 {
		return jobs.Kinds, nil
	}
	out := make([]jobs.Kind, 0, len(names))
	for _, name := range names {
		k, err := jobs.ParseKind(name)
		if err != nil {
			return nil, fmt.Errorf("WORKER_KINDS: %w", err)
		}
		out = append(out, k)
	}
	return out, nil
}

// buildHandlers wires only the handlers for kinds this process consumes, so a
// thumbnail-only worker needs no Discord token.
func buildHandlers(conf *config.Config, kinds []jobs.Kind, store *db.Store, settings *db.SettingsCache, q queue.Queue, policy db.RetryPolicy) (worker.Handlers, *thumbnail.Sweeper, error) {
	var h worker.Handlers
	wants := func(ks ...jobs.Kind) bool {
		return slices.ContainsFunc(ks, func(k jobs.Kind) bool { return slices.Contains(kinds, k) })
	}

	if wants(jobs.KindBatchScan, jobs.KindMessageScan) {
		session, err := application.OpenDiscord(conf.Source)
		if err != nil {
			return h, nil, err
		}
		src := source.NewLimited(source.NewDiscord(session), conf.Source.RatePerSecond, 1)
		h.Scans = scan.NewProcessor(store, src, q, settings, policy)
	}

	var storage *thumbnail.LocalStorage
	if wants(jobs.KindThumbnail, jobs.KindPurgeChannel, jobs.KindPurgeGuild) {
		var err error
		if storage, err = thumbnail.NewLocalStorage(conf.Thumb.StorageRoot); err != nil {
			return h, nil, fmt.Errorf("open thumbnail storage: %w", err)
		}
	}

	workDir := conf.Thumb.WorkDirOrDefault()
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return h, nil, fmt.Errorf("create work dir: %w", err)
	}

	var sweeper *thumbnail.Sweeper
	if wants(jobs.KindThumbnail) {
		maxBytes, err := conf.Thumb.MaxBytesValue()
		if err != nil {
			return h, nil, err
		}
		dl := thumbnail.NewDownloader(thumbnail.DownloaderConfig{
			ConnectTimeout: conf.Thumb.ConnectTimeout,
			TotalTimeout:   conf.Thumb.TotalTimeout,
			MaxBytes:       maxBytes,
			WorkDir:        workDir,
		})
		backoff := thumbnail.NewBackoff(conf.Thumb.RetryBase, conf.Thumb.RetryMax, conf.Thumb.MaxAttempts)
		h.Thumbnails = thumbnail.NewPipeline(store, dl, thumbnail.NewMediaTranscoder(), storage, backoff, workDir)
		sweeper = thumbnail.NewSweeper(store, q, conf.Thumb.MaxAttempts, conf.Queue.VisibilityTimeout)
	}

	if wants(jobs.KindThumbnailCleanup) {
		h.Cleanup = thumbnail.NewCleanup(store, q, workDir)
	}

	if wants(jobs.KindPurgeChannel, jobs.KindPurgeGuild) {
		h.Purges = purge.NewPurger(store, storage, q, purge.Config{
			Cooldown:       conf.Purge.Cooldown,
			QuiesceTimeout: conf.Purge.QuiesceTimeout,
		})
	}
	return h, sweeper, nil
}
