package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"thirdcoast.systems/clipscan/cmd/api/internal/api"
	"thirdcoast.systems/clipscan/internal/application"
	"thirdcoast.systems/clipscan/internal/config"
	"thirdcoast.systems/clipscan/internal/db"
	"thirdcoast.systems/clipscan/internal/purge"
	"thirdcoast.systems/clipscan/internal/scan"
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
	slog.Info("Starting api service")

	pool, err := application.OpenDBPoolWithRetry(ctx, *conf)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	dbc, err := db.NewDatabaseConnection(ctx, pool)
	if err != nil {
		slog.Error("failed to create database connection", "error", err)
		os.Exit(1)
	}

	q, closeQueue, err := application.OpenQueue(ctx, conf.Queue)
	if err != nil {
		slog.Error("failed to open queue", "error", err)
		os.Exit(1)
	}
	defer closeQueue()

	store := db.NewStore(dbc, db.RetryPolicy{
		MaxAttempts: conf.Retry.MaxAttempts,
		BaseDelay:   conf.Retry.BaseDelay,
		MaxDelay:    conf.Retry.MaxDelay,
		Jitter:      db.DefaultRetryPolicy.Jitter,
	})
	settings := db.NewSettingsCache(store, db.WithSettingsTTL(conf.Settings.CacheTTL))
	go db.Listen(ctx, conf.DatabaseDSN, db.SettingsChannel, settings.HandleNotification)

	e := api.NewServer(api.Deps{
		Starter: scan.NewStarter(store, q),
		Scans:   store,
		Purges: purge.NewPurger(store, nil, q, purge.Config{
			Cooldown:       conf.Purge.Cooldown,
			QuiesceTimeout: conf.Purge.QuiesceTimeout,
		}),
		Settings:       store,
		Cache:          settings,
		Queue:          q,
		Health:         db.PoolPinger(pool),
		CleanupTimeout: conf.Thumb.CleanupTimeout,
	})

	addr := ":" + strconv.Itoa(conf.WebServerPort)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Shutdown(shutdownCtx)
	}()

	slog.Info("Listening", "addr", addr)
	if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		if ctx.Err() != nil {
			return
		}
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}
