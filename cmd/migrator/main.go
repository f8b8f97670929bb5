// Command migrator applies the embedded goose migrations and exits. Set
// GOOSE_UP_TO or GOOSE_DOWN_TO to stop at a specific version.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"thirdcoast.systems/clipscan/internal/application"
	"thirdcoast.systems/clipscan/internal/config"
	"thirdcoast.systems/clipscan/internal/db"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	conf, err := config.LoadConfig(ctx)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	config.ConfigureLogging(conf.Log)
	slog.Info("Starting database migrator")

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

	target, err := targetFromEnv()
	if err != nil {
		slog.Error("invalid migration target", "error", err)
		os.Exit(1)
	}

	start := time.Now()
	if err := dbc.Migrate(ctx, target); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	slog.Info("Database migrations completed", "took", time.Since(start).Round(time.Millisecond))
}

func targetFromEnv() (db.MigrationTarget, error) {
	var target db.MigrationTarget
	for name, dst := range map[string]**int64{"GOOSE_UP_TO": &target.Up, "GOOSE_DOWN_TO": &target.Down} {
		raw, ok := os.LookupEnv(name)
		if !ok {
			continue
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return target, fmt.Errorf("parse %s: %w", name, err)
		}
		*dst = &v
	}
	return target, nil
}
