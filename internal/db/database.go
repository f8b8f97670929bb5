package db

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

type DatabaseConnection struct {
	*pgxpool.Pool
}

const DBRetryCount = 15

// NewDatabaseConnection creates a new database connection
func NewDatabaseConnection(ctx context.Context, pool *pgxpool.Pool) (*DatabaseConnection, error) {
	for i := range DBRetryCount {
		err := pool.Ping(ctx)
		if err == nil {
			return &DatabaseConnection{pool}, nil
		}

		// Golden ratio backoff
		fib := 1.61803398875
		sleep := time.Duration((float64(i) * fib)) * time.Second
		slog.Warn("could not ping the database", "retry_in", sleep, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}

	return nil, fmt.Errorf("could not connect to database after %d retries", DBRetryCount)
}

// Close closes the database connection
func (db *DatabaseConnection) Close() {
	db.Pool.Close()
}

func (db *DatabaseConnection) Queries(ctx context.Context) *Queries {
	return New(db)
}

func (db *DatabaseConnection) NewWithTX(ctx context.Context) (*Queries, pgx.Tx, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	return New(tx), tx, nil
}

// InTx runs fn inside a transaction and commits when fn returns nil.
func (db *DatabaseConnection) InTx(ctx context.Context, fn func(q *Queries) error) error {
	q, tx, err := db.NewWithTX(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(q); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

//go:embed sql/migrations/*.sql
var embedMigrations embed.FS

// MigrationTarget bounds a Migrate run. The zero value applies every pending
// migration. Down takes precedence over Up.
type MigrationTarget struct {
	Up   *int64
	Down *int64
}

// Migrate applies or rolls back the embedded migrations to target.
func (db *DatabaseConnection) Migrate(ctx context.Context, target MigrationTarget) error {
	fsys, err := fs.Sub(embedMigrations, "sql/migrations")
	if err != nil {
		return err
	}

	stdDb := stdlib.OpenDBFromPool(db.Pool)
	defer stdDb.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, stdDb, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}

	statuses, err := provider.Status(ctx)
	if err != nil {
		return fmt.Errorf("read migration status: %w", err)
	}
	for _, st := range statuses {
		slog.Debug("migration", "version", st.Source.Version, "path", st.Source.Path, "state", st.State)
	}

	var results []*goose.MigrationResult
	switch {
	case target.Down != nil:
		results, err = provider.DownTo(ctx, *target.Down)
	case target.Up != nil:
		results, err = provider.UpTo(ctx, *target.Up)
	default:
		results, err = provider.Up(ctx)
	}
	for _, r := range results {
		slog.Info("migration applied",
			"version", r.Source.Version,
			"direction", r.Direction,
			"took", r.Duration.Round(time.Millisecond))
	}
	if err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}
