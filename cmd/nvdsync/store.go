package main

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/nvdsync/internal/config"
	"github.com/ahrav/nvdsync/internal/domain/scap"
	"github.com/ahrav/nvdsync/internal/infra/storage"
	"github.com/ahrav/nvdsync/internal/infra/storage/scap/postgres"
	"github.com/ahrav/nvdsync/internal/infra/storage/scap/sqlite"
	"github.com/ahrav/nvdsync/pkg/common/logger"
)

// stores bundles the repositories of the configured backend.
type stores struct {
	entities    scap.EntityRepository
	checkpoints scap.CheckpointRepository
	close       func()
}

// openStores connects to the configured backend and applies migrations.
func openStores(ctx context.Context, cfg config.DatabaseConfig, log *logger.Logger, tracer trace.Tracer) (*stores, error) {
	if cfg.Driver == config.DriverSQLite {
		db, err := sqlite.Open(ctx, cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", cfg.Path, err)
		}
		log.Info(ctx, "using sqlite storage", "path", cfg.Path)
		return &stores{
			entities:    sqlite.NewEntityStore(db, tracer),
			checkpoints: sqlite.NewCheckpointStore(db, tracer),
			close:       func() { _ = db.Close() },
		}, nil
	}

	pool, err := connectPostgres(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	if err := storage.MigratePostgres(pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	log.Info(ctx, "migrations applied", "host", cfg.Host, "database", cfg.Name)

	return &stores{
		entities:    postgres.NewEntityStore(pool, tracer),
		checkpoints: postgres.NewCheckpointStore(pool, tracer),
		close:       pool.Close,
	}, nil
}

// connectPostgres opens a traced pool and waits, with exponential backoff,
// for the server to answer. Giving up is reported as a configuration error.
func connectPostgres(ctx context.Context, cfg config.DatabaseConfig, log *logger.Logger) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, &scap.ConfigurationError{Field: "database.url", Err: err}
	}
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	var policy backoff.BackOff = &backoff.StopBackOff{}
	if cfg.ConnectTimeout > 0 {
		expBackoff := backoff.NewExponentialBackOff()
		expBackoff.InitialInterval = 500 * time.Millisecond
		expBackoff.MaxElapsedTime = cfg.ConnectTimeout
		policy = expBackoff
	}

	notify := func(err error, next time.Duration) {
		log.Warn(ctx, "database not reachable, retrying", "error", err, "retry_in", next.String())
	}
	ping := func() error { return pool.Ping(ctx) }
	if err := backoff.RetryNotify(ping, backoff.WithContext(policy, ctx), notify); err != nil {
		pool.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &scap.ConfigurationError{
			Field: "database",
			Err:   fmt.Errorf("unreachable after %s: %w", cfg.ConnectTimeout, err),
		}
	}
	return pool, nil
}
