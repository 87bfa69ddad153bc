// Package storage owns the PostgreSQL backend: the connection pool, the
// embedded schema migrations, and every query the engine issues against the
// pulses, aggregate and incident tables.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"github.com/pulsewatch/pulsewatch/internal/apperr"
	"github.com/pulsewatch/pulsewatch/internal/config"
)

// Store wraps the pgx pool with the typed queries the engine needs.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Open connects the pool using the storage section of the config.
func Open(ctx context.Context, cfg *config.StorageConfig, logger *slog.Logger) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse storage config: %w", err)
	}

	poolCfg.MaxConns = int32(cfg.Pool.MaxConns)
	poolCfg.MinConns = int32(cfg.Pool.MinConns)
	poolCfg.MaxConnLifetime = cfg.Pool.MaxConnLifetime()
	poolCfg.MaxConnIdleTime = cfg.Pool.MaxConnIdleTime()
	poolCfg.HealthCheckPeriod = cfg.Pool.HealthCheckPeriod()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// The database often comes up after the service does; keep pinging for a
	// while before giving up.
	backoff := retry.WithMaxDuration(30*time.Second, retry.NewConstant(2*time.Second))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := pool.Ping(ctx); err != nil {
			logger.Warn("storage not ready, retrying", "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		pool.Close()
		return nil, apperr.Wrap(apperr.KindStorageUnavailable, "storage ping failed", err)
	}

	return &Store{pool: pool, logger: logger.With("component", "storage")}, nil
}

// RunMigrations applies all pending embedded migrations.
func (s *Store) RunMigrations() error {
	goose.SetBaseFS(EmbeddedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()

	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Ping issues the trivial liveness query used by the self-monitor.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	if err := s.pool.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return apperr.Wrap(apperr.KindStorageUnavailable, "storage ping failed", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// ApplyRetention trims raw and hourly data past the given horizons. Daily
// rows are kept forever.
func (s *Store) ApplyRetention(ctx context.Context, rawHorizon, hourlyHorizon time.Time) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM pulses WHERE ts < $1`, rawHorizon); err != nil {
		return fmt.Errorf("failed to trim pulses: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM pulses_hourly WHERE hour < $1`, hourlyHorizon); err != nil {
		return fmt.Errorf("failed to trim hourly rows: %w", err)
	}
	return nil
}
