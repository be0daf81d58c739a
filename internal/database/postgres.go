package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/radiusdt/vector-attribution/internal/config"
)

const applicationName = "vector-attribution"

// PostgresDB holds the primary store's connection pool.
type PostgresDB struct {
	Pool   *pgxpool.Pool
	logger *zap.Logger
}

// poolConfig maps DatabaseConfig onto pgxpool settings. Zero durations keep
// the pgxpool defaults.
func poolConfig(cfg config.DatabaseConfig) (*pgxpool.Config, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}

	pc.MaxConns = int32(cfg.MaxConns)
	pc.MinConns = int32(cfg.MinConns)
	if cfg.MaxConnLifetime > 0 {
		pc.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		pc.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckPeriod > 0 {
		pc.HealthCheckPeriod = cfg.HealthCheckPeriod
	}
	if cfg.ConnectTimeout > 0 {
		pc.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	pc.ConnConfig.RuntimeParams["application_name"] = applicationName
	return pc, nil
}

// NewPostgresDB opens the pool and waits for one successful ping, bounded by
// the configured connect timeout.
func NewPostgresDB(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*PostgresDB, error) {
	pc, err := poolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pc.ConnConfig.ConnectTimeout)
	defer cancel()
	if pc.ConnConfig.ConnectTimeout <= 0 {
		pingCtx = ctx
	}
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres %s:%d: %w", cfg.Host, cfg.Port, err)
	}

	logger.Info("PostgreSQL pool ready",
		zap.String("addr", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)),
		zap.String("database", cfg.DBName),
		zap.Int32("max_conns", pc.MaxConns),
		zap.Int32("min_conns", pc.MinConns),
		zap.Duration("max_conn_lifetime", pc.MaxConnLifetime),
		zap.Duration("max_conn_idle_time", pc.MaxConnIdleTime),
		zap.Duration("health_check_period", pc.HealthCheckPeriod),
	)
	return &PostgresDB{Pool: pool, logger: logger}, nil
}

// Health pings the pool; the readiness check uses it.
func (db *PostgresDB) Health(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// Close releases every pooled connection.
func (db *PostgresDB) Close() {
	if db == nil || db.Pool == nil {
		return
	}
	db.Pool.Close()
	db.logger.Info("PostgreSQL pool closed")
}
