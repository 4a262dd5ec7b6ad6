package connectkitpg

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultMaxConns        int32 = 8
	defaultMaxConnLifetime       = 30 * time.Minute
	defaultHealthCheck           = 30 * time.Second
)

// PoolOptions tunes the pool behind PostgresAccountStore. Zero values use defaults.
type PoolOptions struct {
	MaxConns        int32
	MaxConnLifetime time.Duration
}

// BuildPool creates a pgx pool for the account store.
func BuildPool(ctx context.Context, databaseURL string, options PoolOptions) (*pgxpool.Pool, error) {
	config, err := poolConfig(databaseURL, options)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connectkitpg.build_pool: %w", err)
	}
	return pool, nil
}

func poolConfig(databaseURL string, options PoolOptions) (*pgxpool.Config, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connectkitpg.parse_url: %w", err)
	}
	config.MaxConns = defaultMaxConns
	if options.MaxConns > 0 {
		config.MaxConns = options.MaxConns
	}
	config.MinConns = min(1, config.MaxConns)
	config.MaxConnLifetime = defaultMaxConnLifetime
	if options.MaxConnLifetime > 0 {
		config.MaxConnLifetime = options.MaxConnLifetime
	}
	config.HealthCheckPeriod = defaultHealthCheck
	return config, nil
}
