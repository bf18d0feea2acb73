package authkitpg

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

var errEmptyPoolURL = errors.New("credential_store.pgx.empty_database_url")

const (
	poolMinConns          = 1
	poolMaxConns          = 8
	poolMaxConnLifetime   = 30 * time.Minute
	poolHealthCheckPeriod = 30 * time.Second
)

// BuildPool opens a pgx pool and pings it once so misconfiguration fails at startup.
func BuildPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, errEmptyPoolURL
	}
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("credential_store.pgx.parse_config: %w", err)
	}
	config.MinConns = poolMinConns
	config.MaxConns = poolMaxConns
	config.MaxConnLifetime = poolMaxConnLifetime
	config.HealthCheckPeriod = poolHealthCheckPeriod
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("credential_store.pgx.connect: %w", err)
	}
	if pingErr := pool.Ping(ctx); pingErr != nil {
		pool.Close()
		return nil, fmt.Errorf("credential_store.pgx.ping: %w", pingErr)
	}
	return pool, nil
}
