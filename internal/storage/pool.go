// Package storage provides the PostgreSQL storage layer for Bunrui.
//
// It owns the app_runs table (the durable run records, keyed by run ID) and
// the dispatch_outbox table, manages connection pooling via pgxpool, and runs
// the embedded forward-only migrations.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/bunrui/internal/tooltype"
)

// DB wraps a pgxpool.Pool for all queries. It holds the tool-type registry
// because classification is validated at the write itself: CreateRun is the
// single gate through which a code enters the database.
type DB struct {
	pool     *pgxpool.Pool
	registry *tooltype.Registry
	logger   *slog.Logger
}

// New creates a new DB with a connection pool and verifies connectivity.
// The registry must be fully populated before creation traffic arrives.
func New(ctx context.Context, dsn string, registry *tooltype.Registry, logger *slog.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	return &DB{pool: pool, registry: registry, logger: logger}, nil
}

// Pool returns the underlying connection pool for use by other packages.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// RegisterPoolMetrics registers observable OTEL gauges for pool health.
// Call after telemetry.Init so the global meter provider is configured.
func (db *DB) RegisterPoolMetrics() {
	meter := otel.GetMeterProvider().Meter("bunrui/storage")

	_, _ = meter.Int64ObservableGauge("bunrui.db.pool.total_conns",
		metric.WithDescription("Total connections in the pgx pool"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(db.pool.Stat().TotalConns()))
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("bunrui.db.pool.idle_conns",
		metric.WithDescription("Idle connections in the pgx pool"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(db.pool.Stat().IdleConns()))
			return nil
		}),
	)
}
