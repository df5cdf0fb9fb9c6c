package timescale

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/Evan-Kim2028/mev-commit-timescaldb/pkg/retry"
	"github.com/Evan-Kim2028/mev-commit-timescaldb/pkg/utils"
)

// Executor is an interface that both *pgxpool.Pool and pgx.Tx implement.
// Statements issued through the pool autocommit; statements issued through a
// transaction commit or roll back together.
type Executor interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Client wraps a TimescaleDB connection pool and provides helper methods.
type Client struct {
	Logger *zap.Logger
	Pool   *pgxpool.Pool
}

// New initializes a TimescaleDB client from the DATABASE_URL environment
// variable, retrying the initial connection with exponential backoff.
func New(ctx context.Context, logger *zap.Logger) (*Client, error) {
	connCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	dbURL := utils.Env("DATABASE_URL", "postgres://localhost:5432/mev_commit")

	config, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DATABASE_URL: %w", err)
	}

	config.MinConns = int32(utils.EnvInt("DB_MIN_CONNS", 2))
	config.MaxConns = int32(utils.EnvInt("DB_MAX_CONNS", 10))
	config.MaxConnLifetime = utils.EnvDuration("DB_CONN_MAX_LIFETIME", 1*time.Hour)
	config.MaxConnIdleTime = utils.EnvDuration("DB_CONN_MAX_IDLE_TIME", 30*time.Minute)

	client := &Client{Logger: logger}

	retryErr := retry.WithBackoff(connCtx, retry.DefaultConfig(), logger, "timescale_connection", func() error {
		pool, openErr := pgxpool.NewWithConfig(connCtx, config)
		if openErr != nil {
			return fmt.Errorf("failed to create connection pool: %w", openErr)
		}

		if pingErr := pool.Ping(connCtx); pingErr != nil {
			pool.Close()
			return fmt.Errorf("failed to ping timescale: %w", pingErr)
		}

		client.Pool = pool

		logger.Info("TimescaleDB connection pool configured",
			zap.Int32("min_conns", config.MinConns),
			zap.Int32("max_conns", config.MaxConns),
		)
		return nil
	})
	if retryErr != nil {
		return nil, retryErr
	}

	return client, nil
}

// Exec executes a query without returning any rows.
func (c *Client) Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	return c.Pool.Exec(ctx, query, args...)
}

// Query executes a query that returns rows.
// IMPORTANT: Caller MUST call rows.Close() when done to release the connection.
func (c *Client) Query(ctx context.Context, query string, args ...any) (pgx.Rows, error) {
	return c.Pool.Query(ctx, query, args...)
}

// QueryRow executes a query that is expected to return at most one row.
func (c *Client) QueryRow(ctx context.Context, query string, args ...any) pgx.Row {
	return c.Pool.QueryRow(ctx, query, args...)
}

// SendBatch sends a batch of queries.
func (c *Client) SendBatch(ctx context.Context, batch *pgx.Batch) pgx.BatchResults {
	return c.Pool.SendBatch(ctx, batch)
}

// BeginFunc executes fn inside a transaction. A non-nil error from fn rolls
// the transaction back; otherwise it commits. The pool's autocommit behavior
// is untouched on every exit path since the transaction is scoped to fn.
func (c *Client) BeginFunc(ctx context.Context, fn func(Executor) error) error {
	return pgx.BeginFunc(ctx, c.Pool, func(tx pgx.Tx) error {
		return fn(tx)
	})
}

// Close closes the connection pool.
func (c *Client) Close() {
	c.Pool.Close()
}

// IsNoRows checks if the error is a "no rows" error.
func IsNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
