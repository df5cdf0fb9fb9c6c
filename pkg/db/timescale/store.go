package timescale

import (
	"context"
	"errors"
	"fmt"

	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
)

// ErrNotReady signals that a required upstream table or view does not exist
// yet. It is an expected condition retried on the next cycle, never counted
// as a failure.
var ErrNotReady = errors.New("not ready")

// ErrMissingPrimaryKey marks a batch that lacks one of its stream's declared
// primary-key columns. This is a stream/source configuration mismatch, not a
// transient condition, so it is not retried within a cycle.
var ErrMissingPrimaryKey = errors.New("batch missing primary key column")

// ErrTypeConflict marks a batch whose column semantic type maps to a storage
// type different from the one the column was first created with. Columns are
// never retyped; the batch is rejected instead of coerced.
var ErrTypeConflict = errors.New("column storage type conflict")

// ErrInsufficientPrivilege marks a failed DDL capability probe. View creation
// is skipped for the cycle; the condition is not fatal.
var ErrInsufficientPrivilege = errors.New("insufficient privilege for view DDL")

// Store owns all TimescaleDB-side operations of the pipeline: cursor reads,
// schema-evolving batch writes, the materialized-view graph and the one-time
// legacy migration. It holds no state across cycles beyond the per-run
// column-type cache.
type Store struct {
	Logger *zap.Logger

	// db issues autocommit statements (view DDL, concurrent refresh);
	// begin scopes a unit of work in which DDL and DML fail together.
	db    Executor
	begin func(ctx context.Context, fn func(Executor) error) error

	// colTypes caches the storage type per "table.column" so the typing
	// policy is evaluated once per column per run.
	colTypes *xsync.Map[string, string]
}

// NewStore wires a Store on top of a connected client.
func NewStore(client *Client) *Store {
	return &Store{
		Logger:   client.Logger,
		db:       client,
		begin:    client.BeginFunc,
		colTypes: xsync.NewMap[string, string](),
	}
}

// newStoreWithExecutor is the test seam: exec receives every statement and
// begin defaults to running the unit of work on the same executor.
func newStoreWithExecutor(logger *zap.Logger, exec Executor, begin func(ctx context.Context, fn func(Executor) error) error) *Store {
	if begin == nil {
		begin = func(ctx context.Context, fn func(Executor) error) error {
			return fn(exec)
		}
	}
	return &Store{
		Logger:   logger,
		db:       exec,
		begin:    begin,
		colTypes: xsync.NewMap[string, string](),
	}
}

// tableExists checks for a table in the public schema.
func (s *Store) tableExists(ctx context.Context, exec Executor, table string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.tables
			WHERE table_schema = 'public'
			AND table_name = $1
		)
	`
	var exists bool
	if err := exec.QueryRow(ctx, query, table).Scan(&exists); err != nil {
		return false, fmt.Errorf("check if table exists %s: %w", table, err)
	}
	return exists, nil
}

// matViewExists checks for a materialized view in the given schema.
func (s *Store) matViewExists(ctx context.Context, exec Executor, schema, name string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM pg_matviews
			WHERE schemaname = $1
			AND matviewname = $2
		)
	`
	var exists bool
	if err := exec.QueryRow(ctx, query, schema, name).Scan(&exists); err != nil {
		return false, fmt.Errorf("check if materialized view exists %s.%s: %w", schema, name, err)
	}
	return exists, nil
}

// indexExists checks for a named index on a table in the given schema.
func (s *Store) indexExists(ctx context.Context, exec Executor, schema, table, index string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM pg_indexes
			WHERE schemaname = $1
			AND tablename = $2
			AND indexname = $3
		)
	`
	var exists bool
	if err := exec.QueryRow(ctx, query, schema, table, index).Scan(&exists); err != nil {
		return false, fmt.Errorf("check if index exists %s.%s: %w", schema, index, err)
	}
	return exists, nil
}

// tableColumns returns the existing columns of a table with their declared
// data types, keyed by lowercase column name.
func (s *Store) tableColumns(ctx context.Context, exec Executor, table string) (map[string]string, error) {
	query := `
		SELECT column_name, data_type
		FROM information_schema.columns
		WHERE table_schema = 'public'
		AND table_name = $1
	`
	rows, err := exec.Query(ctx, query, table)
	if err != nil {
		return nil, fmt.Errorf("list columns of %s: %w", table, err)
	}
	defer rows.Close()

	columns := make(map[string]string)
	for rows.Next() {
		var name, dataType string
		if err := rows.Scan(&name, &dataType); err != nil {
			return nil, fmt.Errorf("scan column of %s: %w", table, err)
		}
		columns[NormalizeName(name)] = dataType
	}
	return columns, rows.Err()
}
