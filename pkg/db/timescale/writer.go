package timescale

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Evan-Kim2028/mev-commit-timescaldb/pkg/streams"
)

// policyDataType maps a storage type from the typing policy to the data_type
// name information_schema reports for it, for conflict detection.
var policyDataType = map[string]string{
	"BIGINT":           "bigint",
	"TEXT":             "text",
	"TIMESTAMPTZ":      "timestamp with time zone",
	"DOUBLE PRECISION": "double precision",
	"BOOLEAN":          "boolean",
	"NUMERIC(78)":      "numeric",
}

// Write persists one batch for one stream. It is a no-op on an empty batch,
// creates the storage table (and hypertable) lazily on the first non-empty
// batch, appends previously-unseen columns, and inserts rows with
// insert-or-ignore semantics keyed on the stream's primary key. Table DDL and
// the row insert run in one transaction: any failure rolls both back.
func (s *Store) Write(ctx context.Context, stream streams.Stream, batch *streams.Batch) error {
	if batch.Empty() {
		return nil
	}

	table := NormalizeName(stream.Name)
	cols, err := s.batchColumnDefs(table, stream, batch)
	if err != nil {
		return err
	}

	if missing := missingPrimaryKeys(stream.PrimaryKey, cols); len(missing) > 0 {
		return fmt.Errorf("%w: stream %s lacks %s",
			ErrMissingPrimaryKey, stream.Name, strings.Join(missing, ", "))
	}

	err = s.begin(ctx, func(tx Executor) error {
		if err := s.ensureSchema(ctx, tx, table, stream, cols); err != nil {
			return err
		}
		return s.insertRows(ctx, tx, table, stream, cols, batch)
	})
	if err != nil {
		return fmt.Errorf("write %d rows to %s: %w", batch.Len(), table, err)
	}

	s.Logger.Info("Wrote batch",
		zap.String("stream", stream.Name),
		zap.Int("rows", batch.Len()),
		zap.Int64("max_block_number", batch.MaxBlockNumber()),
	)
	return nil
}

// batchColumnDefs resolves the batch's columns through the typing policy,
// preserving batch column order. Storage types are cached per table.column so
// the policy is evaluated once per column per run, never re-derived from data.
func (s *Store) batchColumnDefs(table string, stream streams.Stream, batch *streams.Batch) ([]ColumnDef, error) {
	defs := make([]ColumnDef, 0, len(batch.Columns))
	for _, c := range batch.Columns {
		name := NormalizeName(c.Name)
		if name == "" {
			return nil, fmt.Errorf("stream %s: empty column name in batch", stream.Name)
		}
		key := table + "." + name
		storage, ok := s.colTypes.Load(key)
		if !ok {
			storage, _ = s.colTypes.LoadOrStore(key, storageType(stream, name, c.Type))
		}
		defs = append(defs, ColumnDef{Name: QuoteColumn(name), Type: storage})
	}
	return defs, nil
}

// missingPrimaryKeys returns declared key columns absent from the batch's
// normalized column set.
func missingPrimaryKeys(primaryKey []string, cols []ColumnDef) []string {
	var missing []string
	for _, pk := range primaryKey {
		found := false
		for _, c := range cols {
			if unquote(c.Name) == pk {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, pk)
		}
	}
	return missing
}

// ensureSchema creates the table on first contact or appends unseen columns.
// Existing columns are never dropped or retyped; a batch whose column maps to
// a different storage type than the declared one is rejected.
func (s *Store) ensureSchema(ctx context.Context, tx Executor, table string, stream streams.Stream, cols []ColumnDef) error {
	exists, err := s.tableExists(ctx, tx, table)
	if err != nil {
		return err
	}

	if !exists {
		if _, err := tx.Exec(ctx, buildCreateTable(table, cols, stream.PrimaryKey)); err != nil {
			return fmt.Errorf("create table %s: %w", table, err)
		}
		if _, err := tx.Exec(ctx, buildCreateHypertable(table)); err != nil {
			return fmt.Errorf("create hypertable %s: %w", table, err)
		}
		s.Logger.Info("Created hypertable",
			zap.String("table", table),
			zap.Strings("primary_key", stream.PrimaryKey),
		)
		return nil
	}

	existing, err := s.tableColumns(ctx, tx, table)
	if err != nil {
		return err
	}
	for _, col := range cols {
		declared, ok := existing[unquote(col.Name)]
		if !ok {
			if _, err := tx.Exec(ctx, buildAddColumn(table, col)); err != nil {
				return fmt.Errorf("add column %s to %s: %w", col.Name, table, err)
			}
			s.Logger.Info("Added column",
				zap.String("table", table),
				zap.String("column", col.Name),
				zap.String("type", col.Type),
			)
			continue
		}
		if want := policyDataType[col.Type]; want != "" && declared != want {
			return fmt.Errorf("%w: %s.%s is %s, batch requires %s",
				ErrTypeConflict, table, unquote(col.Name), declared, want)
		}
	}
	return nil
}

// insertRows sends one insert-or-ignore statement per row in a single
// round trip.
func (s *Store) insertRows(ctx context.Context, tx Executor, table string, stream streams.Stream, cols []ColumnDef, batch *streams.Batch) error {
	query := buildInsert(table, cols, stream.PrimaryKey)

	pgBatch := &pgx.Batch{}
	for _, row := range batch.Rows {
		if len(row) != len(cols) {
			return fmt.Errorf("stream %s: row has %d values for %d columns", stream.Name, len(row), len(cols))
		}
		args := make([]any, len(row))
		for i, v := range row {
			args[i] = insertValue(v)
		}
		pgBatch.Queue(query, args...)
	}

	results := tx.SendBatch(ctx, pgBatch)
	defer results.Close()
	for range batch.Rows {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("insert into %s: %w", table, err)
		}
	}
	return results.Close()
}

// insertValue serializes wide unsigned values as decimal text so they never
// overflow the target column type; NUMERIC(78) and TEXT both accept it.
func insertValue(v any) any {
	if d, ok := v.(decimal.Decimal); ok {
		return d.String()
	}
	return v
}
