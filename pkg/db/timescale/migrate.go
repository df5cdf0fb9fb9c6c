package timescale

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// MigrateLegacyL1Columns performs the one-shot merge of the superseded
// blob_gas_used column from the legacy l1transactionswithblobs table into
// l1transactions. It only runs, and only commits, when both tables exist and
// the legacy table has rows to merge. Safe to call on every start.
func (s *Store) MigrateLegacyL1Columns(ctx context.Context) error {
	const (
		legacyTable = "l1transactionswithblobs"
		targetTable = "l1transactions"
	)

	for _, table := range []string{legacyTable, targetTable} {
		exists, err := s.tableExists(ctx, s.db, table)
		if err != nil {
			return err
		}
		if !exists {
			s.Logger.Debug("Legacy migration skipped, table absent", zap.String("table", table))
			return nil
		}
	}

	var legacyRows int64
	if err := s.db.QueryRow(ctx, "SELECT COUNT(*) FROM l1transactionswithblobs").Scan(&legacyRows); err != nil {
		return fmt.Errorf("count legacy rows: %w", err)
	}
	if legacyRows == 0 {
		s.Logger.Debug("Legacy migration skipped, no rows to merge")
		return nil
	}

	err := s.begin(ctx, func(tx Executor) error {
		columns, err := s.tableColumns(ctx, tx, targetTable)
		if err != nil {
			return err
		}
		if _, ok := columns["blob_gas_used"]; !ok {
			if _, err := tx.Exec(ctx, "ALTER TABLE l1transactions ADD COLUMN blob_gas_used BIGINT"); err != nil {
				return fmt.Errorf("add blob_gas_used to %s: %w", targetTable, err)
			}
		}
		tag, err := tx.Exec(ctx, `
			UPDATE l1transactions t
			SET blob_gas_used = l.blob_gas_used
			FROM l1transactionswithblobs l
			WHERE t.hash = l.hash
			AND t.blob_gas_used IS NULL
		`)
		if err != nil {
			return fmt.Errorf("merge blob_gas_used: %w", err)
		}
		s.Logger.Info("Merged legacy L1 transaction data",
			zap.Int64("legacy_rows", legacyRows),
			zap.Int64("updated_rows", tag.RowsAffected()),
		)
		return nil
	})
	if err != nil {
		return fmt.Errorf("legacy l1 migration: %w", err)
	}
	return nil
}
