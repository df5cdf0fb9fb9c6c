package timescale

import (
	"context"
	"fmt"

	"github.com/Evan-Kim2028/mev-commit-timescaldb/pkg/streams"
)

// MaxIngested returns the highest ingested block_number for a stream, derived
// from its storage table. Fails open: a stream whose table has not been
// created yet reports 0 so ingestion starts from the beginning. Connectivity
// errors surface to the caller.
func (s *Store) MaxIngested(ctx context.Context, stream streams.Stream) (int64, error) {
	table := NormalizeName(stream.Name)

	exists, err := s.tableExists(ctx, s.db, table)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, nil
	}

	var max int64
	query := fmt.Sprintf("SELECT COALESCE(MAX(block_number), 0) FROM %s", table)
	if err := s.db.QueryRow(ctx, query).Scan(&max); err != nil {
		return 0, fmt.Errorf("max block_number of %s: %w", table, err)
	}
	return max, nil
}
