package timescale

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// The view graph is small and fixed: the commitments view consolidates the
// old- and new-format opened-commitment streams, and api.preconf_txs joins
// the consolidated result with the remaining raw streams. Refresh order is
// commitments first so preconf_txs never reads a staler consolidated state.

const (
	commitmentsSchema = "public"
	commitmentsView   = "commitments"
	commitmentsIndex  = "commitments_unique_idx"

	aggregateSchema = "api"
	aggregateView   = "preconf_txs"
	aggregateIndex  = "preconf_txs_unique_idx"
)

// commitmentsViewSQL deduplicates the union of both opened-commitment
// formats: per commitmentindex, keep the row observed at the greatest
// block_number.
const commitmentsViewSQL = `
CREATE MATERIALIZED VIEW public.commitments AS
SELECT DISTINCT ON (commitmentindex)
    commitmentindex, bidder, committer, bid, blocknumber, txnhash,
    decaystarttimestamp, decayendtimestamp, dispatchtimestamp,
    block_number, hash
FROM (
    SELECT commitmentindex, bidder, committer, bid, blocknumber, txnhash,
           decaystarttimestamp, decayendtimestamp, dispatchtimestamp,
           block_number, hash
    FROM public.openedcommitmentstored
    UNION ALL
    SELECT commitmentindex, bidder, committer, bid, blocknumber, txnhash,
           decaystarttimestamp, decayendtimestamp, dispatchtimestamp,
           block_number, hash
    FROM public.openedcommitmentstoredv2
) merged
ORDER BY commitmentindex, block_number DESC
WITH NO DATA
`

// aggregateViewSQL joins commitments with the remaining raw streams keyed on
// the commitment index and the L1 transaction hash. The decay multiplier is a
// clamped ratio of time windows: 0 when its denominator is 0, never negative.
const aggregateViewSQL = `
CREATE MATERIALIZED VIEW api.preconf_txs AS
WITH
    encrypted_stores AS (
        SELECT commitmentindex, committer, commitmentdigest
        FROM public.unopenedcommitmentstored
    ),
    commit_stores AS (
        SELECT * FROM public.commitments
    ),
    commits_processed AS (
        SELECT commitmentindex, isslash
        FROM public.commitmentprocessed
    ),
    l1_transactions AS (
        SELECT * FROM public.l1transactions
    ),
    commitments_intermediate AS (
        SELECT
            es.commitmentindex,
            es.committer,
            es.commitmentdigest,
            '0x' || cs.txnhash AS txnhash,
            cp.isslash,
            cs.blocknumber AS inc_block_number,
            l1.hash,
            l1.timestamp,
            l1.extra_data AS builder_graffiti,
            cs.bidder,
            cs.bid,
            cs.decaystarttimestamp,
            cs.decayendtimestamp,
            cs.dispatchtimestamp
        FROM encrypted_stores es
        INNER JOIN commit_stores cs ON es.commitmentindex = cs.commitmentindex
        INNER JOIN commits_processed cp ON es.commitmentindex = cp.commitmentindex
        INNER JOIN l1_transactions l1 ON '0x' || cs.txnhash = l1.hash
    ),
    commitments_final AS (
        SELECT
            *,
            CAST(bid AS NUMERIC) / POWER(10, 18) AS bid_eth,
            TO_TIMESTAMP(timestamp / 1000) AS date,
            GREATEST(
                CASE
                    WHEN (decayendtimestamp - dispatchtimestamp) = 0 THEN 0
                    ELSE (decayendtimestamp - decaystarttimestamp)::FLOAT / (decayendtimestamp - dispatchtimestamp)
                END,
                0
            ) AS decay_multiplier
        FROM commitments_intermediate
    )
SELECT
    *,
    decay_multiplier * bid_eth AS decayed_bid_eth
FROM commitments_final
WITH NO DATA
`

// ProbeDDLCapability verifies the connection may create schemas and
// materialized views by creating and dropping a throwaway probe view.
// Returns ErrInsufficientPrivilege when the backend denies it.
func (s *Store) ProbeDDLCapability(ctx context.Context) error {
	statements := []string{
		"CREATE SCHEMA IF NOT EXISTS mev_probe",
		"CREATE MATERIALIZED VIEW IF NOT EXISTS mev_probe.ddl_probe AS SELECT 1 AS ok WITH NO DATA",
		"DROP MATERIALIZED VIEW IF EXISTS mev_probe.ddl_probe",
		"DROP SCHEMA IF EXISTS mev_probe",
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			if isPermissionDenied(err) {
				return fmt.Errorf("%w: %v", ErrInsufficientPrivilege, err)
			}
			return fmt.Errorf("ddl capability probe: %w", err)
		}
	}
	return nil
}

// isPermissionDenied matches the insufficient_privilege class of backend
// errors (42501).
func isPermissionDenied(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42501"
}

// EnsureCommitmentsView creates the consolidated commitments view once both
// opened-commitment storage tables exist. Returns ErrNotReady until then.
// Re-entry is idempotent: an existing view only gets its unique index healed.
func (s *Store) EnsureCommitmentsView(ctx context.Context) error {
	for _, table := range []string{"openedcommitmentstored", "openedcommitmentstoredv2"} {
		exists, err := s.tableExists(ctx, s.db, table)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%w: table %s absent", ErrNotReady, table)
		}
	}

	exists, err := s.matViewExists(ctx, s.db, commitmentsSchema, commitmentsView)
	if err != nil {
		return err
	}
	if exists {
		return s.ensureUniqueIndex(ctx, commitmentsSchema, commitmentsView, commitmentsIndex,
			"CREATE UNIQUE INDEX commitments_unique_idx ON public.commitments (commitmentindex, block_number)")
	}

	if _, err := s.db.Exec(ctx, commitmentsViewSQL); err != nil {
		return fmt.Errorf("create commitments view: %w", err)
	}
	if _, err := s.db.Exec(ctx,
		"CREATE UNIQUE INDEX commitments_unique_idx ON public.commitments (commitmentindex, block_number)"); err != nil {
		return fmt.Errorf("create commitments unique index: %w", err)
	}
	if _, err := s.db.Exec(ctx, "REFRESH MATERIALIZED VIEW public.commitments"); err != nil {
		return fmt.Errorf("populate commitments view: %w", err)
	}

	s.Logger.Info("Created materialized view", zap.String("view", "public.commitments"))
	return nil
}

// EnsureAggregateView creates api.preconf_txs once every upstream input,
// including the consolidated commitments view, exists. Returns ErrNotReady
// until then.
func (s *Store) EnsureAggregateView(ctx context.Context) error {
	for _, table := range []string{"unopenedcommitmentstored", "commitmentprocessed", "l1transactions"} {
		exists, err := s.tableExists(ctx, s.db, table)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%w: table %s absent", ErrNotReady, table)
		}
	}
	consolidated, err := s.matViewExists(ctx, s.db, commitmentsSchema, commitmentsView)
	if err != nil {
		return err
	}
	if !consolidated {
		return fmt.Errorf("%w: view %s absent", ErrNotReady, commitmentsView)
	}

	exists, err := s.matViewExists(ctx, s.db, aggregateSchema, aggregateView)
	if err != nil {
		return err
	}
	if exists {
		return s.ensureUniqueIndex(ctx, aggregateSchema, aggregateView, aggregateIndex,
			"CREATE UNIQUE INDEX preconf_txs_unique_idx ON api.preconf_txs (commitmentindex, hash)")
	}

	if _, err := s.db.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS api"); err != nil {
		return fmt.Errorf("create api schema: %w", err)
	}
	if _, err := s.db.Exec(ctx, aggregateViewSQL); err != nil {
		return fmt.Errorf("create preconf_txs view: %w", err)
	}
	if _, err := s.db.Exec(ctx,
		"CREATE UNIQUE INDEX preconf_txs_unique_idx ON api.preconf_txs (commitmentindex, hash)"); err != nil {
		return fmt.Errorf("create preconf_txs unique index: %w", err)
	}
	if _, err := s.db.Exec(ctx, "REFRESH MATERIALIZED VIEW api.preconf_txs"); err != nil {
		return fmt.Errorf("populate preconf_txs view: %w", err)
	}

	s.Logger.Info("Created materialized view", zap.String("view", "api.preconf_txs"))
	return nil
}

// ensureUniqueIndex self-heals a missing uniqueness index on an existing view
// without recreating the view. The index is what makes concurrent refresh
// possible.
func (s *Store) ensureUniqueIndex(ctx context.Context, schema, view, index, createSQL string) error {
	exists, err := s.indexExists(ctx, s.db, schema, view, index)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	if _, err := s.db.Exec(ctx, createSQL); err != nil {
		return fmt.Errorf("recreate unique index %s: %w", index, err)
	}
	s.Logger.Info("Recreated missing unique index",
		zap.String("view", schema+"."+view),
		zap.String("index", index),
	)
	return nil
}

// EnsureViews attempts creation of the whole view graph in dependency order.
// Not-ready inputs are logged and skipped, not errors; a failed capability
// probe skips creation entirely for this cycle.
func (s *Store) EnsureViews(ctx context.Context) error {
	if err := s.ProbeDDLCapability(ctx); err != nil {
		if errors.Is(err, ErrInsufficientPrivilege) {
			s.Logger.Warn("Skipping view creation this cycle", zap.Error(err))
			return nil
		}
		return err
	}

	ensure := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"public.commitments", s.EnsureCommitmentsView},
		{"api.preconf_txs", s.EnsureAggregateView},
	}
	for _, op := range ensure {
		if err := op.fn(ctx); err != nil {
			if errors.Is(err, ErrNotReady) {
				s.Logger.Info("View inputs not ready yet",
					zap.String("view", op.name),
					zap.String("reason", err.Error()),
				)
				continue
			}
			return err
		}
	}
	return nil
}

// Refresh refreshes one materialized view without blocking readers. A view
// that does not exist yet is a logged no-op, not an error.
func (s *Store) Refresh(ctx context.Context, schema, view string) error {
	exists, err := s.matViewExists(ctx, s.db, schema, view)
	if err != nil {
		return err
	}
	if !exists {
		s.Logger.Info("Materialized view not ready, skipping refresh",
			zap.String("view", schema+"."+view))
		return nil
	}

	// CONCURRENTLY cannot run inside a transaction; s.db autocommits.
	query := fmt.Sprintf("REFRESH MATERIALIZED VIEW CONCURRENTLY %s.%s", schema, view)
	if _, err := s.db.Exec(ctx, query); err != nil {
		return fmt.Errorf("refresh %s.%s: %w", schema, view, err)
	}
	s.Logger.Info("Refreshed materialized view", zap.String("view", schema+"."+view))
	return nil
}

// RefreshAll refreshes views in dependency order: the consolidated
// commitments view completes before preconf_txs is issued.
func (s *Store) RefreshAll(ctx context.Context) error {
	if err := s.Refresh(ctx, commitmentsSchema, commitmentsView); err != nil {
		return err
	}
	return s.Refresh(ctx, aggregateSchema, aggregateView)
}
