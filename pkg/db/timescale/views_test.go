package timescale

import (
	"context"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rawTables(names ...string) map[string]map[string]string {
	out := map[string]map[string]string{}
	for _, n := range names {
		out[n] = map[string]string{"block_number": "bigint"}
	}
	return out
}

func TestEnsureCommitmentsViewNotReady(t *testing.T) {
	exec := newFakeExecutor()
	exec.tables = rawTables("openedcommitmentstored") // v2 still missing
	store := newTestStore(exec)

	err := store.EnsureCommitmentsView(context.Background())
	require.ErrorIs(t, err, ErrNotReady)
	assert.Empty(t, exec.execs)
}

func TestEnsureCommitmentsViewCreatesIndexAndPopulates(t *testing.T) {
	exec := newFakeExecutor()
	exec.tables = rawTables("openedcommitmentstored", "openedcommitmentstoredv2")
	store := newTestStore(exec)

	require.NoError(t, store.EnsureCommitmentsView(context.Background()))

	require.Len(t, exec.execs, 3)
	assert.Contains(t, exec.execs[0], "CREATE MATERIALIZED VIEW public.commitments")
	assert.Contains(t, exec.execs[0], "DISTINCT ON (commitmentindex)")
	assert.Contains(t, exec.execs[0], "ORDER BY commitmentindex, block_number DESC")
	assert.Contains(t, exec.execs[1], "CREATE UNIQUE INDEX commitments_unique_idx")
	assert.Equal(t, "REFRESH MATERIALIZED VIEW public.commitments", exec.execs[2])
}

func TestEnsureCommitmentsViewHealsMissingIndex(t *testing.T) {
	exec := newFakeExecutor()
	exec.tables = rawTables("openedcommitmentstored", "openedcommitmentstoredv2")
	exec.matviews["public.commitments"] = true

	store := newTestStore(exec)
	require.NoError(t, store.EnsureCommitmentsView(context.Background()))

	// View untouched, only the lost index is recreated.
	require.Len(t, exec.execs, 1)
	assert.Contains(t, exec.execs[0], "CREATE UNIQUE INDEX commitments_unique_idx")

	// With the index present the call converges to a full no-op.
	exec.indexes["public.commitments_unique_idx"] = true
	exec.execs = nil
	require.NoError(t, store.EnsureCommitmentsView(context.Background()))
	assert.Empty(t, exec.execs)
}

func TestEnsureAggregateViewGating(t *testing.T) {
	exec := newFakeExecutor()
	exec.tables = rawTables("unopenedcommitmentstored", "commitmentprocessed")
	store := newTestStore(exec)

	// l1transactions missing.
	err := store.EnsureAggregateView(context.Background())
	require.ErrorIs(t, err, ErrNotReady)

	// Raw tables present but consolidated view missing.
	exec.tables = rawTables("unopenedcommitmentstored", "commitmentprocessed", "l1transactions")
	err = store.EnsureAggregateView(context.Background())
	require.ErrorIs(t, err, ErrNotReady)
	assert.Empty(t, exec.execs)

	// All inputs present: schema, view, index, first population.
	exec.matviews["public.commitments"] = true
	require.NoError(t, store.EnsureAggregateView(context.Background()))
	require.Len(t, exec.execs, 4)
	assert.Equal(t, "CREATE SCHEMA IF NOT EXISTS api", exec.execs[0])
	assert.Contains(t, exec.execs[1], "CREATE MATERIALIZED VIEW api.preconf_txs")
	assert.Contains(t, exec.execs[2], "CREATE UNIQUE INDEX preconf_txs_unique_idx")
	assert.Equal(t, "REFRESH MATERIALIZED VIEW api.preconf_txs", exec.execs[3])
}

func TestEnsureAggregateViewIdempotentReentry(t *testing.T) {
	exec := newFakeExecutor()
	exec.tables = rawTables("unopenedcommitmentstored", "commitmentprocessed", "l1transactions")
	exec.matviews["public.commitments"] = true
	exec.matviews["api.preconf_txs"] = true
	exec.indexes["api.preconf_txs_unique_idx"] = true
	store := newTestStore(exec)

	require.NoError(t, store.EnsureAggregateView(context.Background()))
	assert.Empty(t, exec.execs)
}

func TestAggregateViewDecayMetric(t *testing.T) {
	// Clamped ratio: defined as 0 when the denominator is 0, never negative.
	assert.Contains(t, aggregateViewSQL, "WHEN (decayendtimestamp - dispatchtimestamp) = 0 THEN 0")
	assert.Contains(t, aggregateViewSQL, "GREATEST(")
	assert.Contains(t, aggregateViewSQL, "decay_multiplier * bid_eth AS decayed_bid_eth")
}

func TestRefreshMissingViewIsNoOp(t *testing.T) {
	exec := newFakeExecutor()
	store := newTestStore(exec)

	require.NoError(t, store.Refresh(context.Background(), "api", "preconf_txs"))
	assert.Empty(t, exec.execs)
}

func TestRefreshAllOrdering(t *testing.T) {
	exec := newFakeExecutor()
	exec.matviews["public.commitments"] = true
	exec.matviews["api.preconf_txs"] = true
	store := newTestStore(exec)

	require.NoError(t, store.RefreshAll(context.Background()))

	require.Len(t, exec.execs, 2)
	assert.Equal(t, "REFRESH MATERIALIZED VIEW CONCURRENTLY public.commitments", exec.execs[0])
	assert.Equal(t, "REFRESH MATERIALIZED VIEW CONCURRENTLY api.preconf_txs", exec.execs[1])
}

func TestEnsureViewsSkipsOnPermissionError(t *testing.T) {
	exec := newFakeExecutor()
	exec.tables = rawTables("openedcommitmentstored", "openedcommitmentstoredv2")
	exec.execErr["mev_probe"] = &pgconn.PgError{Code: "42501", Message: "permission denied"}
	store := newTestStore(exec)

	require.NoError(t, store.EnsureViews(context.Background()))
	for _, s := range exec.execs {
		assert.False(t, strings.Contains(s, "CREATE MATERIALIZED VIEW public.commitments"),
			"view creation should be skipped when the probe fails")
	}
}

func TestEnsureViewsNotReadyIsNotAnError(t *testing.T) {
	exec := newFakeExecutor()
	store := newTestStore(exec)

	require.NoError(t, store.EnsureViews(context.Background()))
	probeOnly := exec.statementsMatching("mev_probe")
	assert.Len(t, exec.execs, len(probeOnly))
}
