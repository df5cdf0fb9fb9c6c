package streams

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseType(t *testing.T) {
	tests := []struct {
		in   string
		want Type
	}{
		{"int64", TypeInt64},
		{"INT64", TypeInt64},
		{"uint256", TypeUint256},
		{"uint64", TypeUint256},
		{"float64", TypeFloat64},
		{"bool", TypeBool},
		{"timestamp", TypeTimestamp},
		{"bytes32", TypeText},
		{"", TypeText},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseType(tt.in), "ParseType(%q)", tt.in)
	}
}

func TestCoerceValueQuantities(t *testing.T) {
	got, err := CoerceValue(TypeUint256, "0x38d7ea4c68000")
	require.NoError(t, err)
	assert.True(t, got.(decimal.Decimal).Equal(decimal.RequireFromString("1000000000000000")))

	got, err = CoerceValue(TypeUint256, "115792089237316195423570985008687907853269984665640564039457584007913129639935")
	require.NoError(t, err)
	assert.Equal(t,
		"115792089237316195423570985008687907853269984665640564039457584007913129639935",
		got.(decimal.Decimal).String())

	got, err = CoerceValue(TypeInt64, float64(21284102))
	require.NoError(t, err)
	assert.Equal(t, int64(21284102), got)

	_, err = CoerceValue(TypeUint256, "0xzz")
	require.Error(t, err)
}

func TestCoerceValueTimestamp(t *testing.T) {
	got, err := CoerceValue(TypeTimestamp, float64(1700000000))
	require.NoError(t, err)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), got)

	got, err = CoerceValue(TypeTimestamp, "2024-11-14T22:13:20Z")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 11, 14, 22, 13, 20, 0, time.UTC), got)
}

func TestCoerceValueNilPassesThrough(t *testing.T) {
	got, err := CoerceValue(TypeInt64, nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestBatchHelpers(t *testing.T) {
	batch := &Batch{
		Columns: []Column{
			{Name: "block_number", Type: TypeInt64},
			{Name: "hash", Type: TypeText},
		},
		Rows: [][]any{
			{int64(5), "0xaa"},
			{int64(12), "0xbb"},
			{int64(7), "0xcc"},
		},
	}

	assert.False(t, batch.Empty())
	assert.Equal(t, 3, batch.Len())
	assert.Equal(t, 1, batch.ColumnIndex("hash"))
	assert.Equal(t, -1, batch.ColumnIndex("bid"))
	assert.Equal(t, []string{"bid"}, batch.MissingColumns([]string{"block_number", "bid"}))
	assert.Equal(t, int64(12), batch.MaxBlockNumber())

	var nilBatch *Batch
	assert.True(t, nilBatch.Empty())
	assert.Equal(t, 0, nilBatch.Len())
	assert.Equal(t, int64(0), nilBatch.MaxBlockNumber())
}

func TestStreamRegistryPrimaryKeys(t *testing.T) {
	for _, st := range MevCommit {
		assert.NotEmpty(t, st.PrimaryKey, "stream %s must declare a primary key", st.Name)
		assert.Contains(t, st.PrimaryKey, "block_number", "stream %s must key on block_number", st.Name)
	}

	staked := MevCommit[4]
	require.Equal(t, "staked", staked.Name)
	assert.True(t, staked.HasPrimaryKeyColumn("validator_public_key"))
	assert.False(t, staked.HasPrimaryKeyColumn("hash"))
}
