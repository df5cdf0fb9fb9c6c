package streams

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Type is the semantic value type of a batch column, inferred by the source
// once per batch. Storage typing is derived from it by the writer.
type Type int

const (
	TypeText Type = iota
	TypeInt64
	TypeUint256
	TypeFloat64
	TypeBool
	TypeTimestamp
)

func (t Type) String() string {
	switch t {
	case TypeInt64:
		return "int64"
	case TypeUint256:
		return "uint256"
	case TypeFloat64:
		return "float64"
	case TypeBool:
		return "bool"
	case TypeTimestamp:
		return "timestamp"
	default:
		return "text"
	}
}

// ParseType maps a source-reported type name to a semantic type. Unknown
// names fall back to text, matching the writer's typing policy.
func ParseType(s string) Type {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "int64", "int32", "int":
		return TypeInt64
	case "uint256", "uint128", "uint64":
		return TypeUint256
	case "float64", "float":
		return TypeFloat64
	case "bool", "boolean":
		return TypeBool
	case "timestamp", "datetime":
		return TypeTimestamp
	default:
		return TypeText
	}
}

// Column is one named, typed column of a batch.
type Column struct {
	Name string
	Type Type
}

// Batch is one fetch's worth of rows for one stream: an ordered column list
// plus row-major values. Values are Go natives per semantic type: int64,
// decimal.Decimal (uint256), float64, bool, time.Time or string. Batches are
// ephemeral and consumed once by the writer.
type Batch struct {
	Columns []Column
	Rows    [][]any
}

// Empty reports whether the batch carries no rows.
func (b *Batch) Empty() bool {
	return b == nil || len(b.Rows) == 0
}

// Len returns the number of rows.
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Rows)
}

// ColumnIndex returns the position of the named column, or -1.
func (b *Batch) ColumnIndex(name string) int {
	for i, c := range b.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// MissingColumns returns the subset of names absent from the batch, in the
// order given.
func (b *Batch) MissingColumns(names []string) []string {
	var missing []string
	for _, n := range names {
		if b.ColumnIndex(n) < 0 {
			missing = append(missing, n)
		}
	}
	return missing
}

// MaxBlockNumber returns the greatest block_number across rows, 0 for an
// empty batch or a batch without the column.
func (b *Batch) MaxBlockNumber() int64 {
	if b.Empty() {
		return 0
	}
	idx := b.ColumnIndex("block_number")
	if idx < 0 {
		return 0
	}
	var max int64
	for _, row := range b.Rows {
		if n, ok := row[idx].(int64); ok && n > max {
			max = n
		}
	}
	return max
}

// CoerceValue converts a decoded JSON value into the Go native for the given
// semantic type. Numeric JSON arrives as float64; wide integers and hex
// quantities arrive as strings.
func CoerceValue(t Type, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case TypeInt64:
		switch n := v.(type) {
		case float64:
			return int64(n), nil
		case int64:
			return n, nil
		case string:
			d, err := parseQuantity(n)
			if err != nil {
				return nil, err
			}
			return d.IntPart(), nil
		}
	case TypeUint256:
		switch n := v.(type) {
		case float64:
			return decimal.NewFromFloat(n), nil
		case string:
			return parseQuantity(n)
		case decimal.Decimal:
			return n, nil
		}
	case TypeFloat64:
		if n, ok := v.(float64); ok {
			return n, nil
		}
	case TypeBool:
		if n, ok := v.(bool); ok {
			return n, nil
		}
	case TypeTimestamp:
		switch n := v.(type) {
		case float64:
			return time.Unix(int64(n), 0).UTC(), nil
		case string:
			ts, err := time.Parse(time.RFC3339, n)
			if err != nil {
				return nil, fmt.Errorf("parse timestamp %q: %w", n, err)
			}
			return ts.UTC(), nil
		case time.Time:
			return n.UTC(), nil
		}
	case TypeText:
		if s, ok := v.(string); ok {
			return s, nil
		}
		return fmt.Sprintf("%v", v), nil
	}
	return nil, fmt.Errorf("cannot coerce %T into %s", v, t)
}

// parseQuantity decodes a decimal or 0x-prefixed hex quantity into a decimal.
func parseQuantity(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		bi, ok := new(big.Int).SetString(s[2:], 16)
		if !ok {
			return decimal.Zero, fmt.Errorf("invalid hex quantity %q", s)
		}
		return decimal.NewFromBigInt(bi, 0), nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid quantity %q: %w", s, err)
	}
	return d, nil
}
