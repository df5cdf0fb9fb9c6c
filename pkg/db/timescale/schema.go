package timescale

import (
	"fmt"
	"strings"

	"github.com/Evan-Kim2028/mev-commit-timescaldb/pkg/streams"
)

// reservedKeywords is the static set of PostgreSQL reserved words that must be
// quoted when used as column names. Owned here so quoting is applied the same
// way on write and on introspection.
var reservedKeywords = map[string]struct{}{
	"window": {}, "user": {}, "order": {}, "group": {}, "default": {},
	"check": {}, "index": {}, "primary": {}, "foreign": {}, "references": {},
	"constraint": {}, "select": {}, "where": {}, "from": {}, "table": {},
	"column": {}, "limit": {}, "to": {}, "into": {}, "update": {},
	"delete": {}, "insert": {}, "values": {}, "value": {}, "any": {},
	"some": {}, "all": {}, "distinct": {}, "as": {}, "between": {}, "by": {},
	"join": {}, "cross": {}, "inner": {}, "outer": {}, "left": {},
	"right": {}, "natural": {}, "union": {}, "intersect": {}, "except": {},
	"case": {}, "when": {}, "then": {}, "else": {}, "end": {}, "desc": {},
	"asc": {}, "nulls": {}, "first": {}, "last": {}, "grant": {}, "with": {},
}

// NormalizeName lowercases and trims a table or column identifier. Stream
// names and their derived table names always agree through this function.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// QuoteColumn quotes a normalized column name when it collides with a
// reserved keyword.
func QuoteColumn(name string) string {
	if _, ok := reservedKeywords[name]; ok {
		return `"` + name + `"`
	}
	return name
}

// hypertableChunkInterval is the fixed block_number span per hypertable chunk.
const hypertableChunkInterval = 100000

// ColumnDef pairs a quoted column identifier with its storage type.
type ColumnDef struct {
	Name string // already normalized and quoted
	Type string
}

// storageType is the total, deterministic mapping from a column's semantic
// type to its storage type. block_number is always the BIGINT time axis;
// declared primary-key columns other than block_number are TEXT so wide
// unsigned keys never overflow; everything unrecognized lands in TEXT.
func storageType(stream streams.Stream, name string, t streams.Type) string {
	if name == "block_number" {
		return "BIGINT"
	}
	if stream.HasPrimaryKeyColumn(name) {
		return "TEXT"
	}
	switch t {
	case streams.TypeTimestamp:
		return "TIMESTAMPTZ"
	case streams.TypeInt64:
		return "BIGINT"
	case streams.TypeFloat64:
		return "DOUBLE PRECISION"
	case streams.TypeBool:
		return "BOOLEAN"
	case streams.TypeUint256:
		return "NUMERIC(78)"
	default:
		return "TEXT"
	}
}

// buildCreateTable renders the CREATE TABLE statement for a stream's first
// batch. Identifiers in cols are already normalized and quoted.
func buildCreateTable(table string, cols []ColumnDef, primaryKey []string) string {
	defs := make([]string, 0, len(cols)+1)
	for _, c := range cols {
		defs = append(defs, fmt.Sprintf("%s %s", c.Name, c.Type))
	}
	quoted := make([]string, len(primaryKey))
	for i, pk := range primaryKey {
		quoted[i] = QuoteColumn(pk)
	}
	defs = append(defs, fmt.Sprintf("PRIMARY KEY (%s)", strings.Join(quoted, ", ")))
	return fmt.Sprintf("CREATE TABLE %s (%s)", table, strings.Join(defs, ", "))
}

// buildCreateHypertable renders the hypertable registration keyed on
// block_number. Scalability property only: bounds partition scan cost.
func buildCreateHypertable(table string) string {
	return fmt.Sprintf(
		"SELECT create_hypertable('%s', 'block_number', chunk_time_interval => %d, if_not_exists => TRUE)",
		table, hypertableChunkInterval)
}

// buildAddColumn renders the additive alteration for one unseen column.
func buildAddColumn(table string, col ColumnDef) string {
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, col.Name, col.Type)
}

// buildInsert renders the idempotent batch insert: a primary-key conflict
// discards the incoming row, rows already stored are never overwritten.
func buildInsert(table string, cols []ColumnDef, primaryKey []string) string {
	names := make([]string, len(cols))
	placeholders := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	quoted := make([]string, len(primaryKey))
	for i, pk := range primaryKey {
		quoted[i] = QuoteColumn(pk)
	}
	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO NOTHING",
		table,
		strings.Join(names, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(quoted, ", "),
	)
}

// unquote strips identifier quoting for case-insensitive comparison against
// information_schema, which reports unquoted lowercase names.
func unquote(name string) string {
	return strings.ToLower(strings.Trim(name, `"`))
}
