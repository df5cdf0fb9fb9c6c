package timescale

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// fakeExecutor is a scripted stand-in for the pool/transaction executor. It
// answers the store's introspection queries from in-memory state and records
// every mutating statement in order.
type fakeExecutor struct {
	// tables maps table name to its columns (name -> information_schema
	// data_type).
	tables map[string]map[string]string
	// matviews holds "schema.name" keys.
	matviews map[string]bool
	// indexes holds "schema.index" keys.
	indexes map[string]bool
	// maxBlock maps table name to its max block_number.
	maxBlock map[string]int64
	// rowCount maps table name to its row count.
	rowCount map[string]int64

	// execErr fails any Exec whose SQL contains the key.
	execErr map[string]error
	// batchErr fails every queued batch statement.
	batchErr error

	// execs records Exec statements; queued records batch statements with
	// their args.
	execs  []string
	queued []queuedStmt
}

type queuedStmt struct {
	sql  string
	args []any
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		tables:   map[string]map[string]string{},
		matviews: map[string]bool{},
		indexes:  map[string]bool{},
		maxBlock: map[string]int64{},
		rowCount: map[string]int64{},
		execErr:  map[string]error{},
	}
}

func (f *fakeExecutor) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	for substr, err := range f.execErr {
		if strings.Contains(sql, substr) {
			return pgconn.CommandTag{}, err
		}
	}
	f.execs = append(f.execs, strings.TrimSpace(sql))
	return pgconn.CommandTag{}, nil
}

func (f *fakeExecutor) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	if strings.Contains(sql, "information_schema.columns") {
		table, _ := args[0].(string)
		cols := f.tables[table]
		names := make([]string, 0, len(cols))
		for name := range cols {
			names = append(names, name)
		}
		sort.Strings(names)
		rows := make([][]any, 0, len(cols))
		for _, name := range names {
			rows = append(rows, []any{name, cols[name]})
		}
		return &fakeRows{rows: rows}, nil
	}
	return nil, fmt.Errorf("unexpected query: %s", sql)
}

func (f *fakeExecutor) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	switch {
	case strings.Contains(sql, "information_schema.tables"):
		table, _ := args[0].(string)
		_, ok := f.tables[table]
		return &fakeRow{vals: []any{ok}}
	case strings.Contains(sql, "pg_matviews"):
		schema, _ := args[0].(string)
		name, _ := args[1].(string)
		return &fakeRow{vals: []any{f.matviews[schema+"."+name]}}
	case strings.Contains(sql, "pg_indexes"):
		schema, _ := args[0].(string)
		index, _ := args[2].(string)
		return &fakeRow{vals: []any{f.indexes[schema+"."+index]}}
	case strings.Contains(sql, "COALESCE(MAX(block_number)"):
		table := strings.TrimSpace(strings.TrimPrefix(sql, "SELECT COALESCE(MAX(block_number), 0) FROM "))
		return &fakeRow{vals: []any{f.maxBlock[table]}}
	case strings.Contains(sql, "COUNT(*)"):
		fields := strings.Fields(sql)
		table := fields[len(fields)-1]
		return &fakeRow{vals: []any{f.rowCount[table]}}
	}
	return &fakeRow{err: fmt.Errorf("unexpected query row: %s", sql)}
}

func (f *fakeExecutor) SendBatch(_ context.Context, b *pgx.Batch) pgx.BatchResults {
	results := &fakeBatchResults{err: f.batchErr}
	for _, q := range b.QueuedQueries {
		f.queued = append(f.queued, queuedStmt{sql: q.SQL, args: q.Arguments})
		results.remaining++
	}
	return results
}

// statementsMatching returns recorded Exec statements containing the
// substring, in order.
func (f *fakeExecutor) statementsMatching(substr string) []string {
	var out []string
	for _, s := range f.execs {
		if strings.Contains(s, substr) {
			out = append(out, s)
		}
	}
	return out
}

type fakeRow struct {
	vals []any
	err  error
}

func (r *fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		switch target := d.(type) {
		case *bool:
			*target = r.vals[i].(bool)
		case *int64:
			*target = r.vals[i].(int64)
		case *string:
			*target = r.vals[i].(string)
		default:
			return fmt.Errorf("unsupported scan target %T", d)
		}
	}
	return nil
}

type fakeRows struct {
	rows [][]any
	pos  int
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }

func (r *fakeRows) Next() bool {
	if r.pos >= len(r.rows) {
		return false
	}
	r.pos++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	row := r.rows[r.pos-1]
	return (&fakeRow{vals: row}).Scan(dest...)
}

func (r *fakeRows) Values() ([]any, error) {
	return r.rows[r.pos-1], nil
}

type fakeBatchResults struct {
	remaining int
	err       error
}

func (b *fakeBatchResults) Exec() (pgconn.CommandTag, error) {
	if b.remaining > 0 {
		b.remaining--
	}
	return pgconn.CommandTag{}, b.err
}

func (b *fakeBatchResults) Query() (pgx.Rows, error) { return &fakeRows{}, b.err }
func (b *fakeBatchResults) QueryRow() pgx.Row        { return &fakeRow{err: b.err} }
func (b *fakeBatchResults) Close() error             { return nil }
