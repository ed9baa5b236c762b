package store

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// queryExpectation serves QueryRow (value or values) and Query (rows) calls
// in order.
type queryExpectation struct {
	expect *regexp.Regexp
	args   []any
	value  any
	values []any
	rows   [][]any
	err    error
}

func (q queryExpectation) row() []any {
	if q.values != nil {
		return q.values
	}
	return []any{q.value}
}

type execExpectation struct {
	expect *regexp.Regexp
	args   []any
	// tag defaults to "UPDATE 1".
	tag string
	err error
}

func (e execExpectation) commandTag() pgconn.CommandTag {
	if e.tag == "" {
		return pgconn.NewCommandTag("UPDATE 1")
	}
	return pgconn.NewCommandTag(e.tag)
}

type mockPool struct {
	t       *testing.T
	queries []queryExpectation
	execs   []execExpectation
	txs     []*mockTx
	txIdx   int
}

func (m *mockPool) nextQuery(sql string, args []any) queryExpectation {
	m.t.Helper()
	if len(m.queries) == 0 {
		m.t.Fatalf("unexpected query: %s", sql)
	}
	exp := m.queries[0]
	m.queries = m.queries[1:]
	if !exp.expect.MatchString(sql) {
		m.t.Fatalf("query mismatch: %s", sql)
	}
	assertArgs(m.t, exp.args, args)
	return exp
}

func (m *mockPool) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	exp := m.nextQuery(sql, args)
	return mockRow{values: exp.row(), err: exp.err}
}

func (m *mockPool) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	exp := m.nextQuery(sql, args)
	if exp.err != nil {
		return nil, exp.err
	}
	return &mockRows{rows: exp.rows}, nil
}

func (m *mockPool) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	if len(m.execs) == 0 {
		m.t.Fatalf("unexpected exec: %s", sql)
	}
	exp := m.execs[0]
	m.execs = m.execs[1:]
	if !exp.expect.MatchString(sql) {
		m.t.Fatalf("exec mismatch: %s", sql)
	}
	assertArgs(m.t, exp.args, arguments)
	return exp.commandTag(), exp.err
}

func (m *mockPool) BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error) {
	if m.txIdx >= len(m.txs) {
		m.t.Fatalf("unexpected begin tx (no more transactions)")
	}
	tx := m.txs[m.txIdx]
	m.txIdx++
	tx.started = true
	return tx, nil
}

func (m *mockPool) Ping(ctx context.Context) error { return nil }

func (m *mockPool) assertDone() {
	m.t.Helper()
	if len(m.queries) != 0 {
		m.t.Fatalf("pending queries: %v", m.queries)
	}
	if len(m.execs) != 0 {
		m.t.Fatalf("pending execs: %v", m.execs)
	}
	if m.txIdx != len(m.txs) {
		m.t.Fatalf("expected %d transactions, got %d", len(m.txs), m.txIdx)
	}
}

type mockRow struct {
	values []any
	err    error
}

func (m mockRow) Scan(dest ...any) error {
	if m.err != nil {
		return m.err
	}
	return scanValues(m.values, dest)
}

func scanValues(values, dest []any) error {
	if len(dest) != len(values) {
		return fmt.Errorf("unexpected dest count: %d, have %d values", len(dest), len(values))
	}
	for i := range dest {
		if err := assign(dest[i], values[i]); err != nil {
			return fmt.Errorf("column %d: %w", i, err)
		}
	}
	return nil
}

// assign stores v into the pointer dest, allocating for nullable targets.
func assign(dest, v any) error {
	dv := reflect.ValueOf(dest)
	if dv.Kind() != reflect.Pointer || dv.IsNil() {
		return fmt.Errorf("destination %T is not a pointer", dest)
	}
	target := dv.Elem()
	if v == nil {
		target.Set(reflect.Zero(target.Type()))
		return nil
	}
	vv := reflect.ValueOf(v)
	switch {
	case vv.Type().AssignableTo(target.Type()):
		target.Set(vv)
	case target.Kind() == reflect.Pointer && vv.Type().AssignableTo(target.Type().Elem()):
		p := reflect.New(target.Type().Elem())
		p.Elem().Set(vv)
		target.Set(p)
	default:
		return fmt.Errorf("cannot assign %T to %s", v, target.Type())
	}
	return nil
}

type mockRows struct {
	rows [][]any
	idx  int
	err  error
}

func (r *mockRows) Close()                                       {}
func (r *mockRows) Err() error                                   { return r.err }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT") }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }

func (r *mockRows) Next() bool {
	if r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}

func (r *mockRows) Scan(dest ...any) error {
	if r.idx == 0 || r.idx > len(r.rows) {
		return fmt.Errorf("scan without row")
	}
	return scanValues(r.rows[r.idx-1], dest)
}

func (r *mockRows) Values() ([]any, error) {
	if r.idx == 0 || r.idx > len(r.rows) {
		return nil, fmt.Errorf("values without row")
	}
	return r.rows[r.idx-1], nil
}

type mockTx struct {
	execs     []execExpectation
	queries   []queryExpectation
	started   bool
	committed bool
	rolled    bool
}

func (m *mockTx) Begin(ctx context.Context) (pgx.Tx, error) {
	return nil, fmt.Errorf("unexpected nested begin")
}
func (m *mockTx) Commit(ctx context.Context) error {
	m.committed = true
	return nil
}
func (m *mockTx) Rollback(ctx context.Context) error {
	if m.committed {
		return pgx.ErrTxClosed
	}
	m.rolled = true
	return nil
}
func (m *mockTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, fmt.Errorf("unexpected CopyFrom")
}
func (m *mockTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults {
	return emptyBatchResults{}
}
func (m *mockTx) LargeObjects() pgx.LargeObjects { return pgx.LargeObjects{} }
func (m *mockTx) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	return nil, fmt.Errorf("unexpected Prepare")
}
func (m *mockTx) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	if len(m.execs) == 0 {
		return pgconn.CommandTag{}, fmt.Errorf("unexpected tx exec: %s", sql)
	}
	exp := m.execs[0]
	m.execs = m.execs[1:]
	if !exp.expect.MatchString(sql) {
		return pgconn.CommandTag{}, fmt.Errorf("exec mismatch: %s", sql)
	}
	if err := assertArgs(nil, exp.args, arguments); err != nil {
		return pgconn.CommandTag{}, err
	}
	return exp.commandTag(), exp.err
}
func (m *mockTx) nextQuery(sql string, args []any) (queryExpectation, error) {
	if len(m.queries) == 0 {
		return queryExpectation{}, fmt.Errorf("unexpected tx query: %s", sql)
	}
	exp := m.queries[0]
	m.queries = m.queries[1:]
	if !exp.expect.MatchString(sql) {
		return queryExpectation{}, fmt.Errorf("tx query mismatch: %s", sql)
	}
	if err := assertArgs(nil, exp.args, args); err != nil {
		return queryExpectation{}, err
	}
	return exp, nil
}
func (m *mockTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	exp, err := m.nextQuery(sql, args)
	if err != nil {
		return nil, err
	}
	if exp.err != nil {
		return nil, exp.err
	}
	return &mockRows{rows: exp.rows}, nil
}
func (m *mockTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	exp, err := m.nextQuery(sql, args)
	if err != nil {
		return mockRow{err: err}
	}
	return mockRow{values: exp.row(), err: exp.err}
}
func (m *mockTx) Conn() *pgx.Conn { return nil }

func (m *mockTx) assertDone() {
	if len(m.execs) != 0 {
		panic(fmt.Sprintf("pending tx execs: %v", m.execs))
	}
	if len(m.queries) != 0 {
		panic(fmt.Sprintf("pending tx queries: %v", m.queries))
	}
	if !m.committed && !m.rolled {
		panic("transaction not finished")
	}
}

func assertArgs(t *testing.T, expected, actual []any) error {
	if t != nil {
		t.Helper()
	}
	if len(expected) == 0 {
		return nil
	}
	if len(expected) != len(actual) {
		if t != nil {
			t.Fatalf("argument length mismatch: expected %d got %d", len(expected), len(actual))
		}
		return fmt.Errorf("argument length mismatch")
	}
	for i, exp := range expected {
		if exp == nil {
			continue
		}
		if !reflect.DeepEqual(exp, actual[i]) {
			if t != nil {
				t.Fatalf("argument mismatch at %d: expected %v got %v", i, exp, actual[i])
			}
			return fmt.Errorf("argument mismatch at %d: expected %v got %v", i, exp, actual[i])
		}
	}
	return nil
}

type emptyBatchResults struct{}

func (emptyBatchResults) Exec() (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, fmt.Errorf("unexpected batch exec")
}
func (emptyBatchResults) Query() (pgx.Rows, error) { return nil, fmt.Errorf("unexpected batch query") }
func (emptyBatchResults) QueryRow() pgx.Row {
	return mockRow{err: fmt.Errorf("unexpected batch queryrow")}
}
func (emptyBatchResults) Close() error { return nil }
