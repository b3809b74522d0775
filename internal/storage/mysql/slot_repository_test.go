package mysql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	stdErrors "errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	mysqldriver "github.com/go-sql-driver/mysql"

	xerrors "PoH-Ledger/internal/errors"
	"PoH-Ledger/internal/ledger"
)

func scenarioSlots(t *testing.T) []ledger.Slot {
	t.Helper()
	l := ledger.New()
	l.Submit(ledger.Transaction{From: "Alice", To: "Bob", Amount: 50})
	l.CloseSlot()
	for i := 0; i < 10; i++ {
		l.Tick()
	}
	l.Submit(ledger.Transaction{From: "Bob", To: "Charlie", Amount: 10})
	l.Submit(ledger.Transaction{From: "Charlie", To: "Alice", Amount: 10})
	l.CloseSlot()
	return l.Slots()
}

func TestFileSlotRepositoryRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	repo, err := NewFileSlotRepository(dir)
	if err != nil {
		t.Fatalf("failed to create file repo: %v", err)
	}

	ctx := context.Background()
	slots := scenarioSlots(t)
	for _, slot := range slots {
		if err := repo.Save(ctx, slot); err != nil {
			t.Fatalf("save slot %d failed: %v", slot.Number, err)
		}
	}
	if err := repo.Save(ctx, slots[1]); !stdErrors.Is(err, xerrors.New(xerrors.CodeConflict, "")) {
		t.Fatalf("expected conflict for duplicate slot, got %v", err)
	}

	reopened, err := NewFileSlotRepository(dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	height, _ := reopened.Height(ctx)
	if height != uint64(len(slots)) {
		t.Fatalf("expected height %d, got %d", len(slots), height)
	}
	restored, err := reopened.Range(ctx, 0, 100)
	if err != nil {
		t.Fatalf("range failed: %v", err)
	}
	if err := ledger.VerifySlots(restored, 0, len(restored)-1, 2); err != nil {
		t.Fatalf("restored slots do not verify: %v", err)
	}

	got, err := reopened.Get(ctx, 2)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.CloseHash != slots[2].CloseHash || len(got.Transactions) != 2 {
		t.Fatalf("unexpected slot %+v", got)
	}
	if _, err := reopened.Get(ctx, 9); !stdErrors.Is(err, ledger.ErrSlotNotFound) {
		t.Fatalf("expected slot not found, got %v", err)
	}
	if empty, _ := reopened.Range(ctx, 5, 9); len(empty) != 0 {
		t.Fatalf("expected empty range, got %d slots", len(empty))
	}
}

func TestOpenSelectsDriver(t *testing.T) {
	t.Parallel()

	if _, err := Open(context.Background(), Config{Driver: "sqlite"}); !stdErrors.Is(err, ErrUnsupportedDriver) {
		t.Fatalf("expected unsupported driver, got %v", err)
	}

	dir := t.TempDir()
	repo, err := Open(context.Background(), Config{Driver: "memory", DataDir: dir})
	if err != nil {
		t.Fatalf("open memory driver: %v", err)
	}
	if _, ok := repo.(*MemorySlotRepository); !ok {
		t.Fatalf("unexpected repository type %T", repo)
	}
	ctx := context.Background()
	for _, slot := range scenarioSlots(t) {
		if err := repo.Save(ctx, slot); err != nil {
			t.Fatalf("save slot %d failed: %v", slot.Number, err)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "slots.log")); !os.IsNotExist(err) {
		t.Fatalf("memory driver must not write slots.log, stat returned %v", err)
	}

	fileRepo, err := Open(context.Background(), Config{Driver: "File", DataDir: dir})
	if err != nil {
		t.Fatalf("open file driver: %v", err)
	}
	if _, ok := fileRepo.(*FileSlotRepository); !ok {
		t.Fatalf("unexpected repository type %T", fileRepo)
	}
	if height, _ := fileRepo.Height(ctx); height != 0 {
		t.Fatalf("file driver must not see memory slots, height %d", height)
	}
}

func TestMemorySlotRepository(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := NewMemorySlotRepository()
	slots := scenarioSlots(t)
	if err := repo.Save(ctx, slots[1]); !stdErrors.Is(err, xerrors.New(xerrors.CodeConflict, "")) {
		t.Fatalf("expected conflict for gap, got %v", err)
	}
	for _, slot := range slots {
		if err := repo.Save(ctx, slot); err != nil {
			t.Fatalf("save slot %d failed: %v", slot.Number, err)
		}
	}

	got, err := repo.Get(ctx, 1)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	got.Transactions[0].Amount = 999
	again, _ := repo.Get(ctx, 1)
	if again.Transactions[0].Amount != 50 {
		t.Fatalf("stored slot mutated through returned copy: %d", again.Transactions[0].Amount)
	}

	restored, err := repo.Range(ctx, 1, 100)
	if err != nil || len(restored) != 2 {
		t.Fatalf("range: %v, %d slots", err, len(restored))
	}
	if _, err := repo.Range(ctx, 2, 1); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if _, err := repo.Get(ctx, 3); !stdErrors.Is(err, ledger.ErrSlotNotFound) {
		t.Fatalf("expected slot not found, got %v", err)
	}
}

func TestSQLSlotRepositorySave(t *testing.T) {
	t.Parallel()

	db, driver := newMockDB(t, []mockOperation{
		execOp(insertSlotSQL(), mockResult{rowsAffected: 1}),
		{typ: opExec, query: insertSlotSQL(), err: &mysqldriver.MySQLError{Number: 1062, Message: "Duplicate entry"}},
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	repo := &SQLSlotRepository{db: db}
	slot := scenarioSlots(t)[1]
	if err := repo.Save(context.Background(), slot); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	err := repo.Save(context.Background(), slot)
	if xerrors.CodeOf(err) != xerrors.CodeConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestSQLSlotRepositoryGetRangeHeight(t *testing.T) {
	t.Parallel()

	slots := scenarioSlots(t)
	columns := []string{"slot_number", "open_hash", "close_counter", "close_hash", "batch"}
	rowOf := func(slot ledger.Slot) []driver.Value {
		batch, err := ledger.EncodeBatch(slot.Transactions)
		if err != nil {
			t.Fatalf("encode batch: %v", err)
		}
		return []driver.Value{int64(slot.Number), slot.OpenHash.Hex(), int64(slot.CloseCounter), slot.CloseHash.Hex(), batch}
	}

	db, driver := newMockDB(t, []mockOperation{
		queryOp(selectSlotColumns+` WHERE slot_number = ?`, mockRowsData{columns: columns, values: [][]driver.Value{rowOf(slots[2])}}),
		queryOp(selectSlotColumns+` WHERE slot_number = ?`, mockRowsData{columns: columns}),
		queryOp(selectSlotColumns+` WHERE slot_number BETWEEN ? AND ? ORDER BY slot_number ASC`, mockRowsData{
			columns: columns,
			values:  [][]driver.Value{rowOf(slots[0]), rowOf(slots[1]), rowOf(slots[2])},
		}),
		queryOp(`SELECT COUNT(*) FROM slots`, mockRowsData{columns: []string{"count"}, values: [][]driver.Value{{int64(3)}}}),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	repo := &SQLSlotRepository{db: db}
	ctx := context.Background()

	got, err := repo.Get(ctx, 2)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.CloseHash != slots[2].CloseHash || got.Transactions[1] != slots[2].Transactions[1] {
		t.Fatalf("unexpected slot: %+v", got)
	}
	if _, err := repo.Get(ctx, 7); !stdErrors.Is(err, ledger.ErrSlotNotFound) {
		t.Fatalf("expected slot not found, got %v", err)
	}

	list, err := repo.Range(ctx, 0, 2)
	if err != nil {
		t.Fatalf("range failed: %v", err)
	}
	if err := ledger.VerifySlots(list, 0, 2, 1); err != nil {
		t.Fatalf("slots loaded from MySQL do not verify: %v", err)
	}

	height, err := repo.Height(ctx)
	if err != nil || height != 3 {
		t.Fatalf("unexpected height %d (%v)", height, err)
	}
}

func TestSQLSlotRepositoryRunMigrations(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		execOp(`CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{columns: []string{"version"}}),
		beginOp(),
		execOp(readMigrationStatement(), mockResult{rowsAffected: 0}),
		execOp(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, mockResult{rowsAffected: 1}),
		commitOp(),
	}
	db, driver := newMockDB(t, ops)
	defer driver.assertConsumed(t)
	defer db.Close()

	repo := &SQLSlotRepository{db: db}
	if err := repo.runMigrations(context.Background()); err != nil {
		t.Fatalf("run migrations failed: %v", err)
	}
}

func TestSQLSlotRepositorySkipsAppliedMigrations(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		execOp(`CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{
			columns: []string{"version"},
			values:  [][]driver.Value{{"0001"}},
		}),
	}
	db, driver := newMockDB(t, ops)
	defer driver.assertConsumed(t)
	defer db.Close()

	repo := &SQLSlotRepository{db: db}
	if err := repo.runMigrations(context.Background()); err != nil {
		t.Fatalf("run migrations failed: %v", err)
	}
}

func insertSlotSQL() string {
	return `INSERT INTO slots
    (slot_number, open_hash, close_counter, close_hash, tx_count, batch, committed_at)
    VALUES (?, ?, ?, ?, ?, ?, ?)`
}

func readMigrationStatement() string {
	content, err := embeddedMigrations.ReadFile("0001_create_slots.sql")
	if err != nil {
		panic(fmt.Sprintf("failed to read migration: %v", err))
	}
	statements := splitSQLStatements(string(content))
	if len(statements) == 0 {
		panic("no statements in migration")
	}
	return statements[0]
}

type operationType int

const (
	opExec operationType = iota
	opQuery
	opBegin
	opCommit
	opRollback
)

type mockOperation struct {
	typ    operationType
	query  string
	result mockResult
	rows   mockRowsData
	err    error
}

type mockResult struct {
	lastInsertID int64
	rowsAffected int64
}

func (r mockResult) LastInsertId() (int64, error) { return r.lastInsertID, nil }
func (r mockResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }

type mockRowsData struct {
	columns []string
	values  [][]driver.Value
}

type queueDriver struct {
	ops []mockOperation
	idx int32
}

var driverSeq atomic.Int32

func newMockDB(t *testing.T, ops []mockOperation) (*sql.DB, *queueDriver) {
	t.Helper()

	drv := &queueDriver{ops: ops}
	name := fmt.Sprintf("mock-mysql-%d", driverSeq.Add(1))
	sql.Register(name, drv)

	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open mock db failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, drv
}

func execOp(query string, result mockResult) mockOperation {
	return mockOperation{typ: opExec, query: query, result: result}
}

func queryOp(query string, rows mockRowsData) mockOperation {
	return mockOperation{typ: opQuery, query: query, rows: rows}
}

func beginOp() mockOperation { return mockOperation{typ: opBegin} }

func commitOp() mockOperation { return mockOperation{typ: opCommit} }

func rollbackOp() mockOperation { return mockOperation{typ: opRollback} }

func (d *queueDriver) assertConsumed(t *testing.T) {
	t.Helper()

	if int(atomic.LoadInt32(&d.idx)) != len(d.ops) {
		t.Fatalf("not all operations consumed: %d/%d", atomic.LoadInt32(&d.idx), len(d.ops))
	}
}

func (d *queueDriver) Open(name string) (driver.Conn, error) {
	return &mockConn{driver: d}, nil
}

type mockConn struct {
	driver *queueDriver
}

func (c *mockConn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

func (c *mockConn) Close() error { return nil }

func (c *mockConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *mockConn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	op, err := c.next(opBegin, "")
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockTx{driver: c.driver}, nil
}

func (c *mockConn) Exec(query string, args []driver.Value) (driver.Result, error) {
	return c.ExecContext(context.Background(), query, named(args))
}

func (c *mockConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	op, err := c.next(opExec, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return op.result, nil
}

func (c *mockConn) Query(query string, args []driver.Value) (driver.Rows, error) {
	return c.QueryContext(context.Background(), query, named(args))
}

func (c *mockConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	op, err := c.next(opQuery, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockRows{columns: op.rows.columns, values: op.rows.values}, nil
}

func (c *mockConn) Ping(ctx context.Context) error { return nil }

func (c *mockConn) next(expected operationType, query string) (*mockOperation, error) {
	idx := int(atomic.LoadInt32(&c.driver.idx))
	if idx >= len(c.driver.ops) {
		return nil, fmt.Errorf("unexpected operation: %v", expected)
	}
	op := &c.driver.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", expected, op.typ)
	}
	atomic.AddInt32(&c.driver.idx, 1)
	if op.query != "" {
		expectedSQL := normalizeSQL(op.query)
		actualSQL := normalizeSQL(query)
		if expectedSQL != actualSQL {
			return nil, fmt.Errorf("unexpected query. want %q got %q", expectedSQL, actualSQL)
		}
	}
	return op, nil
}

type mockTx struct {
	driver *queueDriver
}

func (t *mockTx) Commit() error {
	op, err := t.next(opCommit)
	if err != nil {
		return err
	}
	return op.err
}

func (t *mockTx) Rollback() error {
	op, err := t.next(opRollback)
	if err != nil {
		return err
	}
	return op.err
}

func (t *mockTx) next(expected operationType) (*mockOperation, error) {
	idx := int(atomic.LoadInt32(&t.driver.idx))
	if idx >= len(t.driver.ops) {
		return nil, fmt.Errorf("unexpected operation: %v", expected)
	}
	op := &t.driver.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", expected, op.typ)
	}
	atomic.AddInt32(&t.driver.idx, 1)
	return op, nil
}

type mockRows struct {
	columns []string
	values  [][]driver.Value
	idx     int
}

func (r *mockRows) Columns() []string { return r.columns }
func (r *mockRows) Close() error      { return nil }

func (r *mockRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.idx])
	r.idx++
	return nil
}

func named(args []driver.Value) []driver.NamedValue {
	namedArgs := make([]driver.NamedValue, len(args))
	for i, arg := range args {
		namedArgs[i] = driver.NamedValue{Ordinal: i + 1, Value: arg}
	}
	return namedArgs
}

func normalizeSQL(query string) string {
	fields := strings.Fields(query)
	return strings.Join(fields, " ")
}
