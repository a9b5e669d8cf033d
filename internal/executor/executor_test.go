package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/rs/zerolog"

	"github.com/gridcast/ensembleql/internal/pool"
	"github.com/gridcast/ensembleql/internal/tabular"
	"github.com/gridcast/ensembleql/internal/validator"
)

// fakeRows is a scripted pgx.Rows.
type fakeRows struct {
	ctx    context.Context
	fields []pgconn.FieldDescription
	data   [][]any
	idx    int
	err    error
	block  bool // Next waits for ctx to end
	failAt int  // Next fails with err once idx reaches failAt (0 disables)
	closed bool
}

func (r *fakeRows) Next() bool {
	if r.closed {
		return false
	}
	if r.block {
		<-r.ctx.Done()
		r.err = r.ctx.Err()
		return false
	}
	if r.failAt > 0 && r.idx >= r.failAt {
		return false
	}
	if r.idx >= len(r.data) {
		return false
	}
	r.idx++
	return true
}

func (r *fakeRows) Values() ([]any, error)                       { return r.data[r.idx-1], nil }
func (r *fakeRows) Close()                                       { r.closed = true }
func (r *fakeRows) Err() error                                   { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT") }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return r.fields }
func (r *fakeRows) Scan(dest ...any) error                       { return errors.New("not supported") }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

type fakeConn struct {
	mu     sync.Mutex
	closed bool
	sqls   []string
	query  func(ctx context.Context, sql string) (pgx.Rows, error)
}

func (c *fakeConn) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	c.mu.Lock()
	c.sqls = append(c.sqls, sql)
	c.mu.Unlock()
	return c.query(ctx, sql)
}

func (c *fakeConn) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) lastSQL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sqls) == 0 {
		return ""
	}
	return c.sqls[len(c.sqls)-1]
}

var pathField = pgconn.FieldDescription{Name: "path", DataTypeOID: pgtype.Int4OID}

func numberedRows(n int) [][]any {
	data := make([][]any, n)
	for i := range data {
		data[i] = []any{int32(i + 1)}
	}
	return data
}

// harness wires a one-connection pool around conn.
func harness(t *testing.T, conn *fakeConn) (*pool.Pool, *Executor) {
	t.Helper()
	p, err := pool.New(context.Background(), pool.Config{MaxSize: 1}, func(ctx context.Context) (pool.Conn, error) {
		return conn, nil
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("pool.New: %v", err)
	}
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	return p, New(Config{}, zerolog.Nop())
}

func acceptedVerdict(t *testing.T, sql string, maxRows int) validator.Verdict {
	t.Helper()
	rules := validator.DefaultRules()
	rules.MaxRows = maxRows
	v := validator.Validate(validator.Candidate{SQL: sql}, rules)
	if !v.Accepted() {
		t.Fatalf("expected %q to be accepted, got %s: %s", sql, v.Reason, v.Message)
	}
	return v
}

func prepare(t *testing.T, p *pool.Pool, sql string, maxRows int, timeout time.Duration) Request {
	t.Helper()
	lease, err := p.Acquire(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	req, err := NewRequest(acceptedVerdict(t, sql, maxRows), timeout, maxRows, lease)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	return req
}

func TestNewRequest_RejectedVerdict(t *testing.T) {
	t.Parallel()
	v := validator.Validate(validator.Candidate{SQL: "DROP TABLE weather_forecast_ensemble"}, validator.DefaultRules())
	_, err := NewRequest(v, time.Second, 10, &pool.Lease{})
	if !errors.Is(err, ErrRejectedVerdict) {
		t.Fatalf("expected ErrRejectedVerdict, got %v", err)
	}
	if !strings.Contains(err.Error(), "FORBIDDEN_KEYWORD") {
		t.Fatalf("expected the rejection reason in %q", err.Error())
	}
}

func TestNewRequest_InvalidBounds(t *testing.T) {
	t.Parallel()
	v := acceptedVerdict(t, "SELECT 1", 10)
	if _, err := NewRequest(v, 0, 10, &pool.Lease{}); err == nil {
		t.Fatal("expected error for zero timeout")
	}
	if _, err := NewRequest(v, time.Second, 0, &pool.Lease{}); err == nil {
		t.Fatal("expected error for zero max rows")
	}
	if _, err := NewRequest(v, time.Second, 10, nil); err == nil {
		t.Fatal("expected error for nil lease")
	}
}

func TestNewRequest_OverFetchesWhenLimitNormalized(t *testing.T) {
	t.Parallel()
	cases := []struct {
		sql     string
		want    string
		bounded bool
	}{
		{"SELECT path FROM weather_forecast_ensemble", "SELECT path FROM weather_forecast_ensemble LIMIT 5001", true},
		{"SELECT path FROM weather_forecast_ensemble LIMIT 90000", "SELECT path FROM weather_forecast_ensemble LIMIT 5001", true},
		{"SELECT path FROM weather_forecast_ensemble LIMIT 20", "SELECT path FROM weather_forecast_ensemble LIMIT 20", false},
		{"SELECT 1 AS ok", "SELECT 1 AS ok", false},
	}
	for _, tc := range cases {
		req, err := NewRequest(acceptedVerdict(t, tc.sql, 5000), time.Second, 5000, &pool.Lease{})
		if err != nil {
			t.Fatalf("NewRequest(%q): %v", tc.sql, err)
		}
		if req.SQL != tc.want {
			t.Fatalf("NewRequest(%q).SQL = %q, want %q", tc.sql, req.SQL, tc.want)
		}
		if req.Bounded != tc.bounded {
			t.Fatalf("NewRequest(%q).Bounded = %v, want %v", tc.sql, req.Bounded, tc.bounded)
		}
	}
}

func TestExecute_TruncatesAtRowCap(t *testing.T) {
	t.Parallel()
	conn := &fakeConn{query: func(ctx context.Context, sql string) (pgx.Rows, error) {
		return &fakeRows{ctx: ctx, fields: []pgconn.FieldDescription{pathField}, data: numberedRows(5001)}, nil
	}}
	p, ex := harness(t, conn)
	req := prepare(t, p, "SELECT path FROM weather_forecast_ensemble", 5000, time.Second)

	res, err := ex.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(res.Rows) != 5000 {
		t.Fatalf("expected 5000 rows, got %d", len(res.Rows))
	}
	if !res.Truncated {
		t.Fatal("expected truncated=true")
	}
	if res.RowCap != 5000 {
		t.Fatalf("expected row cap 5000, got %d", res.RowCap)
	}
	if conn.lastSQL() != "SELECT path FROM weather_forecast_ensemble LIMIT 5001" {
		t.Fatalf("unexpected SQL sent: %q", conn.lastSQL())
	}
	if !req.Lease.Done() {
		t.Fatal("lease must end")
	}
	if s := p.Stats(); s.Idle != 1 || s.Discarded != 0 || s.InUse != 0 {
		t.Fatalf("bounded truncation should release the connection, got %+v", s)
	}
	if conn.IsClosed() {
		t.Fatal("connection must stay open for reuse")
	}
}

func TestExecute_UnboundedTruncationDiscards(t *testing.T) {
	t.Parallel()
	var rows *fakeRows
	conn := &fakeConn{query: func(ctx context.Context, sql string) (pgx.Rows, error) {
		rows = &fakeRows{ctx: ctx, fields: []pgconn.FieldDescription{pathField}, data: numberedRows(20)}
		return rows, nil
	}}
	p, ex := harness(t, conn)
	req := prepare(t, p, "SELECT generate_series(1, 20) AS path", 10, time.Second)
	if req.Bounded {
		t.Fatal("a statement without a limit must not be bounded")
	}

	res, err := ex.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(res.Rows) != 10 || !res.Truncated {
		t.Fatalf("expected 10 rows truncated, got %d truncated=%v", len(res.Rows), res.Truncated)
	}
	if !rows.closed {
		t.Fatal("rows must be closed")
	}
	if s := p.Stats(); s.Discarded != 1 || s.InUse != 0 {
		t.Fatalf("unbounded truncation should discard the connection, got %+v", s)
	}
}

func TestExecute_ExactlyCapIsNotTruncated(t *testing.T) {
	t.Parallel()
	conn := &fakeConn{query: func(ctx context.Context, sql string) (pgx.Rows, error) {
		return &fakeRows{ctx: ctx, fields: []pgconn.FieldDescription{pathField}, data: numberedRows(5000)}, nil
	}}
	p, ex := harness(t, conn)
	req := prepare(t, p, "SELECT path FROM weather_forecast_ensemble", 5000, time.Second)

	res, err := ex.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(res.Rows) != 5000 || res.Truncated {
		t.Fatalf("expected 5000 rows untruncated, got %d truncated=%v", len(res.Rows), res.Truncated)
	}
	if s := p.Stats(); s.Idle != 1 || s.Discarded != 0 {
		t.Fatalf("clean execution should release the connection, got %+v", s)
	}
}

func TestExecute_ColumnsAndValues(t *testing.T) {
	t.Parallel()
	ts := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	conn := &fakeConn{query: func(ctx context.Context, sql string) (pgx.Rows, error) {
		return &fakeRows{
			ctx: ctx,
			fields: []pgconn.FieldDescription{
				{Name: "valid_datetime", DataTypeOID: pgtype.TimestamptzOID},
				{Name: "variable", DataTypeOID: pgtype.TextOID},
				{Name: "value", DataTypeOID: pgtype.Float8OID},
				{Name: "path", DataTypeOID: pgtype.Int4OID},
				{Name: "mystery", DataTypeOID: 999999},
			},
			data: [][]any{
				{ts, "t2m", 281.5, int32(3), nil},
			},
		}, nil
	}}
	p, ex := harness(t, conn)
	req := prepare(t, p, "SELECT valid_datetime, variable, value, path, mystery FROM weather_forecast_ensemble LIMIT 1", 5000, time.Second)

	res, err := ex.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	wantTypes := []string{"timestamptz", "text", "float8", "int4", "oid:999999"}
	for i, col := range res.Columns {
		if col.EngineType != wantTypes[i] {
			t.Fatalf("column %d engine type = %q, want %q", i, col.EngineType, wantTypes[i])
		}
	}
	row := res.Rows[0]
	if row[0].Kind != tabular.KindTimestamp || !row[0].Time.Equal(ts) {
		t.Fatalf("unexpected timestamp %+v", row[0])
	}
	if row[1].Kind != tabular.KindText || row[1].Text != "t2m" {
		t.Fatalf("unexpected text %+v", row[1])
	}
	if row[2].Kind != tabular.KindNumeric || row[2].Float != 281.5 {
		t.Fatalf("unexpected float %+v", row[2])
	}
	if row[3].Kind != tabular.KindNumeric || !row[3].Integral || row[3].Int != 3 {
		t.Fatalf("unexpected int %+v", row[3])
	}
	if !row[4].IsNull() {
		t.Fatalf("expected null, got %+v", row[4])
	}
	if res.Elapsed <= 0 {
		t.Fatal("expected elapsed to be recorded")
	}
}

func TestExecute_Timeout(t *testing.T) {
	t.Parallel()
	conn := &fakeConn{query: func(ctx context.Context, sql string) (pgx.Rows, error) {
		return &fakeRows{ctx: ctx, fields: []pgconn.FieldDescription{pathField}, block: true}, nil
	}}
	p, ex := harness(t, conn)
	req := prepare(t, p, "SELECT path FROM weather_forecast_ensemble", 5000, 30*time.Millisecond)

	start := time.Now()
	_, err := ex.Execute(context.Background(), req)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("timeout was not enforced")
	}
	if s := p.Stats(); s.Discarded != 1 || s.InUse != 0 {
		t.Fatalf("timed out execution should discard the connection, got %+v", s)
	}
}

func TestExecute_CallerCancellation(t *testing.T) {
	t.Parallel()
	conn := &fakeConn{query: func(ctx context.Context, sql string) (pgx.Rows, error) {
		return &fakeRows{ctx: ctx, fields: []pgconn.FieldDescription{pathField}, block: true}, nil
	}}
	p, ex := harness(t, conn)
	req := prepare(t, p, "SELECT path FROM weather_forecast_ensemble", 5000, 10*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := ex.Execute(ctx, req)
	if !errors.Is(err, ErrCanceled) {
		t.Fatalf("expected ErrCanceled, got %v", err)
	}
	if s := p.Stats(); s.Discarded != 1 {
		t.Fatalf("cancelled execution should discard the connection, got %+v", s)
	}
}

func TestExecute_DBErrorVerbatim(t *testing.T) {
	t.Parallel()
	pgErr := &pgconn.PgError{Severity: "ERROR", Code: "42703", Message: `column "temp" does not exist`, Hint: "Perhaps you meant to reference the column \"t.tmp\"."}
	conn := &fakeConn{query: func(ctx context.Context, sql string) (pgx.Rows, error) {
		return nil, pgErr
	}}
	p, ex := harness(t, conn)
	req := prepare(t, p, "SELECT path FROM weather_forecast_ensemble", 5000, time.Second)

	_, err := ex.Execute(context.Background(), req)
	var dbErr *DBError
	if !errors.As(err, &dbErr) {
		t.Fatalf("expected *DBError, got %T: %v", err, err)
	}
	if dbErr.Message != `column "temp" does not exist` || dbErr.Code != "42703" {
		t.Fatalf("unexpected DBError %+v", dbErr)
	}
	if dbErr.Hint == "" {
		t.Fatal("expected hint to be carried")
	}
	if s := p.Stats(); s.Discarded != 1 {
		t.Fatalf("DB error should discard the connection, got %+v", s)
	}
}

func TestExecute_ErrorDuringIteration(t *testing.T) {
	t.Parallel()
	conn := &fakeConn{query: func(ctx context.Context, sql string) (pgx.Rows, error) {
		return &fakeRows{
			ctx:    ctx,
			fields: []pgconn.FieldDescription{pathField},
			data:   numberedRows(10),
			failAt: 3,
			err:    &pgconn.PgError{Code: "22012", Message: "division by zero"},
		}, nil
	}}
	p, ex := harness(t, conn)
	req := prepare(t, p, "SELECT path FROM weather_forecast_ensemble", 5000, time.Second)

	_, err := ex.Execute(context.Background(), req)
	var dbErr *DBError
	if !errors.As(err, &dbErr) || dbErr.Message != "division by zero" {
		t.Fatalf("expected division by zero DBError, got %v", err)
	}
	if s := p.Stats(); s.Discarded != 1 {
		t.Fatalf("expected discard, got %+v", s)
	}
}

func TestExecute_NonPgErrorBecomesDBError(t *testing.T) {
	t.Parallel()
	conn := &fakeConn{query: func(ctx context.Context, sql string) (pgx.Rows, error) {
		return nil, errors.New("conn closed")
	}}
	p, ex := harness(t, conn)
	req := prepare(t, p, "SELECT 1 AS ok", 5000, time.Second)

	_, err := ex.Execute(context.Background(), req)
	var dbErr *DBError
	if !errors.As(err, &dbErr) || dbErr.Message != "conn closed" || dbErr.Code != "" {
		t.Fatalf("expected plain DBError, got %v", err)
	}
}

func TestExecute_HardCellLimit(t *testing.T) {
	t.Parallel()
	conn := &fakeConn{query: func(ctx context.Context, sql string) (pgx.Rows, error) {
		return &fakeRows{
			ctx:    ctx,
			fields: []pgconn.FieldDescription{{Name: "blob", DataTypeOID: pgtype.TextOID}},
			data:   [][]any{{strings.Repeat("x", 2048)}},
		}, nil
	}}
	p, _ := harness(t, conn)
	ex := New(Config{MaxCellBytes: 1024}, zerolog.Nop())
	req := prepare(t, p, "SELECT 1 AS ok", 5000, time.Second)

	_, err := ex.Execute(context.Background(), req)
	if !errors.Is(err, ErrRowCapExceededHard) {
		t.Fatalf("expected ErrRowCapExceededHard, got %v", err)
	}
	if !req.Lease.Done() {
		t.Fatal("lease must end on hard limit")
	}
}

func TestExecute_EndedLease(t *testing.T) {
	t.Parallel()
	conn := &fakeConn{query: func(ctx context.Context, sql string) (pgx.Rows, error) {
		return &fakeRows{ctx: ctx}, nil
	}}
	p, ex := harness(t, conn)
	req := prepare(t, p, "SELECT 1 AS ok", 5000, time.Second)
	req.Lease.Release()

	if _, err := ex.Execute(context.Background(), req); err == nil {
		t.Fatal("expected error for an ended lease")
	}
}

func TestExecute_EveryPathEndsLeaseOnce(t *testing.T) {
	t.Parallel()
	scripts := map[string]func(ctx context.Context, sql string) (pgx.Rows, error){
		"ok": func(ctx context.Context, sql string) (pgx.Rows, error) {
			return &fakeRows{ctx: ctx, fields: []pgconn.FieldDescription{pathField}, data: numberedRows(3)}, nil
		},
		"truncated": func(ctx context.Context, sql string) (pgx.Rows, error) {
			return &fakeRows{ctx: ctx, fields: []pgconn.FieldDescription{pathField}, data: numberedRows(20)}, nil
		},
		"error": func(ctx context.Context, sql string) (pgx.Rows, error) {
			return nil, fmt.Errorf("boom")
		},
	}
	for name, script := range scripts {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			p, ex := harness(t, &fakeConn{query: script})
			req := prepare(t, p, "SELECT path FROM weather_forecast_ensemble", 10, time.Second)
			_, _ = ex.Execute(context.Background(), req)
			if req.Lease.Release() || req.Lease.Discard() {
				t.Fatal("lease was not ended by Execute")
			}
			if s := p.Stats(); s.InUse != 0 {
				t.Fatalf("lease leaked: %+v", s)
			}
		})
	}
}
