package ensembleql

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/rs/zerolog"

	"github.com/gridcast/ensembleql/internal/export"
	"github.com/gridcast/ensembleql/internal/pool"
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
	if r.idx >= len(r.data) {
		return false
	}
	r.idx++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	row := r.data[r.idx-1]
	if len(dest) != len(row) {
		return fmt.Errorf("scan: %d destinations for %d values", len(dest), len(row))
	}
	for i, d := range dest {
		switch d := d.(type) {
		case *string:
			*d = row[i].(string)
		case *bool:
			*d = row[i].(bool)
		default:
			return fmt.Errorf("scan: unsupported destination %T", d)
		}
	}
	return nil
}

func (r *fakeRows) Values() ([]any, error)                       { return r.data[r.idx-1], nil }
func (r *fakeRows) Close()                                       { r.closed = true }
func (r *fakeRows) Err() error                                   { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT") }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return r.fields }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

// fakeDB hands out connections that answer every statement with query.
type fakeDB struct {
	mu      sync.Mutex
	dials   int
	sqls    []string
	dialErr error
	query   func(ctx context.Context, sql string, args []any) (pgx.Rows, error)
}

func (db *fakeDB) connect(ctx context.Context) (pool.Conn, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.dials++
	if db.dialErr != nil {
		return nil, db.dialErr
	}
	return &fakeConn{db: db}, nil
}

func (db *fakeDB) dialCount() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.dials
}

func (db *fakeDB) lastSQL() string {
	db.mu.Lock()
	defer db.mu.Unlock()
	if len(db.sqls) == 0 {
		return ""
	}
	return db.sqls[len(db.sqls)-1]
}

type fakeConn struct {
	db     *fakeDB
	mu     sync.Mutex
	closed bool
}

func (c *fakeConn) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	c.db.mu.Lock()
	c.db.sqls = append(c.db.sqls, sql)
	c.db.mu.Unlock()
	return c.db.query(ctx, sql, args)
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

var pathField = pgconn.FieldDescription{Name: "path", DataTypeOID: pgtype.Int4OID}

func numberedRows(n int) [][]any {
	data := make([][]any, n)
	for i := range data {
		data[i] = []any{int32(i + 1)}
	}
	return data
}

func rowsOf(fields []pgconn.FieldDescription, data [][]any) func(ctx context.Context, sql string, args []any) (pgx.Rows, error) {
	return func(ctx context.Context, sql string, args []any) (pgx.Rows, error) {
		return &fakeRows{ctx: ctx, fields: fields, data: data}, nil
	}
}

func testConfig() Config {
	c := Config{}.WithDefaults()
	c.Pool.MinConns = 0
	c.Pool.MaxConns = 2
	c.Pool.AcquireTimeoutSeconds = 2
	return c
}

// newTestEngine builds an Engine over db. mutate may adjust the config.
func newTestEngine(t *testing.T, db *fakeDB, mutate func(*Config), opts ...Option) *Engine {
	t.Helper()
	config := testConfig()
	if mutate != nil {
		mutate(&config)
	}
	e, err := newEngine(context.Background(), config, db.connect, zerolog.Nop(), opts...)
	if err != nil {
		t.Fatalf("newEngine: %v", err)
	}
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return e
}

func assertContains(t *testing.T, s, substr string) {
	t.Helper()
	if !strings.Contains(s, substr) {
		t.Fatalf("expected %q to contain %q", s, substr)
	}
}

func TestRun_RejectionNeverDials(t *testing.T) {
	t.Parallel()
	db := &fakeDB{query: rowsOf(nil, nil)}
	e := newTestEngine(t, db, nil)

	out := e.Run(context.Background(), RunInput{SQL: "DELETE FROM weather_forecast_ensemble"})
	if out.Rejection != validator.ReasonForbiddenKeyword {
		t.Fatalf("expected FORBIDDEN_KEYWORD, got %q (%s)", out.Rejection, out.Error)
	}
	assertContains(t, out.Error, "query rejected (FORBIDDEN_KEYWORD)")
	assertContains(t, out.Error, "Only a single read-only SELECT")
	if out.Result != nil {
		t.Fatal("rejected query must not carry a result")
	}
	if db.dialCount() != 0 {
		t.Fatalf("rejected query must not open a connection, got %d dials", db.dialCount())
	}
	if out.RequestID == "" {
		t.Fatal("expected a generated request id")
	}
}

func TestRun_UnknownTableRejected(t *testing.T) {
	t.Parallel()
	db := &fakeDB{query: rowsOf(nil, nil)}
	e := newTestEngine(t, db, nil)

	out := e.Run(context.Background(), RunInput{SQL: "SELECT * FROM pg_shadow"})
	if out.Rejection != validator.ReasonUnknownTable {
		t.Fatalf("expected UNKNOWN_TABLE, got %q (%s)", out.Rejection, out.Error)
	}
	if db.dialCount() != 0 {
		t.Fatal("rejected query must not open a connection")
	}
}

func TestRun_InjectsLimitAndTruncates(t *testing.T) {
	t.Parallel()
	db := &fakeDB{query: rowsOf([]pgconn.FieldDescription{pathField}, numberedRows(11))}
	e := newTestEngine(t, db, func(c *Config) { c.Query.MaxRows = 10 })

	out := e.Run(context.Background(), RunInput{SQL: "SELECT path FROM weather_forecast_ensemble", SessionID: "s1"})
	if out.Error != "" {
		t.Fatalf("unexpected error: %s", out.Error)
	}
	if !strings.HasSuffix(out.SQL, "LIMIT 10") {
		t.Fatalf("expected the normalized SQL to carry LIMIT 10, got %q", out.SQL)
	}
	if !strings.HasSuffix(db.lastSQL(), "LIMIT 11") {
		t.Fatalf("expected the executed SQL to over-fetch by one, got %q", db.lastSQL())
	}
	if !out.Result.Truncated || out.Result.RowCount != 10 || out.Result.RowCap != 10 {
		t.Fatalf("expected 10 truncated rows, got count=%d truncated=%v cap=%d", out.Result.RowCount, out.Result.Truncated, out.Result.RowCap)
	}
	if out.Result.Summary.TruncationNotice == "" {
		t.Fatal("expected a truncation notice")
	}
}

func TestRun_SingleConnectionQueuesSecondCaller(t *testing.T) {
	t.Parallel()
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	db := &fakeDB{query: func(ctx context.Context, sql string, args []any) (pgx.Rows, error) {
		started <- struct{}{}
		<-release
		return &fakeRows{ctx: ctx, fields: []pgconn.FieldDescription{pathField}, data: numberedRows(1)}, nil
	}}
	e := newTestEngine(t, db, func(c *Config) {
		c.Pool.MaxConns = 1
		c.Pool.AcquireTimeoutSeconds = 5
	})

	outs := make([]*RunOutput, 2)
	var wg sync.WaitGroup
	run := func(i int) {
		defer wg.Done()
		outs[i] = e.Run(context.Background(), RunInput{SQL: "SELECT path FROM weather_forecast_ensemble LIMIT 1", SessionID: "s1"})
	}

	wg.Add(1)
	go run(0)
	<-started

	wg.Add(1)
	go run(1)
	select {
	case <-started:
		t.Fatal("second run must wait for the only connection")
	case <-time.After(100 * time.Millisecond):
	}
	if s := e.Stats(); s.InUse != 1 || s.Live != 1 {
		t.Fatalf("expected one connection in use, got %+v", s)
	}

	close(release)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("second run did not proceed after the first finished")
	}
	wg.Wait()

	for i, out := range outs {
		if out.Error != "" {
			t.Fatalf("run %d failed: %s", i, out.Error)
		}
		if out.Result.RowCount != 1 {
			t.Fatalf("run %d: expected 1 row, got %d", i, out.Result.RowCount)
		}
	}
	if db.dialCount() != 1 {
		t.Fatalf("expected the connection to be reused, got %d dials", db.dialCount())
	}
	if s := e.Stats(); s.Idle != 1 || s.InUse != 0 || s.Exhausted != 0 {
		t.Fatalf("unexpected pool stats %+v", s)
	}
}

func TestRun_UserLimitUnderCapIsKept(t *testing.T) {
	t.Parallel()
	db := &fakeDB{query: rowsOf([]pgconn.FieldDescription{pathField}, numberedRows(3))}
	e := newTestEngine(t, db, nil)

	out := e.Run(context.Background(), RunInput{SQL: "SELECT path FROM weather_forecast_ensemble LIMIT 3"})
	if out.Error != "" {
		t.Fatalf("unexpected error: %s", out.Error)
	}
	if db.lastSQL() != "SELECT path FROM weather_forecast_ensemble LIMIT 3" {
		t.Fatalf("unexpected SQL sent: %q", db.lastSQL())
	}
	if out.Result.Truncated || out.Result.RowCount != 3 {
		t.Fatalf("expected 3 untruncated rows, got %+v", out.Result)
	}
	if got := out.Result.Rows[2][0]; got != int64(3) {
		t.Fatalf("expected last path 3, got %v (%T)", got, got)
	}
}

func TestRun_DBErrorWithGuidance(t *testing.T) {
	t.Parallel()
	db := &fakeDB{query: func(ctx context.Context, sql string, args []any) (pgx.Rows, error) {
		return nil, &pgconn.PgError{Severity: "ERROR", Code: "42703", Message: `column "temp" does not exist`}
	}}
	e := newTestEngine(t, db, nil)

	out := e.Run(context.Background(), RunInput{SQL: "SELECT temp FROM weather_forecast_ensemble LIMIT 5"})
	assertContains(t, out.Error, `column "temp" does not exist (SQLSTATE 42703)`)
	assertContains(t, out.Error, "Use describe_table to check.")
	if out.Rejection != "" {
		t.Fatalf("database errors are not rejections, got %q", out.Rejection)
	}
	if s := e.Stats(); s.Discarded != 1 {
		t.Fatalf("expected the failed connection to be discarded, got %+v", s)
	}
}

func TestRun_CustomErrorPrompt(t *testing.T) {
	t.Parallel()
	db := &fakeDB{query: func(ctx context.Context, sql string, args []any) (pgx.Rows, error) {
		return nil, &pgconn.PgError{Code: "22012", Message: "division by zero"}
	}}
	e := newTestEngine(t, db, func(c *Config) {
		c.ErrorPrompts = []ErrorPromptRule{{Pattern: "division by zero", Message: "Wrap the divisor in NULLIF(x, 0)."}}
	})

	out := e.Run(context.Background(), RunInput{SQL: "SELECT 1 / 0 AS boom"})
	assertContains(t, out.Error, "division by zero")
	assertContains(t, out.Error, "\n\nWrap the divisor in NULLIF(x, 0).")
}

func TestRun_RedactsCredentials(t *testing.T) {
	t.Parallel()
	db := &fakeDB{query: func(ctx context.Context, sql string, args []any) (pgx.Rows, error) {
		return nil, errors.New("connect postgresql://reader:hunter2@db:5432/forecasts failed: password=hunter2")
	}}
	e := newTestEngine(t, db, nil)

	out := e.Run(context.Background(), RunInput{SQL: "SELECT 1 AS ok"})
	if strings.Contains(out.Error, "hunter2") {
		t.Fatalf("password leaked into error: %q", out.Error)
	}
	assertContains(t, out.Error, "postgresql://reader:***@")
	assertContains(t, out.Error, "password=***")
}

func TestRun_SanitizesValues(t *testing.T) {
	t.Parallel()
	db := &fakeDB{query: rowsOf(
		[]pgconn.FieldDescription{{Name: "note", DataTypeOID: pgtype.TextOID}},
		[][]any{{"contact 555-12-3456 for access"}},
	)}
	e := newTestEngine(t, db, func(c *Config) {
		c.Sanitization = []SanitizationRule{{Pattern: `\d{3}-\d{2}-\d{4}`, Replacement: "***-**-****"}}
	})

	out := e.Run(context.Background(), RunInput{SQL: "SELECT 'x' AS note"})
	if out.Error != "" {
		t.Fatalf("unexpected error: %s", out.Error)
	}
	if got := out.Result.Rows[0][0]; got != "contact ***-**-**** for access" {
		t.Fatalf("expected sanitized value, got %v", got)
	}
}

func TestRun_TooLong(t *testing.T) {
	t.Parallel()
	db := &fakeDB{query: rowsOf(nil, nil)}
	e := newTestEngine(t, db, func(c *Config) { c.Query.MaxSQLLength = 20 })

	out := e.Run(context.Background(), RunInput{SQL: "SELECT path FROM weather_forecast_ensemble LIMIT 1"})
	assertContains(t, out.Error, "SQL query too long")
	if db.dialCount() != 0 {
		t.Fatal("oversized query must not open a connection")
	}
}

func TestRun_PoolUnavailable(t *testing.T) {
	t.Parallel()
	db := &fakeDB{dialErr: errors.New("connection refused"), query: rowsOf(nil, nil)}
	e := newTestEngine(t, db, nil)

	out := e.Run(context.Background(), RunInput{SQL: "SELECT 1 AS ok"})
	assertContains(t, out.Error, "connection refused")
}

func TestRun_DuplicateRequestID(t *testing.T) {
	t.Parallel()
	db := &fakeDB{query: rowsOf(nil, nil)}
	e := newTestEngine(t, db, nil)

	_, release, err := e.track(context.Background(), "dup")
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	defer release()

	out := e.Run(context.Background(), RunInput{SQL: "SELECT 1 AS ok", RequestID: "dup"})
	assertContains(t, out.Error, `request id "dup" is already in flight`)
	if out.RequestID != "dup" {
		t.Fatalf("expected request id to be echoed, got %q", out.RequestID)
	}
}

func TestCancel(t *testing.T) {
	t.Parallel()
	started := make(chan struct{}, 1)
	db := &fakeDB{query: func(ctx context.Context, sql string, args []any) (pgx.Rows, error) {
		started <- struct{}{}
		return &fakeRows{ctx: ctx, fields: []pgconn.FieldDescription{pathField}, block: true}, nil
	}}
	e := newTestEngine(t, db, nil)

	done := make(chan *RunOutput, 1)
	go func() {
		done <- e.Run(context.Background(), RunInput{SQL: "SELECT path FROM weather_forecast_ensemble", RequestID: "slow"})
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("query never reached the database")
	}
	if !e.Cancel("slow") {
		t.Fatal("expected the in-flight request to be found")
	}

	select {
	case out := <-done:
		assertContains(t, out.Error, "query canceled")
	case <-time.After(5 * time.Second):
		t.Fatal("cancel did not stop the query")
	}

	if e.Cancel("slow") {
		t.Fatal("a finished request must not be cancellable")
	}
	if e.Cancel("never-started") {
		t.Fatal("unknown request ids must report not found")
	}
	if s := e.Stats(); s.Discarded != 1 || s.InUse != 0 {
		t.Fatalf("cancelled query should discard its connection, got %+v", s)
	}
}

func TestRun_Timeout(t *testing.T) {
	t.Parallel()
	db := &fakeDB{query: func(ctx context.Context, sql string, args []any) (pgx.Rows, error) {
		return &fakeRows{ctx: ctx, fields: []pgconn.FieldDescription{pathField}, block: true}, nil
	}}
	e := newTestEngine(t, db, func(c *Config) {
		c.Query.TimeoutSeconds = 60
		c.Query.TimeoutRules = []TimeoutRule{{Pattern: "generate_series", TimeoutSeconds: 1}}
	})

	start := time.Now()
	out := e.Run(context.Background(), RunInput{SQL: "SELECT g FROM generate_series(1, 1000000000) AS g"})
	assertContains(t, out.Error, "query timed out")
	assertContains(t, out.Error, "The query ran too long.")
	if time.Since(start) > 10*time.Second {
		t.Fatal("timeout rule was not applied")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	db := &fakeDB{query: rowsOf(nil, nil)}
	e := newTestEngine(t, db, nil)

	out := e.Validate("SELECT path FROM weather_forecast_ensemble")
	if !out.Accepted || out.Error != "" {
		t.Fatalf("expected accepted, got %+v", out)
	}
	if out.LimitSource != "injected" || out.Limit != 5000 {
		t.Fatalf("expected injected limit 5000, got %s %d", out.LimitSource, out.Limit)
	}
	if len(out.Tables) != 1 || out.Tables[0] != "weather_forecast_ensemble" {
		t.Fatalf("unexpected tables %v", out.Tables)
	}

	out = e.Validate("SELECT 1; SELECT 2")
	if out.Accepted || out.Reason != validator.ReasonMultiStatement {
		t.Fatalf("expected MULTI_STATEMENT, got %+v", out)
	}
	assertContains(t, out.Error, "Send exactly one statement.")

	if db.dialCount() != 0 {
		t.Fatal("Validate must not open a connection")
	}
}

func TestCheckSQL(t *testing.T) {
	t.Parallel()

	out := CheckSQL(Config{}, "SELECT valid_datetime FROM energy_forecast_ensemble LIMIT 50000")
	if !out.Accepted || out.LimitSource != "clamped" || out.Limit != 5000 {
		t.Fatalf("expected clamped limit 5000, got %+v", out)
	}

	config := Config{}
	config.Query.MaxRows = 100
	config.ErrorPrompts = []ErrorPromptRule{{Pattern: "FORBIDDEN_KEYWORD", Message: "Read-only role."}}
	out = CheckSQL(config, "UPDATE energy_base_ensemble SET ensemble_value = 0")
	if out.Accepted || out.Reason != validator.ReasonForbiddenKeyword {
		t.Fatalf("expected FORBIDDEN_KEYWORD, got %+v", out)
	}
	assertContains(t, out.Error, "Read-only role.")

	out = CheckSQL(Config{}, "SELECT replace(variable, '_', ' ') FROM energy_forecast_ensemble LIMIT 5")
	if out.Accepted || out.Reason != validator.ReasonForbiddenKeyword {
		t.Fatalf("expected FORBIDDEN_KEYWORD, got %+v", out)
	}
	assertContains(t, out.Error, "regexp_replace(text, pattern, replacement)")
	if out := CheckSQL(Config{}, "SELECT regexp_replace(variable, '_', ' ', 'g') FROM energy_forecast_ensemble LIMIT 5"); !out.Accepted {
		t.Fatalf("expected regexp_replace to be accepted, got %+v", out)
	}

	config.Query.MaxSQLLength = 10
	if out := CheckSQL(config, "SELECT 1 AS one, 2 AS two"); out.Accepted || !strings.Contains(out.Error, "too long") {
		t.Fatalf("expected too long, got %+v", out)
	}
}

func TestTables(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, &fakeDB{query: rowsOf(nil, nil)}, nil)

	out := e.Tables()
	if len(out.Tables) != len(validator.EnsembleTables) {
		t.Fatalf("expected %d tables, got %d", len(validator.EnsembleTables), len(out.Tables))
	}
	for _, tbl := range out.Tables {
		if tbl.Schema != "public" || !tbl.Massive {
			t.Fatalf("unexpected table entry %+v", tbl)
		}
	}

	custom := newTestEngine(t, &fakeDB{query: rowsOf(nil, nil)}, func(c *Config) {
		c.Validation.Tables = []TableConfig{{Name: "stations"}}
	})
	out = custom.Tables()
	if len(out.Tables) != 1 || out.Tables[0] != (TableEntry{Schema: "public", Name: "stations"}) {
		t.Fatalf("unexpected custom tables %+v", out.Tables)
	}
}

func TestDescribeTable_RefusesUnlisted(t *testing.T) {
	t.Parallel()
	db := &fakeDB{query: rowsOf(nil, nil)}
	e := newTestEngine(t, db, nil)

	_, err := e.DescribeTable(context.Background(), DescribeTableInput{Table: "pg_authid", Schema: "pg_catalog"})
	if err == nil {
		t.Fatal("expected an error for a table outside the allowlist")
	}
	assertContains(t, err.Error(), "pg_catalog.pg_authid is not available")
	if db.dialCount() != 0 {
		t.Fatal("refused describe must not open a connection")
	}
}

func TestDescribeTable(t *testing.T) {
	t.Parallel()
	db := &fakeDB{query: func(ctx context.Context, sql string, args []any) (pgx.Rows, error) {
		switch sql {
		case columnsSQL:
			if args[0] != "public" || args[1] != "energy_forecast_ensemble" {
				return nil, fmt.Errorf("unexpected args %v", args)
			}
			return &fakeRows{ctx: ctx, data: [][]any{
				{"initialization", "timestamp with time zone", false, "", false},
				{"ensemble_value", "double precision", true, "", false},
			}}, nil
		case indexesSQL:
			return &fakeRows{ctx: ctx, data: [][]any{
				{"efe_init_idx", "CREATE INDEX efe_init_idx ON public.energy_forecast_ensemble USING btree (initialization)", false, false},
			}}, nil
		case partitionInfoSQL:
			return &fakeRows{ctx: ctx, data: [][]any{{"RANGE (initialization)", "r"}}}, nil
		case childPartitionsSQL:
			if args[0] != `"public"."energy_forecast_ensemble"` {
				return nil, fmt.Errorf("unexpected regclass %v", args[0])
			}
			return &fakeRows{ctx: ctx, data: [][]any{{"efe_2025_01"}, {"efe_2025_02"}}}, nil
		}
		return nil, fmt.Errorf("unexpected sql %q", sql)
	}}
	e := newTestEngine(t, db, nil)

	out, err := e.DescribeTable(context.Background(), DescribeTableInput{Table: "Public.Energy_Forecast_Ensemble"})
	if err != nil {
		t.Fatalf("DescribeTable: %v", err)
	}
	if out.Schema != "public" || out.Name != "energy_forecast_ensemble" || !out.Massive {
		t.Fatalf("unexpected identity %+v", out)
	}
	if len(out.Columns) != 2 || out.Columns[1].Name != "ensemble_value" || !out.Columns[1].Nullable {
		t.Fatalf("unexpected columns %+v", out.Columns)
	}
	if len(out.Indexes) != 1 || out.Indexes[0].Name != "efe_init_idx" {
		t.Fatalf("unexpected indexes %+v", out.Indexes)
	}
	if out.Partition == nil || out.Partition.Strategy != "range" || len(out.Partition.Partitions) != 2 {
		t.Fatalf("unexpected partition info %+v", out.Partition)
	}
	if s := e.Stats(); s.Idle != 1 || s.Discarded != 0 {
		t.Fatalf("expected the connection back in the pool, got %+v", s)
	}
}

func TestDescribeTable_NotFound(t *testing.T) {
	t.Parallel()
	db := &fakeDB{query: rowsOf(nil, nil)}
	e := newTestEngine(t, db, nil)

	_, err := e.DescribeTable(context.Background(), DescribeTableInput{Table: "weather_seasonal_ensemble"})
	if err == nil {
		t.Fatal("expected an error for a missing table")
	}
	assertContains(t, err.Error(), "table not found: public.weather_seasonal_ensemble")
}

// fakeUploader records uploads in memory.
type fakeUploader struct {
	mu          sync.Mutex
	key         string
	body        []byte
	contentType string
	err         error
}

func (u *fakeUploader) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (export.Object, error) {
	if u.err != nil {
		return export.Object{}, u.err
	}
	b, err := io.ReadAll(body)
	if err != nil {
		return export.Object{}, err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.key, u.body, u.contentType = key, b, contentType
	return export.Object{Key: key, Size: int64(len(b)), ETag: "etag"}, nil
}

func (u *fakeUploader) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	return "https://exports.test/" + key + "?expires=" + expiry.String(), nil
}

func TestExport(t *testing.T) {
	t.Parallel()
	db := &fakeDB{query: rowsOf([]pgconn.FieldDescription{pathField}, numberedRows(2))}
	up := &fakeUploader{}
	e := newTestEngine(t, db, func(c *Config) { c.Export.URLExpirySeconds = 600 }, WithUploader(up))

	out := e.Export(context.Background(), ExportInput{SQL: "SELECT path FROM weather_forecast_ensemble LIMIT 2", Format: "csv"})
	if out.Error != "" {
		t.Fatalf("unexpected error: %s", out.Error)
	}
	if !strings.HasPrefix(out.Key, "forecast_data_") || !strings.HasSuffix(out.Key, ".csv") {
		t.Fatalf("unexpected key %q", out.Key)
	}
	if !strings.HasPrefix(out.Filename, "forecast_data_") || out.Filename == out.Key {
		t.Fatalf("expected a download name apart from the key, got %q", out.Filename)
	}
	if out.RowCount != 2 || out.Truncated {
		t.Fatalf("unexpected row count %d truncated=%v", out.RowCount, out.Truncated)
	}
	if !bytes.Equal(up.body, []byte("path\n1\n2\n")) {
		t.Fatalf("unexpected upload %q", up.body)
	}
	if out.Size != int64(len(up.body)) {
		t.Fatalf("expected size %d, got %d", len(up.body), out.Size)
	}
	assertContains(t, out.URL, "https://exports.test/"+out.Key)
}

func TestExport_Errors(t *testing.T) {
	t.Parallel()
	db := &fakeDB{query: rowsOf([]pgconn.FieldDescription{pathField}, numberedRows(1))}

	plain := newTestEngine(t, db, nil)
	out := plain.Export(context.Background(), ExportInput{SQL: "SELECT 1 AS ok"})
	assertContains(t, out.Error, "export is not configured")

	e := newTestEngine(t, db, nil, WithUploader(&fakeUploader{}))
	out = e.Export(context.Background(), ExportInput{SQL: "SELECT 1 AS ok", Format: "xlsx"})
	assertContains(t, out.Error, `unsupported export format "xlsx"`)

	out = e.Export(context.Background(), ExportInput{SQL: "DROP TABLE weather_forecast_ensemble"})
	assertContains(t, out.Error, "query rejected")

	failing := newTestEngine(t, db, nil, WithUploader(&fakeUploader{err: errors.New("bucket unreachable")}))
	out = failing.Export(context.Background(), ExportInput{SQL: "SELECT 1 AS ok"})
	assertContains(t, out.Error, "bucket unreachable")
}

func TestHealth(t *testing.T) {
	t.Parallel()
	db := &fakeDB{query: rowsOf([]pgconn.FieldDescription{{Name: "ok", DataTypeOID: pgtype.Int4OID}}, [][]any{{int32(1)}})}
	e := newTestEngine(t, db, nil)

	h := e.Health(context.Background())
	if h.Status != "healthy" || h.Mode != "read-only" || h.Error != "" {
		t.Fatalf("unexpected health %+v", h)
	}
	if db.lastSQL() != healthSQL {
		t.Fatalf("expected the health query, got %q", db.lastSQL())
	}
	if err := e.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	down := newTestEngine(t, &fakeDB{dialErr: errors.New("no route to host"), query: rowsOf(nil, nil)}, nil)
	h = down.Health(context.Background())
	if h.Status != "unhealthy" {
		t.Fatalf("expected unhealthy, got %+v", h)
	}
	assertContains(t, h.Error, "no route to host")
	if err := down.Ping(context.Background()); err == nil {
		t.Fatal("expected Ping to fail")
	}
}

func TestClose_CancelsInFlight(t *testing.T) {
	t.Parallel()
	started := make(chan struct{}, 1)
	db := &fakeDB{query: func(ctx context.Context, sql string, args []any) (pgx.Rows, error) {
		started <- struct{}{}
		return &fakeRows{ctx: ctx, fields: []pgconn.FieldDescription{pathField}, block: true}, nil
	}}
	config := testConfig()
	config.Pool.ShutdownGraceSeconds = 5
	e, err := newEngine(context.Background(), config, db.connect, zerolog.Nop())
	if err != nil {
		t.Fatalf("newEngine: %v", err)
	}

	done := make(chan *RunOutput, 1)
	go func() {
		done <- e.Run(context.Background(), RunInput{SQL: "SELECT path FROM weather_forecast_ensemble"})
	}()
	<-started

	if err := e.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case out := <-done:
		if out.Error == "" {
			t.Fatal("expected the in-flight query to fail on close")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not stop the in-flight query")
	}
}

func TestTruncateForLog(t *testing.T) {
	t.Parallel()
	if got := truncateForLog("short", 10); got != "short" {
		t.Fatalf("unexpected %q", got)
	}
	if got := truncateForLog("héllo wörld", 2); got != "h...[truncated]" {
		t.Fatalf("expected rune-safe truncation, got %q", got)
	}
}
