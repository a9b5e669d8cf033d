// Package executor runs accepted queries on a leased connection under a
// deadline and a row cap, producing a uniform tabular result.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/rs/zerolog"

	"github.com/gridcast/ensembleql/internal/metrics"
	"github.com/gridcast/ensembleql/internal/pool"
	"github.com/gridcast/ensembleql/internal/tabular"
	"github.com/gridcast/ensembleql/internal/validator"
)

// Config bounds a single execution beyond the row cap.
type Config struct {
	// MaxCellBytes rejects results containing a text cell larger than this.
	// Zero disables the check.
	MaxCellBytes int
}

// Request is one statement ready to run. Build it with NewRequest.
type Request struct {
	SQL     string
	Timeout time.Duration
	MaxRows int
	Lease   *pool.Lease

	// Bounded is set when SQL carries LIMIT MaxRows+1, so the server stops
	// on its own once the extra row is sent.
	Bounded bool
}

// NewRequest turns an accepted verdict into a Request. When normalization
// set the limit (injected or clamped), the statement asks for one extra row
// so truncation is observable.
func NewRequest(v validator.Verdict, timeout time.Duration, maxRows int, lease *pool.Lease) (Request, error) {
	if !v.Accepted() {
		return Request{}, fmt.Errorf("%w: %v", ErrRejectedVerdict, v.Err())
	}
	if timeout <= 0 {
		return Request{}, fmt.Errorf("timeout must be positive, got %s", timeout)
	}
	if maxRows <= 0 {
		return Request{}, fmt.Errorf("max rows must be positive, got %d", maxRows)
	}
	if lease == nil {
		return Request{}, errors.New("a connection lease is required")
	}

	req := Request{SQL: v.SQL, Timeout: timeout, MaxRows: maxRows, Lease: lease}
	switch v.Limit.Source {
	case validator.LimitInjected, validator.LimitClamped:
		req.SQL = v.WithLimit(maxRows + 1)
		req.Bounded = true
	}
	return req, nil
}

// Executor runs requests. It holds no per-request state and is safe for
// concurrent use.
type Executor struct {
	config  Config
	typeMap *pgtype.Map
	logger  zerolog.Logger
}

func New(config Config, logger zerolog.Logger) *Executor {
	return &Executor{
		config:  config,
		typeMap: pgtype.NewMap(),
		logger:  logger,
	}
}

// Execute runs req exactly once. The lease is released on a clean finish,
// including truncation of a bounded request. It is discarded on every other
// path.
func (e *Executor) Execute(ctx context.Context, req Request) (*tabular.Result, error) {
	if req.Lease == nil || req.Lease.Done() {
		return nil, errors.New("request lease is missing or already ended")
	}
	start := time.Now()

	qctx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	result, err := e.run(ctx, qctx, cancel, req)
	elapsed := time.Since(start)

	outcome := "ok"
	switch {
	case err == nil && result.Truncated:
		outcome = "truncated"
	case errors.Is(err, ErrTimeout):
		outcome = "timeout"
	case errors.Is(err, ErrCanceled):
		outcome = "canceled"
	case err != nil:
		outcome = "error"
	}
	metrics.ObserveExecution(outcome, elapsed)

	if err != nil {
		e.logger.Debug().
			Err(err).
			Str("sql", truncateForLog(req.SQL, 200)).
			Dur("elapsed", elapsed).
			Str("outcome", outcome).
			Msg("statement failed")
		return nil, err
	}

	result.Elapsed = elapsed
	e.logger.Debug().
		Str("sql", truncateForLog(req.SQL, 200)).
		Dur("elapsed", elapsed).
		Int("row_count", len(result.Rows)).
		Bool("truncated", result.Truncated).
		Msg("statement executed")
	return result, nil
}

func (e *Executor) run(ctx, qctx context.Context, cancel context.CancelFunc, req Request) (*tabular.Result, error) {
	lease := req.Lease
	rows, err := lease.Conn().Query(qctx, req.SQL)
	if err != nil {
		lease.Discard()
		return nil, e.wrap(ctx, qctx, req, err)
	}

	fds := rows.FieldDescriptions()
	columns := make([]tabular.Column, len(fds))
	for i, fd := range fds {
		columns[i] = tabular.Column{Name: fd.Name, EngineType: e.typeName(fd.DataTypeOID)}
	}

	result := &tabular.Result{
		Columns: columns,
		Rows:    make([][]tabular.Value, 0, min(req.MaxRows, 1024)),
		RowCap:  req.MaxRows,
	}

	for rows.Next() {
		if len(result.Rows) == req.MaxRows {
			result.Truncated = true
			break
		}
		values, err := rows.Values()
		if err != nil {
			rows.Close()
			lease.Discard()
			return nil, e.wrap(ctx, qctx, req, err)
		}
		row := make([]tabular.Value, len(values))
		for i, v := range values {
			cell := convertValue(v)
			if e.config.MaxCellBytes > 0 && len(cell.Text) > e.config.MaxCellBytes {
				cancel()
				rows.Close()
				lease.Discard()
				return nil, fmt.Errorf("%w: column %q has a value of %d bytes (limit %d)",
					ErrRowCapExceededHard, columns[i].Name, len(cell.Text), e.config.MaxCellBytes)
			}
			row[i] = cell
		}
		result.Rows = append(result.Rows, row)
	}

	if result.Truncated && !req.Bounded {
		// Stop the server producing rows nobody will read.
		cancel()
		rows.Close()
		lease.Discard()
		return result, nil
	}

	rows.Close()
	if err := rows.Err(); err != nil {
		lease.Discard()
		return nil, e.wrap(ctx, qctx, req, err)
	}
	lease.Release()
	return result, nil
}

func (e *Executor) wrap(ctx, qctx context.Context, req Request, err error) error {
	err = classify(ctx, qctx, err)
	if errors.Is(err, ErrTimeout) {
		return fmt.Errorf("%w after %s", ErrTimeout, req.Timeout)
	}
	return err
}

func (e *Executor) typeName(oid uint32) string {
	if t, ok := e.typeMap.TypeForOID(oid); ok {
		return t.Name
	}
	return fmt.Sprintf("oid:%d", oid)
}

// truncateForLog truncates a string for log output to avoid oversized log entries.
func truncateForLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	truncateAt := maxLen
	for truncateAt > 0 && !utf8.RuneStart(s[truncateAt]) {
		truncateAt--
	}
	return s[:truncateAt] + "...[truncated]"
}
