package ensembleql

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/gridcast/ensembleql/internal/errprompt"
	"github.com/gridcast/ensembleql/internal/executor"
	"github.com/gridcast/ensembleql/internal/export"
	"github.com/gridcast/ensembleql/internal/metrics"
	"github.com/gridcast/ensembleql/internal/shape"
	"github.com/gridcast/ensembleql/internal/validator"
)

// healthSQL is run through the full pipeline by Health.
const healthSQL = "SELECT 1 AS ok"

// Run validates, executes and shapes one statement. All errors (validation
// rejections, pool and timeout failures, Postgres errors) are converted to
// output.Error, redacted, and followed by any matching guidance. Callers only
// need to check output.Error, never a Go error.
//
// The request can be stopped with Cancel(output.RequestID); an empty
// input.RequestID gets a generated one.
func (e *Engine) Run(ctx context.Context, input RunInput) *RunOutput {
	requestID := input.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	ctx, done, err := e.track(ctx, requestID)
	if err != nil {
		return e.handleError(&RunOutput{RequestID: requestID}, err)
	}
	defer done()
	return e.run(ctx, requestID, input.SQL, input.SessionID)
}

// run is Run without request tracking. The statement is executed at most
// once; nothing is retried here.
func (e *Engine) run(ctx context.Context, requestID, sql, sessionID string) *RunOutput {
	startTime := time.Now()
	out := &RunOutput{RequestID: requestID}

	// 1. Check SQL length (before any parsing)
	if len(sql) > e.config.Query.MaxSQLLength {
		return e.handleError(out, fmt.Errorf("SQL query too long: %d bytes exceeds maximum of %d bytes", len(sql), e.config.Query.MaxSQLLength))
	}

	// 2. Validate; a rejection never touches a connection
	verdict := e.checker.Validate(validator.Candidate{
		SQL:       sql,
		SessionID: sessionID,
		Metadata:  map[string]string{"request_id": requestID},
	})
	metrics.ObserveVerdict(string(verdict.Reason))
	if !verdict.Accepted() {
		out.Rejection = verdict.Reason
		return e.handleError(out, verdict.Err())
	}
	out.SQL = verdict.SQL

	// 3. Determine timeout
	timeout := e.timeouts.Resolve(verdict.SQL, verdict.Tables)

	// 4. Lease a connection and execute
	lease, err := e.pool.Acquire(ctx, e.acquireTimeout)
	if err != nil {
		return e.handleError(out, err)
	}
	req, err := executor.NewRequest(verdict, timeout, e.checker.MaxRows(), lease)
	if err != nil {
		lease.Release()
		return e.handleError(out, err)
	}
	result, err := e.executor.Execute(ctx, req)
	if err != nil {
		return e.handleError(out, err)
	}

	// 5. Sanitize text values, then shape
	sanitized := e.sanitizer.HasRules()
	e.sanitizer.SanitizeRows(result.Rows)
	out.Result = shape.Shape(result)

	logEvent := e.logger.Info().
		Str("request_id", requestID).
		Str("sql", truncateForLog(verdict.SQL, 200)).
		Dur("duration", time.Since(startTime)).
		Dur("timeout", timeout).
		Int("row_count", out.Result.RowCount).
		Str("limit", verdict.Limit.Source.String())
	if sessionID != "" {
		logEvent = logEvent.Str("session_id", sessionID)
	}
	if len(verdict.Tables) > 0 {
		logEvent = logEvent.Strs("tables", verdict.Tables)
	}
	if out.Result.Truncated {
		logEvent = logEvent.Bool("truncated", true)
	}
	if sanitized {
		logEvent = logEvent.Bool("sanitized", true)
	}
	logEvent.Msg("query executed")

	return out
}

// Validate checks sql without executing it.
func (e *Engine) Validate(sql string) *ValidateOutput {
	return validateSQL(e.checker, e.errPrompts, e.config.Query.MaxSQLLength, sql)
}

// CheckSQL validates sql against config's rules without a database. Zero
// config values take their defaults. Panics on invalid error prompt patterns.
func CheckSQL(config Config, sql string) *ValidateOutput {
	config = config.WithDefaults()
	matcher, err := errprompt.NewMatcher(append(append([]errprompt.Rule(nil), errprompt.DefaultRules...), mapErrorPromptRules(config.ErrorPrompts)...))
	if err != nil {
		panic(fmt.Sprintf("ensembleql: %v", err))
	}
	return validateSQL(validator.NewChecker(config.validationRules()), matcher, config.Query.MaxSQLLength, sql)
}

func validateSQL(checker *validator.Checker, guide *errprompt.Matcher, maxLen int, sql string) *ValidateOutput {
	if len(sql) > maxLen {
		return &ValidateOutput{Error: fmt.Sprintf("SQL query too long: %d bytes exceeds maximum of %d bytes", len(sql), maxLen)}
	}
	v := checker.Validate(validator.Candidate{SQL: sql})
	metrics.ObserveVerdict(string(v.Reason))
	if !v.Accepted() {
		return &ValidateOutput{Reason: v.Reason, Error: guide.Annotate(v.Err().Error())}
	}
	return &ValidateOutput{
		Accepted:    true,
		SQL:         v.SQL,
		LimitSource: v.Limit.Source.String(),
		Limit:       v.Limit.Value,
		Tables:      v.Tables,
	}
}

// Export runs input.SQL and uploads the result as CSV or Parquet.
func (e *Engine) Export(ctx context.Context, input ExportInput) *ExportOutput {
	requestID := input.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	out := &ExportOutput{RequestID: requestID}
	if e.exporter == nil {
		out.Error = "export is not configured: enable export and set export.store"
		return out
	}
	format, err := export.ParseFormat(input.Format)
	if err != nil {
		out.Error = err.Error()
		return out
	}

	ctx, done, err := e.track(ctx, requestID)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	defer done()

	res := e.run(ctx, requestID, input.SQL, input.SessionID)
	if res.Error != "" {
		out.Error = res.Error
		return out
	}
	out.RowCount = res.Result.RowCount
	out.Truncated = res.Result.Truncated

	obj, err := e.exporter.Export(ctx, res.Result, format)
	if err != nil {
		msg := e.redactor.String(err.Error())
		e.logger.Error().Err(err).Str("request_id", requestID).Msg("export error")
		out.Error = msg
		return out
	}
	out.Key = obj.Key
	out.Filename = obj.Filename
	out.URL = obj.URL
	out.Size = obj.Size
	return out
}

// Health runs a trivial query through the full pipeline.
func (e *Engine) Health(ctx context.Context) *HealthOutput {
	res := e.Run(ctx, RunInput{SQL: healthSQL})
	now := time.Now().UTC().Format(time.RFC3339)
	if res.Error != "" {
		return &HealthOutput{Status: "unhealthy", Error: res.Error, Timestamp: now}
	}
	return &HealthOutput{Status: "healthy", Database: "connected", Mode: "read-only", Timestamp: now}
}

// Ping reports whether the database answers through the full pipeline.
func (e *Engine) Ping(ctx context.Context) error {
	if h := e.Health(ctx); h.Error != "" {
		return errors.New(h.Error)
	}
	return nil
}

// handleError records err in out. The message is redacted and evaluated
// against error prompts; matching prompt messages are appended.
func (e *Engine) handleError(out *RunOutput, err error) *RunOutput {
	errMsg := e.redactor.String(err.Error())
	prompt, patterns := e.errPrompts.Guide(errMsg)

	logEvent := e.logger.Error()
	if out.Rejection != "" {
		logEvent = e.logger.Warn().Str("reason", string(out.Rejection))
	}
	logEvent = logEvent.Err(err).Str("request_id", out.RequestID)
	var dbErr *executor.DBError
	if errors.As(err, &dbErr) && dbErr.Code != "" {
		logEvent = logEvent.Str("sqlstate", dbErr.Code)
	}
	if len(patterns) > 0 {
		logEvent = logEvent.Strs("error_prompts", patterns)
	}
	logEvent.Msg("query error")

	if prompt != "" {
		errMsg = errMsg + "\n\n" + prompt
	}
	out.Error = errMsg
	return out
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
