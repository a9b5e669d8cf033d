package ensembleql

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgconn/ctxwatch"
	"github.com/rs/zerolog"

	"github.com/gridcast/ensembleql/internal/errprompt"
	"github.com/gridcast/ensembleql/internal/executor"
	"github.com/gridcast/ensembleql/internal/export"
	"github.com/gridcast/ensembleql/internal/pool"
	"github.com/gridcast/ensembleql/internal/sanitize"
	"github.com/gridcast/ensembleql/internal/session"
	"github.com/gridcast/ensembleql/internal/timeout"
	"github.com/gridcast/ensembleql/internal/validator"
)

// cancelDeadlineDelay is how long a cancelled statement's socket stays open
// for the server to acknowledge the cancel request.
const cancelDeadlineDelay = 5 * time.Second

// Engine is the core that validates, runs and shapes SQL against the
// forecast database. All exported methods are safe for concurrent use from
// multiple goroutines.
type Engine struct {
	config     Config
	pool       *pool.Pool
	executor   *executor.Executor
	checker    *validator.Checker
	timeouts   *timeout.Resolver
	sanitizer  *sanitize.Sanitizer // result values
	redactor   *sanitize.Sanitizer // error messages
	errPrompts *errprompt.Matcher
	exporter   *export.Exporter
	assistant  *Assistant
	logger     zerolog.Logger

	acquireTimeout time.Duration
	catalogTimeout time.Duration

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

// Option is a functional option for New().
type Option func(*options)

type options struct {
	model    LLM
	uploader export.Uploader
}

// WithAssistant enables Ask and the ask tool using model for SQL generation
// and answer synthesis.
func WithAssistant(model LLM) Option {
	return func(o *options) {
		o.model = model
	}
}

// WithUploader sends exports to u instead of the store described by
// Config.Export.
func WithUploader(u export.Uploader) Option {
	return func(o *options) {
		o.uploader = u
	}
}

// New creates an Engine.
// connString is the PostgreSQL connection string (must include credentials).
// Every connection is opened read-only, with the configured timezone, and
// sends a server-side cancel when its context ends.
// Panics on invalid config. Returns error only for runtime failures (e.g., the
// initial connections or the export store).
func New(ctx context.Context, connString string, config Config, logger zerolog.Logger, opts ...Option) (*Engine, error) {
	if connString == "" {
		panic("ensembleql: connString must be non-empty")
	}
	validateConfig(config)

	connConfig, err := pgx.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	connConfig.DefaultQueryExecMode = pgx.QueryExecModeExec
	connConfig.RuntimeParams["default_transaction_read_only"] = "on"
	connConfig.RuntimeParams["application_name"] = "ensembleql"
	if config.Timezone != "" {
		connConfig.RuntimeParams["timezone"] = config.Timezone
	}
	connConfig.BuildContextWatcherHandler = func(pgConn *pgconn.PgConn) ctxwatch.Handler {
		return &pgconn.CancelRequestContextWatcherHandler{
			Conn:          pgConn,
			DeadlineDelay: cancelDeadlineDelay,
		}
	}

	connect := func(ctx context.Context) (pool.Conn, error) {
		return pgx.ConnectConfig(ctx, connConfig.Copy())
	}
	return newEngine(ctx, config, connect, logger, opts...)
}

// newEngine builds an Engine around an arbitrary connector.
func newEngine(ctx context.Context, config Config, connect pool.Connector, logger zerolog.Logger, opts ...Option) (*Engine, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	validateConfig(config)
	if config.Query.MaxSQLLength == 0 {
		config.Query.MaxSQLLength = 100000
	}

	// --- Static components (panic on invalid config) ---

	checker := validator.NewChecker(config.validationRules())

	timeoutRules := make([]timeout.Rule, len(config.Query.TimeoutRules))
	for i, r := range config.Query.TimeoutRules {
		timeoutRules[i] = timeout.Rule{
			Pattern: r.Pattern,
			Tables:  r.Tables,
			Timeout: time.Duration(r.TimeoutSeconds) * time.Second,
		}
	}
	resolver, err := timeout.NewResolver(timeout.Config{
		Default: time.Duration(config.Query.TimeoutSeconds) * time.Second,
		Max:     time.Duration(config.Query.MaxTimeoutSeconds) * time.Second,
		Rules:   timeoutRules,
	})
	if err != nil {
		panic(fmt.Sprintf("ensembleql: %v", err))
	}

	valueRules := mapSanitizationRules(config.Sanitization)
	san, err := sanitize.NewSanitizer(valueRules)
	if err != nil {
		panic(fmt.Sprintf("ensembleql: %v", err))
	}
	redactor, err := sanitize.NewSanitizer(append(append([]sanitize.Rule(nil), sanitize.MessageRules...), valueRules...))
	if err != nil {
		panic(fmt.Sprintf("ensembleql: %v", err))
	}

	matcher, err := errprompt.NewMatcher(append(append([]errprompt.Rule(nil), errprompt.DefaultRules...), mapErrorPromptRules(config.ErrorPrompts)...))
	if err != nil {
		panic(fmt.Sprintf("ensembleql: %v", err))
	}

	maxLifetime := mustParseDuration("pool.max_conn_lifetime", config.Pool.MaxConnLifetime)
	maxIdleTime := mustParseDuration("pool.max_conn_idle_time", config.Pool.MaxConnIdleTime)

	// --- Runtime components ---

	uploader := o.uploader
	if uploader == nil && config.Export.Enabled {
		store, err := export.NewStore(ctx, config.Export.Store)
		if err != nil {
			return nil, fmt.Errorf("failed to open export store: %w", err)
		}
		uploader = store
	}

	p, err := pool.New(ctx, pool.Config{
		MinSize:       config.Pool.MinConns,
		MaxSize:       config.Pool.MaxConns,
		MaxLifetime:   maxLifetime,
		MaxIdleTime:   maxIdleTime,
		ShutdownGrace: time.Duration(config.Pool.ShutdownGraceSeconds) * time.Second,
	}, connect, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	e := &Engine{
		config:         config,
		pool:           p,
		executor:       executor.New(executor.Config{MaxCellBytes: config.Query.MaxCellBytes}, logger),
		checker:        checker,
		timeouts:       resolver,
		sanitizer:      san,
		redactor:       redactor,
		errPrompts:     matcher,
		logger:         logger,
		acquireTimeout: time.Duration(config.Pool.AcquireTimeoutSeconds) * time.Second,
		catalogTimeout: time.Duration(config.Query.CatalogTimeoutSeconds) * time.Second,
		inflight:       make(map[string]context.CancelFunc),
	}
	if uploader != nil {
		e.exporter = export.NewExporter(uploader, time.Duration(config.Export.URLExpirySeconds)*time.Second, logger)
	}
	if o.model != nil {
		idle := time.Duration(config.Assistant.SessionIdleMinutes) * time.Minute
		e.assistant = newAssistant(e, o.model, session.NewStore(config.Assistant.MaxHistoryTurns, idle), logger)
	}
	return e, nil
}

// validateConfig panics on static misconfiguration.
func validateConfig(config Config) {
	if config.Pool.MaxConns <= 0 {
		panic("ensembleql: pool.max_conns must be > 0")
	}
	if config.Pool.MinConns < 0 || config.Pool.MinConns > config.Pool.MaxConns {
		panic("ensembleql: pool.min_conns must be between 0 and pool.max_conns")
	}
	if config.Pool.AcquireTimeoutSeconds <= 0 {
		panic("ensembleql: pool.acquire_timeout_seconds must be > 0")
	}
	if config.Pool.ShutdownGraceSeconds < 0 {
		panic("ensembleql: pool.shutdown_grace_seconds must be >= 0")
	}
	if config.Query.MaxRows <= 0 {
		panic("ensembleql: query.max_rows must be > 0")
	}
	if config.Query.TimeoutSeconds <= 0 {
		panic("ensembleql: query.timeout_seconds must be > 0")
	}
	if config.Query.MaxTimeoutSeconds < 0 {
		panic("ensembleql: query.max_timeout_seconds must be >= 0")
	}
	if config.Query.CatalogTimeoutSeconds <= 0 {
		panic("ensembleql: query.catalog_timeout_seconds must be > 0")
	}
	if config.Query.MaxSQLLength < 0 {
		panic("ensembleql: query.max_sql_length must be > 0")
	}
	if config.Query.MaxCellBytes < 0 {
		panic("ensembleql: query.max_cell_bytes must be >= 0")
	}
	for _, rule := range config.Query.TimeoutRules {
		if rule.TimeoutSeconds <= 0 {
			panic(fmt.Sprintf("ensembleql: timeout_rule with pattern %q has timeout_seconds <= 0", rule.Pattern))
		}
	}
	for _, t := range config.Validation.Tables {
		if t.Name == "" {
			panic("ensembleql: validation.tables entries must have a name")
		}
	}
	if config.Export.URLExpirySeconds < 0 {
		panic("ensembleql: export.url_expiry_seconds must be >= 0")
	}
}

func mustParseDuration(field, value string) time.Duration {
	if value == "" {
		return 0
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		panic(fmt.Sprintf("ensembleql: invalid %s %q: %v", field, value, err))
	}
	if d < 0 {
		panic(fmt.Sprintf("ensembleql: %s must not be negative", field))
	}
	return d
}

// Close drains the pool, waiting up to the configured grace period for
// in-flight queries.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	for _, cancel := range e.inflight {
		cancel()
	}
	e.mu.Unlock()
	return e.pool.Shutdown(ctx)
}

// Stats returns a snapshot of the connection pool.
func (e *Engine) Stats() pool.Stats {
	return e.pool.Stats()
}

// MaxRows is the row cap applied to every query.
func (e *Engine) MaxRows() int {
	return e.checker.MaxRows()
}

// Assistant returns the natural-language assistant, or nil when the engine
// was built without WithAssistant.
func (e *Engine) Assistant() *Assistant {
	return e.assistant
}

// track registers a cancel func under requestID and returns a release func.
// Ids must be unique among in-flight requests.
func (e *Engine) track(ctx context.Context, requestID string) (context.Context, func(), error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.inflight[requestID]; dup {
		return nil, nil, fmt.Errorf("request id %q is already in flight", requestID)
	}
	ctx, cancel := context.WithCancel(ctx)
	e.inflight[requestID] = cancel
	return ctx, func() {
		e.mu.Lock()
		delete(e.inflight, requestID)
		e.mu.Unlock()
		if e.assistant != nil {
			e.assistant.sessions.Forget(requestID)
		}
		cancel()
	}, nil
}

// Cancel stops the in-flight request with the given id. A running statement
// is cancelled server-side and its connection discarded; an assistant
// request also stops at its next step. Reports whether the request was found.
func (e *Engine) Cancel(requestID string) bool {
	e.mu.Lock()
	cancel, ok := e.inflight[requestID]
	if ok && e.assistant != nil {
		e.assistant.sessions.MarkCanceled(requestID)
	}
	e.mu.Unlock()
	if ok {
		cancel()
	}
	e.logger.Info().Str("request_id", requestID).Bool("found", ok).Msg("cancel requested")
	return ok
}

// mapSanitizationRules converts SanitizationRules to internal sanitize.Rules.
func mapSanitizationRules(rules []SanitizationRule) []sanitize.Rule {
	result := make([]sanitize.Rule, len(rules))
	for i, r := range rules {
		result[i] = sanitize.Rule{
			Pattern:     r.Pattern,
			Replacement: r.Replacement,
		}
	}
	return result
}

// mapErrorPromptRules converts ErrorPromptRules to internal errprompt.Rules.
func mapErrorPromptRules(rules []ErrorPromptRule) []errprompt.Rule {
	result := make([]errprompt.Rule, len(rules))
	for i, r := range rules {
		result[i] = errprompt.Rule{
			Pattern: r.Pattern,
			Message: r.Message,
		}
	}
	return result
}
