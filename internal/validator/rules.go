package validator

import "strings"

// DefaultMaxRows is MAX_QUERY_ROWS when nothing is configured.
const DefaultMaxRows = 5000

// DefaultSchema is the schema unqualified allowlist entries belong to.
const DefaultSchema = "public"

// Table is one allowlisted relation.
// Massive tables get a row limit injected when the query has none.
type Table struct {
	Name    string
	Schema  string
	Massive bool
}

// Rules is the safety contract a candidate is checked against.
type Rules struct {
	MaxRows            int
	Tables             []Table
	ForbiddenKeywords  []string
	ForbiddenFunctions []string

	// Scope checks for massive tables. Off unless explicitly enabled.
	RequireWhereOnMassive bool
	ForbidStarOnMassive   bool
}

// EnsembleTables are the four forecast tables, each tens to hundreds of
// billions of rows.
var EnsembleTables = []Table{
	{Name: "weather_forecast_ensemble", Schema: DefaultSchema, Massive: true},
	{Name: "weather_seasonal_ensemble", Schema: DefaultSchema, Massive: true},
	{Name: "energy_base_ensemble", Schema: DefaultSchema, Massive: true},
	{Name: "energy_forecast_ensemble", Schema: DefaultSchema, Massive: true},
}

// DefaultForbiddenKeywords covers mutation, DDL, DCL, transaction control and
// session manipulation. LOAD and IMPORT are absent on purpose: "load" is an
// energy variable and a common alias, and neither can lead a SELECT.
var DefaultForbiddenKeywords = []string{
	"INSERT", "UPDATE", "DELETE", "DROP", "ALTER", "CREATE", "TRUNCATE",
	"GRANT", "REVOKE", "EXECUTE",
	"REPLACE", "UPSERT", "MERGE", "COPY", "EXEC", "CALL",
	"BEGIN", "COMMIT", "ROLLBACK", "SAVEPOINT",
	"LOCK", "VACUUM", "ANALYZE", "REINDEX", "CLUSTER",
	"COMMENT", "SECURITY", "REASSIGN", "DISCARD",
	"DO", "NOTIFY", "LISTEN", "UNLISTEN",
	"PREPARE", "DEALLOCATE",
	"SET ROLE", "SET SESSION AUTHORIZATION", "RESET ROLE",
}

// DefaultForbiddenFunctions are server functions that sleep, reach the
// filesystem or other servers, or touch other sessions. The *_to_xml family
// runs SQL or reads tables named in string arguments, which the allowlist
// cannot see.
var DefaultForbiddenFunctions = []string{
	"pg_sleep", "pg_sleep_for", "pg_sleep_until",
	"dblink", "dblink_exec", "dblink_connect",
	"pg_read_file", "pg_read_binary_file", "pg_write_file", "pg_ls_dir", "pg_stat_file",
	"pg_ls_logdir", "pg_ls_waldir", "pg_ls_tmpdir",
	"lo_import", "lo_export", "lo_get",
	"query_to_xml", "query_to_xmlschema", "query_to_xml_and_xmlschema",
	"table_to_xml", "table_to_xmlschema", "table_to_xml_and_xmlschema",
	"cursor_to_xml", "cursor_to_xmlschema",
	"schema_to_xml", "schema_to_xmlschema", "schema_to_xml_and_xmlschema",
	"database_to_xml", "database_to_xmlschema", "database_to_xml_and_xmlschema",
	"pg_terminate_backend", "pg_cancel_backend",
	"set_config",
}

// DefaultRules returns the production rule set.
func DefaultRules() Rules {
	tables := make([]Table, len(EnsembleTables))
	copy(tables, EnsembleTables)
	return Rules{
		MaxRows:            DefaultMaxRows,
		Tables:             tables,
		ForbiddenKeywords:  append([]string(nil), DefaultForbiddenKeywords...),
		ForbiddenFunctions: append([]string(nil), DefaultForbiddenFunctions...),
	}
}

type tableKey struct {
	schema string
	name   string
}

// compiled is Rules indexed for lookup.
type compiled struct {
	maxRows      int
	tables       map[tableKey]Table
	keywords     [][]string // each entry split into words, upper case
	functions    map[string]struct{}
	requireWhere bool
	forbidStar   bool
}

func compile(r Rules) compiled {
	c := compiled{
		maxRows:      r.MaxRows,
		tables:       make(map[tableKey]Table, len(r.Tables)),
		functions:    make(map[string]struct{}, len(r.ForbiddenFunctions)),
		requireWhere: r.RequireWhereOnMassive,
		forbidStar:   r.ForbidStarOnMassive,
	}
	if c.maxRows <= 0 {
		c.maxRows = DefaultMaxRows
	}
	for _, t := range r.Tables {
		schema := t.Schema
		if schema == "" {
			schema = DefaultSchema
		}
		c.tables[tableKey{schema: schema, name: t.Name}] = t
	}
	for _, kw := range r.ForbiddenKeywords {
		words := strings.Fields(strings.ToUpper(kw))
		if len(words) > 0 {
			c.keywords = append(c.keywords, words)
		}
	}
	for _, fn := range r.ForbiddenFunctions {
		c.functions[strings.ToLower(fn)] = struct{}{}
	}
	return c
}
