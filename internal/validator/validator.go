// Package validator decides whether a candidate SQL statement is safe to run
// against the ensemble tables and normalizes its row limit.
//
// Validation is pure: no I/O, no shared state, and the same candidate and
// rules always give the same verdict.
package validator

import (
	"fmt"
	"slices"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
)

// ReasonCode names why a candidate was rejected.
type ReasonCode string

const (
	ReasonNotReadOnly      ReasonCode = "NOT_READ_ONLY"
	ReasonForbiddenKeyword ReasonCode = "FORBIDDEN_KEYWORD"
	ReasonMultiStatement   ReasonCode = "MULTI_STATEMENT"
	ReasonUnknownTable     ReasonCode = "UNKNOWN_TABLE"
	ReasonMissingRowLimit  ReasonCode = "MISSING_ROW_LIMIT"
	ReasonForbiddenFunc    ReasonCode = "FORBIDDEN_FUNCTION"
	ReasonUnparseable      ReasonCode = "UNPARSEABLE"
	ReasonMissingWhere     ReasonCode = "MISSING_WHERE"
	ReasonSelectStar       ReasonCode = "SELECT_STAR"
)

// Candidate is one SQL statement proposed by the generator.
type Candidate struct {
	SQL       string
	SessionID string
	Metadata  map[string]string
}

// Verdict is the outcome of validation. Reason is empty iff accepted.
type Verdict struct {
	Reason  ReasonCode
	Message string

	// Set on acceptance.
	SQL     string
	Limit   LimitInfo
	Tables  []string
	Massive bool
}

// Accepted reports whether the candidate passed every check.
func (v Verdict) Accepted() bool { return v.Reason == "" }

// Err returns nil for an accepted verdict and a *RejectedError otherwise.
func (v Verdict) Err() error {
	if v.Accepted() {
		return nil
	}
	return &RejectedError{Reason: v.Reason, Message: v.Message}
}

// RejectedError carries a rejection through error returns.
type RejectedError struct {
	Reason  ReasonCode
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("query rejected (%s): %s", e.Reason, e.Message)
}

func reject(reason ReasonCode, format string, args ...any) Verdict {
	return Verdict{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// Checker validates candidates against a fixed rule set.
// It is safe for concurrent use.
type Checker struct {
	rules compiled
}

// NewChecker indexes rules for repeated validation.
func NewChecker(rules Rules) *Checker {
	return &Checker{rules: compile(rules)}
}

// MaxRows is the row cap in effect.
func (c *Checker) MaxRows() int { return c.rules.maxRows }

// Validate checks c against rules. See Checker.Validate.
func Validate(c Candidate, rules Rules) Verdict {
	return NewChecker(rules).Validate(c)
}

// Validate runs the checks in order; the first failure wins.
func (c *Checker) Validate(cand Candidate) Verdict {
	sql := cand.SQL
	if strings.TrimSpace(sql) == "" {
		return reject(ReasonNotReadOnly, "empty query: provide a single SELECT statement")
	}

	toks, err := scan(sql)
	if err != nil {
		return reject(ReasonUnparseable, "SQL could not be tokenized: %v", err)
	}
	codeToks := code(toks)
	if len(codeToks) == 0 {
		return reject(ReasonNotReadOnly, "query contains only comments: provide a single SELECT statement")
	}

	extra, contentEnd, hasSemi := splitTrailing(toks)
	if extra {
		return reject(ReasonMultiStatement, "multiple statements are not allowed: send exactly one SELECT without additional statements after ';'")
	}

	if kw, found := forbiddenKeyword(codeToks, c.rules.keywords); found {
		return reject(ReasonForbiddenKeyword, "forbidden keyword %s: only read-only SELECT queries are allowed", kw)
	}

	switch lead := leadingWord(codeToks); lead {
	case "SELECT", "WITH":
	default:
		return reject(ReasonNotReadOnly, "query must start with SELECT or WITH, found %q", lead)
	}

	parsed, err := pg_query.Parse(sql)
	if err != nil {
		return reject(ReasonUnparseable, "SQL parse error: %v", err)
	}
	if len(parsed.Stmts) != 1 {
		return reject(ReasonMultiStatement, "expected exactly one statement, found %d", len(parsed.Stmts))
	}
	stmt := parsed.Stmts[0].Stmt
	sel := stmt.GetSelectStmt()
	if sel == nil {
		return reject(ReasonNotReadOnly, "only SELECT statements are allowed")
	}

	f := collect(stmt)
	switch {
	case f.writes:
		return reject(ReasonNotReadOnly, "data-modifying statements are not allowed, including inside WITH")
	case f.selectInto:
		return reject(ReasonNotReadOnly, "SELECT INTO creates a table and is not allowed")
	case f.lockingRead:
		return reject(ReasonNotReadOnly, "row-locking clauses (FOR SHARE, FOR UPDATE) are not allowed")
	}

	for _, fn := range f.functions {
		if _, bad := c.rules.functions[fn]; bad {
			return reject(ReasonForbiddenFunc, "function %s() is not allowed", fn)
		}
	}

	tables, massive, unknown := c.resolveTables(f)
	if unknown != "" {
		return reject(ReasonUnknownTable, "table %q is not available: query only %s", unknown, c.allowedList())
	}

	if massive && c.rules.requireWhere && !f.hasWhere {
		return reject(ReasonMissingWhere, "queries on ensemble tables must filter with a WHERE clause (for example on variable, path or valid time)")
	}
	if massive && c.rules.forbidStar && f.hasStar {
		return reject(ReasonSelectStar, "SELECT * is not allowed on ensemble tables: name the columns you need")
	}

	limit, normalized, v := c.normalizeLimit(sel, toks, sql, contentEnd, hasSemi, massive)
	if !v.Accepted() {
		return v
	}
	if limit.Source == LimitClamped || limit.Source == LimitInjected {
		if err := verifyLimit(normalized, c.rules.maxRows); err != nil {
			return reject(ReasonUnparseable, "row limit could not be applied: %v", err)
		}
	}

	return Verdict{
		SQL:     normalized,
		Limit:   limit,
		Tables:  tables,
		Massive: massive,
	}
}

// resolveTables maps referenced relations onto the allowlist. CTE names
// shadow tables only when unqualified.
func (c *Checker) resolveTables(f facts) (tables []string, massive bool, unknown string) {
	seen := map[string]bool{}
	for _, rv := range f.relations {
		if rv.Schemaname == "" && rv.Catalogname == "" {
			if _, isCTE := f.ctes[rv.Relname]; isCTE {
				continue
			}
		}
		if rv.Catalogname != "" {
			return nil, false, qualifiedName(rv)
		}
		schema := rv.Schemaname
		if schema == "" {
			schema = DefaultSchema
		}
		t, ok := c.rules.tables[tableKey{schema: schema, name: rv.Relname}]
		if !ok {
			return nil, false, qualifiedName(rv)
		}
		if t.Massive {
			massive = true
		}
		if !seen[t.Name] {
			seen[t.Name] = true
			tables = append(tables, t.Name)
		}
	}
	return tables, massive, ""
}

func (c *Checker) allowedList() string {
	names := make([]string, 0, len(c.rules.tables))
	for k := range c.rules.tables {
		names = append(names, k.name)
	}
	if len(names) == 0 {
		return "allowlisted tables"
	}
	slices.Sort(names)
	return strings.Join(names, ", ")
}
