package validator

import (
	"fmt"
	"strconv"

	pg_query "github.com/pganalyze/pg_query_go/v6"
)

// LimitSource says where the effective row limit came from.
type LimitSource uint8

const (
	// LimitNone: no LIMIT and no massive table touched.
	LimitNone LimitSource = iota
	// LimitUser: the query's own LIMIT was kept.
	LimitUser
	// LimitClamped: the query's LIMIT exceeded the cap and was lowered.
	LimitClamped
	// LimitInjected: the query had no LIMIT and one was appended.
	LimitInjected
)

func (s LimitSource) String() string {
	switch s {
	case LimitUser:
		return "user"
	case LimitClamped:
		return "clamped"
	case LimitInjected:
		return "injected"
	default:
		return "none"
	}
}

func (s LimitSource) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// LimitInfo describes the top-level row limit of a normalized query.
// Value is 0 when there is no literal limit.
type LimitInfo struct {
	Value  int
	Source LimitSource

	// byte range of the limit literal within Verdict.SQL
	start, end int
}

// WithLimit returns the normalized SQL with its limit literal replaced by n.
// Queries without a located literal come back unchanged.
func (v Verdict) WithLimit(n int) string {
	l := v.Limit
	if l.end <= l.start || l.end > len(v.SQL) {
		return v.SQL
	}
	return v.SQL[:l.start] + strconv.Itoa(n) + v.SQL[l.end:]
}

// normalizeLimit applies the row cap to the top-level statement. Nested
// LIMITs in subqueries and CTEs are left alone.
func (c *Checker) normalizeLimit(sel *pg_query.SelectStmt, toks []token, sql string, contentEnd int, hasSemi, massive bool) (LimitInfo, string, Verdict) {
	limit := c.rules.maxRows
	body := sql
	if hasSemi {
		body = sql[:contentEnd]
	}

	if sel.LimitCount == nil {
		if !massive {
			return LimitInfo{Source: LimitNone}, body, Verdict{}
		}
		head := sql[:contentEnd] + " LIMIT "
		out := head + strconv.Itoa(limit)
		return LimitInfo{Value: limit, Source: LimitInjected, start: len(head), end: len(out)}, out, Verdict{}
	}

	ac := sel.LimitCount.GetAConst()
	if ac == nil {
		return c.nonLiteralLimit(body, massive)
	}

	var (
		value    float64
		overflow bool
	)
	switch val := ac.Val.(type) {
	case nil:
		if !ac.Isnull {
			return c.nonLiteralLimit(body, massive)
		}
		overflow = true // LIMIT ALL / LIMIT NULL
	case *pg_query.A_Const_Ival:
		value = float64(val.Ival.GetIval())
	case *pg_query.A_Const_Fval:
		f, err := strconv.ParseFloat(val.Fval.GetFval(), 64)
		if err != nil {
			return c.nonLiteralLimit(body, massive)
		}
		value = f
	default:
		return c.nonLiteralLimit(body, massive)
	}
	if ac.Isnull {
		overflow = true
	}

	tok, located := tokenAt(toks, int(ac.Location))
	if !overflow && value <= float64(limit) {
		info := LimitInfo{Value: int(value), Source: LimitUser}
		if located && tok.end <= len(body) {
			info.start, info.end = tok.start, tok.end
		}
		return info, body, Verdict{}
	}

	if !located || tok.end > len(body) {
		return LimitInfo{}, "", reject(ReasonMissingRowLimit, "LIMIT could not be lowered to %d: write LIMIT %d or less", limit, limit)
	}
	repl := strconv.Itoa(limit)
	out := body[:tok.start] + repl + body[tok.end:]
	return LimitInfo{Value: limit, Source: LimitClamped, start: tok.start, end: tok.start + len(repl)}, out, Verdict{}
}

func (c *Checker) nonLiteralLimit(body string, massive bool) (LimitInfo, string, Verdict) {
	if massive {
		return LimitInfo{}, "", reject(ReasonMissingRowLimit,
			"LIMIT on ensemble tables must be an integer literal no greater than %d", c.rules.maxRows)
	}
	return LimitInfo{Source: LimitUser}, body, Verdict{}
}

// verifyLimit re-parses a rewritten query and checks its top-level limit.
func verifyLimit(sql string, want int) error {
	parsed, err := pg_query.Parse(sql)
	if err != nil {
		return err
	}
	if len(parsed.Stmts) != 1 {
		return fmt.Errorf("rewrite produced %d statements", len(parsed.Stmts))
	}
	sel := parsed.Stmts[0].Stmt.GetSelectStmt()
	if sel == nil || sel.LimitCount == nil {
		return fmt.Errorf("rewrite lost the LIMIT clause")
	}
	ival, ok := sel.LimitCount.GetAConst().GetVal().(*pg_query.A_Const_Ival)
	if !ok || int(ival.Ival.GetIval()) != want {
		return fmt.Errorf("rewrite did not produce LIMIT %d", want)
	}
	return nil
}
