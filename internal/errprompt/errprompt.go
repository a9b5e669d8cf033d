// Package errprompt maps error text to guidance that is appended to errors
// returned to the SQL-generating model, so a retry can fix the query.
package errprompt

import (
	"fmt"
	"regexp"
	"strings"
)

type Rule struct {
	Pattern string
	Message string
}

// DefaultRules cover validator rejections and the engine errors generated
// SQL most often hits on the ensemble tables.
var DefaultRules = []Rule{
	{
		Pattern: `MISSING_ROW_LIMIT`,
		Message: "Queries on ensemble tables must end with a literal LIMIT, or aggregate (AVG, percentile_cont, COUNT) with GROUP BY so the result is small.",
	},
	{
		Pattern: `UNKNOWN_TABLE`,
		Message: "Only the four ensemble tables may be queried. Check the table name and schema, and reference CTEs by the name they were defined with.",
	},
	{
		Pattern: `FORBIDDEN_KEYWORD|NOT_READ_ONLY|FORBIDDEN_FUNCTION`,
		Message: "Only a single read-only SELECT (optionally with WITH) is allowed. Rewrite the request as a plain query.",
	},
	{
		Pattern: `forbidden keyword REPLACE\b`,
		Message: "The replace() function is blocked because REPLACE is a keyword. Use regexp_replace(text, pattern, replacement) or translate(text, from, to) instead.",
	},
	{
		Pattern: `MULTI_STATEMENT`,
		Message: "Send exactly one statement. Combine steps with CTEs or subqueries instead of semicolons.",
	},
	{
		Pattern: `MISSING_WHERE|SELECT_STAR`,
		Message: "Name the columns you need and filter ensemble tables on initialization, valid_datetime, variable or location.",
	},
	{
		Pattern: `(?i)column "[^"]+" does not exist`,
		Message: "Ensemble tables have columns initialization, project_name, location, variable, valid_datetime, ensemble_path and ensemble_value. Use describe_table to check.",
	},
	{
		Pattern: `(?i)canceling statement due to statement timeout|timed out after`,
		Message: "The query ran too long. Filter on initialization and valid_datetime first, narrow project_name, location and variable, or aggregate across ensemble_path.",
	},
	{
		Pattern: `(?i)must appear in the GROUP BY clause`,
		Message: "Every selected column that is not aggregated must be listed in GROUP BY.",
	},
	{
		Pattern: `(?i)operator does not exist: timestamp with time zone`,
		Message: "Compare timestamptz columns with timestamp literals, e.g. valid_datetime >= '2025-01-01T00:00:00Z'::timestamptz.",
	},
}

type compiledRule struct {
	pattern *regexp.Regexp
	message string
}

// Matcher checks error messages against patterns and returns guidance prompts.
type Matcher struct {
	rules []compiledRule
}

// NewMatcher creates a new Matcher. Returns an error on invalid regex patterns.
func NewMatcher(rules []Rule) (*Matcher, error) {
	compiled := make([]compiledRule, len(rules))
	for i, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("errprompt: invalid regex pattern %q: %v", r.Pattern, err)
		}
		compiled[i] = compiledRule{pattern: re, message: r.Message}
	}
	return &Matcher{rules: compiled}, nil
}

// Match checks error message against all rules (top to bottom).
// Returns all matching prompt messages joined with newline separators.
// Returns empty string if no match.
func (m *Matcher) Match(errMsg string) string {
	guidance, _ := m.Guide(errMsg)
	return guidance
}

// MatchedPatterns returns the regex patterns that matched the given error message.
// Returns nil if no match.
func (m *Matcher) MatchedPatterns(errMsg string) []string {
	_, patterns := m.Guide(errMsg)
	return patterns
}

// Guide returns the joined guidance for errMsg together with the patterns
// that produced it. Identical messages from different rules appear once.
func (m *Matcher) Guide(errMsg string) (string, []string) {
	var messages, patterns []string
	seen := make(map[string]bool)
	for _, rule := range m.rules {
		if !rule.pattern.MatchString(errMsg) {
			continue
		}
		patterns = append(patterns, rule.pattern.String())
		if !seen[rule.message] {
			seen[rule.message] = true
			messages = append(messages, rule.message)
		}
	}
	return strings.Join(messages, "\n"), patterns
}

// Annotate appends the guidance for errMsg after a blank line. errMsg is
// returned unchanged when nothing matches.
func (m *Matcher) Annotate(errMsg string) string {
	if guidance := m.Match(errMsg); guidance != "" {
		return errMsg + "\n\n" + guidance
	}
	return errMsg
}
