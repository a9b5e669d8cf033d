// Package sanitize masks sensitive substrings in result text cells and in
// database error messages before they reach a user or the LLM.
package sanitize

import (
	"fmt"
	"regexp"

	"github.com/gridcast/ensembleql/internal/tabular"
)

type Rule struct {
	Pattern     string
	Replacement string
}

// MessageRules redact credentials that drivers and servers echo back in
// error text.
var MessageRules = []Rule{
	{Pattern: `(?i)(password\s*=\s*)('[^']*'|\S+)`, Replacement: "${1}***"},
	{Pattern: `(?i)(postgres(?:ql)?://[^:/@\s]+:)[^@\s]+@`, Replacement: "${1}***@"},
}

type compiledRule struct {
	pattern     *regexp.Regexp
	replacement string
}

// Sanitizer applies regex replacements in rule order.
type Sanitizer struct {
	rules []compiledRule
}

// NewSanitizer creates a new Sanitizer. Returns an error on invalid regex patterns.
func NewSanitizer(rules []Rule) (*Sanitizer, error) {
	compiled := make([]compiledRule, len(rules))
	for i, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("sanitize: invalid regex pattern %q: %v", r.Pattern, err)
		}
		compiled[i] = compiledRule{pattern: re, replacement: r.Replacement}
	}
	return &Sanitizer{rules: compiled}, nil
}

// HasRules returns true if the sanitizer has any rules configured.
func (s *Sanitizer) HasRules() bool {
	return len(s.rules) > 0
}

// String applies every rule to v.
func (s *Sanitizer) String(v string) string {
	for _, rule := range s.rules {
		v = rule.pattern.ReplaceAllString(v, rule.replacement)
	}
	return v
}

// SanitizeRows rewrites text cells in place. Numeric, timestamp, boolean and
// null cells are left alone.
func (s *Sanitizer) SanitizeRows(rows [][]tabular.Value) {
	if !s.HasRules() {
		return
	}
	for _, row := range rows {
		for i, v := range row {
			if v.Kind == tabular.KindText {
				row[i] = tabular.Text(s.String(v.Text))
			}
		}
	}
}
