// Package timeout picks a statement timeout from the SQL text and the tables
// the statement reads.
package timeout

import (
	"fmt"
	"regexp"
	"slices"
	"time"
)

// Rule assigns Timeout to statements matching Pattern (case-insensitive) or
// reading any table in Tables. A rule needs at least one of the two.
type Rule struct {
	Pattern string
	Tables  []string
	Timeout time.Duration
}

type Config struct {
	Default time.Duration
	// Max caps every resolved timeout. Zero means no cap.
	Max   time.Duration
	Rules []Rule
}

type compiledRule struct {
	pattern *regexp.Regexp
	tables  []string
	timeout time.Duration
}

// Resolver resolves statement timeouts. It is immutable and safe for
// concurrent use.
type Resolver struct {
	rules          []compiledRule
	defaultTimeout time.Duration
	max            time.Duration
}

func NewResolver(config Config) (*Resolver, error) {
	if config.Default <= 0 {
		return nil, fmt.Errorf("timeout: default must be positive, got %s", config.Default)
	}
	if config.Max < 0 {
		return nil, fmt.Errorf("timeout: max must not be negative, got %s", config.Max)
	}
	compiled := make([]compiledRule, len(config.Rules))
	for i, r := range config.Rules {
		if r.Timeout <= 0 {
			return nil, fmt.Errorf("timeout: rule %d: timeout must be positive, got %s", i, r.Timeout)
		}
		if r.Pattern == "" && len(r.Tables) == 0 {
			return nil, fmt.Errorf("timeout: rule %d: needs a pattern or tables", i)
		}
		c := compiledRule{tables: r.Tables, timeout: r.Timeout}
		if r.Pattern != "" {
			re, err := regexp.Compile("(?i)" + r.Pattern)
			if err != nil {
				return nil, fmt.Errorf("timeout: invalid regex pattern %q: %v", r.Pattern, err)
			}
			c.pattern = re
		}
		compiled[i] = c
	}
	return &Resolver{rules: compiled, defaultTimeout: config.Default, max: config.Max}, nil
}

// Resolve returns the timeout for sql reading tables. First matching rule
// wins; otherwise the default applies.
func (r *Resolver) Resolve(sql string, tables []string) time.Duration {
	d := r.defaultTimeout
	for _, rule := range r.rules {
		if rule.matches(sql, tables) {
			d = rule.timeout
			break
		}
	}
	if r.max > 0 && d > r.max {
		return r.max
	}
	return d
}

func (c compiledRule) matches(sql string, tables []string) bool {
	if c.pattern != nil && c.pattern.MatchString(sql) {
		return true
	}
	for _, t := range tables {
		if slices.Contains(c.tables, t) {
			return true
		}
	}
	return false
}

// Default returns the fallback timeout.
func (r *Resolver) Default() time.Duration {
	return r.defaultTimeout
}
