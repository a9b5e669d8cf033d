package configure

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gridcast/ensembleql"
)

// Run runs the interactive configuration wizard.
// Reads existing config (if any), prompts for each field,
// writes updated config to the given path.
func Run(configPath string) error {
	return run(configPath, os.Stdin, os.Stderr)
}

func run(configPath string, input io.Reader, output io.Writer) error {
	scanner := bufio.NewScanner(input)
	cfg, isNew := loadExisting(configPath)
	if isNew {
		applyDefaults(cfg)
	}

	p := &prompter{
		scanner: scanner,
		output:  output,
		isNew:   isNew,
	}

	fmt.Fprintf(output, "ensembleql configuration wizard\n")
	fmt.Fprintf(output, "Config file: %s\n\n", configPath)

	// Connection
	fmt.Fprintf(output, "=== Connection ===\n")
	cfg.Connection.Host = p.promptString("connection.host", cfg.Connection.Host)
	cfg.Connection.Port = p.promptPositiveInt("connection.port", cfg.Connection.Port, "must be > 0")
	cfg.Connection.DBName = p.promptRequiredStringWithHint("connection.dbname", cfg.Connection.DBName, "required")
	cfg.Connection.User = p.promptRequiredStringWithHint("connection.user", cfg.Connection.User, "required, a read-only role is recommended")
	cfg.Connection.SSLMode = p.promptEnum("connection.sslmode", cfg.Connection.SSLMode, sslModes)

	// Server
	fmt.Fprintf(output, "\n=== Server ===\n")
	cfg.Server.Port = p.promptPositiveInt("server.port", cfg.Server.Port, "must be > 0")
	cfg.Server.HealthCheckEnabled = p.promptBool("server.health_check_enabled", cfg.Server.HealthCheckEnabled)
	cfg.Server.HealthCheckPath = p.promptStringWithHint("server.health_check_path", cfg.Server.HealthCheckPath, "e.g. /health, required when health_check_enabled is true")
	cfg.Server.MetricsEnabled = p.promptBool("server.metrics_enabled", cfg.Server.MetricsEnabled)
	cfg.Server.MetricsPath = p.promptStringWithHint("server.metrics_path", cfg.Server.MetricsPath, "e.g. /metrics, required when metrics_enabled is true")

	// Logging
	fmt.Fprintf(output, "\n=== Logging ===\n")
	cfg.Logging.Level = p.promptEnum("logging.level", cfg.Logging.Level, logLevels)
	cfg.Logging.Format = p.promptEnum("logging.format", cfg.Logging.Format, logFormats)
	cfg.Logging.Output = p.promptStringWithHint("logging.output", cfg.Logging.Output, "stdout, stderr, or file path")

	// Pool
	fmt.Fprintf(output, "\n=== Pool ===\n")
	cfg.Pool.MaxConns = p.promptPositiveInt("pool.max_conns", cfg.Pool.MaxConns, "must be > 0")
	cfg.Pool.MinConns = p.promptNonNegativeInt("pool.min_conns", cfg.Pool.MinConns, "must be >= 0")
	cfg.Pool.MaxConnLifetime = p.promptDuration("pool.max_conn_lifetime", cfg.Pool.MaxConnLifetime, "Go duration: e.g. 1h, 30m, 1h30m")
	cfg.Pool.MaxConnIdleTime = p.promptDuration("pool.max_conn_idle_time", cfg.Pool.MaxConnIdleTime, "Go duration: e.g. 1h, 30m, 1h30m")
	cfg.Pool.AcquireTimeoutSeconds = p.promptPositiveInt("pool.acquire_timeout_seconds", cfg.Pool.AcquireTimeoutSeconds, "seconds, must be > 0")
	cfg.Pool.ShutdownGraceSeconds = p.promptNonNegativeInt("pool.shutdown_grace_seconds", cfg.Pool.ShutdownGraceSeconds, "seconds, must be >= 0")

	// Query
	fmt.Fprintf(output, "\n=== Query ===\n")
	cfg.Query.MaxRows = p.promptPositiveInt("query.max_rows", cfg.Query.MaxRows, "row cap for ensemble tables, must be > 0")
	cfg.Query.TimeoutSeconds = p.promptPositiveInt("query.timeout_seconds", cfg.Query.TimeoutSeconds, "seconds, must be > 0")
	cfg.Query.MaxTimeoutSeconds = p.promptNonNegativeInt("query.max_timeout_seconds", cfg.Query.MaxTimeoutSeconds, "seconds, 0 = no cap")
	cfg.Query.CatalogTimeoutSeconds = p.promptPositiveInt("query.catalog_timeout_seconds", cfg.Query.CatalogTimeoutSeconds, "seconds, must be > 0")
	cfg.Query.MaxSQLLength = p.promptPositiveInt("query.max_sql_length", cfg.Query.MaxSQLLength, "bytes, must be > 0")
	cfg.Query.MaxCellBytes = p.promptNonNegativeInt("query.max_cell_bytes", cfg.Query.MaxCellBytes, "bytes, 0 = no limit")

	// Validation
	fmt.Fprintf(output, "\n=== Validation ===\n")
	cfg.Validation.RequireWhereOnMassive = p.promptBool("validation.require_where_on_massive", cfg.Validation.RequireWhereOnMassive)
	cfg.Validation.ForbidStarOnMassive = p.promptBool("validation.forbid_star_on_massive", cfg.Validation.ForbidStarOnMassive)

	fmt.Fprintf(output, "\n=== General ===\n")
	cfg.Timezone = p.promptTimezone(cfg.Timezone)

	// Export
	fmt.Fprintf(output, "\n=== Export ===\n")
	cfg.Export.Enabled = p.promptBool("export.enabled", cfg.Export.Enabled)
	cfg.Export.Store.Endpoint = p.promptStringWithHint("export.store.endpoint", cfg.Export.Store.Endpoint, "e.g. s3.amazonaws.com or http://localhost:9000")
	cfg.Export.Store.Region = p.promptString("export.store.region", cfg.Export.Store.Region)
	cfg.Export.Store.Bucket = p.promptStringWithHint("export.store.bucket", cfg.Export.Store.Bucket, "required when export is enabled")
	cfg.Export.Store.UseSSL = p.promptBool("export.store.use_ssl", cfg.Export.Store.UseSSL)
	cfg.Export.Store.Prefix = p.promptString("export.store.prefix", cfg.Export.Store.Prefix)
	cfg.Export.Store.AutoCreateBucket = p.promptBool("export.store.auto_create_bucket", cfg.Export.Store.AutoCreateBucket)
	cfg.Export.URLExpirySeconds = p.promptNonNegativeInt("export.url_expiry_seconds", cfg.Export.URLExpirySeconds, "seconds, 0 = no download URL")

	// Assistant
	fmt.Fprintf(output, "\n=== Assistant ===\n")
	cfg.Assistant.Enabled = p.promptBool("assistant.enabled", cfg.Assistant.Enabled)
	cfg.Assistant.BaseURL = p.promptStringWithHint("assistant.base_url", cfg.Assistant.BaseURL, "OpenAI-compatible endpoint")
	cfg.Assistant.Model = p.promptString("assistant.model", cfg.Assistant.Model)
	cfg.Assistant.MaxTokens = p.promptNonNegativeInt("assistant.max_tokens", cfg.Assistant.MaxTokens, "0 = client default")
	cfg.Assistant.TimeoutSeconds = p.promptPositiveInt("assistant.timeout_seconds", cfg.Assistant.TimeoutSeconds, "seconds, must be > 0")
	cfg.Assistant.MaxHistoryTurns = p.promptNonNegativeInt("assistant.max_history_turns", cfg.Assistant.MaxHistoryTurns, "0 = default")
	cfg.Assistant.SessionIdleMinutes = p.promptNonNegativeInt("assistant.session_idle_minutes", cfg.Assistant.SessionIdleMinutes, "minutes, 0 = keep forever")

	// Array fields
	fmt.Fprintf(output, "\n=== Tables (empty = the four ensemble tables) ===\n")
	cfg.Validation.Tables = p.promptTables(cfg.Validation.Tables)

	fmt.Fprintf(output, "\n=== Timeout Rules ===\n")
	cfg.Query.TimeoutRules = p.promptTimeoutRules(cfg.Query.TimeoutRules)

	fmt.Fprintf(output, "\n=== Error Prompts ===\n")
	cfg.ErrorPrompts = p.promptErrorPrompts(cfg.ErrorPrompts)

	fmt.Fprintf(output, "\n=== Sanitization Rules ===\n")
	cfg.Sanitization = p.promptSanitizationRules(cfg.Sanitization)

	// Write config
	if err := writeConfig(configPath, cfg); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Fprintf(output, "\nConfiguration saved to %s\n", configPath)
	return nil
}

func loadExisting(configPath string) (*ensembleql.ServerConfig, bool) {
	cfg := &ensembleql.ServerConfig{}
	data, err := os.ReadFile(configPath)
	if err != nil {
		return cfg, true
	}
	// Ignore unmarshal errors, start with whatever was parseable.
	_ = json.Unmarshal(data, cfg)
	return cfg, false
}

// applyDefaults sets sensible default values for a new configuration.
func applyDefaults(cfg *ensembleql.ServerConfig) {
	cfg.Config = cfg.Config.WithDefaults()
	cfg.Connection.Host = "localhost"
	cfg.Connection.Port = 5432
	cfg.Connection.SSLMode = "prefer"
	cfg.Server.Port = 8080
	cfg.Server.HealthCheckPath = "/health"
	cfg.Server.MetricsPath = "/metrics"
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.Output = "stderr"
	cfg.Timezone = "UTC"
	cfg.Export.Store.UseSSL = true
	cfg.Export.URLExpirySeconds = 3600
	cfg.Assistant.BaseURL = "https://api.openai.com/v1"
	cfg.Assistant.MaxHistoryTurns = 20
	cfg.Assistant.SessionIdleMinutes = 60
}

var (
	sslModes   = []string{"disable", "allow", "prefer", "require", "verify-ca", "verify-full"}
	logLevels  = []string{"debug", "info", "warn", "error"}
	logFormats = []string{"json", "text"}
)

func writeConfig(configPath string, cfg *ensembleql.ServerConfig) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Append trailing newline.
	data = append(data, '\n')

	// The export store section may carry an access key.
	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write file %s: %w", configPath, err)
	}

	return nil
}

// prompter handles reading user input and displaying prompts.
type prompter struct {
	scanner *bufio.Scanner
	output  io.Writer
	isNew   bool
	eof     bool
}

func (p *prompter) readLine() string {
	if p.scanner.Scan() {
		return strings.TrimSpace(p.scanner.Text())
	}
	p.eof = true
	return ""
}

func (p *prompter) valueLabel() string {
	if p.isNew {
		return "default"
	}
	return "current"
}

func (p *prompter) promptString(field string, current string) string {
	fmt.Fprintf(p.output, "%s (%s: %q): ", field, p.valueLabel(), current)
	input := p.readLine()
	if input == "" {
		return current
	}
	return input
}

func (p *prompter) promptStringWithHint(field string, current string, hint string) string {
	fmt.Fprintf(p.output, "%s [%s] (%s: %q): ", field, hint, p.valueLabel(), current)
	input := p.readLine()
	if input == "" {
		return current
	}
	return input
}

// promptRequiredStringWithHint re-prompts until the result is non-empty.
func (p *prompter) promptRequiredStringWithHint(field string, current string, hint string) string {
	for {
		fmt.Fprintf(p.output, "%s [%s] (%s: %q): ", field, hint, p.valueLabel(), current)
		input := p.readLine()
		if input == "" {
			if current != "" {
				return current
			}
			fmt.Fprintf(p.output, "  Value is required, try again.\n")
			if !p.more() {
				return current
			}
			continue
		}
		return input
	}
}

func (p *prompter) promptInt(field string, current int) int {
	for {
		fmt.Fprintf(p.output, "%s (%s: %d): ", field, p.valueLabel(), current)
		input := p.readLine()
		if input == "" {
			return current
		}
		val, err := strconv.Atoi(input)
		if err != nil {
			fmt.Fprintf(p.output, "  Invalid integer %q, try again.\n", input)
			continue
		}
		return val
	}
}

func (p *prompter) promptPositiveInt(field string, current int, hint string) int {
	for {
		fmt.Fprintf(p.output, "%s [%s] (%s: %d): ", field, hint, p.valueLabel(), current)
		input := p.readLine()
		if input == "" {
			if current > 0 || !p.more() {
				return current
			}
			fmt.Fprintf(p.output, "  Value must be > 0, try again.\n")
			continue
		}
		val, err := strconv.Atoi(input)
		if err != nil {
			fmt.Fprintf(p.output, "  Invalid integer %q, try again.\n", input)
			continue
		}
		if val <= 0 {
			fmt.Fprintf(p.output, "  Value must be > 0, try again.\n")
			continue
		}
		return val
	}
}

func (p *prompter) promptNonNegativeInt(field string, current int, hint string) int {
	for {
		fmt.Fprintf(p.output, "%s [%s] (%s: %d): ", field, hint, p.valueLabel(), current)
		input := p.readLine()
		if input == "" {
			return current
		}
		val, err := strconv.Atoi(input)
		if err != nil {
			fmt.Fprintf(p.output, "  Invalid integer %q, try again.\n", input)
			continue
		}
		if val < 0 {
			fmt.Fprintf(p.output, "  Value must be >= 0, try again.\n")
			continue
		}
		return val
	}
}

func (p *prompter) promptBool(field string, current bool) bool {
	for {
		fmt.Fprintf(p.output, "%s (%s: %v): ", field, p.valueLabel(), current)
		input := p.readLine()
		if input == "" {
			return current
		}
		if v, ok := parseBool(input); ok {
			return v
		}
		fmt.Fprintf(p.output, "  Invalid value %q, use true/false/yes/no, try again.\n", input)
	}
}

func parseBool(s string) (bool, bool) {
	switch strings.ToLower(s) {
	case "true", "t", "yes", "y", "1":
		return true, true
	case "false", "f", "no", "n", "0":
		return false, true
	}
	return false, false
}

func (p *prompter) promptDuration(field string, current string, hint string) string {
	for {
		fmt.Fprintf(p.output, "%s [%s] (%s: %q): ", field, hint, p.valueLabel(), current)
		input := p.readLine()
		if input == "" {
			return current
		}
		if _, err := time.ParseDuration(input); err != nil {
			fmt.Fprintf(p.output, "  Invalid Go duration %q, try again.\n", input)
			continue
		}
		return input
	}
}

func (p *prompter) promptTimezone(current string) string {
	for {
		fmt.Fprintf(p.output, "timezone [e.g. UTC, Europe/Berlin, empty = server default] (%s: %q): ", p.valueLabel(), current)
		input := p.readLine()
		if input == "" {
			return current
		}
		if _, err := time.LoadLocation(input); err != nil {
			fmt.Fprintf(p.output, "  Invalid timezone %q, please enter a valid IANA timezone.\n", input)
			continue
		}
		return input
	}
}

func (p *prompter) promptEnum(field string, current string, allowed []string) string {
	for {
		fmt.Fprintf(p.output, "%s (%s: %q, options: %s): ", field, p.valueLabel(), current, strings.Join(allowed, ", "))
		input := p.readLine()
		if input == "" {
			return current
		}
		for _, v := range allowed {
			if input == v {
				return input
			}
		}
		fmt.Fprintf(p.output, "  Invalid value %q, must be one of: %s\n", input, strings.Join(allowed, ", "))
	}
}

// more reports whether input remains. Re-prompt loops stop at EOF.
func (p *prompter) more() bool {
	return !p.eof
}

// Array field editors

func (p *prompter) promptTables(current []ensembleql.TableConfig) []ensembleql.TableConfig {
	tables := current
	for {
		p.displayTables(tables)
		fmt.Fprintf(p.output, "[a]dd, [r]emove, [c]ontinue? ")
		choice := strings.ToLower(p.readLine())
		switch choice {
		case "a":
			name := p.promptNewField("name")
			if name == "" {
				fmt.Fprintf(p.output, "  Table name is required.\n")
				continue
			}
			schema := p.promptNewField("schema (empty = public)")
			massive := p.promptNewBoolField("massive")
			tables = append(tables, ensembleql.TableConfig{
				Name:    name,
				Schema:  schema,
				Massive: massive,
			})
		case "r":
			tables = removeByIndex(p, "table", tables)
		case "c", "":
			return tables
		default:
			fmt.Fprintf(p.output, "  Unknown choice, try again.\n")
		}
	}
}

func (p *prompter) displayTables(tables []ensembleql.TableConfig) {
	if len(tables) == 0 {
		fmt.Fprintf(p.output, "  (no entries)\n")
		return
	}
	for i, t := range tables {
		fmt.Fprintf(p.output, "  [%d] name=%q schema=%q massive=%v\n", i, t.Name, t.Schema, t.Massive)
	}
}

func (p *prompter) promptTimeoutRules(current []ensembleql.TimeoutRule) []ensembleql.TimeoutRule {
	rules := current
	for {
		p.displayTimeoutRules(rules)
		fmt.Fprintf(p.output, "[a]dd, [r]emove, [c]ontinue? ")
		choice := strings.ToLower(p.readLine())
		switch choice {
		case "a":
			pattern := p.promptNewRegexField("pattern")
			tables := splitList(p.promptNewField("tables (comma-separated)"))
			if pattern == "" && len(tables) == 0 {
				fmt.Fprintf(p.output, "  A rule needs a pattern or tables.\n")
				continue
			}
			timeout := p.promptNewPositiveIntField("timeout_seconds")
			rules = append(rules, ensembleql.TimeoutRule{
				Pattern:        pattern,
				Tables:         tables,
				TimeoutSeconds: timeout,
			})
		case "r":
			rules = removeByIndex(p, "timeout rule", rules)
		case "c", "":
			return rules
		default:
			fmt.Fprintf(p.output, "  Unknown choice, try again.\n")
		}
	}
}

func (p *prompter) displayTimeoutRules(rules []ensembleql.TimeoutRule) {
	if len(rules) == 0 {
		fmt.Fprintf(p.output, "  (no entries)\n")
		return
	}
	for i, r := range rules {
		fmt.Fprintf(p.output, "  [%d] pattern=%q tables=%v timeout_seconds=%d\n", i, r.Pattern, r.Tables, r.TimeoutSeconds)
	}
}

func (p *prompter) promptErrorPrompts(current []ensembleql.ErrorPromptRule) []ensembleql.ErrorPromptRule {
	rules := current
	for {
		p.displayErrorPrompts(rules)
		fmt.Fprintf(p.output, "[a]dd, [r]emove, [c]ontinue? ")
		choice := strings.ToLower(p.readLine())
		switch choice {
		case "a":
			pattern := p.promptNewRegexField("pattern")
			message := p.promptNewField("message")
			rules = append(rules, ensembleql.ErrorPromptRule{
				Pattern: pattern,
				Message: message,
			})
		case "r":
			rules = removeByIndex(p, "error prompt", rules)
		case "c", "":
			return rules
		default:
			fmt.Fprintf(p.output, "  Unknown choice, try again.\n")
		}
	}
}

func (p *prompter) displayErrorPrompts(rules []ensembleql.ErrorPromptRule) {
	if len(rules) == 0 {
		fmt.Fprintf(p.output, "  (no entries)\n")
		return
	}
	for i, r := range rules {
		fmt.Fprintf(p.output, "  [%d] pattern=%q message=%q\n", i, r.Pattern, r.Message)
	}
}

func (p *prompter) promptSanitizationRules(current []ensembleql.SanitizationRule) []ensembleql.SanitizationRule {
	rules := current
	for {
		p.displaySanitizationRules(rules)
		fmt.Fprintf(p.output, "[a]dd, [r]emove, [c]ontinue? ")
		choice := strings.ToLower(p.readLine())
		switch choice {
		case "a":
			pattern := p.promptNewRegexField("pattern")
			replacement := p.promptNewField("replacement")
			description := p.promptNewField("description")
			rules = append(rules, ensembleql.SanitizationRule{
				Pattern:     pattern,
				Replacement: replacement,
				Description: description,
			})
		case "r":
			rules = removeByIndex(p, "sanitization rule", rules)
		case "c", "":
			return rules
		default:
			fmt.Fprintf(p.output, "  Unknown choice, try again.\n")
		}
	}
}

func (p *prompter) displaySanitizationRules(rules []ensembleql.SanitizationRule) {
	if len(rules) == 0 {
		fmt.Fprintf(p.output, "  (no entries)\n")
		return
	}
	for i, r := range rules {
		fmt.Fprintf(p.output, "  [%d] pattern=%q replacement=%q description=%q\n", i, r.Pattern, r.Replacement, r.Description)
	}
}

func (p *prompter) promptNewField(name string) string {
	fmt.Fprintf(p.output, "  %s: ", name)
	return p.readLine()
}

func (p *prompter) promptNewBoolField(name string) bool {
	for {
		fmt.Fprintf(p.output, "  %s (true/false): ", name)
		input := p.readLine()
		if input == "" {
			return false
		}
		if v, ok := parseBool(input); ok {
			return v
		}
		fmt.Fprintf(p.output, "  Invalid value %q, use true/false/yes/no, try again.\n", input)
	}
}

func (p *prompter) promptNewRegexField(name string) string {
	for {
		fmt.Fprintf(p.output, "  %s (regex): ", name)
		input := p.readLine()
		if input == "" {
			return ""
		}
		if _, err := regexp.Compile(input); err != nil {
			fmt.Fprintf(p.output, "  Invalid regex %q: %v, try again.\n", input, err)
			continue
		}
		return input
	}
}

func (p *prompter) promptNewPositiveIntField(name string) int {
	for {
		fmt.Fprintf(p.output, "  %s (must be > 0): ", name)
		input := p.readLine()
		if input == "" {
			fmt.Fprintf(p.output, "  Value is required and must be > 0, try again.\n")
			if !p.more() {
				return 0
			}
			continue
		}
		val, err := strconv.Atoi(input)
		if err != nil {
			fmt.Fprintf(p.output, "  Invalid integer %q, try again.\n", input)
			continue
		}
		if val <= 0 {
			fmt.Fprintf(p.output, "  Value must be > 0, try again.\n")
			continue
		}
		return val
	}
}

func (p *prompter) promptNewNonNegativeIntField(name string) int {
	for {
		fmt.Fprintf(p.output, "  %s (must be >= 0): ", name)
		input := p.readLine()
		if input == "" {
			return 0
		}
		val, err := strconv.Atoi(input)
		if err != nil {
			fmt.Fprintf(p.output, "  Invalid integer %q, try again.\n", input)
			continue
		}
		if val < 0 {
			fmt.Fprintf(p.output, "  Value must be >= 0, try again.\n")
			continue
		}
		return val
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// removeByIndex is a generic helper for removing an element by index from a slice.
// It uses type parameters to work with any slice type.
func removeByIndex[T any](p *prompter, label string, items []T) []T {
	if len(items) == 0 {
		fmt.Fprintf(p.output, "  No %s entries to remove.\n", label)
		return items
	}
	fmt.Fprintf(p.output, "  Index to remove: ")
	input := p.readLine()
	idx, err := strconv.Atoi(input)
	if err != nil || idx < 0 || idx >= len(items) {
		fmt.Fprintf(p.output, "  Invalid index.\n")
		return items
	}
	return append(items[:idx], items[idx+1:]...)
}
