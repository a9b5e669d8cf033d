package ensembleql

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gridcast/ensembleql/internal/export"
	"github.com/gridcast/ensembleql/internal/validator"
)

// Environment variables that override the matching config fields.
const (
	EnvMaxQueryRows    = "MAX_QUERY_ROWS"
	EnvQueryTimeoutSec = "QUERY_TIMEOUT_SEC"
)

// Config is the base configuration used by library mode via New().
type Config struct {
	Pool         PoolConfig         `json:"pool"`
	Query        QueryConfig        `json:"query"`
	Validation   ValidationConfig   `json:"validation"`
	ErrorPrompts []ErrorPromptRule  `json:"error_prompts"`
	Sanitization []SanitizationRule `json:"sanitization"`
	Timezone     string             `json:"timezone"`
	Export       ExportConfig       `json:"export"`
	Assistant    AssistantConfig    `json:"assistant"`
}

// ServerConfig embeds Config and adds server-only fields for CLI mode.
type ServerConfig struct {
	Config
	Connection ConnectionConfig `json:"connection"`
	Server     ServerSettings   `json:"server"`
	Logging    LoggingConfig    `json:"logging"`
}

// ConnectionConfig holds database connection parameters used by CLI mode.
// The password never lives here: it comes from the environment, the OS
// keychain or a prompt.
type ConnectionConfig struct {
	Host    string `json:"host"`
	Port    int    `json:"port"`
	DBName  string `json:"dbname"`
	User    string `json:"user"`
	SSLMode string `json:"sslmode"`
}

// PoolConfig holds connection pool settings.
type PoolConfig struct {
	MinConns              int    `json:"min_conns"`
	MaxConns              int    `json:"max_conns"`
	MaxConnLifetime       string `json:"max_conn_lifetime"`
	MaxConnIdleTime       string `json:"max_conn_idle_time"`
	AcquireTimeoutSeconds int    `json:"acquire_timeout_seconds"`
	ShutdownGraceSeconds  int    `json:"shutdown_grace_seconds"`
}

// ServerSettings holds HTTP server settings for CLI mode.
type ServerSettings struct {
	Port               int    `json:"port"`
	HealthCheckEnabled bool   `json:"health_check_enabled"`
	HealthCheckPath    string `json:"health_check_path"`
	MetricsEnabled     bool   `json:"metrics_enabled"`
	MetricsPath        string `json:"metrics_path"`
}

// LoggingConfig holds logging settings for CLI mode.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
	Output string `json:"output"` // stdout, stderr, or file path
}

// QueryConfig holds query execution settings.
type QueryConfig struct {
	MaxRows               int           `json:"max_rows"`
	TimeoutSeconds        int           `json:"timeout_seconds"`
	MaxTimeoutSeconds     int           `json:"max_timeout_seconds"`
	CatalogTimeoutSeconds int           `json:"catalog_timeout_seconds"`
	MaxSQLLength          int           `json:"max_sql_length"`
	MaxCellBytes          int           `json:"max_cell_bytes"`
	TimeoutRules          []TimeoutRule `json:"timeout_rules"`
}

// ValidationConfig shapes the safety contract. An empty table list means
// the four ensemble tables.
type ValidationConfig struct {
	Tables                  []TableConfig `json:"tables"`
	ExtraForbiddenKeywords  []string      `json:"extra_forbidden_keywords"`
	ExtraForbiddenFunctions []string      `json:"extra_forbidden_functions"`
	RequireWhereOnMassive   bool          `json:"require_where_on_massive"`
	ForbidStarOnMassive     bool          `json:"forbid_star_on_massive"`
}

// TableConfig is one allowlisted table.
type TableConfig struct {
	Name    string `json:"name"`
	Schema  string `json:"schema"`
	Massive bool   `json:"massive"`
}

// TimeoutRule maps a SQL pattern or a set of tables to a specific timeout.
type TimeoutRule struct {
	Pattern        string   `json:"pattern"`
	Tables         []string `json:"tables,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds"`
}

// ErrorPromptRule maps an error message pattern to a guidance message.
type ErrorPromptRule struct {
	Pattern string `json:"pattern"`
	Message string `json:"message"`
}

// SanitizationRule defines a regex-based redaction of text values.
type SanitizationRule struct {
	Pattern     string `json:"pattern"`
	Replacement string `json:"replacement"`
	Description string `json:"description"`
}

// ExportConfig enables uploading exported results to S3-compatible storage.
type ExportConfig struct {
	Enabled          bool               `json:"enabled"`
	Store            export.StoreConfig `json:"store"`
	URLExpirySeconds int                `json:"url_expiry_seconds"`
}

// AssistantConfig configures the natural-language assistant. The API key is
// supplied separately.
type AssistantConfig struct {
	Enabled            bool   `json:"enabled"`
	BaseURL            string `json:"base_url"`
	Model              string `json:"model"`
	MaxTokens          int    `json:"max_tokens"`
	TimeoutSeconds     int    `json:"timeout_seconds"`
	MaxHistoryTurns    int    `json:"max_history_turns"`
	SessionIdleMinutes int    `json:"session_idle_minutes"`
}

// WithDefaults returns a copy of c with zero values replaced by the fixed
// fallbacks. Negative values are left alone so New can reject them.
func (c Config) WithDefaults() Config {
	if c.Pool.MinConns == 0 && c.Pool.MaxConns == 0 {
		c.Pool.MinConns = 2
	}
	if c.Pool.MaxConns == 0 {
		c.Pool.MaxConns = 10
	}
	if c.Pool.MaxConnLifetime == "" {
		c.Pool.MaxConnLifetime = "1h"
	}
	if c.Pool.MaxConnIdleTime == "" {
		c.Pool.MaxConnIdleTime = "30m"
	}
	if c.Pool.AcquireTimeoutSeconds == 0 {
		c.Pool.AcquireTimeoutSeconds = 30
	}
	if c.Pool.ShutdownGraceSeconds == 0 {
		c.Pool.ShutdownGraceSeconds = 10
	}
	if c.Query.MaxRows == 0 {
		c.Query.MaxRows = validator.DefaultMaxRows
	}
	if c.Query.TimeoutSeconds == 0 {
		c.Query.TimeoutSeconds = 120
	}
	if c.Query.CatalogTimeoutSeconds == 0 {
		c.Query.CatalogTimeoutSeconds = 10
	}
	if c.Query.MaxSQLLength == 0 {
		c.Query.MaxSQLLength = 100000
	}
	if c.Assistant.TimeoutSeconds == 0 {
		c.Assistant.TimeoutSeconds = 180
	}
	return c
}

// WithEnv returns a copy of c with MAX_QUERY_ROWS and QUERY_TIMEOUT_SEC
// applied. lookup is usually os.LookupEnv.
func (c Config) WithEnv(lookup func(string) (string, bool)) (Config, error) {
	if v, ok := lookup(EnvMaxQueryRows); ok && strings.TrimSpace(v) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n <= 0 {
			return c, fmt.Errorf("%s must be a positive integer, got %q", EnvMaxQueryRows, v)
		}
		c.Query.MaxRows = n
	}
	if v, ok := lookup(EnvQueryTimeoutSec); ok && strings.TrimSpace(v) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n <= 0 {
			return c, fmt.Errorf("%s must be a positive integer, got %q", EnvQueryTimeoutSec, v)
		}
		c.Query.TimeoutSeconds = n
	}
	return c, nil
}

// validationRules maps the config onto the validator's rule set.
func (c Config) validationRules() validator.Rules {
	rules := validator.DefaultRules()
	rules.MaxRows = c.Query.MaxRows
	if len(c.Validation.Tables) > 0 {
		rules.Tables = make([]validator.Table, len(c.Validation.Tables))
		for i, t := range c.Validation.Tables {
			rules.Tables[i] = validator.Table{Name: t.Name, Schema: t.Schema, Massive: t.Massive}
		}
	}
	rules.ForbiddenKeywords = append(rules.ForbiddenKeywords, c.Validation.ExtraForbiddenKeywords...)
	rules.ForbiddenFunctions = append(rules.ForbiddenFunctions, c.Validation.ExtraForbiddenFunctions...)
	rules.RequireWhereOnMassive = c.Validation.RequireWhereOnMassive
	rules.ForbidStarOnMassive = c.Validation.ForbidStarOnMassive
	return rules
}
