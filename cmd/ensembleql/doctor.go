package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/gridcast/ensembleql"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the config file and print agent connection snippets",
	RunE: func(cmd *cobra.Command, args []string) error {
		return doctor(os.Stderr, isTTY(os.Stderr.Fd()), resolveConfigPath())
	},
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func doctor(w io.Writer, useColor bool, configPath string) error {
	printBanner(w, useColor)
	fmt.Fprintf(w, "ensembleql %s\n\n", Version)

	config, ok := doctorValidateConfig(w, useColor, configPath)
	if !ok {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Fix the issues above and run 'ensembleql doctor' again.")
		return nil
	}

	fmt.Fprintln(w)
	printAgentSnippets(w, useColor, config)
	return nil
}

// doctorValidateConfig loads and validates the config file, printing check results.
// Returns the parsed config and true if all checks passed.
func doctorValidateConfig(w io.Writer, useColor bool, configPath string) (*ensembleql.ServerConfig, bool) {
	allPassed := true
	check := func(pass bool, msg string) {
		printCheck(w, useColor, pass, msg)
		if !pass {
			allPassed = false
		}
	}

	// Config file exists and is valid JSON
	data, err := os.ReadFile(configPath)
	if err != nil {
		check(false, fmt.Sprintf("Config file readable (%s)", configPath))
		return nil, false
	}
	check(true, fmt.Sprintf("Config file readable (%s)", configPath))

	var config ensembleql.ServerConfig
	if err := json.Unmarshal(data, &config); err != nil {
		check(false, fmt.Sprintf("Config file is valid JSON: %v", err))
		return nil, false
	}
	check(true, "Config file is valid JSON")
	config.Config = config.Config.WithDefaults()

	// Connection
	if config.Connection.DBName == "" {
		check(false, "connection.dbname is set")
	} else {
		check(true, fmt.Sprintf("connection.dbname is set (%s)", config.Connection.DBName))
	}
	if config.Connection.User == "" {
		check(false, "connection.user is set")
	} else {
		check(true, fmt.Sprintf("connection.user is set (%s)", config.Connection.User))
	}

	// Server
	if config.Server.Port <= 0 {
		check(false, "server.port is > 0")
	} else {
		check(true, fmt.Sprintf("server.port is > 0 (%d)", config.Server.Port))
	}
	if config.Server.HealthCheckEnabled {
		check(config.Server.HealthCheckPath != "", fmt.Sprintf("health_check_path is set (%s)", orRequired(config.Server.HealthCheckPath, "health_check_enabled")))
	}
	if config.Server.MetricsEnabled {
		check(config.Server.MetricsPath != "", fmt.Sprintf("metrics_path is set (%s)", orRequired(config.Server.MetricsPath, "metrics_enabled")))
	}

	// Pool durations
	for _, d := range []struct{ field, value string }{
		{"pool.max_conn_lifetime", config.Pool.MaxConnLifetime},
		{"pool.max_conn_idle_time", config.Pool.MaxConnIdleTime},
	} {
		if v, err := time.ParseDuration(d.value); err != nil || v <= 0 {
			check(false, fmt.Sprintf("%s is a positive duration (%q)", d.field, d.value))
		}
	}
	if config.Pool.MinConns > config.Pool.MaxConns {
		check(false, fmt.Sprintf("pool.min_conns (%d) <= pool.max_conns (%d)", config.Pool.MinConns, config.Pool.MaxConns))
	}

	// Regex patterns compile
	regexOK := true
	compiles := func(label, pattern string) {
		if pattern == "" {
			return
		}
		if _, err := regexp.Compile(pattern); err != nil {
			check(false, fmt.Sprintf("%s regex compiles: %v", label, err))
			regexOK = false
		}
	}
	for i, rule := range config.ErrorPrompts {
		compiles(fmt.Sprintf("error_prompts[%d]", i), rule.Pattern)
	}
	for i, rule := range config.Sanitization {
		compiles(fmt.Sprintf("sanitization[%d]", i), rule.Pattern)
	}
	for i, rule := range config.Query.TimeoutRules {
		compiles(fmt.Sprintf("timeout_rules[%d]", i), rule.Pattern)
		if rule.TimeoutSeconds <= 0 {
			check(false, fmt.Sprintf("timeout_rules[%d].timeout_seconds is > 0", i))
		}
	}
	if regexOK {
		check(true, "All regex patterns compile")
	}

	// Allowlisted tables
	seen := map[string]bool{}
	tablesOK := true
	for i, t := range config.Validation.Tables {
		key := strings.ToLower(t.Schema + "." + t.Name)
		switch {
		case t.Name == "":
			check(false, fmt.Sprintf("validation.tables[%d].name is set", i))
			tablesOK = false
		case seen[key]:
			check(false, fmt.Sprintf("validation.tables[%d] (%s) is listed once", i, t.Name))
			tablesOK = false
		}
		seen[key] = true
	}
	if tablesOK {
		if len(config.Validation.Tables) == 0 {
			check(true, "Allowlist: the four ensemble tables")
		} else {
			check(true, fmt.Sprintf("Allowlist: %d tables", len(config.Validation.Tables)))
		}
	}

	if config.Timezone != "" {
		if _, err := time.LoadLocation(config.Timezone); err != nil {
			check(false, fmt.Sprintf("timezone is valid (%s)", config.Timezone))
		}
	}

	// Optional features
	if config.Export.Enabled {
		check(config.Export.Store.Bucket != "", "export.store.bucket is set")
		check(config.Export.Store.Endpoint != "", "export.store.endpoint is set")
	}
	if config.Assistant.Enabled {
		check(config.Assistant.BaseURL != "", "assistant.base_url is set")
		check(config.Assistant.Model != "", "assistant.model is set")
	}

	return &config, allPassed
}

func orRequired(value, flag string) string {
	if value == "" {
		return "required when " + flag
	}
	return value
}

// printCheck prints a colored ✓ or ✗ check line.
func printCheck(w io.Writer, useColor bool, pass bool, msg string) {
	mark, color := "✓", "\033[32m"
	if !pass {
		mark, color = "✗", "\033[31m"
	}
	if useColor {
		fmt.Fprintf(w, "  %s%s\033[0m %s\n", color, mark, msg)
	} else {
		fmt.Fprintf(w, "  %s %s\n", mark, msg)
	}
}

// printAgentSnippets prints MCP connection config snippets for various AI agents.
func printAgentSnippets(w io.Writer, useColor bool, config *ensembleql.ServerConfig) {
	url := fmt.Sprintf("http://localhost:%d/mcp", config.Server.Port)

	heading := func(title string) {
		if useColor {
			fmt.Fprintf(w, "\033[1;36m%s\033[0m\n", title)
		} else {
			fmt.Fprintln(w, title)
		}
	}

	subheading := func(title string) {
		if useColor {
			fmt.Fprintf(w, "  \033[1m%s\033[0m\n", title)
		} else {
			fmt.Fprintf(w, "  %s\n", title)
		}
	}

	heading("Agent Connection Snippets")
	fmt.Fprintln(w)

	subheading("Claude Code")
	fmt.Fprintf(w, "  Run this command to add the server:\n\n")
	fmt.Fprintf(w, "    claude mcp add --transport http ensembleql %s\n\n", url)
	fmt.Fprintf(w, "  Or add to .mcp.json (project scope):\n\n")
	fmt.Fprintf(w, `  {
    "mcpServers": {
      "ensembleql": {
        "type": "http",
        "url": "%s"
      }
    }
  }
`, url)
	fmt.Fprintln(w)

	subheading("Gemini CLI (~/.gemini/settings.json)")
	fmt.Fprintf(w, `  {
    "mcpServers": {
      "ensembleql": {
        "httpUrl": "%s"
      }
    }
  }
`, url)
	fmt.Fprintln(w)

	subheading("Cursor (.cursor/mcp.json)")
	fmt.Fprintf(w, `  {
    "mcpServers": {
      "ensembleql": {
        "url": "%s"
      }
    }
  }
`, url)
}
