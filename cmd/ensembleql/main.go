// Command ensembleql serves read-only SQL access to ensemble forecast tables
// over MCP and offers local tools to check, run and configure it.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

const (
	envConfigPath   = "ENSEMBLEQL_CONFIG_PATH"
	envPGConnString = "ENSEMBLEQL_PG_CONNSTRING"
	envLLMAPIKey    = "ENSEMBLEQL_LLM_API_KEY"
	envS3AccessKey  = "ENSEMBLEQL_S3_ACCESS_KEY_ID"
	envS3SecretKey  = "ENSEMBLEQL_S3_SECRET_ACCESS_KEY"

	defaultConfigPath = ".ensembleql/config.json"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "ensembleql",
	Short:         "Read-only SQL gateway for ensemble forecast tables",
	Long:          `ensembleql validates LLM-generated SQL against a safety contract and runs accepted statements read-only against the energy and weather ensemble tables.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file (default $"+envConfigPath+" or "+defaultConfigPath+")")
}

// resolveConfigPath returns the --config flag, then $ENSEMBLEQL_CONFIG_PATH,
// then the default path.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if p := os.Getenv(envConfigPath); p != "" {
		return p
	}
	return defaultConfigPath
}

func main() {
	// A missing .env is fine.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
