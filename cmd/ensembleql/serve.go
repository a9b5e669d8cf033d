package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/gridcast/ensembleql"
	"github.com/gridcast/ensembleql/internal/keychain"
	"github.com/gridcast/ensembleql/internal/llm"
	"github.com/gridcast/ensembleql/internal/metrics"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the MCP server",
	Long: `Start the MCP server over streamable HTTP at /mcp.

The database password is read from $ENSEMBLEQL_PG_CONNSTRING (a full
connection string), then the OS keychain (see 'ensembleql login'), then an
interactive prompt.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Load ServerConfig
	serverConfig, err := loadServerConfig(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if serverConfig.Server.Port <= 0 {
		panic("ensembleql: server.port must be > 0")
	}

	// 2. Setup logger
	logger := setupLogger(serverConfig.Logging)

	// 3. Resolve credentials
	secrets := openKeychain(logger)
	connString, err := resolveConnString(serverConfig.Connection, os.Getenv, secrets, promptInput, promptPassword)
	if err != nil {
		return err
	}
	applyStoreCredentials(&serverConfig.Config, os.Getenv)

	// 4. Create Engine
	opts, err := engineOptions(serverConfig, os.Getenv, secrets)
	if err != nil {
		return err
	}
	engine, err := ensembleql.New(ctx, connString, serverConfig.Config, logger, opts...)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	defer engine.Close(context.Background())

	// 5. Test database connection
	logger.Info().Msg("testing database connection")
	if err := engine.Ping(ctx); err != nil {
		logger.Error().Err(err).Msg("database connection test failed")
		return fmt.Errorf("database connection test failed: %w", err)
	}
	logger.Info().Msg("database connection test successful")

	// 6. Create MCP server with initialize lifecycle logging
	hooks := &server.Hooks{}
	hooks.AddAfterInitialize(func(ctx context.Context, id any, req *mcp.InitializeRequest, result *mcp.InitializeResult) {
		logger.Info().
			Str("client_name", req.Params.ClientInfo.Name).
			Str("client_version", req.Params.ClientInfo.Version).
			Msg("AI agent connected (MCP initialize)")
	})

	mcpServer := server.NewMCPServer("ensembleql", Version,
		server.WithToolCapabilities(true),
		server.WithHooks(hooks),
	)
	ensembleql.RegisterMCPTools(mcpServer, engine)

	// 7. Start HTTP server
	addr := fmt.Sprintf(":%d", serverConfig.Server.Port)
	httpSrv := &http.Server{
		Addr:              addr,
		ReadHeaderTimeout: 10 * time.Second,
	}

	streamableServer := server.NewStreamableHTTPServer(mcpServer,
		server.WithEndpointPath("/mcp"),
		server.WithStateLess(true),
		server.WithStreamableHTTPServer(httpSrv),
	)

	// Start() does not register the MCP handler when a custom *http.Server is
	// provided, so the mux carries it.
	httpSrv.Handler = newHTTPHandler(serverConfig.Server, streamableServer, engine)

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Int("port", serverConfig.Server.Port).Str("version", Version).Msg("starting ensembleql server")
		errCh <- streamableServer.Start(addr)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(serverConfig.Pool.ShutdownGraceSeconds+5)*time.Second)
	defer cancel()
	if err := streamableServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}
	return nil
}

// healthChecker is the part of the engine the health endpoint needs.
type healthChecker interface {
	Health(ctx context.Context) *ensembleql.HealthOutput
}

// newHTTPHandler builds the server mux: /mcp, and the health and metrics
// endpoints when enabled. Every request is counted by the metrics middleware.
func newHTTPHandler(settings ensembleql.ServerSettings, mcpHandler http.Handler, health healthChecker) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/mcp", mcpHandler)

	if settings.HealthCheckEnabled {
		if settings.HealthCheckPath == "" {
			panic("ensembleql: health_check_path must be set when health_check_enabled is true")
		}
		mux.HandleFunc(settings.HealthCheckPath, func(w http.ResponseWriter, r *http.Request) {
			out := health.Health(r.Context())
			w.Header().Set("Content-Type", "application/json")
			if out.Status != "healthy" {
				w.WriteHeader(http.StatusServiceUnavailable)
			}
			json.NewEncoder(w).Encode(out)
		})
	}

	if settings.MetricsEnabled {
		if settings.MetricsPath == "" {
			panic("ensembleql: metrics_path must be set when metrics_enabled is true")
		}
		mux.Handle(settings.MetricsPath, metrics.Handler())
	}

	return metrics.Middleware(mux)
}

func loadServerConfig(path string) (*ensembleql.ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config ensembleql.ServerConfig
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.Config = config.Config.WithDefaults()
	config.Config, err = config.Config.WithEnv(os.LookupEnv)
	if err != nil {
		return nil, err
	}
	return &config, nil
}

// secretStore is the part of the keychain the CLI reads.
type secretStore interface {
	LoadDBPassword(key string) (string, error)
	LoadLLMAPIKey() (string, error)
}

// openKeychain returns nil when no OS credential store is available.
func openKeychain(logger zerolog.Logger) secretStore {
	km, err := keychain.Open()
	if err != nil {
		logger.Debug().Err(err).Msg("keychain unavailable")
		return nil
	}
	return km
}

// resolveConnString returns $ENSEMBLEQL_PG_CONNSTRING when set. Otherwise it
// builds one from conn with the user prompted when unset and the password
// taken from the keychain, falling back to a prompt.
func resolveConnString(conn ensembleql.ConnectionConfig, getenv func(string) string, secrets secretStore, ask, askSecret func(string) string) (string, error) {
	if cs := strings.TrimSpace(getenv(envPGConnString)); cs != "" {
		return cs, nil
	}

	username := conn.User
	if username == "" {
		username = ask("Username: ")
	}
	if username == "" {
		return "", errors.New("database user is required: set connection.user or " + envPGConnString)
	}

	var password string
	if secrets != nil {
		pw, err := secrets.LoadDBPassword(keychain.DBPasswordKey(username, conn.Host, conn.Port, conn.DBName))
		if err == nil {
			password = pw
		}
	}
	if password == "" {
		password = askSecret("Password: ")
	}
	return buildConnString(conn, username, password), nil
}

// resolveLLMAPIKey reads the key from the environment, then the keychain.
func resolveLLMAPIKey(getenv func(string) string, secrets secretStore) string {
	if key := strings.TrimSpace(getenv(envLLMAPIKey)); key != "" {
		return key
	}
	if secrets != nil {
		if key, err := secrets.LoadLLMAPIKey(); err == nil {
			return key
		}
	}
	return ""
}

// applyStoreCredentials fills the export store keys from the environment
// when the config leaves them empty.
func applyStoreCredentials(config *ensembleql.Config, getenv func(string) string) {
	if config.Export.Store.AccessKeyID == "" {
		config.Export.Store.AccessKeyID = getenv(envS3AccessKey)
	}
	if config.Export.Store.SecretAccessKey == "" {
		config.Export.Store.SecretAccessKey = getenv(envS3SecretKey)
	}
}

// engineOptions wires the assistant when it is enabled in the config.
func engineOptions(sc *ensembleql.ServerConfig, getenv func(string) string, secrets secretStore) ([]ensembleql.Option, error) {
	var opts []ensembleql.Option
	if sc.Assistant.Enabled {
		client, err := llm.NewClient(llm.Config{
			BaseURL:   sc.Assistant.BaseURL,
			APIKey:    resolveLLMAPIKey(getenv, secrets),
			Model:     sc.Assistant.Model,
			MaxTokens: sc.Assistant.MaxTokens,
			Timeout:   time.Duration(sc.Assistant.TimeoutSeconds) * time.Second,
		}, llm.SystemPrompt(sc.Query.MaxRows))
		if err != nil {
			return nil, fmt.Errorf("failed to create assistant: %w", err)
		}
		opts = append(opts, ensembleql.WithAssistant(client))
	}
	return opts, nil
}

func buildConnString(conn ensembleql.ConnectionConfig, username, password string) string {
	parts := []string{}
	if conn.Host != "" {
		parts = append(parts, "host="+quoteConnValue(conn.Host))
	}
	if conn.Port > 0 {
		parts = append(parts, fmt.Sprintf("port=%d", conn.Port))
	}
	if conn.DBName != "" {
		parts = append(parts, "dbname="+quoteConnValue(conn.DBName))
	}
	if username != "" {
		parts = append(parts, "user="+quoteConnValue(username))
	}
	if password != "" {
		parts = append(parts, "password="+quoteConnValue(password))
	}
	if conn.SSLMode != "" {
		parts = append(parts, "sslmode="+quoteConnValue(conn.SSLMode))
	}
	return strings.Join(parts, " ")
}

// quoteConnValue quotes a keyword/value connection string value when it
// contains spaces, quotes or backslashes.
func quoteConnValue(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

func setupLogger(config ensembleql.LoggingConfig) zerolog.Logger {
	level := zerolog.InfoLevel
	switch strings.ToLower(config.Level) {
	case "debug":
		level = zerolog.DebugLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	var output io.Writer = os.Stderr
	if config.Output == "stdout" {
		output = os.Stdout
	} else if config.Output != "" && config.Output != "stderr" {
		f, err := os.OpenFile(config.Output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err == nil {
			output = f
		}
	}

	if config.Format == "text" {
		output = zerolog.ConsoleWriter{Out: output}
	}

	return zerolog.New(output).Level(level).With().Timestamp().Logger()
}

func promptInput(prompt string) string {
	fmt.Fprint(os.Stderr, prompt)
	var input string
	fmt.Scanln(&input)
	return input
}

func promptPassword(prompt string) string {
	fmt.Fprint(os.Stderr, prompt)
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr) // newline after password input
	if err != nil {
		return ""
	}
	return string(password)
}
