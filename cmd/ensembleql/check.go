package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/gridcast/ensembleql"
	"github.com/gridcast/ensembleql/internal/export"
	"github.com/gridcast/ensembleql/internal/shape"
)

var checkCmd = &cobra.Command{
	Use:   "check [sql]",
	Short: "Validate a SQL statement without running it",
	Long: `The check command runs a statement through the validator using the rules from
the config file (or the defaults when there is none) and prints the verdict.
The statement is read from the argument, or from stdin when no argument is
given. No database connection is made.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sql, err := statementArg(args, cmd.InOrStdin())
		if err != nil {
			return err
		}
		config := ensembleql.Config{}
		if sc, err := loadServerConfig(resolveConfigPath()); err == nil {
			config = sc.Config
		}
		out := ensembleql.CheckSQL(config, sql)
		renderVerdict(cmd.OutOrStdout(), out)
		if !out.Accepted {
			return errRejected
		}
		return nil
	},
}

var (
	queryOut    string
	queryFormat string
)

var queryCmd = &cobra.Command{
	Use:   "query [sql]",
	Short: "Run one read-only statement and print the result",
	Long: `The query command runs a statement through the full pipeline (validation,
read-only execution, sanitization) and prints the result as a table. With
--out the result is written to a local CSV or Parquet file instead.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sql, err := statementArg(args, cmd.InOrStdin())
		if err != nil {
			return err
		}
		serverConfig, err := loadServerConfig(resolveConfigPath())
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		logger := setupLogger(serverConfig.Logging)
		connString, err := resolveConnString(serverConfig.Connection, os.Getenv, openKeychain(logger), promptInput, promptPassword)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		// Export uploads are a server feature; the CLI writes locally.
		serverConfig.Export.Enabled = false
		engine, err := ensembleql.New(ctx, connString, serverConfig.Config, logger)
		if err != nil {
			return fmt.Errorf("failed to create engine: %w", err)
		}
		defer engine.Close(context.Background())

		out := engine.Run(ctx, ensembleql.RunInput{SQL: sql})
		if out.Error != "" {
			fmt.Fprint(cmd.ErrOrStderr(), pterm.Error.Sprintln(out.Error))
			return errors.New("query failed")
		}
		if queryOut != "" {
			return writeResultFile(queryOut, queryFormat, out.Result)
		}
		return renderResult(cmd.OutOrStdout(), out)
	},
}

var errRejected = errors.New("statement rejected")

func init() {
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(queryCmd)
	queryCmd.Flags().StringVarP(&queryOut, "out", "o", "", "Write the result to this file instead of printing it")
	queryCmd.Flags().StringVar(&queryFormat, "format", "", "Output file format: csv or parquet (default from the file extension)")
}

// statementArg returns the single argument, or all of stdin when there is
// none.
func statementArg(args []string, stdin io.Reader) (string, error) {
	var sql string
	if len(args) == 1 {
		sql = args[0]
	} else {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("failed to read stdin: %w", err)
		}
		sql = string(data)
	}
	if strings.TrimSpace(sql) == "" {
		return "", errors.New("a SQL statement is required")
	}
	return sql, nil
}

func renderVerdict(w io.Writer, out *ensembleql.ValidateOutput) {
	if !out.Accepted {
		if out.Reason != "" {
			fmt.Fprint(w, pterm.Error.Sprintfln("rejected (%s)", out.Reason))
		} else {
			fmt.Fprint(w, pterm.Error.Sprintln("rejected"))
		}
		fmt.Fprintln(w, out.Error)
		return
	}

	fmt.Fprint(w, pterm.Success.Sprintln("accepted"))
	data := pterm.TableData{
		{"limit", limitLabel(out)},
		{"tables", strings.Join(out.Tables, ", ")},
	}
	table, _ := pterm.DefaultTable.WithData(data).Srender()
	fmt.Fprintln(w, table)
	fmt.Fprintln(w)
	fmt.Fprintln(w, out.SQL)
}

func limitLabel(out *ensembleql.ValidateOutput) string {
	if out.LimitSource == "none" || out.LimitSource == "" {
		return "none"
	}
	return fmt.Sprintf("%d (%s)", out.Limit, out.LimitSource)
}

func renderResult(w io.Writer, out *ensembleql.RunOutput) error {
	header, rows := out.Result.Table()
	data := make(pterm.TableData, 0, len(rows)+1)
	data = append(data, header)
	data = append(data, rows...)
	table, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return err
	}
	fmt.Fprintln(w, table)
	fmt.Fprintf(w, "(%d rows)\n", out.Result.RowCount)
	if out.Result.Summary.TruncationNotice != "" {
		fmt.Fprint(w, pterm.Warning.Sprintln(out.Result.Summary.TruncationNotice))
	}
	return nil
}

// writeResultFile writes s to path. An empty format is taken from the
// extension.
func writeResultFile(path, format string, s *shape.Shaped) error {
	if format == "" && strings.HasSuffix(strings.ToLower(path), ".parquet") {
		format = string(export.FormatParquet)
	}
	f, err := export.ParseFormat(format)
	if err != nil {
		return err
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := export.Write(file, s, f); err != nil {
		file.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return file.Close()
}
