package ensembleql

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// RegisterMCPTools registers the engine's tools on the given MCP server.
// export_result is registered only when export is configured, and ask and
// clear_session only when the engine has an assistant.
func RegisterMCPTools(mcpServer *server.MCPServer, engine *Engine) {
	// run_sql tool
	runTool := mcp.NewTool("run_sql",
		mcp.WithDescription("Run one read-only SELECT against the forecast tables. Queries on the ensemble tables are capped at the configured row limit; results report whether they were truncated."),
		mcp.WithString("sql",
			mcp.Required(),
			mcp.Description("A single SELECT or WITH statement"),
		),
		mcp.WithString("request_id",
			mcp.Description("Optional id that cancel_query can use to stop this query"),
		),
	)

	mcpServer.AddTool(runTool, engine.loggedToolHandler("run_sql", func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sql, err := req.RequireString("sql")
		if err != nil {
			return mcp.NewToolResultError("sql parameter is required"), nil
		}
		output := engine.Run(ctx, RunInput{SQL: sql, RequestID: req.GetString("request_id", "")})
		if output.Error != "" {
			return mcp.NewToolResultError(output.Error), nil
		}
		return jsonResult(output, "failed to marshal query result")
	}))

	// validate_sql tool
	validateTool := mcp.NewTool("validate_sql",
		mcp.WithDescription("Check a SQL statement against the safety rules without running it. Returns the statement as it would run, including any row limit applied."),
		mcp.WithString("sql",
			mcp.Required(),
			mcp.Description("The SQL statement to check"),
		),
		mcp.WithReadOnlyHintAnnotation(true),
	)

	mcpServer.AddTool(validateTool, engine.loggedToolHandler("validate_sql", func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sql, err := req.RequireString("sql")
		if err != nil {
			return mcp.NewToolResultError("sql parameter is required"), nil
		}
		return jsonResult(engine.Validate(sql), "failed to marshal validation result")
	}))

	// list_tables tool
	listTablesTool := mcp.NewTool("list_tables",
		mcp.WithDescription("List the tables that queries may read. Massive tables require a row limit, which is added automatically when missing."),
		mcp.WithReadOnlyHintAnnotation(true),
	)

	mcpServer.AddTool(listTablesTool, engine.loggedToolHandler("list_tables", func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return jsonResult(engine.Tables(), "failed to marshal list tables result")
	}))

	// describe_table tool
	describeTableTool := mcp.NewTool("describe_table",
		mcp.WithDescription("Describe the columns, indexes and partitioning of a table returned by list_tables."),
		mcp.WithString("table",
			mcp.Required(),
			mcp.Description("The table name to describe"),
		),
		mcp.WithString("schema",
			mcp.Description("The schema name (defaults to 'public')"),
		),
		mcp.WithReadOnlyHintAnnotation(true),
	)

	mcpServer.AddTool(describeTableTool, engine.loggedToolHandler("describe_table", func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		table, err := req.RequireString("table")
		if err != nil {
			return mcp.NewToolResultError("table parameter is required"), nil
		}
		schema := req.GetString("schema", "")

		output, err := engine.DescribeTable(ctx, DescribeTableInput{Table: table, Schema: schema})
		if err != nil {
			return mcp.NewToolResultError(engine.redactor.String(err.Error())), nil
		}
		return jsonResult(output, "failed to marshal describe table result")
	}))

	// cancel_query tool
	cancelTool := mcp.NewTool("cancel_query",
		mcp.WithDescription("Cancel an in-flight run_sql, export_result or ask request by its request_id."),
		mcp.WithString("request_id",
			mcp.Required(),
			mcp.Description("The request_id given to the request being cancelled"),
		),
		mcp.WithIdempotentHintAnnotation(true),
	)

	mcpServer.AddTool(cancelTool, engine.loggedToolHandler("cancel_query", func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		requestID, err := req.RequireString("request_id")
		if err != nil {
			return mcp.NewToolResultError("request_id parameter is required"), nil
		}
		found := engine.Cancel(requestID)
		return jsonResult(map[string]any{"request_id": requestID, "cancelled": found}, "failed to marshal cancel result")
	}))

	if engine.exporter != nil {
		exportTool := mcp.NewTool("export_result",
			mcp.WithDescription("Run a query and upload the result as a CSV or Parquet file. Returns the object key and, when configured, a download URL."),
			mcp.WithString("sql",
				mcp.Required(),
				mcp.Description("A single SELECT or WITH statement"),
			),
			mcp.WithString("format",
				mcp.Description("csv (default) or parquet"),
				mcp.Enum("csv", "parquet"),
			),
			mcp.WithString("request_id",
				mcp.Description("Optional id that cancel_query can use to stop this export"),
			),
		)

		mcpServer.AddTool(exportTool, engine.loggedToolHandler("export_result", func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			sql, err := req.RequireString("sql")
			if err != nil {
				return mcp.NewToolResultError("sql parameter is required"), nil
			}
			output := engine.Export(ctx, ExportInput{
				SQL:       sql,
				Format:    req.GetString("format", ""),
				RequestID: req.GetString("request_id", ""),
			})
			if output.Error != "" {
				return mcp.NewToolResultError(output.Error), nil
			}
			return jsonResult(output, "failed to marshal export result")
		}))
	}

	if engine.assistant != nil {
		assistant := engine.assistant

		askTool := mcp.NewTool("ask",
			mcp.WithDescription("Ask a question about the energy and weather forecasts in plain language. The assistant writes and runs the SQL, then answers with the data and a suggested chart."),
			mcp.WithString("question",
				mcp.Required(),
				mcp.Description("The question to answer"),
			),
			mcp.WithString("session_id",
				mcp.Description("Conversation id; follow-up questions in the same session see earlier turns"),
			),
			mcp.WithString("request_id",
				mcp.Description("Optional id that cancel_query can use to stop this request"),
			),
		)

		mcpServer.AddTool(askTool, engine.loggedToolHandler("ask", func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			question, err := req.RequireString("question")
			if err != nil {
				return mcp.NewToolResultError("question parameter is required"), nil
			}
			output := assistant.Ask(ctx, AskInput{
				Question:  question,
				SessionID: req.GetString("session_id", ""),
				RequestID: req.GetString("request_id", ""),
			})
			return jsonResult(output, "failed to marshal answer")
		}))

		clearTool := mcp.NewTool("clear_session",
			mcp.WithDescription("Forget the conversation history of a session."),
			mcp.WithString("session_id",
				mcp.Description("The session to clear (defaults to 'default')"),
			),
			mcp.WithIdempotentHintAnnotation(true),
		)

		mcpServer.AddTool(clearTool, engine.loggedToolHandler("clear_session", func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			assistant.Clear(req.GetString("session_id", ""))
			return mcp.NewToolResultText(`{"status":"ok","message":"Session cleared"}`), nil
		}))
	}
}

func jsonResult(v any, failure string) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(failure), nil
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

// loggedToolHandler wraps a tool handler to log request and response lengths.
func (e *Engine) loggedToolHandler(tool string, handler server.ToolHandlerFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		reqLen := requestLength(req)
		result, err := handler(ctx, req)
		respLen := resultLength(result)
		e.logger.Info().
			Str("tool", tool).
			Int("request_bytes", reqLen).
			Int("response_bytes", respLen).
			Msg("tool call")
		return result, err
	}
}

// requestLength returns the JSON-encoded byte length of the request arguments.
func requestLength(req mcp.CallToolRequest) int {
	args := req.GetArguments()
	if len(args) == 0 {
		return 0
	}
	b, err := json.Marshal(args)
	if err != nil {
		return 0
	}
	return len(b)
}

// resultLength returns the total byte length of text content in a CallToolResult.
func resultLength(result *mcp.CallToolResult) int {
	if result == nil {
		return 0
	}
	total := 0
	for _, c := range result.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			total += len(tc.Text)
		}
	}
	return total
}
