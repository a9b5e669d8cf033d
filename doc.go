// Package ensembleql gives LLM agents safe, read-only SQL access to
// energy and weather ensemble forecast tables in PostgreSQL, through Go
// calls or the Model Context Protocol (MCP).
//
// Every statement passes a validator built on PostgreSQL's own parser
// (pg_query) before a connection is touched. The validator accepts one
// SELECT (or WITH ... SELECT) over allowlisted tables. It refuses
// mutations, session changes and dangerous server functions. Queries on the
// massive ensemble tables get a row limit: a missing LIMIT is appended and
// an oversized one is lowered to the configured cap.
//
// Accepted statements run on connections opened with
// default_transaction_read_only=on under a per-statement timeout. A
// timed-out or cancelled statement is cancelled server-side and its
// connection discarded. Results are converted to plain values, sanitized
// and shaped: column kinds, a truncation flag and numeric summaries.
//
// Failures never surface as Go errors from [Engine.Run]; they come back in
// RunOutput.Error. Credentials are redacted from the message, and guidance
// from matching error prompts is appended so an agent can correct its next
// attempt.
//
// # Library Usage
//
//	config := ensembleql.Config{}.WithDefaults()
//	e, err := ensembleql.New(ctx, connString, config, logger)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer e.Close(ctx)
//
//	out := e.Run(ctx, ensembleql.RunInput{
//		SQL: "SELECT valid_datetime, avg(ensemble_value) AS mean FROM weather_forecast_ensemble GROUP BY valid_datetime",
//	})
//
//	// Or register as MCP tools
//	ensembleql.RegisterMCPTools(mcpServer, e)
//
// [CheckSQL] returns the validator's verdict without a database.
//
// # Assistant
//
// With [WithAssistant], [Assistant.Ask] turns a natural-language question
// into SQL through an LLM, runs it through the same pipeline, retries once
// with the database error fed back, and asks the model to explain the
// result and suggest a chart. Conversation history is kept per session.
//
// # Export
//
// With export enabled (or [WithUploader]), [Engine.Export] runs a query and
// uploads the result as CSV or Parquet to S3-compatible storage.
package ensembleql
