package ensembleql

import (
	"github.com/gridcast/ensembleql/internal/llm"
	"github.com/gridcast/ensembleql/internal/shape"
	"github.com/gridcast/ensembleql/internal/validator"
)

// RunInput is the input for the run_sql tool.
type RunInput struct {
	SQL       string `json:"sql"`
	SessionID string `json:"session_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// RunOutput is the output of Run. All errors (validation rejections, pool
// and timeout failures, Postgres errors) are placed in Error with any
// matching guidance appended. Rejection is set only for validation failures.
type RunOutput struct {
	RequestID string               `json:"request_id"`
	SQL       string               `json:"sql,omitempty"`
	Result    *shape.Shaped        `json:"result,omitempty"`
	Rejection validator.ReasonCode `json:"rejection,omitempty"`
	Error     string               `json:"error,omitempty"`
}

// ValidateOutput is the output of the validate_sql tool.
type ValidateOutput struct {
	Accepted    bool                 `json:"accepted"`
	SQL         string               `json:"sql,omitempty"`
	LimitSource string               `json:"limit_source,omitempty"`
	Limit       int                  `json:"limit,omitempty"`
	Tables      []string             `json:"tables,omitempty"`
	Reason      validator.ReasonCode `json:"reason,omitempty"`
	Error       string               `json:"error,omitempty"`
}

// ExportInput is the input for the export_result tool.
type ExportInput struct {
	SQL       string `json:"sql"`
	Format    string `json:"format"`
	SessionID string `json:"session_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// ExportOutput describes an uploaded export.
type ExportOutput struct {
	RequestID string `json:"request_id"`
	Key       string `json:"key,omitempty"`
	Filename  string `json:"filename,omitempty"`
	URL       string `json:"url,omitempty"`
	Size      int64  `json:"size,omitempty"`
	RowCount  int    `json:"row_count"`
	Truncated bool   `json:"truncated"`
	Error     string `json:"error,omitempty"`
}

// TableEntry is one allowlisted table in the ListTables output.
type TableEntry struct {
	Schema  string `json:"schema"`
	Name    string `json:"name"`
	Massive bool   `json:"massive"`
}

// ListTablesOutput is the output of the list_tables tool.
type ListTablesOutput struct {
	Tables []TableEntry `json:"tables"`
}

// DescribeTableInput is the input for the describe_table tool.
type DescribeTableInput struct {
	Table  string `json:"table"`
	Schema string `json:"schema"`
}

// ColumnInfo describes a single column.
type ColumnInfo struct {
	Name         string `json:"name"`
	Type         string `json:"type"`
	Nullable     bool   `json:"nullable"`
	Default      string `json:"default,omitempty"`
	IsPrimaryKey bool   `json:"is_primary_key"`
}

// IndexInfo describes a single index.
type IndexInfo struct {
	Name       string `json:"name"`
	Definition string `json:"definition"`
	IsUnique   bool   `json:"is_unique"`
	IsPrimary  bool   `json:"is_primary"`
}

// PartitionInfo describes partition metadata.
type PartitionInfo struct {
	Strategy     string   `json:"strategy"`
	PartitionKey string   `json:"partition_key"`
	Partitions   []string `json:"partitions,omitempty"`
}

// DescribeTableOutput is the output of the describe_table tool.
type DescribeTableOutput struct {
	Schema    string         `json:"schema"`
	Name      string         `json:"name"`
	Massive   bool           `json:"massive"`
	Columns   []ColumnInfo   `json:"columns"`
	Indexes   []IndexInfo    `json:"indexes"`
	Partition *PartitionInfo `json:"partition,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// AskInput is a natural-language question for the assistant.
type AskInput struct {
	Question  string `json:"question"`
	SessionID string `json:"session_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// AskOutput is the assistant's reply. Answer is always set, including when
// the pipeline failed; Error then carries the underlying failure.
type AskOutput struct {
	RequestID      string        `json:"request_id"`
	Answer         string        `json:"answer"`
	Explanation    string        `json:"explanation,omitempty"`
	SQL            string        `json:"sql,omitempty"`
	SQLExplanation string        `json:"sql_explanation,omitempty"`
	Data           *shape.Shaped `json:"data,omitempty"`
	Chart          *llm.Chart    `json:"chart,omitempty"`
	Error          string        `json:"error,omitempty"`
}

// HealthOutput reports database reachability through the full pipeline.
type HealthOutput struct {
	Status    string `json:"status"`
	Database  string `json:"database,omitempty"`
	Mode      string `json:"mode,omitempty"`
	Timestamp string `json:"timestamp"`
	Error     string `json:"error,omitempty"`
}
