package ensembleql

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gridcast/ensembleql/internal/pool"
	"github.com/gridcast/ensembleql/internal/validator"
)

const columnsSQL = `
SELECT
    c.column_name AS name,
    c.data_type AS type,
    CASE c.is_nullable WHEN 'YES' THEN true ELSE false END AS nullable,
    COALESCE(c.column_default, '') AS default_val,
    CASE WHEN pk.column_name IS NOT NULL THEN true ELSE false END AS is_primary_key
FROM information_schema.columns c
LEFT JOIN (
    SELECT kcu.column_name
    FROM information_schema.table_constraints tc
    JOIN information_schema.key_column_usage kcu
        ON tc.constraint_name = kcu.constraint_name
        AND tc.table_schema = kcu.table_schema
    WHERE tc.constraint_type = 'PRIMARY KEY'
        AND tc.table_schema = $1
        AND tc.table_name = $2
) pk ON pk.column_name = c.column_name
WHERE c.table_schema = $1
    AND c.table_name = $2
ORDER BY c.ordinal_position;
`

const indexesSQL = `
SELECT
    pi.indexname AS name,
    pi.indexdef AS definition,
    i.indisunique AS is_unique,
    i.indisprimary AS is_primary
FROM pg_catalog.pg_indexes pi
JOIN pg_catalog.pg_class c ON c.relname = pi.indexname AND c.relnamespace = (
    SELECT oid FROM pg_catalog.pg_namespace WHERE nspname = pi.schemaname
)
JOIN pg_catalog.pg_index i ON i.indexrelid = c.oid
WHERE pi.schemaname = $1
  AND pi.tablename = $2
ORDER BY pi.indexname;
`

const partitionInfoSQL = `
SELECT pg_catalog.pg_get_partkeydef(c.oid) AS partition_key,
       pt.partstrat::text AS strategy
FROM pg_catalog.pg_class c
JOIN pg_catalog.pg_partitioned_table pt ON pt.partrelid = c.oid
WHERE c.oid = $1::regclass;
`

const childPartitionsSQL = `
SELECT c.relname AS partition_name
FROM pg_catalog.pg_inherits i
JOIN pg_catalog.pg_class c ON c.oid = i.inhrelid
WHERE i.inhparent = $1::regclass
ORDER BY c.relname;
`

// Tables returns the allowlisted tables. It does not touch the database.
func (e *Engine) Tables() *ListTablesOutput {
	rules := e.config.validationRules()
	out := &ListTablesOutput{Tables: make([]TableEntry, 0, len(rules.Tables))}
	for _, t := range rules.Tables {
		out.Tables = append(out.Tables, TableEntry{Schema: schemaOrDefault(t.Schema), Name: t.Name, Massive: t.Massive})
	}
	return out
}

// DescribeTable returns the columns, indexes and partitioning of an
// allowlisted table. Tables outside the allowlist are refused without a
// database round trip.
func (e *Engine) DescribeTable(ctx context.Context, input DescribeTableInput) (*DescribeTableOutput, error) {
	startTime := time.Now()

	schema := schemaOrDefault(input.Schema)
	name := input.Table
	if s, t, ok := strings.Cut(name, "."); ok && input.Schema == "" {
		schema, name = s, t
	}
	table, ok := e.allowlisted(schema, name)
	if !ok {
		return nil, fmt.Errorf("table %s.%s is not available; use list_tables to see the tables you can query", schema, name)
	}
	schema, name = schemaOrDefault(table.Schema), table.Name

	queryCtx, cancel := context.WithTimeout(ctx, e.catalogTimeout)
	defer cancel()

	lease, err := e.pool.Acquire(queryCtx, e.acquireTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}

	output := &DescribeTableOutput{Schema: schema, Name: name, Massive: table.Massive}
	if err := describe(queryCtx, lease.Conn(), output); err != nil {
		lease.Discard()
		return nil, err
	}
	lease.Release()

	if len(output.Columns) == 0 {
		return nil, fmt.Errorf("table not found: %s.%s", schema, name)
	}
	if output.Indexes == nil {
		output.Indexes = []IndexInfo{}
	}

	e.logger.Info().
		Str("schema", schema).
		Str("table", name).
		Dur("duration", time.Since(startTime)).
		Int("column_count", len(output.Columns)).
		Msg("DescribeTable executed")

	return output, nil
}

func (e *Engine) allowlisted(schema, name string) (validator.Table, bool) {
	for _, t := range e.config.validationRules().Tables {
		if strings.EqualFold(t.Name, name) && strings.EqualFold(schemaOrDefault(t.Schema), schema) {
			return t, true
		}
	}
	return validator.Table{}, false
}

func describe(ctx context.Context, conn pool.Conn, output *DescribeTableOutput) error {
	rows, err := conn.Query(ctx, columnsSQL, output.Schema, output.Name)
	if err != nil {
		return fmt.Errorf("failed to fetch columns: %w", err)
	}
	for rows.Next() {
		var col ColumnInfo
		if err := rows.Scan(&col.Name, &col.Type, &col.Nullable, &col.Default, &col.IsPrimaryKey); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan column: %w", err)
		}
		output.Columns = append(output.Columns, col)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to fetch columns: %w", err)
	}
	if len(output.Columns) == 0 {
		return nil
	}

	rows, err = conn.Query(ctx, indexesSQL, output.Schema, output.Name)
	if err != nil {
		return fmt.Errorf("failed to fetch indexes: %w", err)
	}
	for rows.Next() {
		var idx IndexInfo
		if err := rows.Scan(&idx.Name, &idx.Definition, &idx.IsUnique, &idx.IsPrimary); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan index: %w", err)
		}
		output.Indexes = append(output.Indexes, idx)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to fetch indexes: %w", err)
	}

	return describePartitions(ctx, conn, output)
}

func describePartitions(ctx context.Context, conn pool.Conn, output *DescribeTableOutput) error {
	qualName := quoteIdent(output.Schema) + "." + quoteIdent(output.Name)

	rows, err := conn.Query(ctx, partitionInfoSQL, qualName)
	if err != nil {
		return fmt.Errorf("failed to fetch partition info: %w", err)
	}
	var partKey, strategy string
	found := rows.Next()
	if found {
		err = rows.Scan(&partKey, &strategy)
	}
	rows.Close()
	if err == nil {
		err = rows.Err()
	}
	if err != nil {
		return fmt.Errorf("failed to fetch partition info: %w", err)
	}
	if !found {
		return nil
	}

	switch strategy {
	case "h":
		strategy = "hash"
	case "l":
		strategy = "list"
	case "r":
		strategy = "range"
	}
	output.Partition = &PartitionInfo{Strategy: strategy, PartitionKey: partKey}

	rows, err = conn.Query(ctx, childPartitionsSQL, qualName)
	if err != nil {
		return fmt.Errorf("failed to fetch child partitions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("failed to scan child partition: %w", err)
		}
		output.Partition.Partitions = append(output.Partition.Partitions, name)
	}
	return rows.Err()
}

func schemaOrDefault(schema string) string {
	if schema == "" {
		return validator.DefaultSchema
	}
	return schema
}

// quoteIdent escapes a SQL identifier for safe use in $1::regclass.
// Doubles embedded double-quotes and wraps in double-quotes.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
