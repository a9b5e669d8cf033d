// Package export serializes shaped results to CSV and Parquet and uploads
// them to S3-compatible object storage.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/gridcast/ensembleql/internal/shape"
	"github.com/gridcast/ensembleql/internal/tabular"
)

type Format string

const (
	FormatCSV     Format = "csv"
	FormatParquet Format = "parquet"
)

// ParseFormat accepts "csv" and "parquet" in any case. Empty means CSV.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "csv":
		return FormatCSV, nil
	case "parquet":
		return FormatParquet, nil
	default:
		return "", fmt.Errorf("unsupported export format %q (use csv or parquet)", s)
	}
}

func (f Format) ContentType() string {
	if f == FormatParquet {
		return "application/vnd.apache.parquet"
	}
	return "text/csv"
}

// Filename is the download name for an export taken at now.
func Filename(f Format, now time.Time) string {
	return fmt.Sprintf("forecast_data_%s.%s", now.UTC().Format("20060102_150405"), f)
}

// ObjectKey is the storage key for an export taken at now. id keeps exports
// made in the same second apart.
func ObjectKey(f Format, now time.Time, id string) string {
	return fmt.Sprintf("forecast_data_%s_%s.%s", now.UTC().Format("20060102_150405"), id, f)
}

// Write serializes s in format f.
func Write(w io.Writer, s *shape.Shaped, f Format) error {
	switch f {
	case FormatCSV:
		return WriteCSV(w, s)
	case FormatParquet:
		return WriteParquet(w, s)
	default:
		return fmt.Errorf("unsupported export format %q", f)
	}
}

// WriteCSV writes a header of column names followed by one record per row.
// NULL is written as an empty field.
func WriteCSV(w io.Writer, s *shape.Shaped) error {
	header, rows := s.Table()
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	if err := cw.WriteAll(rows); err != nil {
		return fmt.Errorf("write csv rows: %w", err)
	}
	return nil
}

type parquetColumn struct {
	name  string
	kind  tabular.Kind
	ints  bool
	index int
}

// WriteParquet writes one optional leaf per column, typed by the column's
// display type. Numeric columns holding only integers become int64, other
// numeric columns double. Timestamps are stored in milliseconds (UTC).
func WriteParquet(w io.Writer, s *shape.Shaped) error {
	if len(s.Columns) == 0 {
		return fmt.Errorf("result has no columns")
	}

	columns := make([]parquetColumn, len(s.Columns))
	group := parquet.Group{}
	for i, name := range uniqueNames(s.ColumnNames()) {
		col := parquetColumn{name: name, kind: s.Columns[i].Type}
		if col.kind == tabular.KindNumeric {
			col.ints = integralColumn(s.Cells, i)
		}
		group[name] = parquet.Optional(parquetNode(col))
		columns[i] = col
	}

	schema := parquet.NewSchema("forecast_data", group)
	for i := range columns {
		leaf, ok := schema.Lookup(columns[i].name)
		if !ok {
			return fmt.Errorf("parquet schema is missing column %q", columns[i].name)
		}
		columns[i].index = leaf.ColumnIndex
	}

	pw := parquet.NewWriter(w, schema)
	rows := make([]parquet.Row, 0, len(s.Cells))
	for _, cells := range s.Cells {
		row := make(parquet.Row, len(columns))
		for i, col := range columns {
			// Leaves are ordered by column index, not result order.
			row[col.index] = parquetValue(col, cells[i])
		}
		rows = append(rows, row)
	}
	if _, err := pw.WriteRows(rows); err != nil {
		return fmt.Errorf("write parquet rows: %w", err)
	}
	if err := pw.Close(); err != nil {
		return fmt.Errorf("close parquet writer: %w", err)
	}
	return nil
}

func parquetNode(col parquetColumn) parquet.Node {
	switch col.kind {
	case tabular.KindNumeric:
		if col.ints {
			return parquet.Int(64)
		}
		return parquet.Leaf(parquet.DoubleType)
	case tabular.KindBoolean:
		return parquet.Leaf(parquet.BooleanType)
	case tabular.KindTimestamp:
		return parquet.Timestamp(parquet.Millisecond)
	default:
		return parquet.String()
	}
}

func parquetValue(col parquetColumn, v tabular.Value) parquet.Value {
	if v.IsNull() {
		return parquet.NullValue().Level(0, 0, col.index)
	}
	var pv parquet.Value
	switch col.kind {
	case tabular.KindNumeric:
		if col.ints {
			pv = parquet.Int64Value(v.Int)
		} else {
			pv = parquet.DoubleValue(v.Float)
		}
	case tabular.KindBoolean:
		pv = parquet.BooleanValue(v.Bool)
	case tabular.KindTimestamp:
		pv = parquet.Int64Value(v.Time.UTC().UnixMilli())
	default:
		pv = parquet.ByteArrayValue([]byte(v.String()))
	}
	return pv.Level(0, 1, col.index)
}

func integralColumn(rows [][]tabular.Value, col int) bool {
	for _, row := range rows {
		v := row[col]
		if v.IsNull() {
			continue
		}
		if !v.Integral {
			return false
		}
	}
	return true
}

// uniqueNames makes column names usable as parquet field names: empty names
// get a positional name and repeats get a numeric suffix.
func uniqueNames(names []string) []string {
	out := make([]string, len(names))
	seen := make(map[string]bool, len(names))
	for i, name := range names {
		if name == "" {
			name = "column_" + strconv.Itoa(i+1)
		}
		candidate := name
		for n := 2; seen[candidate]; n++ {
			candidate = name + "_" + strconv.Itoa(n)
		}
		seen[candidate] = true
		out[i] = candidate
	}
	return out
}
