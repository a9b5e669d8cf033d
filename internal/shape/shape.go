// Package shape turns executor results into the form consumed by answer
// synthesis, charting and export.
package shape

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/gridcast/ensembleql/internal/tabular"
)

// Prompt context sizing: small results go in whole, large ones as head and tail.
const (
	fullContextRows = 100
	headRows        = 50
	tailRows        = 10
)

// Column is a result column with its display type.
type Column struct {
	Name       string       `json:"name"`
	Type       tabular.Kind `json:"type"`
	EngineType string       `json:"engine_type,omitempty"`
}

type NumericStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Count int     `json:"count"`
}

type Summary struct {
	RowCount         int                     `json:"row_count"`
	TruncationNotice string                  `json:"truncation_notice,omitempty"`
	Numeric          map[string]NumericStats `json:"numeric,omitempty"`
}

// Shaped is a result ready for presentation. Rows hold JSON-friendly values
// coerced to each column's display type; Cells keep the typed values for
// export.
type Shaped struct {
	Columns   []Column          `json:"columns"`
	Rows      [][]any           `json:"rows"`
	Truncated bool              `json:"truncated"`
	RowCount  int               `json:"row_count"`
	RowCap    int               `json:"row_cap"`
	Summary   Summary           `json:"summary"`
	Cells     [][]tabular.Value `json:"-"`
}

// Shape derives display types and a summary from r. r is not modified.
func Shape(r *tabular.Result) *Shaped {
	columns := make([]Column, len(r.Columns))
	for i, c := range r.Columns {
		columns[i] = Column{Name: c.Name, Type: displayType(r, i), EngineType: c.EngineType}
	}

	rows := make([][]any, len(r.Rows))
	for i, row := range r.Rows {
		out := make([]any, len(row))
		for j, v := range row {
			out[j] = present(v, columns[j].Type)
		}
		rows[i] = out
	}

	s := &Shaped{
		Columns:   columns,
		Rows:      rows,
		Truncated: r.Truncated,
		RowCount:  len(r.Rows),
		RowCap:    r.RowCap,
		Cells:     r.Rows,
	}
	s.Summary = summarize(s)
	return s
}

// displayType is the kind of the first row's value, falling back to the
// engine type when that value is null. A later non-null value of another
// kind makes the whole column text.
func displayType(r *tabular.Result, col int) tabular.Kind {
	kind := tabular.KindNull
	if len(r.Rows) > 0 {
		kind = r.Rows[0][col].Kind
	}
	if kind == tabular.KindNull {
		kind = engineKind(r.Columns[col].EngineType)
	}
	for _, row := range r.Rows {
		v := row[col]
		if v.IsNull() || v.Kind == kind {
			continue
		}
		return tabular.KindText
	}
	return kind
}

func engineKind(engineType string) tabular.Kind {
	switch strings.ToLower(engineType) {
	case "int2", "int4", "int8", "float4", "float8", "numeric", "oid", "smallint", "integer", "bigint", "real", "double precision":
		return tabular.KindNumeric
	case "timestamp", "timestamptz", "date":
		return tabular.KindTimestamp
	case "bool", "boolean":
		return tabular.KindBoolean
	default:
		return tabular.KindText
	}
}

func present(v tabular.Value, display tabular.Kind) any {
	if v.IsNull() {
		return nil
	}
	if display == tabular.KindText && v.Kind != tabular.KindText {
		return v.String()
	}
	return v.Any()
}

func summarize(s *Shaped) Summary {
	sum := Summary{RowCount: s.RowCount}
	if s.Truncated {
		sum.TruncationNotice = fmt.Sprintf("Results were truncated to %d rows", s.RowCap)
	}
	for j, c := range s.Columns {
		if c.Type != tabular.KindNumeric {
			continue
		}
		var st NumericStats
		for _, row := range s.Cells {
			v := row[j]
			if v.Kind != tabular.KindNumeric {
				continue
			}
			if st.Count == 0 || v.Float < st.Min {
				st.Min = v.Float
			}
			if st.Count == 0 || v.Float > st.Max {
				st.Max = v.Float
			}
			st.Count++
		}
		if st.Count == 0 {
			continue
		}
		if sum.Numeric == nil {
			sum.Numeric = make(map[string]NumericStats)
		}
		sum.Numeric[c.Name] = st
	}
	return sum
}

// ColumnNames returns the column names in result order.
func (s *Shaped) ColumnNames() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// Table renders every cell as a string. NULL is the empty string.
func (s *Shaped) Table() (header []string, rows [][]string) {
	header = s.ColumnNames()
	rows = make([][]string, len(s.Cells))
	for i, row := range s.Cells {
		out := make([]string, len(row))
		for j, v := range row {
			out[j] = v.String()
		}
		rows[i] = out
	}
	return header, rows
}

// PromptContext describes the result for answer synthesis. Results above
// 100 rows are represented by their first 50 and last 10 rows.
func (s *Shaped) PromptContext(question, sql string) string {
	var b strings.Builder
	if question != "" {
		fmt.Fprintf(&b, "**Question:** %s\n\n", question)
	}
	b.WriteString("The SQL query was executed successfully.\n\n")
	fmt.Fprintf(&b, "**SQL:** `%s`\n\n", sql)
	b.WriteString("**Results:**\n")

	cols, _ := json.Marshal(s.ColumnNames())
	fmt.Fprintf(&b, "Columns: %s\n", cols)
	if len(s.Rows) > fullContextRows {
		head, _ := json.Marshal(s.Rows[:headRows])
		tail, _ := json.Marshal(s.Rows[len(s.Rows)-tailRows:])
		fmt.Fprintf(&b, "First %d rows:\n%s\n", headRows, head)
		fmt.Fprintf(&b, "... (%d total rows, showing first %d) ...\n", s.RowCount, headRows)
		fmt.Fprintf(&b, "Last %d rows:\n%s\n", tailRows, tail)
	} else {
		all, _ := json.Marshal(s.Rows)
		fmt.Fprintf(&b, "Rows (%d):\n%s\n", len(s.Rows), all)
	}
	s.writeNumericSummary(&b)
	if s.Summary.TruncationNotice != "" {
		fmt.Fprintf(&b, "\n(%s)\n", s.Summary.TruncationNotice)
	}
	return b.String()
}

// writeNumericSummary lists min, max and count per numeric column, in column
// order. The stats cover every returned row, including those left out of the
// head and tail above.
func (s *Shaped) writeNumericSummary(b *strings.Builder) {
	if len(s.Summary.Numeric) == 0 {
		return
	}
	b.WriteString("\n**Numeric summary:**\n")
	for _, c := range s.Columns {
		st, ok := s.Summary.Numeric[c.Name]
		if !ok {
			continue
		}
		fmt.Fprintf(b, "- %s: min %s, max %s, count %d\n", c.Name,
			strconv.FormatFloat(st.Min, 'g', -1, 64), strconv.FormatFloat(st.Max, 'g', -1, 64), st.Count)
	}
}
