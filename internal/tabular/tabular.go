// Package tabular holds the uniform result shape produced by the executor.
// Row values are a closed set of tagged variants; nothing downstream of the
// driver boundary sees driver-specific Go types.
package tabular

import (
	"encoding/json"
	"strconv"
	"time"
)

// Kind is the semantic type of a value or column.
type Kind uint8

const (
	KindNull Kind = iota
	KindNumeric
	KindText
	KindTimestamp
	KindBoolean
)

func (k Kind) String() string {
	switch k {
	case KindNumeric:
		return "numeric"
	case KindText:
		return "text"
	case KindTimestamp:
		return "timestamp"
	case KindBoolean:
		return "boolean"
	default:
		return "null"
	}
}

// MarshalText lets Kind appear as a string in JSON output.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Value is a single cell. Only the field matching Kind is meaningful.
// Numeric values that came from integer columns keep their exact int64 in Int
// with Integral set.
type Value struct {
	Kind     Kind
	Float    float64
	Int      int64
	Integral bool
	Text     string
	Time     time.Time
	Bool     bool
}

func Null() Value { return Value{Kind: KindNull} }

func Text(s string) Value { return Value{Kind: KindText, Text: s} }

func Float(f float64) Value { return Value{Kind: KindNumeric, Float: f} }

func Int(i int64) Value {
	return Value{Kind: KindNumeric, Int: i, Float: float64(i), Integral: true}
}

func Timestamp(t time.Time) Value { return Value{Kind: KindTimestamp, Time: t} }

func Bool(b bool) Value { return Value{Kind: KindBoolean, Bool: b} }

// IsNull reports whether the value is SQL NULL.
func (v Value) IsNull() bool { return v.Kind == KindNull }

// String renders the value the way it appears in CSV and text tables.
// NULL renders as the empty string.
func (v Value) String() string {
	switch v.Kind {
	case KindNumeric:
		if v.Integral {
			return strconv.FormatInt(v.Int, 10)
		}
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case KindText:
		return v.Text
	case KindTimestamp:
		return v.Time.Format(time.RFC3339Nano)
	case KindBoolean:
		return strconv.FormatBool(v.Bool)
	default:
		return ""
	}
}

// Any returns a JSON-friendly Go value.
func (v Value) Any() any {
	switch v.Kind {
	case KindNumeric:
		if v.Integral {
			return v.Int
		}
		return v.Float
	case KindText:
		return v.Text
	case KindTimestamp:
		return v.Time.Format(time.RFC3339Nano)
	case KindBoolean:
		return v.Bool
	default:
		return nil
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Any())
}

// Column describes one result column in SELECT-list order.
type Column struct {
	Name       string `json:"name"`
	EngineType string `json:"engine_type,omitempty"`
}

// Result is the executor's normalized output.
// len(Rows) never exceeds RowCap; Truncated is set iff the query produced more.
type Result struct {
	Columns   []Column
	Rows      [][]Value
	Truncated bool
	RowCap    int
	Elapsed   time.Duration
}
