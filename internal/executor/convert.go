package executor

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/gridcast/ensembleql/internal/tabular"
)

// convertValue maps a value decoded by pgx onto the closed tabular variant set.
// Values with no numeric, timestamp or boolean meaning become text.
func convertValue(v any) tabular.Value {
	switch val := v.(type) {
	case nil:
		return tabular.Null()
	case bool:
		return tabular.Bool(val)
	case int16:
		return tabular.Int(int64(val))
	case int32:
		return tabular.Int(int64(val))
	case int64:
		return tabular.Int(val)
	case int:
		return tabular.Int(int64(val))
	case uint32:
		return tabular.Int(int64(val))
	case float32:
		return convertFloat(float64(val))
	case float64:
		return convertFloat(val)
	case pgtype.Numeric:
		return convertNumeric(val)
	case time.Time:
		return tabular.Timestamp(val)
	case pgtype.InfinityModifier:
		return tabular.Text(val.String())
	case string:
		return tabular.Text(val)
	case [16]byte:
		// UUID
		return tabular.Text(fmt.Sprintf("%x-%x-%x-%x-%x", val[0:4], val[4:6], val[6:8], val[8:10], val[10:16]))
	case []byte:
		// bytea, xml
		return tabular.Text(base64.StdEncoding.EncodeToString(val))
	case netip.Prefix:
		return tabular.Text(val.String())
	case net.HardwareAddr:
		return tabular.Text(val.String())
	case pgtype.Time:
		if !val.Valid {
			return tabular.Null()
		}
		return tabular.Text(formatTimeOfDay(val.Microseconds))
	case pgtype.Interval:
		if !val.Valid {
			return tabular.Null()
		}
		return tabular.Text(formatInterval(val))
	case pgtype.Bits:
		if !val.Valid {
			return tabular.Null()
		}
		return tabular.Text(formatBits(val))
	case map[string]any, []any:
		b, err := json.Marshal(jsonFriendly(val))
		if err != nil {
			return tabular.Text(fmt.Sprint(val))
		}
		return tabular.Text(string(b))
	case fmt.Stringer:
		return tabular.Text(val.String())
	default:
		return tabular.Text(fmt.Sprint(val))
	}
}

func convertFloat(f float64) tabular.Value {
	switch {
	case math.IsNaN(f):
		return tabular.Text("NaN")
	case math.IsInf(f, 1):
		return tabular.Text("Infinity")
	case math.IsInf(f, -1):
		return tabular.Text("-Infinity")
	}
	return tabular.Float(f)
}

func convertNumeric(n pgtype.Numeric) tabular.Value {
	if !n.Valid {
		return tabular.Null()
	}
	if n.NaN {
		return tabular.Text("NaN")
	}
	switch n.InfinityModifier {
	case pgtype.Infinity:
		return tabular.Text("Infinity")
	case pgtype.NegativeInfinity:
		return tabular.Text("-Infinity")
	}
	if n.Exp >= 0 {
		if i, err := n.Int64Value(); err == nil && i.Valid {
			return tabular.Int(i.Int64)
		}
	}
	f, err := n.Float64Value()
	if err != nil || !f.Valid {
		b, _ := n.MarshalJSON()
		return tabular.Text(string(b))
	}
	return convertFloat(f.Float64)
}

// jsonFriendly rewrites nested json/array values so json.Marshal accepts
// them: NaN and infinities become strings, times become RFC 3339.
func jsonFriendly(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = jsonFriendly(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = jsonFriendly(inner)
		}
		return out
	case nil, bool, string, json.Number:
		return val
	default:
		return convertValue(val).Any()
	}
}

func formatTimeOfDay(us int64) string {
	hours := us / 3_600_000_000
	us -= hours * 3_600_000_000
	minutes := us / 60_000_000
	us -= minutes * 60_000_000
	seconds := us / 1_000_000
	us -= seconds * 1_000_000
	if us > 0 {
		return fmt.Sprintf("%02d:%02d:%02d.%06d", hours, minutes, seconds, us)
	}
	return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, seconds)
}

func formatInterval(val pgtype.Interval) string {
	var parts []string
	if val.Months != 0 {
		years := val.Months / 12
		months := val.Months % 12
		if years != 0 {
			parts = append(parts, fmt.Sprintf("%d year(s)", years))
		}
		if months != 0 {
			parts = append(parts, fmt.Sprintf("%d mon(s)", months))
		}
	}
	if val.Days != 0 {
		parts = append(parts, fmt.Sprintf("%d day(s)", val.Days))
	}
	if val.Microseconds != 0 {
		parts = append(parts, (time.Duration(val.Microseconds) * time.Microsecond).String())
	}
	if len(parts) == 0 {
		return "0"
	}
	return strings.Join(parts, " ")
}

func formatBits(val pgtype.Bits) string {
	out := make([]byte, val.Len)
	for i := int32(0); i < val.Len; i++ {
		if val.Bytes[i/8]&(1<<uint(7-i%8)) != 0 {
			out[i] = '1'
		} else {
			out[i] = '0'
		}
	}
	return string(out)
}
