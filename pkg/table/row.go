package table

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Row is a single record keyed by column name. Values are one of nil, string,
// int64, float64, bool or time.Time once coerced against a schema.
type Row map[string]any

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// DateLayout is the canonical date encoding.
const DateLayout = "2006-01-02"

// Coerce converts every declared column of row to its schema type. Columns not
// declared in the schema are dropped; missing columns become nil.
func (s Schema) Coerce(row Row) (Row, error) {
	out := make(Row, len(s.Columns))
	for _, c := range s.Columns {
		v, err := CoerceValue(c.Type, row[c.Name])
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", c.Name, err)
		}
		out[c.Name] = v
	}
	return out, nil
}

// CoerceValue converts v to the Go representation of t.
func CoerceValue(t ColumnType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if b, ok := v.([]byte); ok {
		v = string(b)
	}
	switch t {
	case TypeString:
		switch x := v.(type) {
		case string:
			return x, nil
		case json.Number:
			return x.String(), nil
		default:
			return fmt.Sprint(x), nil
		}
	case TypeInt:
		return toInt(v)
	case TypeFloat:
		return toFloat(v)
	case TypeBool:
		switch x := v.(type) {
		case bool:
			return x, nil
		case int64:
			return x != 0, nil
		case float64:
			return x != 0, nil
		case json.Number:
			return x.String() != "0", nil
		case string:
			return strconv.ParseBool(x)
		}
	case TypeDate:
		tm, err := toTime(v)
		if err != nil {
			return nil, err
		}
		y, m, d := tm.UTC().Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
	case TypeTimestamp:
		tm, err := toTime(v)
		if err != nil {
			return nil, err
		}
		return tm.UTC(), nil
	}
	return nil, fmt.Errorf("cannot convert %T to %s", v, t)
}

func toInt(v any) (any, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case float64:
		if x != math.Trunc(x) {
			return nil, fmt.Errorf("%v is not an integer", x)
		}
		return int64(x), nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, nil
		}
		f, err := x.Float64()
		if err != nil {
			return nil, err
		}
		return toInt(f)
	case string:
		return strconv.ParseInt(strings.TrimSpace(x), 10, 64)
	}
	return nil, fmt.Errorf("cannot convert %T to int", v)
}

func toFloat(v any) (any, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case int:
		return float64(x), nil
	case json.Number:
		return x.Float64()
	case string:
		return strconv.ParseFloat(strings.TrimSpace(x), 64)
	}
	return nil, fmt.Errorf("cannot convert %T to float", v)
}

func toTime(v any) (time.Time, error) {
	switch x := v.(type) {
	case time.Time:
		return x, nil
	case string:
		for _, layout := range []string{time.RFC3339Nano, DateLayout, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05"} {
			if tm, err := time.Parse(layout, x); err == nil {
				return tm, nil
			}
		}
		return time.Time{}, fmt.Errorf("unparseable time %q", x)
	case int64:
		return time.UnixMilli(x), nil
	case float64:
		return time.UnixMilli(int64(x)), nil
	case json.Number:
		ms, err := x.Int64()
		if err != nil {
			return time.Time{}, err
		}
		return time.UnixMilli(ms), nil
	}
	return time.Time{}, fmt.Errorf("cannot convert %T to time", v)
}

// FormatValue renders a coerced value canonically. Equal values always render
// identically, which makes the output usable as a map key component.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "\x00"
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(x)
	}
}

// KeyOf builds a composite key string from the given columns.
func KeyOf(row Row, cols []string) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = FormatValue(row[c])
	}
	return strings.Join(parts, "\x1f")
}

// MissingKeys reports which of cols are absent or nil in row.
func MissingKeys(row Row, cols []string) []string {
	var missing []string
	for _, c := range cols {
		if v, ok := row[c]; !ok || v == nil {
			missing = append(missing, c)
		}
	}
	return missing
}
