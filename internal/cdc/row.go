package cdc

import (
	"fmt"
	"strconv"

	"github.com/goccy/go-json"
)

// Row is one flattened change payload with source column names.
type Row map[string]any

// Int64 reads an integer column that may arrive as a JSON number or string.
func (r Row) Int64(col string) (int64, error) {
	switch v := r[col].(type) {
	case json.Number:
		return v.Int64()
	case float64:
		return int64(v), nil
	case string:
		return strconv.ParseInt(v, 10, 64)
	case nil:
		return 0, fmt.Errorf("column %s missing", col)
	default:
		return 0, fmt.Errorf("column %s: unexpected %T", col, v)
	}
}

// ID reads a primary key that may be numeric or textual.
func (r Row) ID(col string) (string, error) {
	switch v := r[col].(type) {
	case string:
		if v == "" {
			return "", fmt.Errorf("column %s empty", col)
		}
		return v, nil
	case json.Number:
		return v.String(), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case nil:
		return "", fmt.Errorf("column %s missing", col)
	default:
		return "", fmt.Errorf("column %s: unexpected %T", col, v)
	}
}

func (r Row) String(col string) string {
	switch v := r[col].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	}
	return ""
}

func (r Row) StringOr(col, def string) string {
	if s := r.String(col); s != "" {
		return s
	}
	return def
}

// OptFloat returns nil for a missing or null column.
func (r Row) OptFloat(col string) *float64 {
	var f float64
	switch v := r[col].(type) {
	case json.Number:
		p, err := v.Float64()
		if err != nil {
			return nil
		}
		f = p
	case float64:
		f = v
	case string:
		p, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil
		}
		f = p
	default:
		return nil
	}
	return &f
}

func (r Row) FloatOr(col string, def float64) float64 {
	if f := r.OptFloat(col); f != nil {
		return *f
	}
	return def
}

func (r Row) IntOr(col string, def int) int {
	if f := r.OptFloat(col); f != nil {
		return int(*f)
	}
	return def
}

// Bool coerces the tinyint(1) and boolean encodings: 1, true, "1", "true".
func (r Row) Bool(col string) bool {
	switch v := r[col].(type) {
	case bool:
		return v
	case json.Number:
		return v.String() == "1"
	case float64:
		return v == 1
	case string:
		return v == "1" || v == "true"
	}
	return false
}

// Object accepts a JSON object or a JSON-encoded string holding one.
func (r Row) Object(col string) (map[string]any, error) {
	switch v := r[col].(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return v, nil
	case string:
		if v == "" {
			return nil, nil
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			return nil, fmt.Errorf("column %s: %w", col, err)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("column %s: unexpected %T", col, v)
	}
}
