package ygggo_dbclient

import (
	"fmt"
	"strings"
)

// Row is an ordered mapping from column name to value. Column order follows
// the statement's projection.
type Row struct {
	cols []string
	vals []any
	idx  map[string]int
}

// NewRow builds a row from parallel column and value slices. Duplicate column
// names keep their first value, so keys stay unique.
func NewRow(cols []string, vals []any) Row {
	r := Row{
		cols: make([]string, 0, len(cols)),
		vals: make([]any, 0, len(cols)),
		idx:  make(map[string]int, len(cols)),
	}
	for i, c := range cols {
		if _, dup := r.idx[c]; dup {
			continue
		}
		var v any
		if i < len(vals) {
			v = vals[i]
		}
		r.idx[c] = len(r.cols)
		r.cols = append(r.cols, c)
		r.vals = append(r.vals, v)
	}
	return r
}

// Len is the number of columns.
func (r Row) Len() int { return len(r.cols) }

// Columns returns column names in projection order.
func (r Row) Columns() []string { return append([]string(nil), r.cols...) }

// Values returns values in projection order.
func (r Row) Values() []any { return append([]any(nil), r.vals...) }

// Get returns the value of column name.
func (r Row) Get(name string) (any, bool) {
	i, ok := r.idx[name]
	if !ok {
		return nil, false
	}
	return r.vals[i], true
}

// Value returns the value of column name or nil.
func (r Row) Value(name string) any {
	v, _ := r.Get(name)
	return v
}

// Int64 converts an integer-ish column; ok is false when the column is missing
// or not numeric.
func (r Row) Int64(name string) (int64, bool) {
	switch v := r.Value(name).(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case uint64:
		return int64(v), true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}

// Text renders a column with fmt; missing columns give "".
func (r Row) Text(name string) string {
	v, ok := r.Get(name)
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Map copies the row into an unordered map.
func (r Row) Map() map[string]any {
	m := make(map[string]any, len(r.cols))
	for i, c := range r.cols {
		m[c] = r.vals[i]
	}
	return m
}

func (r Row) GoString() string {
	var b strings.Builder
	b.WriteString("Row{")
	for i, c := range r.cols {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s: %#v", c, r.vals[i])
	}
	b.WriteString("}")
	return b.String()
}
