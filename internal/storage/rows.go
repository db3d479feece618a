package storage

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Benny93/rowmerge/internal/record"
)

// keySep separates primary key parts in storage keys.
const keySep = "\x1f"

// normalizeValues upper-cases column names, rejects unknown columns and
// over-long values, fills missing columns with nil and converts values to
// forms that survive a JSON round trip unchanged.
func normalizeValues(def TableDef, values map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(def.Columns))
	for k, v := range values {
		idx := def.column(k)
		if idx < 0 {
			return nil, fmt.Errorf("%w: %s.%s", ErrUnknownColumn, def.Name, k)
		}
		col := def.Columns[idx]
		v = storable(v)
		if col.MaxLength > 0 && v != nil {
			if n := utf8.RuneCountInString(record.CanonicalString(v)); n > col.MaxLength {
				return nil, fmt.Errorf("%w: %s.%s has %d characters, limit %d", ErrValueTooLong, def.Name, col.Name, n, col.MaxLength)
			}
		}
		out[col.Name] = v
	}
	for _, c := range def.Columns {
		if _, ok := out[c.Name]; !ok {
			out[c.Name] = nil
		}
	}
	return out, nil
}

func storable(v any) any {
	switch x := v.(type) {
	case time.Time, []byte:
		return record.CanonicalString(x)
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return record.CanonicalString(x)
		}
	}
	return v
}

// primaryKey renders the primary key of a normalized row.
func primaryKey(def TableDef, row map[string]any) (string, []any) {
	parts := make([]string, len(def.PrimaryKey))
	vals := make([]any, len(def.PrimaryKey))
	for i, k := range def.PrimaryKey {
		vals[i] = row[k]
		parts[i] = record.CanonicalString(row[k])
	}
	return strings.Join(parts, keySep), vals
}

// selectFrom applies a query to a table's rows.
func selectFrom(def TableDef, rows []map[string]any, q Query) ([]Row, error) {
	cols := q.Columns
	if len(cols) == 0 {
		cols = def.ColumnNames()
	}
	upper := make([]string, len(cols))
	for i, c := range cols {
		if !def.HasColumn(c) {
			return nil, fmt.Errorf("%w: %s.%s", ErrUnknownColumn, def.Name, c)
		}
		upper[i] = strings.ToUpper(c)
	}
	orderBy := strings.ToUpper(q.OrderBy)
	if orderBy != "" && !def.HasColumn(orderBy) {
		return nil, fmt.Errorf("%w: order by %s.%s", ErrUnknownColumn, def.Name, q.OrderBy)
	}

	matched := rows[:0:0]
	for _, r := range rows {
		if q.Where == nil || q.Where(r) {
			matched = append(matched, r)
		}
	}

	if orderBy != "" {
		sort.SliceStable(matched, func(i, j int) bool {
			c := compareValues(matched[i][orderBy], matched[j][orderBy])
			if q.Descending {
				return c > 0
			}
			return c < 0
		})
	}
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}

	out := make([]Row, len(matched))
	for i, r := range matched {
		row := make(Row, len(upper))
		for j, c := range upper {
			row[j] = r[c]
		}
		out[i] = row
	}
	return out, nil
}

// compareValues orders nil first, numbers numerically and everything else
// by canonical string.
func compareValues(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	fa, okA := ToFloat(a)
	fb, okB := ToFloat(b)
	if okA && okB {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	}
	return strings.Compare(record.CanonicalString(a), record.CanonicalString(b))
}

// ToFloat converts numeric values, including numeric strings.
func ToFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	}
	return 0, false
}

// ToInt64 converts integral values, including integral strings and whole
// floats.
func ToInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n, true
		}
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64); err == nil {
			return n, true
		}
	}
	f, ok := ToFloat(v)
	if !ok || f != math.Trunc(f) || f > math.MaxInt64 || f < math.MinInt64 {
		return 0, false
	}
	return int64(f), true
}

// maxNumeric returns the largest integral value of column across rows.
func maxNumeric(rows []map[string]any, column string) int64 {
	var max int64
	found := false
	for _, r := range rows {
		n, ok := ToInt64(r[column])
		if !ok {
			continue
		}
		if !found || n > max {
			max, found = n, true
		}
	}
	return max
}

func copyRow(r map[string]any) map[string]any {
	out := make(map[string]any, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
