package undo

import (
	"encoding/json"
	"strings"

	"github.com/Benny93/rowmerge/internal/record"
)

// Literal renders a value as an SQL literal.
func Literal(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case int, int32, int64, uint64, float32, float64, json.Number:
		return record.CanonicalString(x)
	case bool:
		if x {
			return "1"
		}
		return "0"
	default:
		return quote(record.CanonicalString(x))
	}
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// DeleteStatement returns a statement that deletes the row with the given
// key values.
func DeleteStatement(table string, columns []string, values []any) string {
	var b strings.Builder
	b.WriteString("DELETE FROM ")
	b.WriteString(strings.ToUpper(table))
	b.WriteString(" WHERE ")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(" AND ")
		}
		b.WriteString(strings.ToUpper(c))
		if values[i] == nil {
			b.WriteString(" IS NULL")
			continue
		}
		b.WriteString(" = ")
		b.WriteString(Literal(values[i]))
	}
	return b.String()
}

// InsertStatement returns a statement that re-inserts a row.
func InsertStatement(table string, columns []string, values []any) string {
	cols := make([]string, len(columns))
	vals := make([]string, len(values))
	for i, c := range columns {
		cols[i] = strings.ToUpper(c)
	}
	for i, v := range values {
		vals[i] = Literal(v)
	}
	return "INSERT INTO " + strings.ToUpper(table) + " (" + strings.Join(cols, ", ") + ") VALUES (" + strings.Join(vals, ", ") + ")"
}
