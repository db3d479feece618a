// Package record defines the narrow view of a row that the reconciliation
// core depends on.
//
// Identity and graph logic only ever see a Record: a record type, an ordered
// tuple of column values and the position of the volatile load-timestamp
// column. Row is the concrete implementation produced by the loaders and the
// storage layer.
package record

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// NullToken is the canonical rendering of a missing value.
const NullToken = "null"

// NoTimestamp is returned by LoadTimestampIndex when a record has no
// load-timestamp column.
const NoTimestamp = -1

// Record is the capability interface consumed by identity and graph code.
type Record interface {
	// RecordType returns the upper-case record type (table name).
	RecordType() string

	// ColumnValues returns a copy of the ordered column values.
	ColumnValues() []any

	// LoadTimestampIndex returns the index of the load-timestamp column,
	// or NoTimestamp.
	LoadTimestampIndex() int
}

// Row is a record read from an input file or the target store.
//
// The column values are fixed once the row is created. Only the load
// timestamp may be changed afterwards, which is why Row carries a lock.
type Row struct {
	mu      sync.RWMutex
	rtype   string
	source  string
	columns []string
	values  []any
	ldIdx   int
}

// NewRow creates a row. columns and values must have the same length;
// ldColumn names the load-timestamp column and may be empty.
func NewRow(recordType, source string, columns []string, values []any, ldColumn string) (*Row, error) {
	if recordType == "" {
		return nil, fmt.Errorf("record type is required")
	}
	if len(columns) != len(values) {
		return nil, fmt.Errorf("row %s: %d columns but %d values", recordType, len(columns), len(values))
	}

	r := &Row{
		rtype:   strings.ToUpper(recordType),
		source:  source,
		columns: make([]string, len(columns)),
		values:  make([]any, len(values)),
		ldIdx:   NoTimestamp,
	}
	copy(r.values, values)
	for i, c := range columns {
		r.columns[i] = strings.ToUpper(c)
		if ldColumn != "" && strings.EqualFold(c, ldColumn) {
			r.ldIdx = i
		}
	}
	return r, nil
}

// RecordType implements Record.
func (r *Row) RecordType() string { return r.rtype }

// Source returns the name of the dataset the row was read from.
func (r *Row) Source() string { return r.source }

// LoadTimestampIndex implements Record.
func (r *Row) LoadTimestampIndex() int { return r.ldIdx }

// Columns returns a copy of the upper-case column names.
func (r *Row) Columns() []string {
	out := make([]string, len(r.columns))
	copy(out, r.columns)
	return out
}

// ColumnValues implements Record.
func (r *Row) ColumnValues() []any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]any, len(r.values))
	copy(out, r.values)
	return out
}

// Value returns the value of the named column (case-insensitive).
func (r *Row) Value(column string) (any, bool) {
	idx := r.index(column)
	if idx < 0 {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.values[idx], true
}

// ValueString returns the canonical string of the named column, or the
// empty string when the column is unknown or null.
func (r *Row) ValueString(column string) string {
	v, ok := r.Value(column)
	if !ok || v == nil {
		return ""
	}
	return CanonicalString(v)
}

// Project returns the values of the given columns in the given order.
// Unknown columns project to nil.
func (r *Row) Project(columns []string) []any {
	out := make([]any, len(columns))
	for i, c := range columns {
		out[i], _ = r.Value(c)
	}
	return out
}

// Map returns the row as a column name to value map.
func (r *Row) Map() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m := make(map[string]any, len(r.columns))
	for i, c := range r.columns {
		m[c] = r.values[i]
	}
	return m
}

// LoadTimestamp returns the load-timestamp value, if the row has one.
func (r *Row) LoadTimestamp() (any, bool) {
	if r.ldIdx == NoTimestamp {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.values[r.ldIdx], true
}

// SetLoadTimestamp replaces the load-timestamp value. It is a no-op when
// the row has no load-timestamp column.
func (r *Row) SetLoadTimestamp(v any) {
	if r.ldIdx == NoTimestamp {
		return
	}
	r.mu.Lock()
	r.values[r.ldIdx] = v
	r.mu.Unlock()
}

// String renders the row for logs.
func (r *Row) String() string {
	vals := r.ColumnValues()
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = r.columns[i] + "=" + CanonicalString(v)
	}
	return r.rtype + "(" + strings.Join(parts, ", ") + ")"
}

func (r *Row) index(column string) int {
	for i, c := range r.columns {
		if strings.EqualFold(c, column) {
			return i
		}
	}
	return -1
}

// CanonicalString renders a column value the same way regardless of where
// the value came from, so that identities are stable across input files and
// store round trips.
func CanonicalString(v any) string {
	switch x := v.(type) {
	case nil:
		return NullToken
	case string:
		return x
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case uint64:
		return strconv.FormatUint(x, 10)
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case []byte:
		return strings.ToUpper(hex.EncodeToString(x))
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

// TupleKey encodes values so that two tuples share a key only when they
// agree value by value: each value is length-prefixed and nil is kept apart
// from the string "null".
func TupleKey(values []any) string {
	var b strings.Builder
	for _, v := range values {
		if v == nil {
			b.WriteString("-;")
			continue
		}
		s := CanonicalString(v)
		b.WriteString(strconv.Itoa(len(s)))
		b.WriteByte(':')
		b.WriteString(s)
		b.WriteByte(';')
	}
	return b.String()
}
