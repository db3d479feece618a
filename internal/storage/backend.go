// Package storage provides the data-access collaborator used by the
// reconciliation core: named tables of rows with a primary key, ordered
// selects and single-row writes.
//
// Two implementations are provided. BadgerBackend persists tables in a
// BadgerDB directory; MemoryBackend keeps everything in maps and is used by
// tests and dry runs.
package storage

import (
	"context"
	"fmt"
	"slices"
	"strings"
)

// ColumnDef describes one table column.
type ColumnDef struct {
	Name string `json:"name"`

	// MaxLength bounds the rendered length of a value in runes. Zero means
	// unbounded.
	MaxLength int `json:"max_length,omitempty"`
}

// TableDef describes a table. Names are case-insensitive and stored in
// upper case.
type TableDef struct {
	Name       string      `json:"name"`
	Columns    []ColumnDef `json:"columns"`
	PrimaryKey []string    `json:"primary_key"`
}

// ColumnNames returns the column names in declaration order.
func (d TableDef) ColumnNames() []string {
	out := make([]string, len(d.Columns))
	for i, c := range d.Columns {
		out[i] = c.Name
	}
	return out
}

// HasColumn reports whether the table declares column.
func (d TableDef) HasColumn(column string) bool {
	return d.column(column) >= 0
}

func (d TableDef) column(name string) int {
	for i, c := range d.Columns {
		if strings.EqualFold(c.Name, name) {
			return i
		}
	}
	return -1
}

// Normalize upper-cases names and validates the definition.
func (d TableDef) Normalize() (TableDef, error) {
	out := TableDef{Name: strings.ToUpper(strings.TrimSpace(d.Name))}
	if out.Name == "" || strings.ContainsAny(out.Name, ": ") {
		return TableDef{}, fmt.Errorf("%w: table name %q", ErrInvalidTable, d.Name)
	}
	if len(d.Columns) == 0 {
		return TableDef{}, fmt.Errorf("%w: table %s has no columns", ErrInvalidTable, out.Name)
	}

	seen := make(map[string]bool, len(d.Columns))
	for _, c := range d.Columns {
		name := strings.ToUpper(strings.TrimSpace(c.Name))
		if name == "" || seen[name] {
			return TableDef{}, fmt.Errorf("%w: table %s: bad or duplicate column %q", ErrInvalidTable, out.Name, c.Name)
		}
		seen[name] = true
		out.Columns = append(out.Columns, ColumnDef{Name: name, MaxLength: c.MaxLength})
	}

	pk := d.PrimaryKey
	if len(pk) == 0 {
		pk = out.ColumnNames()
	}
	for _, k := range pk {
		name := strings.ToUpper(strings.TrimSpace(k))
		if !seen[name] {
			return TableDef{}, fmt.Errorf("%w: table %s: primary key column %q", ErrUnknownColumn, out.Name, k)
		}
		if slices.Contains(out.PrimaryKey, name) {
			continue
		}
		out.PrimaryKey = append(out.PrimaryKey, name)
	}
	return out, nil
}

// Row is one selected row, ordered like the query's columns.
type Row []any

// Query selects rows from one table.
type Query struct {
	Table string

	// Columns to return; all columns in declaration order when empty.
	Columns []string

	// Where filters rows; nil selects everything. The map is keyed by
	// upper-case column name.
	Where func(map[string]any) bool

	// OrderBy sorts by one column. Numeric values compare numerically.
	OrderBy    string
	Descending bool

	// Limit caps the number of rows when positive.
	Limit int
}

// DataAccess is the row-level contract consumed by the rank table, the
// undo log, the identifier allocator and the pipeline.
//
// Implementations must be safe for concurrent use.
type DataAccess interface {
	// Schema

	// TableExists reports whether a table has been created.
	TableExists(ctx context.Context, table string) (bool, error)

	// CreateTable creates a table and reports whether it was created.
	// An existing table is left untouched.
	CreateTable(ctx context.Context, def TableDef) (bool, error)

	// Table returns a table definition, or ErrTableNotFound.
	Table(ctx context.Context, table string) (TableDef, error)

	// Tables lists every table, sorted by name.
	Tables(ctx context.Context) ([]TableDef, error)

	// Reads

	// SelectRows returns the rows matching q.
	SelectRows(ctx context.Context, q Query) ([]Row, error)

	// CountRows returns the number of rows in a table.
	CountRows(ctx context.Context, table string) (int, error)

	// MaxNumericValue returns the largest integer value of column, or 0
	// for an empty table.
	MaxNumericValue(ctx context.Context, column, table string) (int64, error)

	// Writes

	// InsertRow adds a row. A taken primary key yields a
	// *UniqueViolationError.
	InsertRow(ctx context.Context, table string, values map[string]any) error

	// UpsertRow adds or replaces a row by primary key.
	UpsertRow(ctx context.Context, table string, values map[string]any) error

	// DeleteRow removes the row with the primary key found in values and
	// reports whether it existed.
	DeleteRow(ctx context.Context, table string, values map[string]any) (bool, error)
}

// Backend is a DataAccess with a lifecycle.
type Backend interface {
	DataAccess

	// Initialize opens or creates the store at path.
	Initialize(path string, readOnly bool) error

	// Close releases all resources held by the backend.
	Close() error
}
