package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemoryBackend keeps tables in memory. The zero value is not usable; use
// NewMemoryBackend.
type MemoryBackend struct {
	mu     sync.RWMutex
	tables map[string]*memTable
}

type memTable struct {
	def  TableDef
	keys []string
	rows map[string]map[string]any
}

// NewMemoryBackend creates an empty in-memory store.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{tables: make(map[string]*memTable)}
}

// Initialize implements Backend. It is a no-op.
func (m *MemoryBackend) Initialize(string, bool) error { return nil }

// Close implements Backend. It is a no-op.
func (m *MemoryBackend) Close() error { return nil }

// TableExists implements DataAccess.
func (m *MemoryBackend) TableExists(_ context.Context, table string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.tables[strings.ToUpper(table)]
	return ok, nil
}

// CreateTable implements DataAccess.
func (m *MemoryBackend) CreateTable(_ context.Context, def TableDef) (bool, error) {
	def, err := def.Normalize()
	if err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tables[def.Name]; ok {
		return false, nil
	}
	m.tables[def.Name] = &memTable{def: def, rows: make(map[string]map[string]any)}
	return true, nil
}

// Table implements DataAccess.
func (m *MemoryBackend) Table(_ context.Context, table string) (TableDef, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, err := m.lookup(table)
	if err != nil {
		return TableDef{}, err
	}
	return t.def, nil
}

// Tables implements DataAccess.
func (m *MemoryBackend) Tables(context.Context) ([]TableDef, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]TableDef, 0, len(m.tables))
	for _, t := range m.tables {
		out = append(out, t.def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// SelectRows implements DataAccess.
func (m *MemoryBackend) SelectRows(_ context.Context, q Query) ([]Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, err := m.lookup(q.Table)
	if err != nil {
		return nil, err
	}
	return selectFrom(t.def, t.ordered(), q)
}

// CountRows implements DataAccess.
func (m *MemoryBackend) CountRows(_ context.Context, table string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, err := m.lookup(table)
	if err != nil {
		return 0, err
	}
	return len(t.rows), nil
}

// MaxNumericValue implements DataAccess.
func (m *MemoryBackend) MaxNumericValue(_ context.Context, column, table string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, err := m.lookup(table)
	if err != nil {
		return 0, err
	}
	if !t.def.HasColumn(column) {
		return 0, fmt.Errorf("%w: %s.%s", ErrUnknownColumn, t.def.Name, column)
	}
	return maxNumeric(t.ordered(), strings.ToUpper(column)), nil
}

// InsertRow implements DataAccess.
func (m *MemoryBackend) InsertRow(_ context.Context, table string, values map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.lookup(table)
	if err != nil {
		return err
	}
	row, err := normalizeValues(t.def, values)
	if err != nil {
		return err
	}
	key, keyVals := primaryKey(t.def, row)
	if _, taken := t.rows[key]; taken {
		return &UniqueViolationError{Table: t.def.Name, Key: keyVals}
	}
	t.put(key, row)
	return nil
}

// UpsertRow implements DataAccess.
func (m *MemoryBackend) UpsertRow(_ context.Context, table string, values map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.lookup(table)
	if err != nil {
		return err
	}
	row, err := normalizeValues(t.def, values)
	if err != nil {
		return err
	}
	key, _ := primaryKey(t.def, row)
	t.put(key, row)
	return nil
}

// DeleteRow implements DataAccess.
func (m *MemoryBackend) DeleteRow(_ context.Context, table string, values map[string]any) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.lookup(table)
	if err != nil {
		return false, err
	}
	row, err := normalizeValues(t.def, values)
	if err != nil {
		return false, err
	}
	key, _ := primaryKey(t.def, row)
	if _, ok := t.rows[key]; !ok {
		return false, nil
	}
	delete(t.rows, key)
	for i, k := range t.keys {
		if k == key {
			t.keys = append(t.keys[:i], t.keys[i+1:]...)
			break
		}
	}
	return true, nil
}

// lookup must be called with the lock held.
func (m *MemoryBackend) lookup(table string) (*memTable, error) {
	t, ok := m.tables[strings.ToUpper(table)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, table)
	}
	return t, nil
}

func (t *memTable) put(key string, row map[string]any) {
	if _, ok := t.rows[key]; !ok {
		t.keys = append(t.keys, key)
	}
	t.rows[key] = row
}

// ordered returns copies of the rows in insertion order.
func (t *memTable) ordered() []map[string]any {
	out := make([]map[string]any, 0, len(t.keys))
	for _, k := range t.keys {
		out = append(out, copyRow(t.rows[k]))
	}
	return out
}
