package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// Key prefixes
const (
	prefixTable = "t:" // table definition
	prefixRow   = "r:" // row data, r:<TABLE>:<primary key>
)

// BadgerBackend is a BadgerDB-backed store.
//
// Every write runs in its own read-write transaction, so two concurrent
// inserts of the same primary key are resolved by Badger's conflict
// detection: the loser gets a *UniqueViolationError.
type BadgerBackend struct {
	db          *badger.DB
	initialized bool
	mu          sync.RWMutex
}

// NewBadgerBackend creates a new BadgerDB backend.
func NewBadgerBackend() *BadgerBackend {
	return &BadgerBackend{}
}

// Initialize opens or creates the BadgerDB database at the given path.
func (b *BadgerBackend) Initialize(path string, readOnly bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	opts := badger.DefaultOptions(path).
		WithNumCompactors(2).
		WithNumMemtables(5).
		WithLoggingLevel(badger.ERROR)

	if readOnly {
		opts = opts.WithReadOnly(true)
	}

	var err error
	b.db, err = badger.Open(opts)
	if err != nil {
		return fmt.Errorf("opening badger DB: %w", err)
	}
	b.initialized = true
	return nil
}

// Close releases all resources held by the backend.
func (b *BadgerBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	b.initialized = false
	return err
}

// TableExists implements DataAccess.
func (b *BadgerBackend) TableExists(ctx context.Context, table string) (bool, error) {
	_, err := b.Table(ctx, table)
	if errors.Is(err, ErrTableNotFound) {
		return false, nil
	}
	return err == nil, err
}

// CreateTable implements DataAccess.
func (b *BadgerBackend) CreateTable(_ context.Context, def TableDef) (bool, error) {
	def, err := def.Normalize()
	if err != nil {
		return false, err
	}
	data, err := json.Marshal(def)
	if err != nil {
		return false, fmt.Errorf("marshaling table %s: %w", def.Name, err)
	}

	created := false
	err = b.update(func(txn *badger.Txn) error {
		_, err := txn.Get(tableKey(def.Name))
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		created = true
		return txn.Set(tableKey(def.Name), data)
	})
	if errors.Is(err, badger.ErrConflict) {
		// Someone else created it first.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("creating table %s: %w", def.Name, err)
	}
	return created, nil
}

// Table implements DataAccess.
func (b *BadgerBackend) Table(_ context.Context, table string) (TableDef, error) {
	var def TableDef
	err := b.view(func(txn *badger.Txn) error {
		var err error
		def, err = readTable(txn, table)
		return err
	})
	return def, err
}

// Tables implements DataAccess.
func (b *BadgerBackend) Tables(context.Context) ([]TableDef, error) {
	var out []TableDef
	err := b.view(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixTable)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var def TableDef
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &def)
			}); err != nil {
				return fmt.Errorf("unmarshaling table: %w", err)
			}
			out = append(out, def)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, err
}

// SelectRows implements DataAccess.
func (b *BadgerBackend) SelectRows(_ context.Context, q Query) ([]Row, error) {
	var out []Row
	err := b.view(func(txn *badger.Txn) error {
		def, err := readTable(txn, q.Table)
		if err != nil {
			return err
		}
		rows, err := scanRows(txn, def.Name)
		if err != nil {
			return err
		}
		out, err = selectFrom(def, rows, q)
		return err
	})
	return out, err
}

// CountRows implements DataAccess.
func (b *BadgerBackend) CountRows(_ context.Context, table string) (int, error) {
	n := 0
	err := b.view(func(txn *badger.Txn) error {
		def, err := readTable(txn, table)
		if err != nil {
			return err
		}
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = rowPrefix(def.Name)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// MaxNumericValue implements DataAccess.
func (b *BadgerBackend) MaxNumericValue(_ context.Context, column, table string) (int64, error) {
	var max int64
	err := b.view(func(txn *badger.Txn) error {
		def, err := readTable(txn, table)
		if err != nil {
			return err
		}
		if !def.HasColumn(column) {
			return fmt.Errorf("%w: %s.%s", ErrUnknownColumn, def.Name, column)
		}
		rows, err := scanRows(txn, def.Name)
		if err != nil {
			return err
		}
		max = maxNumeric(rows, strings.ToUpper(column))
		return nil
	})
	return max, err
}

// InsertRow implements DataAccess.
func (b *BadgerBackend) InsertRow(_ context.Context, table string, values map[string]any) error {
	var violation *UniqueViolationError
	err := b.update(func(txn *badger.Txn) error {
		def, err := readTable(txn, table)
		if err != nil {
			return err
		}
		row, err := normalizeValues(def, values)
		if err != nil {
			return err
		}
		pk, keyVals := primaryKey(def, row)
		violation = &UniqueViolationError{Table: def.Name, Key: keyVals}

		key := rowKey(def.Name, pk)
		_, err = txn.Get(key)
		if err == nil {
			return violation
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return setRow(txn, key, row)
	})
	if errors.Is(err, badger.ErrConflict) && violation != nil {
		return violation
	}
	return err
}

// UpsertRow implements DataAccess.
func (b *BadgerBackend) UpsertRow(_ context.Context, table string, values map[string]any) error {
	return b.update(func(txn *badger.Txn) error {
		def, err := readTable(txn, table)
		if err != nil {
			return err
		}
		row, err := normalizeValues(def, values)
		if err != nil {
			return err
		}
		pk, _ := primaryKey(def, row)
		return setRow(txn, rowKey(def.Name, pk), row)
	})
}

// DeleteRow implements DataAccess.
func (b *BadgerBackend) DeleteRow(_ context.Context, table string, values map[string]any) (bool, error) {
	deleted := false
	err := b.update(func(txn *badger.Txn) error {
		def, err := readTable(txn, table)
		if err != nil {
			return err
		}
		row, err := normalizeValues(def, values)
		if err != nil {
			return err
		}
		pk, _ := primaryKey(def, row)
		key := rowKey(def.Name, pk)
		if _, err := txn.Get(key); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		deleted = true
		return txn.Delete(key)
	})
	return deleted, err
}

func (b *BadgerBackend) view(fn func(*badger.Txn) error) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.initialized {
		return ErrNotInitialized
	}
	return b.db.View(fn)
}

// update runs fn in a read-write transaction and commits it.
func (b *BadgerBackend) update(fn func(*badger.Txn) error) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.initialized {
		return ErrNotInitialized
	}

	txn := b.db.NewTransaction(true)
	defer txn.Discard()
	if err := fn(txn); err != nil {
		return err
	}
	return txn.Commit()
}

func readTable(txn *badger.Txn, table string) (TableDef, error) {
	name := strings.ToUpper(table)
	item, err := txn.Get(tableKey(name))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return TableDef{}, fmt.Errorf("%w: %s", ErrTableNotFound, table)
	}
	if err != nil {
		return TableDef{}, fmt.Errorf("reading table %s: %w", name, err)
	}
	var def TableDef
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &def)
	})
	return def, err
}

func scanRows(txn *badger.Txn, table string) ([]map[string]any, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = rowPrefix(table)
	it := txn.NewIterator(opts)
	defer it.Close()

	var rows []map[string]any
	for it.Rewind(); it.Valid(); it.Next() {
		var row map[string]any
		if err := it.Item().Value(func(val []byte) error {
			dec := json.NewDecoder(bytes.NewReader(val))
			dec.UseNumber()
			return dec.Decode(&row)
		}); err != nil {
			return nil, fmt.Errorf("unmarshaling row of %s: %w", table, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func setRow(txn *badger.Txn, key []byte, row map[string]any) error {
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("marshaling row: %w", err)
	}
	return txn.Set(key, data)
}

func tableKey(name string) []byte {
	return []byte(prefixTable + name)
}

func rowPrefix(table string) []byte {
	return []byte(prefixRow + table + ":")
}

func rowKey(table, pk string) []byte {
	return []byte(prefixRow + table + ":" + pk)
}
