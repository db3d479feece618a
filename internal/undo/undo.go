// Package undo records compensating statements for every change a
// reconciliation run applies, so that a batch can be rolled back by
// executing its statements in descending UNDOID order.
package undo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/Benny93/rowmerge/internal/logging"
	"github.com/Benny93/rowmerge/internal/metrics"
	"github.com/Benny93/rowmerge/internal/storage"
)

// Undo table layout.
const (
	DefaultTable       = "UNDOSQL"
	DefaultIDName      = "UNDOID"
	ColumnID           = "UNDOID"
	ColumnStatement    = "STATEMENT"
	ColumnLoadDate     = "LDDATE"
	MaxStatementLength = 4000
)

// Allocator hands out identifiers shared between processes. NextID
// returns false when it cannot serve name, in which case the log falls
// back to its local counter.
type Allocator interface {
	NextID(ctx context.Context, name string) (int64, bool)
	ReturnUnusedIDs(ctx context.Context, name string, ids []int64)
}

// Store is the part of storage.DataAccess the log needs.
type Store interface {
	TableExists(ctx context.Context, table string) (bool, error)
	MaxNumericValue(ctx context.Context, column, table string) (int64, error)
	InsertRow(ctx context.Context, table string, values map[string]any) error
	SelectRows(ctx context.Context, q storage.Query) ([]storage.Row, error)
}

// TableDef returns the definition of an undo table.
func TableDef(name string) storage.TableDef {
	return storage.TableDef{
		Name: name,
		Columns: []storage.ColumnDef{
			{Name: ColumnID},
			{Name: ColumnStatement, MaxLength: MaxStatementLength},
			{Name: ColumnLoadDate},
		},
		PrimaryKey: []string{ColumnID},
	}
}

// EnsureTable creates the undo table if it does not exist.
func EnsureTable(ctx context.Context, store storage.DataAccess, name string) (bool, error) {
	if name == "" {
		name = DefaultTable
	}
	return store.CreateTable(ctx, TableDef(name))
}

// Log is an append-only undo log bound to one undo table. Every statement
// it writes carries the same LDDATE, which identifies the batch.
//
// Identifier allocation and the insert that uses the identifier happen
// under one lock, so no two callers see the same identifier as free.
type Log struct {
	mu       sync.Mutex
	store    Store
	table    string
	idName   string
	alloc    Allocator
	counter  int64
	ldDate   time.Time
	active   bool
	recorded int
	logger   *zerolog.Logger
	metrics  *metrics.Metrics
}

// New binds a log to store. When the undo table does not exist the log is
// inactive and every recording call is a no-op.
func New(ctx context.Context, store Store, opts ...Option) (*Log, error) {
	if store == nil {
		return nil, fmt.Errorf("undo log: nil store")
	}
	l := &Log{
		store:  store,
		table:  DefaultTable,
		idName: DefaultIDName,
		ldDate: time.Now().UTC(),
		logger: logging.FromContext(ctx),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.table = strings.ToUpper(l.table)

	exists, err := store.TableExists(ctx, l.table)
	if err != nil {
		return nil, fmt.Errorf("checking undo table %s: %w", l.table, err)
	}
	if !exists {
		l.logger.Debug().Str("table", l.table).Msg("undo table missing; undo recording disabled")
		return l, nil
	}

	l.counter, err = store.MaxNumericValue(ctx, ColumnID, l.table)
	if err != nil {
		return nil, fmt.Errorf("reading max %s from %s: %w", ColumnID, l.table, err)
	}
	l.active = true
	return l, nil
}

// IsActive reports whether the undo table exists.
func (l *Log) IsActive() bool { return l.active }

// Table returns the undo table name.
func (l *Log) Table() string { return l.table }

// LoadDate returns the batch timestamp written with every statement.
func (l *Log) LoadDate() time.Time { return l.ldDate }

// Recorded returns how many statements this log has persisted.
func (l *Log) Recorded() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.recorded
}

// RecordStatement persists one statement under a fresh identifier.
// Failures are logged and the statement is dropped; a unique-key conflict
// also hands the identifier back for reuse.
func (l *Log) RecordStatement(ctx context.Context, stmt string) {
	if !l.active {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.record(ctx, stmt)
}

// RecordStatements persists a batch last-first, turning a forward action
// log into replay order: the last action gets the lowest identifier of the
// batch and is therefore undone last.
func (l *Log) RecordStatements(ctx context.Context, stmts []string) {
	if !l.active || len(stmts) == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(stmts) - 1; i >= 0; i-- {
		l.record(ctx, stmts[i])
	}
}

// record must be called with l.mu held.
func (l *Log) record(ctx context.Context, stmt string) {
	if n := utf8.RuneCountInString(stmt); n > MaxStatementLength {
		l.logger.Error().Int("length", n).Int("limit", MaxStatementLength).Str("table", l.table).
			Msg("undo statement too long; dropped")
		l.metrics.Undo(metrics.UndoFailed)
		return
	}

	id, shared := l.nextID(ctx)
	err := l.store.InsertRow(ctx, l.table, map[string]any{
		ColumnID:        id,
		ColumnStatement: stmt,
		ColumnLoadDate:  l.ldDate,
	})
	if err == nil {
		l.recorded++
		l.metrics.Undo(metrics.UndoRecorded)
		l.logger.Trace().Int64("undo_id", id).Str("statement", stmt).Msg("undo statement recorded")
		return
	}

	if errors.Is(err, storage.ErrUniqueViolation) {
		l.release(ctx, id, shared)
		l.logger.Error().Err(err).Int64("undo_id", id).Str("table", l.table).
			Msg("undo id already in use; statement dropped")
		l.metrics.Undo(metrics.UndoConflict)
		return
	}
	// Other failures leave the identifier consumed.
	l.logger.Error().Err(err).Int64("undo_id", id).Str("table", l.table).
		Msg("cannot persist undo statement; dropped")
	l.metrics.Undo(metrics.UndoFailed)
}

// nextID prefers the shared allocator and otherwise advances the local
// counter, first catching up with identifiers others may have written.
func (l *Log) nextID(ctx context.Context) (int64, bool) {
	if l.alloc != nil {
		if id, ok := l.alloc.NextID(ctx, l.idName); ok {
			return id, true
		}
		l.logger.Warn().Str("id_name", l.idName).Msg("allocator has no identifier; using local counter")
		if max, err := l.store.MaxNumericValue(ctx, ColumnID, l.table); err == nil && max > l.counter {
			l.counter = max
		}
	}
	l.counter++
	return l.counter, false
}

// release hands an unused identifier back to where it came from.
func (l *Log) release(ctx context.Context, id int64, shared bool) {
	if shared {
		l.alloc.ReturnUnusedIDs(ctx, l.idName, []int64{id})
		l.metrics.Reclaimed(metrics.ReclaimAllocator)
		return
	}
	if id == l.counter {
		l.counter--
		l.metrics.Reclaimed(metrics.ReclaimCounter)
	}
}

// Option configures a Log.
type Option func(*Log)

// WithTable sets the undo table name.
func WithTable(name string) Option {
	return func(l *Log) {
		if name != "" {
			l.table = name
		}
	}
}

// WithAllocator makes the log take identifiers from a shared allocator.
func WithAllocator(a Allocator) Option {
	return func(l *Log) { l.alloc = a }
}

// WithIDName sets the name under which identifiers are requested from the
// allocator.
func WithIDName(name string) Option {
	return func(l *Log) {
		if name != "" {
			l.idName = name
		}
	}
}

// WithLoadDate fixes the batch timestamp.
func WithLoadDate(t time.Time) Option {
	return func(l *Log) { l.ldDate = t.UTC() }
}

// WithLogger sets the logger.
func WithLogger(logger *zerolog.Logger) Option {
	return func(l *Log) { l.logger = logger }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Log) { l.metrics = m }
}
