// Package idgaps implements a shared identifier allocator backed by an
// IDGAPS table.
//
// Each identifier name owns a free range [GAP_START, GAP_END]. Identifiers
// handed back with ReturnUnusedIDs are reissued first, oldest first, before
// the range advances. Flush persists the advanced range starts so that a
// later process continues where this one stopped.
package idgaps

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Benny93/rowmerge/internal/logging"
	"github.com/Benny93/rowmerge/internal/record"
	"github.com/Benny93/rowmerge/internal/storage"
)

// Table layout.
const (
	DefaultTable   = "IDGAPS"
	ColumnName     = "ID_NAME"
	ColumnGapStart = "GAP_START"
	ColumnGapEnd   = "GAP_END"
)

// Range is a free identifier range, both ends inclusive.
type Range struct {
	Start int64
	End   int64
}

type gap struct {
	Range
	returned []int64
	dirty    bool
}

// Allocator is safe for concurrent use.
type Allocator struct {
	mu     sync.Mutex
	store  storage.DataAccess
	table  string
	gaps   map[string]*gap
	logger *zerolog.Logger
}

// TableDef returns the definition of a gap table.
func TableDef(name string) storage.TableDef {
	return storage.TableDef{
		Name:       name,
		Columns:    []storage.ColumnDef{{Name: ColumnName}, {Name: ColumnGapStart}, {Name: ColumnGapEnd}},
		PrimaryKey: []string{ColumnName},
	}
}

// Seed creates the gap table if needed and adds a row for every configured
// name that does not have one yet. Existing rows are left alone.
func Seed(ctx context.Context, store storage.DataAccess, table string, ranges map[string]Range) error {
	if table == "" {
		table = DefaultTable
	}
	if _, err := store.CreateTable(ctx, TableDef(table)); err != nil {
		return fmt.Errorf("creating gap table %s: %w", table, err)
	}

	names := make([]string, 0, len(ranges))
	for n := range ranges {
		names = append(names, n)
	}
	sort.Strings(names)

	for _, name := range names {
		r := ranges[name]
		if r.Start > r.End {
			return fmt.Errorf("gap %s: start %d after end %d", name, r.Start, r.End)
		}
		err := store.InsertRow(ctx, table, map[string]any{
			ColumnName:     strings.ToUpper(name),
			ColumnGapStart: r.Start,
			ColumnGapEnd:   r.End,
		})
		if err != nil && !isUnique(err) {
			return fmt.Errorf("seeding gap %s: %w", name, err)
		}
	}
	return nil
}

// Load reads every gap row from table.
func Load(ctx context.Context, store storage.DataAccess, table string, opts ...Option) (*Allocator, error) {
	if table == "" {
		table = DefaultTable
	}
	a := &Allocator{
		store:  store,
		table:  strings.ToUpper(table),
		gaps:   make(map[string]*gap),
		logger: logging.FromContext(ctx),
	}
	for _, opt := range opts {
		opt(a)
	}

	rows, err := store.SelectRows(ctx, storage.Query{
		Table:   a.table,
		Columns: []string{ColumnName, ColumnGapStart, ColumnGapEnd},
	})
	if err != nil {
		return nil, fmt.Errorf("reading gap table %s: %w", a.table, err)
	}
	for _, r := range rows {
		name := strings.ToUpper(record.CanonicalString(r[0]))
		start, okStart := storage.ToInt64(r[1])
		end, okEnd := storage.ToInt64(r[2])
		if !okStart || !okEnd {
			return nil, fmt.Errorf("gap table %s: row %s has a non-numeric range", a.table, name)
		}
		a.gaps[name] = &gap{Range: Range{Start: start, End: end}}
	}
	return a, nil
}

// NextID returns the next free identifier for name. It returns false when
// name has no gap or the gap is used up.
func (a *Allocator) NextID(_ context.Context, name string) (int64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	g, ok := a.gaps[strings.ToUpper(name)]
	if !ok {
		a.logger.Warn().Str("id_name", name).Str("table", a.table).Msg("no identifier gap configured")
		return 0, false
	}
	if len(g.returned) > 0 {
		id := g.returned[0]
		g.returned = g.returned[1:]
		return id, true
	}
	if g.Start > g.End {
		a.logger.Error().Str("id_name", name).Int64("gap_end", g.End).Msg("identifier gap exhausted")
		return 0, false
	}
	id := g.Start
	g.Start++
	g.dirty = true
	return id, true
}

// ReturnUnusedIDs queues ids for reuse by name.
func (a *Allocator) ReturnUnusedIDs(_ context.Context, name string, ids []int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	g, ok := a.gaps[strings.ToUpper(name)]
	if !ok {
		a.logger.Warn().Str("id_name", name).Ints64("ids", ids).Msg("returned identifiers for unknown gap dropped")
		return
	}
	g.returned = append(g.returned, ids...)
}

// Remaining returns how many identifiers name can still hand out.
func (a *Allocator) Remaining(name string) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	g, ok := a.gaps[strings.ToUpper(name)]
	if !ok {
		return 0
	}
	n := g.End - g.Start + 1
	if n < 0 {
		n = 0
	}
	return n + int64(len(g.returned))
}

// Flush persists the range start of every gap that advanced. Returned
// identifiers below the persisted start are lost to later processes, which
// is what keeps them from being issued twice.
func (a *Allocator) Flush(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for name, g := range a.gaps {
		if !g.dirty {
			continue
		}
		err := a.store.UpsertRow(ctx, a.table, map[string]any{
			ColumnName:     name,
			ColumnGapStart: g.Start,
			ColumnGapEnd:   g.End,
		})
		if err != nil {
			return fmt.Errorf("flushing gap %s: %w", name, err)
		}
		g.dirty = false
	}
	return nil
}

func isUnique(err error) bool {
	return errors.Is(err, storage.ErrUniqueViolation)
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithLogger sets the logger.
func WithLogger(l *zerolog.Logger) Option {
	return func(a *Allocator) { a.logger = l }
}
