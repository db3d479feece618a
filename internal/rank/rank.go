// Package rank implements the authority ranking used to pick a winner among
// duplicate records.
//
// A Table is an ordered list of tags (usually data-source or author names)
// read once from a rank table sorted by rank ascending. The tag at position
// 0 is the most authoritative. Lookups are case-insensitive and unknown tags
// rank below every known tag.
package rank

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/rs/zerolog"

	"github.com/Benny93/rowmerge/internal/logging"
	"github.com/Benny93/rowmerge/internal/record"
	"github.com/Benny93/rowmerge/internal/storage"
)

// Unranked is the priority of a null or unknown tag.
const Unranked = math.MaxInt

var (
	// ErrInvalidParameter is returned for missing load parameters.
	ErrInvalidParameter = errors.New("invalid rank table parameter")

	// ErrDuplicateTag matches every *DuplicateTagError.
	ErrDuplicateTag = errors.New("duplicate tag in rank table")

	// ErrInvalidRank is returned when a rank value is not an integer.
	ErrInvalidRank = errors.New("rank is not an integer")
)

// DuplicateTagError reports a tag listed twice in a rank table.
type DuplicateTagError struct {
	Table string
	Tag   string
}

func (e *DuplicateTagError) Error() string {
	return fmt.Sprintf("%s: tag %q appears more than once in %s", ErrDuplicateTag, e.Tag, e.Table)
}

// Is makes errors.Is(err, ErrDuplicateTag) true.
func (e *DuplicateTagError) Is(target error) bool {
	return target == ErrDuplicateTag
}

// Source is the part of storage.DataAccess the loader reads from.
type Source interface {
	SelectRows(ctx context.Context, q storage.Query) ([]storage.Row, error)
}

// Ref names the rank table and its two columns.
type Ref struct {
	Table      string
	TagColumn  string
	RankColumn string
}

func (s Ref) key() string {
	return strings.ToUpper(s.Table + "\x00" + s.TagColumn + "\x00" + s.RankColumn)
}

// Table is an immutable authority ranking. It is safe for concurrent reads.
type Table struct {
	name     string
	tags     []string
	ranks    []int64
	priority map[string]int
}

// Load reads ref's table ordered by rank ascending and builds a Table.
//
// Missing parameters, a tag listed twice (case-insensitively) and
// non-integer ranks are errors. An empty table only logs a warning; every
// lookup on it returns Unranked.
func Load(ctx context.Context, src Source, ref Ref, opts ...Option) (*Table, error) {
	o := options{logger: logging.FromContext(ctx)}
	for _, opt := range opts {
		opt(&o)
	}

	switch {
	case src == nil:
		return nil, fmt.Errorf("%w: nil source", ErrInvalidParameter)
	case strings.TrimSpace(ref.Table) == "":
		return nil, fmt.Errorf("%w: table name is empty", ErrInvalidParameter)
	case strings.TrimSpace(ref.TagColumn) == "":
		return nil, fmt.Errorf("%w: tag column is empty", ErrInvalidParameter)
	case strings.TrimSpace(ref.RankColumn) == "":
		return nil, fmt.Errorf("%w: rank column is empty", ErrInvalidParameter)
	}

	rows, err := src.SelectRows(ctx, storage.Query{
		Table:   ref.Table,
		Columns: []string{ref.TagColumn, ref.RankColumn},
		OrderBy: ref.RankColumn,
	})
	if err != nil {
		return nil, fmt.Errorf("reading rank table %s: %w", ref.Table, err)
	}

	t := &Table{
		name:     strings.ToUpper(ref.Table),
		priority: make(map[string]int, len(rows)),
	}
	for _, row := range rows {
		if row[0] == nil {
			o.logger.Warn().Str("table", t.name).Msg("skipping rank row with null tag")
			continue
		}
		tag := strings.ToUpper(strings.TrimSpace(record.CanonicalString(row[0])))
		if _, dup := t.priority[tag]; dup {
			return nil, &DuplicateTagError{Table: t.name, Tag: tag}
		}
		r, ok := storage.ToInt64(row[1])
		if !ok {
			return nil, fmt.Errorf("%w: tag %s in %s has rank %v", ErrInvalidRank, tag, t.name, row[1])
		}
		t.priority[tag] = len(t.tags)
		t.tags = append(t.tags, tag)
		t.ranks = append(t.ranks, r)
	}

	if len(t.tags) == 0 {
		o.logger.Warn().Str("table", t.name).Msg("rank table is empty; every tag is unranked")
	} else {
		o.logger.Debug().Str("table", t.name).Strs("tags", t.tags).Msg("loaded rank table")
	}
	return t, nil
}

// Name returns the rank table name.
func (t *Table) Name() string { return t.name }

// Len returns the number of ranked tags.
func (t *Table) Len() int { return len(t.tags) }

// Tags returns the ranked tags, best first.
func (t *Table) Tags() []string {
	out := make([]string, len(t.tags))
	copy(out, t.tags)
	return out
}

// PriorityOf returns the ordinal position of tag, 0 being the best, or
// Unranked for an empty or unknown tag.
func (t *Table) PriorityOf(tag string) int {
	if t == nil || tag == "" {
		return Unranked
	}
	if p, ok := t.priority[strings.ToUpper(strings.TrimSpace(tag))]; ok {
		return p
	}
	return Unranked
}

// RankOf returns the rank value stored for tag.
func (t *Table) RankOf(tag string) (int64, bool) {
	p := t.PriorityOf(tag)
	if p == Unranked {
		return 0, false
	}
	return t.ranks[p], true
}

// PickBest returns the item whose tag has the best priority. Ties go to
// the earliest item. ok is false for an empty slice.
func PickBest[T any](t *Table, items []T, tag func(T) string) (best T, ok bool) {
	bestPriority := 0
	for i, item := range items {
		p := t.PriorityOf(tag(item))
		if i == 0 || p < bestPriority {
			best, bestPriority, ok = item, p, true
		}
	}
	return best, ok
}

// Option configures Load.
type Option func(*options)

type options struct {
	logger *zerolog.Logger
}

// WithLogger sets the logger used for warnings.
func WithLogger(l *zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}
